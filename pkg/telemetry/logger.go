package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the fields kernel components log by:
// component, runnable, entity and trigger.
type Logger struct {
	zlog zerolog.Logger

	// out is the log file opened by NewLogger, if any. Shared by children.
	out io.Closer
}

// NewLogger builds a logger writing to stdout, stderr or a file path.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, closer, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, out: closer}, nil
}

func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewWriterLogger returns a JSON logger writing to w at debug level.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{zlog: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()}
}

// Close closes the log file, if the logger writes to one.
func (l *Logger) Close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// Zerolog returns the underlying zerolog logger for packages that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) child(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger(), out: l.out}
}

// NewComponentLogger derives the logger of one kernel component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Str("component", component)
	})
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Fields(fields)
	})
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Interface(key, value)
	})
}

func (l *Logger) WithError(err error) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Err(err)
	})
}

// WithRunID tags entries with the id of a run entity.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithField("run_id", runID)
}

// WithRunnable tags entries with a runnable and the framework it runs on.
func (l *Logger) WithRunnable(id, framework string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Str("runnable_id", id).Str("framework", framework)
	})
}

// WithEntity tags entries with a lifecycle entity.
func (l *Logger) WithEntity(kind, id string) *Logger {
	return l.child(func(c zerolog.Context) zerolog.Context {
		return c.Str("entity_kind", kind).Str("entity_id", id)
	})
}

// WithTrigger tags entries with a trigger key.
func (l *Logger) WithTrigger(key string) *Logger {
	return l.WithField("trigger_key", key)
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
