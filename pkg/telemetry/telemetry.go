package telemetry

import (
	"context"
	"errors"
)

// Telemetry is handed to every kernel component at construction.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// NewTelemetry validates cfg and builds the logger, tracer and metrics it
// describes.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, errors.Join(err, logger.Close())
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, errors.Join(err, tracer.Shutdown(context.Background()), logger.Close())
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Config: cfg}, nil
}

// NewNop returns telemetry that logs nothing, exports nothing and records no metrics.
func NewNop() *Telemetry {
	metrics, _ := NewMetrics(MetricsConfig{})
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  NewNopTracer(),
		Metrics: metrics,
		Config:  DefaultConfig(),
	}
}

// OrNop returns t, or a no-op instance when t is nil.
func OrNop(t *Telemetry) *Telemetry {
	if t == nil {
		return NewNop()
	}
	return t
}

// Shutdown flushes pending spans and closes the log file. The metrics server
// is owned by whoever started it.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Tracer.Shutdown(ctx), t.Logger.Close())
}
