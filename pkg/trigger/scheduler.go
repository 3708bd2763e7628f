package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/runplane/runplane/pkg/telemetry"
)

// Schedules accept five fields, an optional leading seconds field, and the
// @every / @hourly style descriptors.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule checks a cron expression.
func ParseSchedule(spec string) error {
	_, err := scheduleParser.Parse(spec)
	return err
}

// CronScheduler is the Scheduler backed by robfig/cron.
type CronScheduler struct {
	cron   *cron.Cron
	mu     sync.Mutex
	jobs   map[string]cron.EntryID
	logger *telemetry.Logger
}

// NewCronScheduler creates a scheduler evaluating schedules in loc. A nil
// loc means UTC.
func NewCronScheduler(loc *time.Location, logger *telemetry.Logger) *CronScheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("trigger.scheduler")
	cl := cronLogger{logger: logger}
	return &CronScheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(scheduleParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]cron.EntryID),
		logger: logger,
	}
}

// Schedule registers fn under key, replacing a previous registration.
func (s *CronScheduler) Schedule(key, spec string, fn func()) error {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[key]; ok {
		s.cron.Remove(id)
	}
	s.jobs[key] = s.cron.Schedule(sched, cron.FuncJob(fn))
	s.logger.WithField("key", key).WithField("schedule", spec).Debug("job scheduled")
	return nil
}

// Unschedule removes key.
func (s *CronScheduler) Unschedule(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobs[key]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.jobs, key)
	return true
}

// Next returns the next activation of key.
func (s *CronScheduler) Next(key string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.jobs[key]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start starts the scheduler in its own goroutine.
func (s *CronScheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs.
func (s *CronScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the telemetry logger to cron.Logger.
type cronLogger struct {
	logger *telemetry.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
