package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/spec"
	"github.com/runplane/runplane/pkg/telemetry"
	"github.com/spf13/cast"
)

// Dispatcher turns firings into runs and records every outcome.
type Dispatcher struct {
	submitter RunSubmitter
	log       FiringLog
	scripts   ScriptEvaluator
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

// NewDispatcher creates a dispatcher. log may be nil, in which case firings
// are only logged.
func NewDispatcher(submitter RunSubmitter, log FiringLog, tel *telemetry.Telemetry) *Dispatcher {
	tel = telemetry.OrNop(tel)
	return &Dispatcher{
		submitter: submitter,
		log:       log,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("trigger.dispatcher"),
	}
}

// WithScripts sets the evaluator of trigger template scripts.
func (d *Dispatcher) WithScripts(scripts ScriptEvaluator) *Dispatcher {
	d.scripts = scripts
	return d
}

// Fire creates a run for one firing of t. The template is the function
// layer and the firing context the run layer, so template keys win.
// run is completed in place and recorded whatever the outcome.
func (d *Dispatcher) Fire(ctx context.Context, actuator string, t *Trigger, run *TriggerRun) TriggerRunStatus {
	ctx, span := d.tel.Tracer.StartFiringSpan(ctx, actuator, t.Key())
	defer span.End()

	d.stamp(actuator, t, run)
	runID, err := d.submit(ctx, t, run)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return d.complete(ctx, run, runID, err)
}

// Fail records a firing of t that failed before a run could be submitted.
func (d *Dispatcher) Fail(ctx context.Context, actuator string, t *Trigger, run *TriggerRun, cause error) TriggerRunStatus {
	d.stamp(actuator, t, run)
	return d.complete(ctx, run, "", cause)
}

func (d *Dispatcher) stamp(actuator string, t *Trigger, run *TriggerRun) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.FiredAt.IsZero() {
		run.FiredAt = time.Now().UTC()
	}
	run.TriggerID = t.ID
	run.TriggerKey = t.Key()
	run.Project = t.Project
	run.Actuator = actuator
}

func (d *Dispatcher) complete(ctx context.Context, run *TriggerRun, runID string, err error) TriggerRunStatus {
	log := d.logger.WithTrigger(run.TriggerKey).WithField("firing_id", run.ID)
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err.Error()
		log.WithError(err).Warn("firing did not produce a run")
	} else {
		run.Status = RunStatusSubmitted
		run.RunID = runID
		log.WithRunID(runID).Info("trigger fired")
	}
	d.tel.Metrics.RecordFiring(run.Actuator, string(run.Status))

	if d.log != nil {
		if err := d.log.Record(ctx, *run); err != nil {
			log.WithError(err).Error("failed to record firing")
		}
	}
	return run.Status
}

func (d *Dispatcher) submit(ctx context.Context, t *Trigger, run *TriggerRun) (string, error) {
	runLayer := run.Context
	if t.Script != "" {
		params, err := d.script(ctx, t, run)
		if err != nil {
			return "", err
		}
		runLayer = withParameters(run.Context, params)
	}
	layer := spec.Flatten(runLayer, t.Template, nil)
	if _, err := spec.FromMap(&spec.RunSpec{}, layer); err != nil {
		return "", engine.NewConfigurationError("trigger template does not form a valid run spec", err).
			WithEntity(t.ID).
			WithCode(engine.ErrCodeTemplateInvalid)
	}
	if d.submitter == nil {
		return "", engine.NewConfigurationError("no run submitter configured", nil).WithEntity(t.ID)
	}
	return d.submitter.SubmitRun(ctx, RunRequest{
		Project:    t.Project,
		Task:       t.Task,
		Function:   t.Function,
		Run:        layer,
		Actor:      t.CreatedBy,
		TriggerKey: run.TriggerKey,
	})
}

// script runs the template script of t for one firing.
func (d *Dispatcher) script(ctx context.Context, t *Trigger, run *TriggerRun) (map[string]interface{}, error) {
	if d.scripts == nil {
		return nil, engine.NewConfigurationError("no script evaluator configured", nil).WithEntity(t.ID)
	}
	res, err := d.scripts.Evaluate(ctx, t.Script, map[string]interface{}{
		"context":  engine.CloneMap(run.Context),
		"details":  engine.CloneMap(run.Details),
		"fired_at": run.FiredAt,
		"trigger": map[string]interface{}{
			"key":     t.Key(),
			"project": t.Project,
			"name":    t.Name,
			"task":    t.Task,
		},
	})
	if err != nil {
		return nil, engine.NewConfigurationError("trigger script failed", err).
			WithEntity(t.ID).
			WithCode(engine.ErrCodeTemplateInvalid)
	}
	if run.Details == nil {
		run.Details = make(map[string]interface{})
	}
	run.Details["script_time"] = res.ExecutionTime.String()
	return res.Output, nil
}

// withParameters copies the firing context with params merged over its
// parameters.
func withParameters(fctx, params map[string]interface{}) map[string]interface{} {
	out := engine.CloneMap(fctx)
	if out == nil {
		out = make(map[string]interface{}, 1)
	}
	merged := cast.ToStringMap(out["parameters"])
	if merged == nil {
		merged = make(map[string]interface{}, len(params))
	}
	for k, v := range params {
		merged[k] = v
	}
	out["parameters"] = merged
	return out
}

// MemoryFiringLog keeps firings in memory.
type MemoryFiringLog struct {
	mu   sync.RWMutex
	runs map[string][]TriggerRun
}

// NewMemoryFiringLog creates an empty log.
func NewMemoryFiringLog() *MemoryFiringLog {
	return &MemoryFiringLog{runs: make(map[string][]TriggerRun)}
}

// Record appends a firing.
func (m *MemoryFiringLog) Record(_ context.Context, run TriggerRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Context = engine.CloneMap(run.Context)
	run.Details = engine.CloneMap(run.Details)
	m.runs[run.TriggerID] = append(m.runs[run.TriggerID], run)
	return nil
}

// List returns the newest firings of triggerID first.
func (m *MemoryFiringLog) List(_ context.Context, triggerID string, limit int) ([]TriggerRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.runs[triggerID]
	out := make([]TriggerRun, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
