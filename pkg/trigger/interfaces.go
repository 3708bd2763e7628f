package trigger

import (
	"context"

	"github.com/runplane/runplane/pkg/config"
)

// Actuator registers triggers of one condition kind and turns firings into runs.
// Run replaces an existing registration for the same trigger; Stop on an
// unregistered trigger is a no-op.
type Actuator interface {
	// Name identifies the actuator in jobs, metrics and firing records.
	Name() string

	// Kind returns the condition kind the actuator handles.
	Kind() ConditionKind

	// Run registers the trigger.
	Run(ctx context.Context, t *Trigger) (*TriggerJob, error)

	// Stop deregisters the trigger.
	Stop(ctx context.Context, t *Trigger) error

	// OnFire turns one firing into a new run. The record is completed with
	// the outcome; a failure is reported in the status, never dropped.
	OnFire(ctx context.Context, t *Trigger, run *TriggerRun) TriggerRunStatus
}

// Scheduler is the timer primitive behind scheduled triggers.
type Scheduler interface {
	// Schedule registers fn under key, replacing a previous registration.
	Schedule(key, spec string, fn func()) error

	// Unschedule removes key. It reports whether key was registered.
	Unschedule(key string) bool

	Start()

	// Stop halts the scheduler and waits for running callbacks.
	Stop(ctx context.Context) error
}

// RunRequest asks for a new run on behalf of a trigger.
type RunRequest struct {
	Project  string
	Task     string
	Function string
	Run      map[string]interface{}
	Actor    string

	// TriggerKey is recorded on the run as its origin.
	TriggerKey string
}

// RunSubmitter creates runs. It returns the new run id.
type RunSubmitter interface {
	SubmitRun(ctx context.Context, req RunRequest) (string, error)
}

// FiringLog persists trigger firings.
type FiringLog interface {
	Record(ctx context.Context, run TriggerRun) error

	// List returns the newest firings of a trigger first. limit <= 0 means all.
	List(ctx context.Context, triggerID string, limit int) ([]TriggerRun, error)
}

// FilterEvaluator evaluates boolean filter expressions.
type FilterEvaluator interface {
	EvaluateBool(ctx context.Context, expr string, vars map[string]interface{}) (bool, error)
}

// ScriptEvaluator runs template scripts and returns their public globals.
type ScriptEvaluator interface {
	Evaluate(ctx context.Context, script string, input map[string]interface{}) (*config.StarlarkResult, error)
}
