package kernel

import (
	"context"
	"fmt"

	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/runplane/runplane/pkg/runtime"
	"github.com/runplane/runplane/pkg/trigger"
)

// SubmitRequest asks for a new run. Function and task specs missing from the
// request are resolved from the catalog.
type SubmitRequest struct {
	// ID is the run id. Generated when empty.
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	Project string `json:"project" yaml:"project" validate:"required"`

	// Task is the task key, "<runtime>+<kind>".
	Task string `json:"task" yaml:"task" validate:"required,contains=+"`

	// Function names a catalog function.
	Function string `json:"function,omitempty" yaml:"function,omitempty"`

	FunctionSpec map[string]interface{} `json:"function_spec,omitempty" yaml:"function_spec,omitempty"`
	TaskSpec     map[string]interface{} `json:"task_spec,omitempty" yaml:"task_spec,omitempty"`
	Run          map[string]interface{} `json:"run,omitempty" yaml:"run,omitempty"`

	Actor string `json:"actor,omitempty" yaml:"actor,omitempty"`

	// Origin is the key of the trigger that requested the run, if any.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Run is a run entity with the latest runnable the reconcile loop stored for
// it. Runnable is nil once the run is deleted.
type Run struct {
	Entity   *lifecycle.Entity `json:"entity"`
	Runnable *engine.Runnable  `json:"runnable,omitempty"`
}

// Compose resolves and composes req without creating a run.
func (k *Kernel) Compose(ctx context.Context, req SubmitRequest) (*runtime.Result, error) {
	if err := k.validate.Struct(req); err != nil {
		return nil, engine.NewConfigurationError("invalid run request", err)
	}

	fn, ts := req.FunctionSpec, req.TaskSpec
	if fn == nil || ts == nil {
		cfn, cts, err := k.catalog.Resolve(req.Project, req.Task, req.Function)
		if err != nil {
			return nil, err
		}
		if fn == nil {
			fn = cfn
		}
		if ts == nil {
			ts = cts
		}
	}

	run := engine.CloneMap(req.Run)
	if run == nil {
		run = map[string]interface{}{}
	}
	if _, ok := run["function"]; !ok && req.Function != "" {
		run["function"] = req.Function
	}

	return k.composer.Compose(ctx, runtime.Request{
		ID:       req.ID,
		Project:  req.Project,
		Task:     req.Task,
		Function: fn,
		TaskSpec: ts,
		Run:      run,
	})
}

// Submit composes req, creates the run entity and hands the runnable to the
// reconcile loop. Configuration errors are returned before anything is
// persisted.
func (k *Kernel) Submit(ctx context.Context, req SubmitRequest) (*lifecycle.Entity, error) {
	res, err := k.Compose(ctx, req)
	if err != nil {
		return nil, err
	}
	r := res.Runnable
	if _, err := k.router.Listener(r.Framework); err != nil {
		return nil, err
	}

	status := map[string]interface{}{
		"runtime":   r.Runtime,
		"task":      r.Task,
		"framework": r.Framework,
	}
	if req.Origin != "" {
		status["origin"] = req.Origin
	}
	e := &lifecycle.Entity{
		ID:        r.ID,
		Project:   r.Project,
		Name:      runName(req),
		CreatedBy: req.Actor,
		Spec:      res.Spec.ToMap(),
		Status:    status,
	}
	if req.Function != "" {
		e.Relationships = []lifecycle.Relationship{{
			Type: lifecycle.RelRunOf,
			Dest: fmt.Sprintf("store://%s/%s/%s", r.Project, lifecycle.KindFunction, req.Function),
		}}
	}

	created, err := k.runs.Create(ctx, e)
	if err != nil {
		return nil, err
	}
	log := k.logger.WithEntity(lifecycle.KindRun, created.ID)
	intent := &lifecycle.Entity{ID: created.ID, UpdatedBy: req.Actor}

	if _, err := k.runs.Perform(ctx, intent, lifecycle.RunBuild); err != nil {
		return nil, err
	}
	if err := k.runnables.Store(ctx, r.ID, r); err != nil {
		if !engine.IsStore(err) {
			err = engine.NewStoreError("failed to store runnable", err).WithEntity(r.ID).WithOperation("submit")
		}
		failed := &lifecycle.Entity{ID: created.ID, UpdatedBy: req.Actor, Status: map[string]interface{}{"error": err.Error()}}
		if _, perr := k.runs.Perform(ctx, failed, lifecycle.RunError); perr != nil {
			log.WithError(perr).Warn("failed to mark run as failed")
		}
		return nil, err
	}

	ready, err := k.runs.Perform(ctx, intent, lifecycle.RunReady)
	if err != nil {
		return nil, err
	}
	log.WithFields(map[string]interface{}{
		"task":      r.Task,
		"framework": r.Framework,
		"actor":     req.Actor,
	}).Info("run submitted")
	return ready, nil
}

// SubmitRun creates a run on behalf of a trigger.
func (k *Kernel) SubmitRun(ctx context.Context, req trigger.RunRequest) (string, error) {
	e, err := k.Submit(ctx, SubmitRequest{
		Project:  req.Project,
		Task:     req.Task,
		Function: req.Function,
		Run:      req.Run,
		Actor:    req.Actor,
		Origin:   req.TriggerKey,
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// Stop asks the framework to stop a run.
func (k *Kernel) Stop(ctx context.Context, id, actor string) (*lifecycle.Entity, error) {
	return k.runs.Perform(ctx, &lifecycle.Entity{ID: id, UpdatedBy: actor}, lifecycle.RunStop)
}

// Resume re-dispatches a stopped or failed run.
func (k *Kernel) Resume(ctx context.Context, id, actor string) (*lifecycle.Entity, error) {
	return k.runs.Perform(ctx, &lifecycle.Entity{ID: id, UpdatedBy: actor}, lifecycle.RunResume)
}

// Delete asks the framework to remove a run's resources. The run entity is
// kept in the DELETED state.
func (k *Kernel) Delete(ctx context.Context, id, actor string) (*lifecycle.Entity, error) {
	return k.runs.Perform(ctx, &lifecycle.Entity{ID: id, UpdatedBy: actor}, lifecycle.RunDelete)
}

// Get loads a run.
func (k *Kernel) Get(ctx context.Context, id string) (*Run, error) {
	e, err := k.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r, _, err := k.runnables.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Run{Entity: e, Runnable: r}, nil
}

// List returns the run entities of project, or of every project when empty.
func (k *Kernel) List(ctx context.Context, project, state string) ([]*lifecycle.Entity, error) {
	return k.entities.List(ctx, lifecycle.Filter{Kind: lifecycle.KindRun, Project: project, State: state})
}

// History returns the audit trail of an entity, oldest first.
func (k *Kernel) History(ctx context.Context, id string) ([]engine.TransitionRecord, error) {
	return k.audit.History(ctx, id)
}

// Settled reports whether a run state needs no further work from the kernel.
func Settled(state string) bool {
	switch engine.State(state) {
	case engine.StateCompleted, engine.StateError, engine.StateStopped, engine.StateDeleted:
		return true
	}
	return false
}

// Wait blocks until run id is settled or ctx ends, and returns the entity.
func (k *Kernel) Wait(ctx context.Context, id string) (*lifecycle.Entity, error) {
	updates := make(chan struct{}, 1)
	sub := bus.Subscribe(k.bus, lifecycle.EntityTopic, "kernel.wait", func(_ context.Context, ev lifecycle.EntityEvent) error {
		if e := ev.Subject(); e != nil && e.ID == id {
			select {
			case updates <- struct{}{}:
			default:
			}
		}
		return nil
	})
	defer sub.Unsubscribe()

	for {
		e, err := k.runs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if Settled(e.State) {
			return e, nil
		}
		select {
		case <-updates:
		case <-ctx.Done():
			return e, ctx.Err()
		}
	}
}

// onRunTransition hands intents raised against a run to the reconcile loop.
// A run whose intent cannot be handed off moves to ERROR with the cause.
func (k *Kernel) onRunTransition(ctx context.Context, tr lifecycle.Transition) error {
	if err := k.dispatch(ctx, tr); err != nil {
		return lifecycle.Escalate(lifecycle.RunError, err)
	}
	return nil
}

// dispatch skips observed transitions: they came from the loop.
func (k *Kernel) dispatch(ctx context.Context, tr lifecycle.Transition) error {
	if tr.Observed {
		return nil
	}
	state := engine.State(tr.To)
	switch state {
	case engine.StateReady, engine.StateStop, engine.StateDeleting:
	default:
		return nil
	}

	e := tr.Entity
	r, ok, err := k.runnables.Get(ctx, e.ID)
	if err != nil {
		return err
	}
	if !ok {
		if state != engine.StateDeleting {
			return engine.NewStoreError("no runnable stored for run", nil).
				WithEntity(e.ID).
				WithCode(engine.ErrCodeNotFound)
		}
		// Never dispatched, so there is nothing for the framework to remove.
		return k.router.Observe(ctx, &engine.Runnable{
			ID:        e.ID,
			Project:   e.Project,
			Framework: frameworkOf(e, k.cfg.Frameworks.Default),
			State:     engine.StateDeleted,
		})
	}

	prev := r.State
	r.State = state
	if state == engine.StateReady {
		r.Error = nil
		r.Message = ""
	}
	return k.router.Submit(ctx, r, prev)
}

// onRunnableChanged folds a reconciliation outcome into the owning run.
func (k *Kernel) onRunnableChanged(ctx context.Context, ev engine.RunnableChangedEvent) error {
	r := ev.Runnable
	if r == nil {
		return nil
	}
	log := k.logger.WithRunnable(r.ID, r.Framework).WithField("state", string(r.State))

	_, err := k.runs.Handle(ctx, &lifecycle.Entity{ID: r.ID, Status: runStatus(r)}, r.State)
	switch {
	case err == nil:
		return nil
	case engine.IsNotFound(err):
		log.Debug("runnable has no run entity")
		return nil
	case engine.IsStore(err):
		return err
	default:
		log.WithError(err).Warn("run did not accept reconciled state")
		return nil
	}
}

func runStatus(r *engine.Runnable) map[string]interface{} {
	status := map[string]interface{}{
		"runnable_state": string(r.State),
	}
	if r.Message != "" {
		status["message"] = r.Message
	}
	if len(r.Results) > 0 {
		status["results"] = engine.CloneMap(r.Results)
	}
	if r.Error != nil {
		errStatus := map[string]interface{}{
			"kind":    string(r.Error.Kind),
			"message": r.Error.Message,
		}
		if r.Error.Code != "" {
			errStatus["code"] = r.Error.Code
		}
		status["error"] = errStatus
	}
	return status
}

func runName(req SubmitRequest) string {
	if req.Function != "" {
		return req.Function
	}
	return req.Task
}

func frameworkOf(e *lifecycle.Entity, fallback string) string {
	if fw, ok := e.Status["framework"].(string); ok && fw != "" {
		return fw
	}
	return fallback
}
