package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/runplane/runplane/pkg/telemetry"
)

// Actuator names.
const (
	SchedulerActuatorName = "scheduler"
	LifecycleActuatorName = "lifecycle"
)

// registry is the job bookkeeping shared by the actuators.
type registry struct {
	mu   sync.Mutex
	jobs map[string]*TriggerJob
}

func newRegistry() *registry {
	return &registry{jobs: make(map[string]*TriggerJob)}
}

// put stores job and reports whether it replaced an existing one.
func (r *registry) put(job *TriggerJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.jobs[job.Key]
	r.jobs[job.Key] = job
	return replaced
}

func (r *registry) take(key string) (*TriggerJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	delete(r.jobs, key)
	return job, ok
}

func (r *registry) list() []TriggerJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TriggerJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func newJob(t *Trigger, actuator string) *TriggerJob {
	return &TriggerJob{
		ID:       t.ID,
		Key:      t.Key(),
		Task:     t.Task,
		Project:  t.Project,
		State:    lifecycle.TriggerRunning,
		Actuator: actuator,
		Schedule: t.Condition.Schedule,
	}
}

func checkKind(t *Trigger, want ConditionKind) error {
	if got := t.Condition.Kind(); got != want {
		return engine.NewConfigurationError(fmt.Sprintf("%s actuator cannot run a %q condition", want, got), nil).
			WithEntity(t.ID).
			WithCode(engine.ErrCodeConditionInvalid)
	}
	return nil
}

// SchedulerActuator runs triggers with a cron condition. A tick publishes a
// TriggerExecutionEvent; the run is created when the event is consumed.
type SchedulerActuator struct {
	scheduler  Scheduler
	bus        *bus.Bus
	dispatcher *Dispatcher
	jobs       *registry
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
}

// NewSchedulerActuator creates the cron actuator.
func NewSchedulerActuator(scheduler Scheduler, b *bus.Bus, dispatcher *Dispatcher, tel *telemetry.Telemetry) *SchedulerActuator {
	tel = telemetry.OrNop(tel)
	return &SchedulerActuator{
		scheduler:  scheduler,
		bus:        b,
		dispatcher: dispatcher,
		jobs:       newRegistry(),
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("trigger." + SchedulerActuatorName),
	}
}

func (a *SchedulerActuator) Name() string        { return SchedulerActuatorName }
func (a *SchedulerActuator) Kind() ConditionKind { return ConditionSchedule }

// Run schedules t, replacing an earlier registration of the same trigger.
func (a *SchedulerActuator) Run(_ context.Context, t *Trigger) (*TriggerJob, error) {
	if err := checkKind(t, ConditionSchedule); err != nil {
		return nil, err
	}
	job := newJob(t, a.Name())
	snapshot := *job
	if err := a.scheduler.Schedule(job.Key, job.Schedule, func() { a.tick(snapshot) }); err != nil {
		return nil, engine.NewConfigurationError("failed to schedule trigger", err).
			WithEntity(t.ID).
			WithCode(engine.ErrCodeConditionInvalid)
	}
	if !a.jobs.put(job) {
		a.tel.Metrics.AddActiveTriggers(a.Name(), 1)
	}
	a.logger.WithTrigger(job.Key).WithField("schedule", job.Schedule).Info("trigger scheduled")
	return job, nil
}

// Stop unschedules t. Unknown triggers are ignored.
func (a *SchedulerActuator) Stop(_ context.Context, t *Trigger) error {
	key := t.Key()
	a.scheduler.Unschedule(key)
	if _, ok := a.jobs.take(key); ok {
		a.tel.Metrics.AddActiveTriggers(a.Name(), -1)
		a.logger.WithTrigger(key).Info("trigger unscheduled")
	}
	return nil
}

// OnFire creates the run for one tick.
func (a *SchedulerActuator) OnFire(ctx context.Context, t *Trigger, run *TriggerRun) TriggerRunStatus {
	return a.dispatcher.Fire(ctx, a.Name(), t, run)
}

// Jobs returns the scheduled jobs.
func (a *SchedulerActuator) Jobs() []TriggerJob {
	return a.jobs.list()
}

func (a *SchedulerActuator) tick(job TriggerJob) {
	now := time.Now().UTC()
	ev := TriggerExecutionEvent{
		Job:     job,
		Details: map[string]interface{}{"schedule": job.Schedule, "tick": now.Format(time.RFC3339)},
		FiredAt: now,
	}
	if err := bus.Publish(context.Background(), a.bus, ExecutionTopic, ev); err != nil {
		a.logger.WithTrigger(job.Key).WithError(err).Error("failed to publish scheduled firing")
	}
}

type watch struct {
	job     TriggerJob
	cond    LifecycleCondition
	trigger *Trigger
}

// LifecycleActuator runs triggers with a lifecycle condition. It watches the
// entity broadcast stream and publishes a TriggerExecutionEvent when an
// entity enters a watched state.
type LifecycleActuator struct {
	bus        *bus.Bus
	dispatcher *Dispatcher
	filters    FilterEvaluator
	graph      *lifecycle.RelationshipGraph
	sub        *bus.Subscription

	mu      sync.RWMutex
	watches map[string]*watch

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewLifecycleActuator creates the actuator and subscribes it to entity
// broadcasts. filters may be nil when no trigger uses a filter expression.
func NewLifecycleActuator(b *bus.Bus, dispatcher *Dispatcher, filters FilterEvaluator, tel *telemetry.Telemetry) *LifecycleActuator {
	tel = telemetry.OrNop(tel)
	a := &LifecycleActuator{
		bus:        b,
		dispatcher: dispatcher,
		filters:    filters,
		graph:      lifecycle.NewRelationshipGraph(),
		watches:    make(map[string]*watch),
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("trigger." + LifecycleActuatorName),
	}
	a.sub = bus.Subscribe(b, lifecycle.EntityTopic, "trigger."+LifecycleActuatorName, a.onEntity)
	return a
}

func (a *LifecycleActuator) Name() string        { return LifecycleActuatorName }
func (a *LifecycleActuator) Kind() ConditionKind { return ConditionLifecycle }

// Graph returns the relationship graph the actuator maintains.
func (a *LifecycleActuator) Graph() *lifecycle.RelationshipGraph {
	return a.graph
}

// Run starts watching for t's condition, replacing an earlier watch.
func (a *LifecycleActuator) Run(_ context.Context, t *Trigger) (*TriggerJob, error) {
	if err := checkKind(t, ConditionLifecycle); err != nil {
		return nil, err
	}
	job := newJob(t, a.Name())
	w := &watch{job: *job, cond: *t.Condition.Lifecycle, trigger: t}

	a.mu.Lock()
	_, replaced := a.watches[job.Key]
	a.watches[job.Key] = w
	a.mu.Unlock()

	if !replaced {
		a.tel.Metrics.AddActiveTriggers(a.Name(), 1)
	}
	a.logger.WithTrigger(job.Key).WithField("watched", w.cond.Key).Info("trigger watching")
	return job, nil
}

// Stop removes t's watch. Unknown triggers are ignored.
func (a *LifecycleActuator) Stop(_ context.Context, t *Trigger) error {
	key := t.Key()
	a.mu.Lock()
	_, ok := a.watches[key]
	delete(a.watches, key)
	a.mu.Unlock()
	if ok {
		a.tel.Metrics.AddActiveTriggers(a.Name(), -1)
		a.logger.WithTrigger(key).Info("trigger unwatched")
	}
	return nil
}

// OnFire creates the run for one matched transition.
func (a *LifecycleActuator) OnFire(ctx context.Context, t *Trigger, run *TriggerRun) TriggerRunStatus {
	return a.dispatcher.Fire(ctx, a.Name(), t, run)
}

// Jobs returns the active watches.
func (a *LifecycleActuator) Jobs() []TriggerJob {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]TriggerJob, 0, len(a.watches))
	for _, w := range a.watches {
		out = append(out, w.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close unsubscribes from the broadcast stream.
func (a *LifecycleActuator) Close() {
	a.sub.Unsubscribe()
}

func (a *LifecycleActuator) onEntity(ctx context.Context, ev lifecycle.EntityEvent) error {
	a.graph.Apply(ev)
	if ev.Action == lifecycle.ActionDelete || ev.Current == nil {
		return nil
	}

	a.mu.RLock()
	watches := make([]*watch, 0, len(a.watches))
	for _, w := range a.watches {
		watches = append(watches, w)
	}
	a.mu.RUnlock()

	for _, w := range watches {
		a.evaluate(ctx, w, ev)
	}
	return nil
}

func (a *LifecycleActuator) evaluate(ctx context.Context, w *watch, ev lifecycle.EntityEvent) {
	subject := ev.Current
	if !watchesState(w.cond.States, subject.State) {
		return
	}

	var path []string
	if w.cond.Relationship == "" {
		if !subject.MatchesKey(w.cond.Key) {
			return
		}
		path = []string{subject.Key()}
	} else {
		path = a.graph.Path(subject.Key(), w.cond.Key, w.cond.Relationship)
		if path == nil {
			return
		}
	}

	prev := ""
	if ev.Previous != nil {
		prev = ev.Previous.State
	}
	details := map[string]interface{}{
		"entity":         subject.Key(),
		"state":          subject.State,
		"previous_state": prev,
		"event":          ev.Event,
		"watched_key":    w.cond.Key,
		"watched_states": append([]string(nil), w.cond.States...),
		"path":           path,
	}
	if w.cond.Relationship != "" {
		details["relationship"] = w.cond.Relationship
	}
	log := a.logger.WithTrigger(w.job.Key).WithField("entity", subject.Key())

	if w.cond.Filter != "" {
		ok, err := a.filter(ctx, w.cond.Filter, subject, prev)
		if err != nil {
			log.WithError(err).Warn("trigger filter failed")
			details["filter_error"] = err.Error()
			a.dispatcher.Fail(ctx, a.Name(), w.trigger, &TriggerRun{Details: details},
				engine.NewConfigurationError("trigger filter failed", err).
					WithEntity(w.trigger.ID).
					WithCode(engine.ErrCodeConditionInvalid))
			return
		}
		if !ok {
			log.Debug("trigger filter rejected entity")
			return
		}
	}

	fired := TriggerExecutionEvent{
		Job:     w.job,
		Context: firingContext(subject),
		Details: details,
		FiredAt: time.Now().UTC(),
	}
	if err := bus.Publish(ctx, a.bus, ExecutionTopic, fired); err != nil {
		log.WithError(err).Error("failed to publish lifecycle firing")
	}
}

func (a *LifecycleActuator) filter(ctx context.Context, expr string, e *lifecycle.Entity, prev string) (bool, error) {
	if a.filters == nil {
		return false, fmt.Errorf("no filter evaluator configured")
	}
	return a.filters.EvaluateBool(ctx, expr, map[string]interface{}{
		"entity": map[string]interface{}{
			"id":             e.ID,
			"key":            e.Key(),
			"kind":           e.Kind,
			"project":        e.Project,
			"name":           e.Name,
			"state":          e.State,
			"previous_state": prev,
			"created_by":     e.CreatedBy,
			"updated_by":     e.UpdatedBy,
			"spec":           engine.CloneMap(e.Spec),
			"status":         engine.CloneMap(e.Status),
		},
	})
}

// firingContext is the run layer a lifecycle firing contributes: the
// matched entity is passed as a parameter.
func firingContext(e *lifecycle.Entity) map[string]interface{} {
	return map[string]interface{}{
		"parameters": map[string]interface{}{
			"trigger_entity": e.Key(),
			"trigger_state":  e.State,
		},
	}
}

func watchesState(states []string, state string) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
