package trigger

import (
	"context"
	"fmt"

	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/runplane/runplane/pkg/telemetry"
)

// Manager is the lifecycle manager of trigger entities.
type Manager = lifecycle.Manager[lifecycle.TriggerState, lifecycle.TriggerEvent]

// ServiceOptions carries the optional collaborators of a Service.
type ServiceOptions struct {
	Firings   FiringLog
	Audit     engine.AuditLog
	Notifier  lifecycle.Notifier
	Telemetry *telemetry.Telemetry
}

// Service manages triggers as lifecycle entities. Entering RUNNING registers
// the trigger with the actuator for its condition kind and leaving RUNNING
// deregisters it. Firings published by the actuators are consumed here and
// handed back to the actuator's OnFire.
type Service struct {
	manager   *Manager
	actuators map[ConditionKind]Actuator
	firings   FiringLog
	sub       *bus.Subscription
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

// NewService creates the trigger service over repo and subscribes it to
// ExecutionTopic on b.
func NewService(repo lifecycle.Repository, b *bus.Bus, opts ServiceOptions, actuators ...Actuator) (*Service, error) {
	tel := telemetry.OrNop(opts.Telemetry)
	s := &Service{
		actuators: make(map[ConditionKind]Actuator, len(actuators)),
		firings:   opts.Firings,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("trigger.service"),
	}
	for _, a := range actuators {
		if _, exists := s.actuators[a.Kind()]; exists {
			return nil, fmt.Errorf("actuator for %s conditions already registered", a.Kind())
		}
		s.actuators[a.Kind()] = a
	}

	s.manager = lifecycle.NewManager(lifecycle.KindTrigger, lifecycle.TriggerCreated, lifecycle.TriggerMachine(), repo, lifecycle.Options{
		Listeners: []lifecycle.Listener{lifecycle.ListenerFunc{ListenerName: "actuator", Fn: s.onTransition}},
		Audit:     opts.Audit,
		Notifier:  opts.Notifier,
		Bus:       b,
		Telemetry: tel,
	})
	// Submitting a fired run publishes entity events back to the actuators
	// that feed this topic, so the hand-off must never block.
	s.sub = bus.Subscribe(b, ExecutionTopic, "trigger.service", s.onExecution, bus.Unbounded())
	return s, nil
}

// Manager returns the trigger lifecycle manager.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Create validates and persists t, then starts it.
func (s *Service) Create(ctx context.Context, t *Trigger) (*lifecycle.Entity, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.actuator(t); err != nil {
		return nil, err
	}
	created, err := s.manager.Create(ctx, t.ToEntity())
	if err != nil {
		return nil, err
	}
	return s.perform(ctx, created.ID, t.CreatedBy, lifecycle.TriggerRun)
}

// Start moves a trigger to RUNNING.
func (s *Service) Start(ctx context.Context, id, actor string) (*lifecycle.Entity, error) {
	return s.perform(ctx, id, actor, lifecycle.TriggerRun)
}

// Stop moves a trigger to STOPPED.
func (s *Service) Stop(ctx context.Context, id, actor string) (*lifecycle.Entity, error) {
	return s.perform(ctx, id, actor, lifecycle.TriggerStop)
}

// Delete moves a trigger to DELETED. The record and its firings are kept.
func (s *Service) Delete(ctx context.Context, id, actor string) (*lifecycle.Entity, error) {
	return s.perform(ctx, id, actor, lifecycle.TriggerDelete)
}

// Get loads a trigger and its entity.
func (s *Service) Get(ctx context.Context, id string) (*Trigger, *lifecycle.Entity, error) {
	e, err := s.manager.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	t, err := FromEntity(e)
	if err != nil {
		return nil, nil, engine.NewStoreError("stored trigger is unreadable", err).WithEntity(id)
	}
	return t, e, nil
}

// List returns the trigger entities of project, or of every project when
// project is empty.
func (s *Service) List(ctx context.Context, project string) ([]*lifecycle.Entity, error) {
	return s.repo().List(ctx, lifecycle.Filter{Kind: lifecycle.KindTrigger, Project: project})
}

// Firings returns the newest firings of a trigger first.
func (s *Service) Firings(ctx context.Context, id string, limit int) ([]TriggerRun, error) {
	if s.firings == nil {
		return nil, nil
	}
	return s.firings.List(ctx, id, limit)
}

// Restore re-registers every RUNNING trigger, e.g. after a restart. It
// returns the number of triggers registered.
func (s *Service) Restore(ctx context.Context) (int, error) {
	running, err := s.repo().List(ctx, lifecycle.Filter{Kind: lifecycle.KindTrigger, State: string(lifecycle.TriggerRunning)})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range running {
		if err := s.register(ctx, e); err != nil {
			s.logger.WithEntity(e.Kind, e.ID).WithError(err).Warn("failed to restore trigger")
			continue
		}
		n++
	}
	return n, nil
}

// Close stops consuming firings.
func (s *Service) Close() {
	s.sub.Unsubscribe()
}

func (s *Service) repo() lifecycle.Repository {
	return s.manager.Repository()
}

func (s *Service) actuator(t *Trigger) (Actuator, error) {
	a, ok := s.actuators[t.Condition.Kind()]
	if !ok {
		return nil, engine.NewConfigurationError("no actuator for trigger condition", nil).
			WithEntity(t.ID).
			WithCode(engine.ErrCodeActuatorNotFound).
			WithDetail("condition", string(t.Condition.Kind()))
	}
	return a, nil
}

func (s *Service) register(ctx context.Context, e *lifecycle.Entity) error {
	t, err := FromEntity(e)
	if err != nil {
		return err
	}
	a, err := s.actuator(t)
	if err != nil {
		return err
	}
	_, err = a.Run(ctx, t)
	return err
}

func (s *Service) onTransition(ctx context.Context, tr lifecycle.Transition) error {
	running := string(lifecycle.TriggerRunning)
	switch {
	case tr.To == running:
		if err := s.register(ctx, tr.Entity); err != nil {
			return lifecycle.Escalate(lifecycle.TriggerFail, err)
		}
	case tr.From == running:
		t, err := FromEntity(tr.Entity)
		if err != nil {
			return err
		}
		a, err := s.actuator(t)
		if err != nil {
			return err
		}
		return a.Stop(ctx, t)
	}
	return nil
}

func (s *Service) onExecution(ctx context.Context, ev TriggerExecutionEvent) error {
	log := s.logger.WithTrigger(ev.Job.Key)

	t, e, err := s.Get(ctx, ev.Job.ID)
	if err != nil {
		log.WithError(err).Warn("firing for unknown trigger dropped")
		return nil
	}
	if e.State != string(lifecycle.TriggerRunning) {
		log.WithField("state", e.State).Debug("firing for inactive trigger dropped")
		return nil
	}
	a, err := s.actuator(t)
	if err != nil {
		log.WithError(err).Error("firing without actuator dropped")
		return nil
	}

	run := &TriggerRun{
		Context: engine.CloneMap(ev.Context),
		Details: engine.CloneMap(ev.Details),
		FiredAt: ev.FiredAt,
	}
	a.OnFire(ctx, t, run)
	return nil
}

// perform applies event. The returned entity is in ERROR when the actuator
// could not register the trigger.
func (s *Service) perform(ctx context.Context, id, actor string, event lifecycle.TriggerEvent) (*lifecycle.Entity, error) {
	return s.manager.Perform(ctx, &lifecycle.Entity{ID: id, UpdatedBy: actor}, event)
}
