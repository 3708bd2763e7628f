package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/fsm"
	"github.com/runplane/runplane/pkg/telemetry"
)

// Options carries the collaborators of a Manager. All are optional except
// where noted on NewManager.
type Options struct {
	Listeners []Listener
	Audit     engine.AuditLog
	Notifier  Notifier
	Bus       *bus.Bus
	Telemetry *telemetry.Telemetry
}

// Manager applies FSM transitions for one entity kind and runs the
// notification chain after each persisted change.
type Manager[S ~string, E ~string] struct {
	kind      string
	initial   S
	machine   *fsm.Machine[S, E]
	repo      Repository
	listeners []Listener
	audit     engine.AuditLog
	notifier  Notifier
	bus       *bus.Bus
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
}

// NewManager creates a manager for kind. machine and repo are required;
// initial is the state assigned by Create.
func NewManager[S ~string, E ~string](kind string, initial S, machine *fsm.Machine[S, E], repo Repository, opts Options) *Manager[S, E] {
	tel := telemetry.OrNop(opts.Telemetry)
	listeners := make([]Listener, len(opts.Listeners))
	copy(listeners, opts.Listeners)
	return &Manager[S, E]{
		kind:      kind,
		initial:   initial,
		machine:   machine,
		repo:      repo,
		listeners: listeners,
		audit:     opts.Audit,
		notifier:  opts.Notifier,
		bus:       opts.Bus,
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("lifecycle." + kind),
	}
}

// Kind returns the entity kind this manager governs.
func (m *Manager[S, E]) Kind() string {
	return m.kind
}

// Machine returns the transition table.
func (m *Manager[S, E]) Machine() *fsm.Machine[S, E] {
	return m.machine
}

// Repository returns the entity repository.
func (m *Manager[S, E]) Repository() Repository {
	return m.repo
}

// Get loads an entity.
func (m *Manager[S, E]) Get(ctx context.Context, id string) (*Entity, error) {
	return m.repo.Get(ctx, id)
}

// Create persists a new entity in the initial state and broadcasts it.
func (m *Manager[S, E]) Create(ctx context.Context, e *Entity) (*Entity, error) {
	created := e.Clone()
	created.Kind = m.kind
	created.State = string(m.initial)
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	created.CreatedAt = now
	created.UpdatedAt = now
	if created.UpdatedBy == "" {
		created.UpdatedBy = created.CreatedBy
	}

	if err := m.repo.Create(ctx, created); err != nil {
		return nil, err
	}

	m.appendAudit(ctx, created, "CREATE", "", created.State, created.CreatedBy, false)
	m.broadcast(ctx, EntityEvent{Action: ActionCreate, Kind: m.kind, Current: created.Clone()})

	return created, nil
}

// Delete removes the entity from the repository and broadcasts the deletion.
// Use Perform with a delete event when the kind models deletion as a state.
func (m *Manager[S, E]) Delete(ctx context.Context, id string) error {
	cur, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.broadcast(ctx, EntityEvent{Action: ActionDelete, Kind: m.kind, Previous: cur})
	return nil
}

// Perform applies a caller-raised event. The entity's current state is read
// from the repository; the passed entity supplies the id, the acting user in
// UpdatedBy, and status keys to merge.
func (m *Manager[S, E]) Perform(ctx context.Context, e *Entity, event E) (*Entity, error) {
	ctx, span := m.tel.Tracer.StartTransitionSpan(ctx, m.kind, e.ID, "perform")
	defer span.End()
	span.SetAttributes(telemetry.AttrEvent.String(string(event)))

	cur, err := m.repo.Get(ctx, e.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	next, err := m.machine.Transition(S(cur.State), event)
	if err != nil {
		m.tel.Metrics.RecordRejectedTransition(m.kind, cur.State)
		telemetry.RecordError(span, err)
		return nil, withEntity(err, e.ID, "perform")
	}

	updated, err := m.apply(ctx, cur, e, string(event), string(next), false)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return updated, nil
}

// Handle accepts an externally observed state. The state must be directly
// reachable from the current one; observing the current state again is a
// no-op that returns the stored entity.
func (m *Manager[S, E]) Handle(ctx context.Context, e *Entity, observed S) (*Entity, error) {
	ctx, span := m.tel.Tracer.StartTransitionSpan(ctx, m.kind, e.ID, "handle")
	defer span.End()
	span.SetAttributes(telemetry.AttrState.String(string(observed)))

	cur, err := m.repo.Get(ctx, e.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	if S(cur.State) == observed {
		return cur, nil
	}

	event, err := m.machine.EventFor(S(cur.State), observed)
	if err != nil {
		m.tel.Metrics.RecordRejectedTransition(m.kind, cur.State)
		telemetry.RecordError(span, err)
		return nil, withEntity(err, e.ID, "handle")
	}

	updated, err := m.apply(ctx, cur, e, string(event), string(observed), true)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return updated, nil
}

func (m *Manager[S, E]) apply(ctx context.Context, cur, req *Entity, event, next string, observed bool) (*Entity, error) {
	actor := req.UpdatedBy
	if actor == "" {
		actor = cur.UpdatedBy
	}

	updated, err := m.repo.UpdateState(ctx, cur.ID, cur.State, next, actor, req.Status)
	if err != nil {
		return nil, err
	}

	m.tel.Metrics.RecordTransition(m.kind, cur.State, next)
	log := m.logger.WithFields(map[string]interface{}{
		"entity_id": cur.ID,
		"event":     event,
		"from":      cur.State,
		"to":        next,
		"observed":  observed,
	})
	log.Debug("transition applied")

	tr := Transition{
		Entity:   updated.Clone(),
		From:     cur.State,
		To:       next,
		Event:    event,
		Observed: observed,
	}
	var esc *Escalation
	for _, l := range m.listeners {
		if err := m.runListener(ctx, l, tr); err != nil {
			m.tel.Metrics.RecordListenerFailure(m.kind, l.Name())
			log.WithError(err).WithField("listener", l.Name()).Warn("listener failed")
			var e *Escalation
			if esc == nil && errors.As(err, &e) {
				esc = e
			}
		}
	}

	m.appendAudit(ctx, updated, event, cur.State, next, actor, observed)
	m.broadcast(ctx, EntityEvent{
		Action:   ActionUpdate,
		Kind:     m.kind,
		Event:    event,
		Previous: cur,
		Current:  updated.Clone(),
	})
	m.notify(ctx, updated, event, cur.State, next)

	if esc == nil {
		return updated, nil
	}
	escalated, err := m.Perform(ctx, &Entity{
		ID:        cur.ID,
		UpdatedBy: actor,
		Status:    map[string]interface{}{"error": esc.Cause.Error()},
	}, E(esc.Event))
	if err != nil {
		log.WithError(err).WithField("escalation", esc.Event).Warn("escalation rejected")
		return updated, nil
	}
	return escalated, nil
}

func (m *Manager[S, E]) runListener(ctx context.Context, l Listener, tr Transition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.OnTransition(ctx, tr)
}

func (m *Manager[S, E]) appendAudit(ctx context.Context, e *Entity, event, from, to, actor string, observed bool) {
	if m.audit == nil {
		return
	}
	rec := engine.TransitionRecord{
		ID:         uuid.New().String(),
		EntityID:   e.ID,
		EntityKind: m.kind,
		Event:      event,
		From:       from,
		To:         to,
		Actor:      actor,
		Observed:   observed,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.audit.Append(ctx, rec); err != nil {
		m.logger.WithEntity(m.kind, e.ID).WithError(err).Error("failed to append audit record")
	}
}

func (m *Manager[S, E]) broadcast(ctx context.Context, ev EntityEvent) {
	if m.bus == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := bus.Publish(ctx, m.bus, EntityTopic, ev); err != nil {
		m.logger.WithError(err).WithField("action", string(ev.Action)).Warn("failed to broadcast entity event")
	}
}

// notify sends one notification to the owner, plus one to the actor when
// someone other than the owner made the change.
func (m *Manager[S, E]) notify(ctx context.Context, e *Entity, event, from, to string) {
	if m.notifier == nil {
		return
	}
	base := Notification{Entity: e.Clone(), Event: event, From: from, To: to}

	var out []Notification
	if e.UpdatedBy != "" && e.UpdatedBy != e.CreatedBy {
		actor := base
		actor.Recipient, actor.Role = e.UpdatedBy, RoleActor
		out = append(out, actor)
	}
	owner := base
	owner.Recipient, owner.Role = e.CreatedBy, RoleOwner
	out = append(out, owner)

	for _, n := range out {
		if err := m.notifier.Notify(ctx, n); err != nil {
			m.logger.WithEntity(m.kind, e.ID).WithError(err).WithField("recipient", n.Recipient).Warn("notification failed")
			continue
		}
		m.tel.Metrics.RecordNotification(m.kind, n.Role)
	}
}

func withEntity(err error, id, op string) error {
	if ee, ok := err.(*engine.EngineError); ok {
		return ee.WithEntity(id).WithOperation(op)
	}
	return err
}
