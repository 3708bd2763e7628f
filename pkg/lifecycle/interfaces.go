package lifecycle

import (
	"context"
	"fmt"

	"github.com/runplane/runplane/pkg/bus"
)

// EntityTopic carries every entity broadcast.
var EntityTopic = bus.NewTopic[EntityEvent]("lifecycle.entity")

// Repository persists entities. Implementations return store errors;
// a missing entity carries the not-found code.
type Repository interface {
	Create(ctx context.Context, e *Entity) error
	Get(ctx context.Context, id string) (*Entity, error)

	// UpdateState moves id from expected to next only if the stored state is
	// still expected, merging status into the stored status.
	UpdateState(ctx context.Context, id, expected, next, actor string, status map[string]interface{}) (*Entity, error)

	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]*Entity, error)
}

// Transition describes an applied state change handed to listeners.
type Transition struct {
	Entity   *Entity
	From     string
	To       string
	Event    string
	Observed bool
}

// Listener runs a side effect after a transition is persisted. Failures are
// logged and never abort the transition or the remaining listeners. A
// listener that returns an Escalation also has its event applied once the
// transition is recorded.
type Listener interface {
	Name() string
	OnTransition(ctx context.Context, tr Transition) error
}

// Escalation is a listener failure that moves the entity on with Event,
// keeping Cause under the "error" status key.
type Escalation struct {
	Event string
	Cause error
}

// Escalate returns an Escalation applying event because of cause.
func Escalate[E ~string](event E, cause error) error {
	return &Escalation{Event: string(event), Cause: cause}
}

func (e *Escalation) Error() string {
	return fmt.Sprintf("%s: %v", e.Event, e.Cause)
}

func (e *Escalation) Unwrap() error { return e.Cause }

// ListenerFunc adapts a function to Listener.
type ListenerFunc struct {
	ListenerName string
	Fn           func(ctx context.Context, tr Transition) error
}

// Name returns the listener name.
func (f ListenerFunc) Name() string { return f.ListenerName }

// OnTransition calls Fn.
func (f ListenerFunc) OnTransition(ctx context.Context, tr Transition) error {
	return f.Fn(ctx, tr)
}

// Notification roles.
const (
	RoleActor = "actor"
	RoleOwner = "owner"
)

// Notification is one user-facing message about a transition.
type Notification struct {
	Recipient string
	Role      string
	Entity    *Entity
	Event     string
	From      string
	To        string
}

// Notifier delivers notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
