package engine

import (
	"context"
)

// FrameworkAdapter is the contract every execution backend implements.
// Implementations must be idempotent for Stop and Delete, and a successful
// Delete must return a runnable in StateDeleted. Failures should be returned
// as framework errors (see NewFrameworkError).
type FrameworkAdapter interface {
	// Framework returns the backend name runnables select with their Framework field.
	Framework() string

	// Run starts the runnable.
	Run(ctx context.Context, r *Runnable) (*Runnable, error)

	// Stop stops the runnable.
	Stop(ctx context.Context, r *Runnable) (*Runnable, error)

	// Delete removes the runnable's backend resources.
	Delete(ctx context.Context, r *Runnable) (*Runnable, error)
}

// RunnableStore holds the latest known runnable for every id that is not yet
// deleted. Implementations must be safe for concurrent callers.
type RunnableStore interface {
	// Store saves r under id, replacing any previous entry.
	Store(ctx context.Context, id string, r *Runnable) error

	// Get returns the entry for id. The bool is false when absent.
	Get(ctx context.Context, id string) (*Runnable, bool, error)

	// Remove deletes the entry for id. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error

	// List returns entries matching the filter.
	List(ctx context.Context, filter RunnableFilter) ([]*Runnable, error)
}

// AuditLog is the append-only transition history.
type AuditLog interface {
	Append(ctx context.Context, rec TransitionRecord) error
	History(ctx context.Context, entityID string) ([]TransitionRecord, error)
}
