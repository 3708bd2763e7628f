package engine

import (
	"errors"
	"time"
)

// Runnable is the unit dispatched to a framework adapter. It is created by a
// runtime during composition and afterwards only mutated by the reconciliation
// loop and the adapter it delegates to.
type Runnable struct {
	// ID identifies the owning run.
	ID string `json:"id" validate:"required"`

	// Project is the project the run belongs to.
	Project string `json:"project" validate:"required"`

	// Runtime is the runtime that composed this runnable.
	Runtime string `json:"runtime" validate:"required"`

	// Task is the task kind, e.g. "container+job".
	Task string `json:"task" validate:"required"`

	// Framework selects the adapter, and with it the reconcile listener.
	Framework string `json:"framework" validate:"required"`

	// State is the declared state the reconciliation loop dispatches on.
	State State `json:"state" validate:"required"`

	// Error is set when a dispatch failed.
	Error *RunnableError `json:"error,omitempty"`

	// Message is a free-form status message from the adapter.
	Message string `json:"message,omitempty"`

	// Backend payload. Opaque to the kernel.
	Image     string                   `json:"image,omitempty"`
	Command   string                   `json:"command,omitempty"`
	Args      []string                 `json:"args,omitempty"`
	Resources map[string]string        `json:"resources,omitempty"`
	Envs      map[string]string        `json:"envs,omitempty"`
	Volumes   []map[string]interface{} `json:"volumes,omitempty"`
	Secrets   []string                 `json:"secrets,omitempty"`

	// Spec is the composed run spec this runnable was built from.
	Spec map[string]interface{} `json:"spec,omitempty"`

	// Results carries adapter outputs (exit code, logs location, ...).
	Results map[string]interface{} `json:"results,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunnableError is the inspectable error payload attached to a runnable.
type RunnableError struct {
	Kind    ErrorKind              `json:"kind"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Cause   map[string]interface{} `json:"cause,omitempty"`
}

// NewRunnableError converts an error into a runnable error payload.
func NewRunnableError(err error) *RunnableError {
	if err == nil {
		return nil
	}
	re := &RunnableError{Kind: ErrorKindFramework, Message: err.Error()}
	var ee *EngineError
	if errors.As(err, &ee) {
		re.Kind = ee.Kind
		re.Code = ee.Code
		if len(ee.Details) > 0 {
			re.Cause = CloneMap(ee.Details)
		}
	}
	return re
}

// Clone returns a deep copy of the runnable.
func (r *Runnable) Clone() *Runnable {
	if r == nil {
		return nil
	}
	c := *r
	if r.Error != nil {
		e := *r.Error
		e.Cause = CloneMap(r.Error.Cause)
		c.Error = &e
	}
	if r.Args != nil {
		c.Args = append([]string(nil), r.Args...)
	}
	if r.Secrets != nil {
		c.Secrets = append([]string(nil), r.Secrets...)
	}
	c.Resources = cloneStrings(r.Resources)
	c.Envs = cloneStrings(r.Envs)
	if r.Volumes != nil {
		c.Volumes = make([]map[string]interface{}, len(r.Volumes))
		for i, v := range r.Volumes {
			c.Volumes[i] = CloneMap(v)
		}
	}
	c.Spec = CloneMap(r.Spec)
	c.Results = CloneMap(r.Results)
	return &c
}

// RunnableChangedEvent is published after every reconciliation cycle that
// produced a runnable.
type RunnableChangedEvent struct {
	Runnable      *Runnable `json:"runnable"`
	PreviousState State     `json:"previous_state"`
	Action        Action    `json:"action"`
	Timestamp     time.Time `json:"timestamp"`
}

// TransitionRecord is one append-only audit entry of an entity's history.
type TransitionRecord struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	EntityKind string    `json:"entity_kind"`
	Event      string    `json:"event"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Actor      string    `json:"actor,omitempty"`
	Observed   bool      `json:"observed"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunnableFilter narrows RunnableStore.List.
type RunnableFilter struct {
	Project   string
	Framework string
	State     State
}

// Matches reports whether the runnable passes the filter.
func (f RunnableFilter) Matches(r *Runnable) bool {
	if f.Project != "" && r.Project != f.Project {
		return false
	}
	if f.Framework != "" && r.Framework != f.Framework {
		return false
	}
	if f.State != "" && r.State != f.State {
		return false
	}
	return true
}

// CloneMap deep copies nested maps and slices. Scalars are shared.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		if val == nil {
			return val
		}
		out := make([]string, len(val))
		copy(out, val)
		return out
	case map[string]string:
		return cloneStrings(val)
	case []map[string]interface{}:
		if val == nil {
			return val
		}
		out := make([]map[string]interface{}, len(val))
		for i, m := range val {
			out[i] = CloneMap(m)
		}
		return out
	default:
		return v
	}
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
