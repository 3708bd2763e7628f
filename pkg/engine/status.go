package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the closed state vocabulary shared by runnables and run entities.
// Persisted as a short uppercase string.
type State string

const (
	// StateCreated indicates the entity exists but has not been composed.
	StateCreated State = "CREATED"

	// StateBuilt indicates the run spec has been composed into a runnable.
	StateBuilt State = "BUILT"

	// StateReady indicates the runnable is ready to be dispatched with run.
	StateReady State = "READY"

	// StateRunning indicates the framework reported the runnable as executing.
	StateRunning State = "RUNNING"

	// StateCompleted indicates the runnable finished successfully.
	StateCompleted State = "COMPLETED"

	// StateError indicates a failure. The error field carries the cause.
	StateError State = "ERROR"

	// StateStop indicates a stop was requested and should be dispatched.
	StateStop State = "STOP"

	// StateStopped indicates the framework stopped the runnable.
	StateStopped State = "STOPPED"

	// StateDeleting indicates a delete was requested and should be dispatched.
	StateDeleting State = "DELETING"

	// StateDeleted is the closed value a successful delete returns.
	StateDeleted State = "DELETED"
)

var allStates = []State{
	StateCreated, StateBuilt, StateReady, StateRunning, StateCompleted,
	StateError, StateStop, StateStopped, StateDeleting, StateDeleted,
}

// States returns the full state vocabulary.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// Validate checks if the state is part of the vocabulary.
func (s State) Validate() error {
	for _, known := range allStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid state: %s", s)
}

// String returns the string form.
func (s State) String() string {
	return string(s)
}

// IsDispatchable returns true if the reconciliation loop acts on this state.
func (s State) IsDispatchable() bool {
	return s == StateReady || s == StateStop || s == StateDeleting
}

// ParseState parses a state name case-insensitively.
func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// UnmarshalJSON accepts lower or upper case state names.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = ""
		return nil
	}
	parsed, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Action is the framework call the reconciliation loop makes for a state.
type Action string

const (
	ActionRun    Action = "run"
	ActionStop   Action = "stop"
	ActionDelete Action = "delete"
	ActionNone   Action = "none"
)

// ActionFor maps a runnable state to the dispatch action.
func ActionFor(s State) Action {
	switch s {
	case StateReady:
		return ActionRun
	case StateStop:
		return ActionStop
	case StateDeleting:
		return ActionDelete
	default:
		return ActionNone
	}
}
