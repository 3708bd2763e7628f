package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies kernel errors. The set is closed.
type ErrorKind string

const (
	// ErrorKindConfiguration indicates a bad or missing spec, or an unknown kind.
	// Fatal for the submission and never retried.
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindInvalidTransition indicates the FSM rejected an event or observed state.
	// The entity state is left unchanged.
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"

	// ErrorKindFramework indicates a framework adapter call failed.
	ErrorKindFramework ErrorKind = "framework"

	// ErrorKindStore indicates the backing store was unavailable or rejected a write.
	ErrorKindStore ErrorKind = "store"
)

// EngineError is a classified kernel error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the id of the entity or runnable involved, if any.
	Entity string `json:"entity,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// From is the state the entity was in for transition errors.
	From string `json:"from,omitempty"`

	// To is the attempted target state, or empty when unknown.
	To string `json:"to,omitempty"`

	// Event is the event that was rejected, if any.
	Event string `json:"event,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Kind == ErrorKindInvalidTransition {
		to := e.To
		if to == "" {
			to = "?"
		}
		msg = fmt.Sprintf("%s (%s -> %s", msg, e.From, to)
		if e.Event != "" {
			msg += ", event=" + e.Event
		}
		msg += ")"
	}
	if e.Entity != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (entity=%s, operation=%s)", msg, e.Entity, e.Operation)
	} else if e.Entity != "" {
		msg = fmt.Sprintf("%s (entity=%s)", msg, e.Entity)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Kind:    ErrorKindConfiguration,
		Message: message,
		Code:    ErrCodeInvalidSpec,
		Err:     err,
	}
}

// NewInvalidTransitionError creates a transition error from a state and the
// attempted target. to may be empty when the target is unknown.
func NewInvalidTransitionError(from, to string) *EngineError {
	return &EngineError{
		Kind:    ErrorKindInvalidTransition,
		Message: "invalid transition",
		Code:    ErrCodeInvalidTransition,
		From:    from,
		To:      to,
	}
}

// NewFrameworkError creates a new framework adapter error.
func NewFrameworkError(message string, err error) *EngineError {
	return &EngineError{
		Kind:    ErrorKindFramework,
		Message: message,
		Code:    ErrCodeFrameworkFailed,
		Err:     err,
	}
}

// NewStoreError creates a new store error.
func NewStoreError(message string, err error) *EngineError {
	return &EngineError{
		Kind:    ErrorKindStore,
		Message: message,
		Code:    ErrCodeStoreUnavailable,
		Err:     err,
	}
}

// WithEntity adds entity context to an error.
func (e *EngineError) WithEntity(id string) *EngineError {
	e.Entity = id
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithEvent records the rejected event on a transition error.
func (e *EngineError) WithEvent(event string) *EngineError {
	e.Event = event
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of a classified error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return KindOf(err) == ErrorKindConfiguration
}

// IsInvalidTransition returns true if the error is an invalid transition.
func IsInvalidTransition(err error) bool {
	return KindOf(err) == ErrorKindInvalidTransition
}

// IsFramework returns true if the error came from a framework adapter.
func IsFramework(err error) bool {
	return KindOf(err) == ErrorKindFramework
}

// IsStore returns true if the error is a store error.
func IsStore(err error) bool {
	return KindOf(err) == ErrorKindStore
}

// IsNotFound returns true if the error carries the not-found code.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// Common error codes.
const (
	ErrCodeInvalidSpec        = "INVALID_SPEC"
	ErrCodeUnknownRuntime     = "UNKNOWN_RUNTIME"
	ErrCodeUnknownTaskKind    = "UNKNOWN_TASK_KIND"
	ErrCodeMissingSpec        = "MISSING_SPEC"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeUnreachableState   = "UNREACHABLE_STATE"
	ErrCodeFrameworkFailed    = "FRAMEWORK_FAILED"
	ErrCodeUnknownFramework   = "UNKNOWN_FRAMEWORK"
	ErrCodeStoreUnavailable   = "STORE_UNAVAILABLE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeConcurrentUpdate   = "CONCURRENT_UPDATE"
	ErrCodeTemplateInvalid    = "TEMPLATE_INVALID"
	ErrCodeConditionInvalid   = "CONDITION_INVALID"
	ErrCodeActuatorNotFound   = "ACTUATOR_NOT_FOUND"
)
