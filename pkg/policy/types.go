package policy

import (
	"time"
)

// Severity grades a violation. Error and critical deny admission.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module evaluated against each run before it is created.
// The module defines a `deny` set whose members are message strings or
// objects with `message` and an optional `severity`, which overrides the
// policy's own Severity.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`

	// Builtin policies ship with the kernel and survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one member of a policy's deny set. Details holds the extra
// keys of an object-valued member.
type Violation struct {
	Policy     string                 `json:"policy"`
	Subject    string                 `json:"subject,omitempty"`
	Message    string                 `json:"message"`
	Severity   Severity               `json:"severity"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Result is one admission decision. Policies that fail to evaluate are
// listed in Errors and do not deny.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`
	Errors     []string    `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns "<policy>: <message>" for each blocking violation.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Policy+": "+v.Message)
	}
	return out
}

// Bundle is a versioned set of policies shipped as one JSON file.
type Bundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
