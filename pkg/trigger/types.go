package trigger

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/lifecycle"
	"github.com/spf13/cast"
)

// ExecutionTopic carries firings from actuators to the trigger service.
var ExecutionTopic = bus.NewTopic[TriggerExecutionEvent]("trigger.execution")

// ConditionKind is the kind of a trigger condition.
type ConditionKind string

const (
	ConditionSchedule  ConditionKind = "schedule"
	ConditionLifecycle ConditionKind = "lifecycle"
)

// LifecycleCondition matches entity broadcasts.
type LifecycleCondition struct {
	// Key is the watched entity key. Without an ":<id>" suffix it matches
	// every version of the named entity.
	Key string `json:"key" yaml:"key" validate:"required"`

	// Relationship, when set, fires for entities that reach Key through
	// edges of this type instead of for Key itself.
	Relationship string `json:"relationship,omitempty" yaml:"relationship,omitempty"`

	// States is the set of watched states.
	States []string `json:"states" yaml:"states" validate:"required,min=1"`

	// Filter is an optional Starlark boolean expression over `entity`.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// Condition is either a schedule or a lifecycle predicate.
type Condition struct {
	Schedule  string              `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Lifecycle *LifecycleCondition `json:"lifecycle,omitempty" yaml:"lifecycle,omitempty"`
}

// Kind returns the condition kind, or "" when none is set.
func (c Condition) Kind() ConditionKind {
	switch {
	case c.Schedule != "" && c.Lifecycle == nil:
		return ConditionSchedule
	case c.Lifecycle != nil && c.Schedule == "":
		return ConditionLifecycle
	default:
		return ""
	}
}

// Trigger fires new runs of Task from Template when Condition holds.
type Trigger struct {
	ID      string `json:"id" yaml:"id"`
	Project string `json:"project" yaml:"project" validate:"required"`
	Name    string `json:"name" yaml:"name" validate:"required"`

	// Task is the task key of the runs to create, e.g. "container+job".
	Task string `json:"task" yaml:"task" validate:"required"`

	// Function names the catalog function of the runs to create.
	Function string `json:"function,omitempty" yaml:"function,omitempty"`

	// Template is the run spec skeleton.
	Template map[string]interface{} `json:"template,omitempty" yaml:"template,omitempty"`

	// Script is an optional Starlark template script run at each firing.
	// It sees context, details, fired_at and trigger; its public globals
	// become run parameters.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	Condition Condition `json:"condition" yaml:"condition"`

	CreatedBy string `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

var validate = validator.New()

// Validate checks required fields and that exactly one condition is set.
func (t *Trigger) Validate() error {
	if err := validate.Struct(t); err != nil {
		return engine.NewConfigurationError("invalid trigger", err).WithEntity(t.ID)
	}
	switch t.Condition.Kind() {
	case ConditionSchedule:
		if err := ParseSchedule(t.Condition.Schedule); err != nil {
			return engine.NewConfigurationError("invalid schedule", err).
				WithEntity(t.ID).
				WithCode(engine.ErrCodeConditionInvalid)
		}
	case ConditionLifecycle:
		if err := validate.Struct(t.Condition.Lifecycle); err != nil {
			return engine.NewConfigurationError("invalid lifecycle condition", err).
				WithEntity(t.ID).
				WithCode(engine.ErrCodeConditionInvalid)
		}
	default:
		return engine.NewConfigurationError("trigger needs exactly one of schedule or lifecycle", nil).
			WithEntity(t.ID).
			WithCode(engine.ErrCodeConditionInvalid)
	}
	return nil
}

// Key returns the entity key of the trigger.
func (t *Trigger) Key() string {
	return t.entity().Key()
}

func (t *Trigger) entity() *lifecycle.Entity {
	return &lifecycle.Entity{ID: t.ID, Kind: lifecycle.KindTrigger, Project: t.Project, Name: t.Name}
}

// ToEntity wraps the trigger in a lifecycle entity.
func (t *Trigger) ToEntity() *lifecycle.Entity {
	e := t.entity()
	e.CreatedBy = t.CreatedBy
	e.UpdatedBy = t.CreatedBy
	e.Spec = t.specMap()
	return e
}

func (t *Trigger) specMap() map[string]interface{} {
	m := map[string]interface{}{
		"task": t.Task,
	}
	if t.Function != "" {
		m["function"] = t.Function
	}
	if len(t.Template) > 0 {
		m["template"] = engine.CloneMap(t.Template)
	}
	if t.Script != "" {
		m["script"] = t.Script
	}
	cond := map[string]interface{}{}
	if t.Condition.Schedule != "" {
		cond["schedule"] = t.Condition.Schedule
	}
	if lc := t.Condition.Lifecycle; lc != nil {
		l := map[string]interface{}{
			"key":    lc.Key,
			"states": append([]string(nil), lc.States...),
		}
		if lc.Relationship != "" {
			l["relationship"] = lc.Relationship
		}
		if lc.Filter != "" {
			l["filter"] = lc.Filter
		}
		cond["lifecycle"] = l
	}
	m["condition"] = cond
	return m
}

// FromEntity decodes a trigger from its lifecycle entity.
func FromEntity(e *lifecycle.Entity) (*Trigger, error) {
	if e.Kind != lifecycle.KindTrigger {
		return nil, fmt.Errorf("entity %s is a %s, not a trigger", e.ID, e.Kind)
	}
	t := &Trigger{
		ID:        e.ID,
		Project:   e.Project,
		Name:      e.Name,
		CreatedBy: e.CreatedBy,
		Task:      cast.ToString(e.Spec["task"]),
		Function:  cast.ToString(e.Spec["function"]),
		Script:    cast.ToString(e.Spec["script"]),
	}
	if tmpl, ok := e.Spec["template"]; ok {
		m, err := cast.ToStringMapE(tmpl)
		if err != nil {
			return nil, fmt.Errorf("failed to decode template: %w", err)
		}
		t.Template = engine.CloneMap(m)
	}
	cond, err := cast.ToStringMapE(e.Spec["condition"])
	if err != nil {
		return nil, fmt.Errorf("failed to decode condition: %w", err)
	}
	t.Condition.Schedule = cast.ToString(cond["schedule"])
	if raw, ok := cond["lifecycle"]; ok && raw != nil {
		l, err := cast.ToStringMapE(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode lifecycle condition: %w", err)
		}
		states, err := cast.ToStringSliceE(l["states"])
		if err != nil {
			return nil, fmt.Errorf("failed to decode watched states: %w", err)
		}
		t.Condition.Lifecycle = &LifecycleCondition{
			Key:          cast.ToString(l["key"]),
			Relationship: cast.ToString(l["relationship"]),
			States:       states,
			Filter:       cast.ToString(l["filter"]),
		}
	}
	return t, nil
}

// TriggerJob is the registration handle of an active trigger.
type TriggerJob struct {
	ID       string                 `json:"id"`
	Key      string                 `json:"key"`
	Task     string                 `json:"task"`
	Project  string                 `json:"project"`
	State    lifecycle.TriggerState `json:"state"`
	Actuator string                 `json:"actuator"`
	Schedule string                 `json:"schedule,omitempty"`
}

// TriggerExecutionEvent is published when an actuator's condition holds.
type TriggerExecutionEvent struct {
	Job TriggerJob `json:"job"`

	// Context is the firing context. It becomes the run layer of the new run.
	Context map[string]interface{} `json:"context,omitempty"`

	// Details records why the trigger fired: tick time, matched state,
	// relationship path.
	Details map[string]interface{} `json:"details,omitempty"`

	FiredAt time.Time `json:"fired_at"`
}

// TriggerRunStatus is the outcome of one firing.
type TriggerRunStatus string

const (
	// RunStatusSubmitted means a new run was created.
	RunStatusSubmitted TriggerRunStatus = "submitted"

	// RunStatusFailed means the firing could not produce a run.
	RunStatusFailed TriggerRunStatus = "failed"
)

// TriggerRun is the persisted record of one firing.
type TriggerRun struct {
	ID         string                 `json:"id"`
	TriggerID  string                 `json:"trigger_id"`
	TriggerKey string                 `json:"trigger_key"`
	Project    string                 `json:"project"`
	Actuator   string                 `json:"actuator"`
	Status     TriggerRunStatus       `json:"status"`
	RunID      string                 `json:"run_id,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	FiredAt    time.Time              `json:"fired_at"`
}
