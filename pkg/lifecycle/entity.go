package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/runplane/runplane/pkg/engine"
)

// Entity kinds managed by the kernel.
const (
	KindRun      = "run"
	KindTrigger  = "trigger"
	KindArtifact = "artifact"
	KindFunction = "function"
	KindTask     = "task"
)

// Relationship types between entities.
const (
	RelProducedBy = "produced_by"
	RelConsumes   = "consumes"
	RelRunOf      = "run_of"
)

// Relationship is a typed edge from an entity to the entity named by Dest.
type Relationship struct {
	Type string `json:"type" yaml:"type" validate:"required"`
	Dest string `json:"dest" yaml:"dest" validate:"required"`
}

// Entity is the persisted envelope of any stateful object. Spec and Status
// are opaque to the kernel.
type Entity struct {
	ID            string                 `json:"id" validate:"required"`
	Kind          string                 `json:"kind" validate:"required"`
	Project       string                 `json:"project" validate:"required"`
	Name          string                 `json:"name"`
	State         string                 `json:"state"`
	CreatedBy     string                 `json:"created_by,omitempty"`
	UpdatedBy     string                 `json:"updated_by,omitempty"`
	Spec          map[string]interface{} `json:"spec,omitempty"`
	Status        map[string]interface{} `json:"status,omitempty"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Key returns store://<project>/<kind>/<name>:<id>.
func (e *Entity) Key() string {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	return fmt.Sprintf("store://%s/%s/%s:%s", e.Project, e.Kind, name, e.ID)
}

// MatchesKey reports whether key names this entity. A key without the
// ":<id>" suffix matches every version of the named entity.
func (e *Entity) MatchesKey(key string) bool {
	return KeyMatches(key, e.Key())
}

// KeyMatches reports whether pattern names the entity with the full key.
// A pattern without the ":<id>" suffix matches every version.
func KeyMatches(pattern, key string) bool {
	if pattern == key {
		return true
	}
	if strings.Contains(strings.TrimPrefix(pattern, "store://"), ":") {
		return false
	}
	return strings.HasPrefix(key, pattern+":")
}

// unversioned strips the ":<id>" suffix from a full key.
func unversioned(key string) string {
	rest := strings.TrimPrefix(key, "store://")
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		return key[:len(key)-len(rest)+i]
	}
	return key
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Spec = engine.CloneMap(e.Spec)
	c.Status = engine.CloneMap(e.Status)
	if e.Relationships != nil {
		c.Relationships = append([]Relationship(nil), e.Relationships...)
	}
	return &c
}

// Action is the CRUD action an entity event reports.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// EntityEvent is broadcast for every create, transition and delete. Previous
// is nil on create, Current is nil on delete.
type EntityEvent struct {
	Action    Action    `json:"action"`
	Kind      string    `json:"kind"`
	Event     string    `json:"event,omitempty"`
	Previous  *Entity   `json:"previous,omitempty"`
	Current   *Entity   `json:"current,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject returns the entity the event is about.
func (ev EntityEvent) Subject() *Entity {
	if ev.Current != nil {
		return ev.Current
	}
	return ev.Previous
}

// Filter narrows Repository.List.
type Filter struct {
	Kind    string
	Project string
	State   string
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e *Entity) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Project != "" && e.Project != f.Project {
		return false
	}
	if f.State != "" && e.State != f.State {
		return false
	}
	return true
}
