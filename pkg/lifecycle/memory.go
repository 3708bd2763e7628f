package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runplane/runplane/pkg/engine"
)

// MemoryRepository is a Repository backed by a map.
type MemoryRepository struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entities: make(map[string]*Entity)}
}

// Create stores a new entity.
func (r *MemoryRepository) Create(_ context.Context, e *Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entities[e.ID]; exists {
		return engine.NewStoreError("entity already exists", nil).WithEntity(e.ID).WithCode(engine.ErrCodeAlreadyExists)
	}
	r.entities[e.ID] = e.Clone()
	return nil
}

// Get returns a copy of the entity.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return nil, engine.NewStoreError("entity not found", nil).WithEntity(id).WithCode(engine.ErrCodeNotFound)
	}
	return e.Clone(), nil
}

// UpdateState applies a compare-and-set state change.
func (r *MemoryRepository) UpdateState(_ context.Context, id, expected, next, actor string, status map[string]interface{}) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return nil, engine.NewStoreError("entity not found", nil).WithEntity(id).WithCode(engine.ErrCodeNotFound)
	}
	if e.State != expected {
		return nil, engine.NewStoreError("entity changed concurrently", nil).
			WithEntity(id).
			WithCode(engine.ErrCodeConcurrentUpdate).
			WithDetail("expected", expected).
			WithDetail("actual", e.State)
	}
	e.State = next
	if actor != "" {
		e.UpdatedBy = actor
	}
	if len(status) > 0 {
		if e.Status == nil {
			e.Status = make(map[string]interface{}, len(status))
		}
		for k, v := range engine.CloneMap(status) {
			e.Status[k] = v
		}
	}
	e.UpdatedAt = time.Now().UTC()
	return e.Clone(), nil
}

// Delete removes the entity.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, id)
	return nil
}

// List returns matching entities ordered by creation time.
func (r *MemoryRepository) List(_ context.Context, filter Filter) ([]*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entity
	for _, e := range r.entities {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryAuditLog is an append-only in-memory AuditLog.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	records []engine.TransitionRecord
}

// NewMemoryAuditLog creates an empty log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

// Append adds a record.
func (l *MemoryAuditLog) Append(_ context.Context, rec engine.TransitionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// History returns the records of one entity in append order.
func (l *MemoryAuditLog) History(_ context.Context, entityID string) ([]engine.TransitionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []engine.TransitionRecord
	for _, rec := range l.records {
		if rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}
