package stores

import (
	"context"
	"sort"
	"sync"

	"github.com/runplane/runplane/pkg/engine"
)

// MemoryRunnableStore is an engine.RunnableStore held in a map. Entries are
// copied on the way in and out.
type MemoryRunnableStore struct {
	mu    sync.RWMutex
	items map[string]*engine.Runnable
}

// NewMemoryRunnableStore creates an empty store.
func NewMemoryRunnableStore() *MemoryRunnableStore {
	return &MemoryRunnableStore{items: make(map[string]*engine.Runnable)}
}

// Store saves r under id.
func (m *MemoryRunnableStore) Store(_ context.Context, id string, r *engine.Runnable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = r.Clone()
	return nil
}

// Get returns the entry for id.
func (m *MemoryRunnableStore) Get(_ context.Context, id string) (*engine.Runnable, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Remove deletes the entry for id.
func (m *MemoryRunnableStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

// List returns matching entries sorted by id.
func (m *MemoryRunnableStore) List(_ context.Context, filter engine.RunnableFilter) ([]*engine.Runnable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*engine.Runnable{}
	for _, r := range m.items {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of entries.
func (m *MemoryRunnableStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
