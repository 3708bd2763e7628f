package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps runtime names to runtimes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// NewDefaultRegistry creates a registry holding the builtin runtimes.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins registers every compiled-in runtime.
func RegisterBuiltins(r *Registry) {
	for _, rt := range []Runtime{NewContainerRuntime(), NewTransformRuntime(), NewWorkflowRuntime()} {
		if err := r.Register(rt); err != nil {
			panic(err)
		}
	}
}

// Register adds a runtime. Registering a name twice is an error.
func (r *Registry) Register(rt Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runtimes[rt.Name()]; exists {
		return fmt.Errorf("runtime %s already registered", rt.Name())
	}
	r.runtimes[rt.Name()] = rt
	return nil
}

// Get returns the runtime registered under name.
func (r *Registry) Get(name string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[name]
	return rt, ok
}

// Names returns the registered runtime names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskKeys returns every runtime+kind key, sorted.
func (r *Registry) TaskKeys() []string {
	var keys []string
	for _, name := range r.Names() {
		rt, _ := r.Get(name)
		for _, k := range rt.Kinds() {
			keys = append(keys, TaskKey(name, k.Name))
		}
	}
	return keys
}
