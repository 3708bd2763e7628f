package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// Router owns one Listener per framework and routes runnables by their
// Framework field.
type Router struct {
	store engine.RunnableStore
	bus   *bus.Bus
	cfg   Config
	tel   *telemetry.Telemetry

	mu        sync.RWMutex
	listeners map[string]*Listener
}

// NewRouter creates a router with no frameworks.
func NewRouter(store engine.RunnableStore, b *bus.Bus, cfg Config, tel *telemetry.Telemetry) *Router {
	return &Router{
		store:     store,
		bus:       b,
		cfg:       cfg,
		tel:       telemetry.OrNop(tel),
		listeners: make(map[string]*Listener),
	}
}

// Register starts a listener for adapter. A framework can be registered once.
func (r *Router) Register(adapter engine.FrameworkAdapter) (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := adapter.Framework()
	if _, exists := r.listeners[name]; exists {
		return nil, fmt.Errorf("framework %s already registered", name)
	}
	l := NewListener(adapter, r.store, r.bus, r.cfg, r.tel)
	r.listeners[name] = l
	return l, nil
}

// Listener returns the listener of a framework.
func (r *Router) Listener(framework string) (*Listener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listeners[framework]
	if !ok {
		return nil, engine.NewConfigurationError("no adapter registered for framework", nil).
			WithCode(engine.ErrCodeUnknownFramework).
			WithDetail("framework", framework)
	}
	return l, nil
}

// Frameworks returns the registered framework names, sorted.
func (r *Router) Frameworks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.listeners))
	for name := range r.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submit queues rn on its framework's listener.
func (r *Router) Submit(ctx context.Context, rn *engine.Runnable, prev engine.State) error {
	l, err := r.Listener(rn.Framework)
	if err != nil {
		return err
	}
	return l.Submit(ctx, rn, prev)
}

// Reconcile runs one cycle on rn's framework listener and waits for it.
func (r *Router) Reconcile(ctx context.Context, rn *engine.Runnable, prev engine.State) (*engine.Runnable, error) {
	l, err := r.Listener(rn.Framework)
	if err != nil {
		return nil, err
	}
	return l.Reconcile(ctx, rn, prev)
}

// Observe records a framework-reported state on rn's framework listener.
func (r *Router) Observe(ctx context.Context, rn *engine.Runnable) error {
	l, err := r.Listener(rn.Framework)
	if err != nil {
		return err
	}
	return l.Observe(ctx, rn)
}

// Close closes every listener concurrently.
func (r *Router) Close(ctx context.Context) error {
	r.mu.RLock()
	listeners := make([]*Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error { return l.Close(gctx) })
	}
	return g.Wait()
}
