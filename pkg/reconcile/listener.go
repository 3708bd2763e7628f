// Package reconcile dispatches runnables to framework adapters and folds the
// results back into the runnable store and the event bus.
//
// Each framework gets its own Listener. A listener serializes work per
// runnable id on a lane and bounds the number of adapter calls in flight
// across ids.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/runplane/runplane/pkg/bus"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/telemetry"
	"golang.org/x/sync/semaphore"
)

// ChangedTopic carries the outcome of every reconciliation cycle.
var ChangedTopic = bus.NewTopic[engine.RunnableChangedEvent]("reconcile.runnable_changed")

// ErrClosed is returned when work is submitted to a closed listener.
var ErrClosed = errors.New("reconcile listener closed")

// Config tunes a listener.
type Config struct {
	// Workers bounds concurrent adapter calls. Defaults to 8.
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
}

// DefaultConfig returns the default listener configuration.
func DefaultConfig() Config {
	return Config{Workers: 8}
}

type job struct {
	ctx      context.Context
	runnable *engine.Runnable
	prev     engine.State
	observe  bool
	done     chan result
}

type result struct {
	runnable *engine.Runnable
	err      error
}

type lane struct {
	id   string
	jobs []job
}

// Listener reconciles runnables of one framework.
type Listener struct {
	adapter engine.FrameworkAdapter
	store   engine.RunnableStore
	bus     *bus.Bus
	sem     *semaphore.Weighted

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	tel    *telemetry.Telemetry
	logger *telemetry.Logger
}

// NewListener creates a listener for adapter's framework. b may be nil, in
// which case nothing is published.
func NewListener(adapter engine.FrameworkAdapter, store engine.RunnableStore, b *bus.Bus, cfg Config, tel *telemetry.Telemetry) *Listener {
	tel = telemetry.OrNop(tel)
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Listener{
		adapter: adapter,
		store:   store,
		bus:     b,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		lanes:   make(map[string]*lane),
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("reconcile").WithField("framework", adapter.Framework()),
	}
}

// Framework returns the framework this listener dispatches to.
func (l *Listener) Framework() string {
	return l.adapter.Framework()
}

// Submit queues r for reconciliation and returns immediately. prev is the
// last state known outside the loop; it is carried on the changed event.
func (l *Listener) Submit(ctx context.Context, r *engine.Runnable, prev engine.State) error {
	return l.enqueue(job{ctx: context.WithoutCancel(ctx), runnable: r.Clone(), prev: prev})
}

// Reconcile runs one cycle for r and waits for it. The cycle is serialized
// with any queued work for the same id. It returns the resulting runnable,
// or nil when the state required no dispatch. An adapter failure is not an
// error here: it is folded into the returned runnable. A non-nil error means
// the store rejected the result; the changed event was still published.
func (l *Listener) Reconcile(ctx context.Context, r *engine.Runnable, prev engine.State) (*engine.Runnable, error) {
	done := make(chan result, 1)
	if err := l.enqueue(job{ctx: ctx, runnable: r.Clone(), prev: prev, done: done}); err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.runnable, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Observe records a state the framework reached on its own, such as a
// process exiting. Nothing is dispatched; the runnable is stored (or removed
// when DELETED) and a changed event is published.
func (l *Listener) Observe(ctx context.Context, r *engine.Runnable) error {
	return l.enqueue(job{ctx: context.WithoutCancel(ctx), runnable: r.Clone(), observe: true})
}

// Close stops accepting work and waits for queued work to finish.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) enqueue(j job) error {
	if j.runnable == nil || j.runnable.ID == "" {
		return engine.NewConfigurationError("runnable id is required", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	ln, ok := l.lanes[j.runnable.ID]
	if !ok {
		ln = &lane{id: j.runnable.ID}
		l.lanes[ln.id] = ln
		l.wg.Add(1)
		go l.drain(ln)
	}
	ln.jobs = append(ln.jobs, j)
	l.tel.Metrics.AddPending(l.Framework(), 1)
	return nil
}

// drain processes a lane until it is empty, then retires it.
func (l *Listener) drain(ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.jobs) == 0 {
			delete(l.lanes, ln.id)
			l.mu.Unlock()
			return
		}
		j := ln.jobs[0]
		ln.jobs = ln.jobs[1:]
		l.mu.Unlock()
		l.tel.Metrics.AddPending(l.Framework(), -1)

		var res result
		if j.observe {
			res.runnable, res.err = l.observe(j.ctx, j.runnable)
		} else {
			res.runnable, res.err = l.cycle(j.ctx, j.runnable, j.prev)
		}
		if j.done != nil {
			j.done <- res
		}
	}
}

// cycle is one DISPATCHING -> SUCCEEDED|FAILED -> PUBLISHED pass.
func (l *Listener) cycle(ctx context.Context, r *engine.Runnable, prev engine.State) (*engine.Runnable, error) {
	action := engine.ActionFor(r.State)
	log := l.logger.WithRunnable(r.ID, r.Framework).WithField("action", string(action))
	if action == engine.ActionNone {
		log.WithField("state", string(r.State)).Debug("state requires no dispatch")
		return nil, nil
	}

	ctx, span := l.tel.Tracer.StartDispatchSpan(ctx, l.Framework(), string(action), r.ID)
	defer span.End()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	timer := telemetry.NewTimer()
	out, err := l.invoke(ctx, action, r.Clone())
	l.sem.Release(1)

	var final *engine.Runnable
	switch {
	case err != nil:
		l.tel.Metrics.RecordDispatch(l.Framework(), string(action), "error", timer.Duration())
		telemetry.RecordError(span, err)
		log.WithError(err).Warn("framework call failed")

		final = r
		final.State = engine.StateError
		final.Error = engine.NewRunnableError(err)
		final.UpdatedAt = time.Now().UTC()
	case out == nil:
		l.tel.Metrics.RecordDispatch(l.Framework(), string(action), "empty", timer.Duration())
		log.Debug("framework returned no runnable")
		return nil, nil
	default:
		l.tel.Metrics.RecordDispatch(l.Framework(), string(action), "ok", timer.Duration())
		telemetry.RecordSuccess(span)
		final = out
		if final.ID == "" {
			final.ID = r.ID
		}
		final.UpdatedAt = time.Now().UTC()
	}
	span.SetAttributes(telemetry.AttrState.String(string(final.State)), telemetry.AttrPrevState.String(string(prev)))

	storeErr := l.persist(ctx, r.ID, final)
	l.publish(ctx, final, prev, action)
	return final, storeErr
}

func (l *Listener) observe(ctx context.Context, r *engine.Runnable) (*engine.Runnable, error) {
	prev := r.State
	if cur, ok, err := l.store.Get(ctx, r.ID); err == nil && ok {
		prev = cur.State
	}
	r.UpdatedAt = time.Now().UTC()
	storeErr := l.persist(ctx, r.ID, r)
	l.publish(ctx, r, prev, engine.ActionNone)
	return r, storeErr
}

// invoke calls the adapter, converting panics and foreign errors into
// framework errors.
func (l *Listener) invoke(ctx context.Context, action engine.Action, r *engine.Runnable) (out *engine.Runnable, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, engine.NewFrameworkError("framework adapter panicked", fmt.Errorf("%v", p))
		}
	}()

	switch action {
	case engine.ActionRun:
		out, err = l.adapter.Run(ctx, r)
	case engine.ActionStop:
		out, err = l.adapter.Stop(ctx, r)
	case engine.ActionDelete:
		out, err = l.adapter.Delete(ctx, r)
	}
	if err != nil && engine.KindOf(err) == "" {
		err = engine.NewFrameworkError(fmt.Sprintf("%s failed", action), err)
	}
	if ee, ok := err.(*engine.EngineError); ok && ee.Entity == "" {
		ee.WithEntity(r.ID).WithOperation(string(action))
	}
	return out, err
}

// persist stores the result, or removes the entry once DELETED.
func (l *Listener) persist(ctx context.Context, id string, r *engine.Runnable) error {
	var err error
	op := "store"
	if r.State == engine.StateDeleted {
		op = "remove"
		err = l.store.Remove(ctx, id)
	} else {
		err = l.store.Store(ctx, id, r)
	}
	if err == nil {
		return nil
	}
	if !engine.IsStore(err) {
		err = engine.NewStoreError("runnable store "+op+" failed", err).WithEntity(id).WithOperation(op)
	}
	l.tel.Metrics.RecordStoreError(l.Framework(), op)
	l.logger.WithRunnable(id, r.Framework).WithError(err).Error("failed to persist runnable, publishing anyway")
	return err
}

func (l *Listener) publish(ctx context.Context, r *engine.Runnable, prev engine.State, action engine.Action) {
	if l.bus == nil {
		return
	}
	ev := engine.RunnableChangedEvent{
		Runnable:      r.Clone(),
		PreviousState: prev,
		Action:        action,
		Timestamp:     time.Now().UTC(),
	}
	if err := bus.Publish(ctx, l.bus, ChangedTopic, ev); err != nil {
		l.logger.WithRunnable(r.ID, r.Framework).WithError(err).Error("failed to publish runnable change")
	}
}
