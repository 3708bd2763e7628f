// Package bus is a typed in-process publish/subscribe hub.
//
// Each subscription owns a goroutine and a bounded queue, so events reach a
// subscriber in publish order and a slow or failing subscriber never blocks
// the others beyond its own queue. A full queue applies backpressure to the
// publisher instead of dropping the event. An Unbounded subscription spills
// past its queue instead, so publishing to it never blocks; handlers that
// publish into a topic feeding themselves subscribe this way. Handler errors
// are retried up to the configured attempt count; panics are recovered and
// logged.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/runplane/runplane/pkg/telemetry"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Topic names a stream of events of type T.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string {
	return t.name
}

// Handler consumes one event.
type Handler[T any] func(ctx context.Context, event T) error

// Envelope carries delivery metadata for an event.
type Envelope struct {
	ID        string
	Topic     string
	Timestamp time.Time
	Attempt   int
}

type envelopeKey struct{}

// EnvelopeFromContext returns the envelope of the event being handled.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}

// Config tunes the bus.
type Config struct {
	// QueueSize is the per-subscriber queue capacity.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`

	// MaxAttempts bounds handler retries on error.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		MaxAttempts:  3,
		RetryBackoff: 50 * time.Millisecond,
	}
}

// Bus routes events from publishers to subscribers.
type Bus struct {
	config  Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	subs   map[string][]*subscriber
	closed bool
	wg     sync.WaitGroup
}

type delivery struct {
	env     Envelope
	payload interface{}
}

type subscriber struct {
	name    string
	topic   string
	queue   chan delivery
	done    chan struct{}
	drain   chan struct{}
	once    sync.Once
	handler func(ctx context.Context, payload interface{}) error

	// unbounded subscribers keep overflow in spill. Queued deliveries always
	// predate spilled ones.
	unbounded bool
	mu        sync.Mutex
	spill     []delivery
	wake      chan struct{}
}

// SubscribeOption tunes one subscription.
type SubscribeOption func(*subscriber)

// Unbounded lets the subscriber's backlog grow past the queue size instead of
// blocking publishers.
func Unbounded() SubscribeOption {
	return func(s *subscriber) { s.unbounded = true }
}

// New creates a bus.
func New(cfg Config, tel *telemetry.Telemetry) *Bus {
	tel = telemetry.OrNop(tel)
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Bus{
		config:  cfg,
		logger:  tel.Logger.NewComponentLogger("bus"),
		metrics: tel.Metrics,
		subs:    make(map[string][]*subscriber),
	}
}

// Subscription is a handle to stop a subscriber.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Unsubscribe stops delivery. Events still queued for this subscriber are discarded.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.bus.remove(s.sub)
	s.sub.once.Do(func() { close(s.sub.done) })
}

// Subscribe registers h on topic under a descriptive name used in logs.
func Subscribe[T any](b *Bus, topic Topic[T], name string, h Handler[T], opts ...SubscribeOption) *Subscription {
	sub := &subscriber{
		name:  name,
		topic: topic.name,
		queue: make(chan delivery, b.config.QueueSize),
		done:  make(chan struct{}),
		drain: make(chan struct{}),
		wake:  make(chan struct{}, 1),
		handler: func(ctx context.Context, payload interface{}) error {
			event, ok := payload.(T)
			if !ok {
				return fmt.Errorf("unexpected payload %T on topic %s", payload, topic.name)
			}
			return h(ctx, event)
		},
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return &Subscription{bus: b, sub: sub}
	}
	b.subs[topic.name] = append(b.subs[topic.name], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	return &Subscription{bus: b, sub: sub}
}

// Publish queues event for every current subscriber of topic. It blocks while
// a bounded subscriber's queue is full and returns ctx.Err() if ctx ends first.
func Publish[T any](ctx context.Context, b *Bus, topic Topic[T], event T) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := append([]*subscriber(nil), b.subs[topic.name]...)
	b.mu.RUnlock()

	d := delivery{
		env: Envelope{
			ID:        uuid.New().String(),
			Topic:     topic.name,
			Timestamp: time.Now(),
		},
		payload: event,
	}

	for _, sub := range subs {
		if sub.unbounded {
			sub.offer(d)
			continue
		}
		select {
		case sub.queue <- d:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers on a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops accepting events and waits until queued events are delivered
// or ctx ends.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			close(sub.drain)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for {
		d, ok := sub.next()
		if !ok {
			select {
			case d = <-sub.queue:
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			case <-sub.drain:
				for d, ok := sub.next(); ok; d, ok = sub.next() {
					b.deliver(sub, d)
				}
				return
			}
		}
		select {
		case <-sub.done:
			return
		default:
		}
		b.deliver(sub, d)
	}
}

// offer queues d without blocking, spilling when the queue is full.
func (s *subscriber) offer(d delivery) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if len(s.spill) == 0 {
		select {
		case s.queue <- d:
			s.mu.Unlock()
			return
		default:
		}
	}
	s.spill = append(s.spill, d)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next takes the oldest pending delivery without blocking.
func (s *subscriber) next() (delivery, bool) {
	select {
	case d := <-s.queue:
		return d, true
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spill) == 0 {
		return delivery{}, false
	}
	d := s.spill[0]
	s.spill[0] = delivery{}
	s.spill = s.spill[1:]
	return d, true
}

func (b *Bus) deliver(sub *subscriber, d delivery) {
	log := b.logger.WithFields(map[string]interface{}{
		"topic":      sub.topic,
		"subscriber": sub.name,
		"event_id":   d.env.ID,
	})

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		env := d.env
		env.Attempt = attempt
		ctx := context.WithValue(context.Background(), envelopeKey{}, env)

		panicked, err := b.invoke(ctx, sub, d.payload)
		switch {
		case panicked:
			b.metrics.RecordDelivery(sub.topic, "panic")
			log.WithError(err).Error("subscriber panicked")
			return
		case err == nil:
			b.metrics.RecordDelivery(sub.topic, "ok")
			return
		}

		b.metrics.RecordDelivery(sub.topic, "failed")
		log.WithError(err).WithField("attempt", attempt).Warn("subscriber failed")

		if attempt < b.config.MaxAttempts && b.config.RetryBackoff > 0 {
			select {
			case <-time.After(b.config.RetryBackoff):
			case <-sub.done:
				return
			}
		}
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscriber, payload interface{}) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return false, sub.handler(ctx, payload)
}
