package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the kernel.
type Metrics struct {
	config MetricsConfig

	// Reconciliation metrics
	dispatches        *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	dispatchesPending *prometheus.GaugeVec
	storeErrors       *prometheus.CounterVec

	// Lifecycle metrics
	transitions        *prometheus.CounterVec
	rejected           *prometheus.CounterVec
	listenerFailures   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec

	// Composition metrics
	compositions *prometheus.CounterVec

	// Trigger metrics
	firings        *prometheus.CounterVec
	activeTriggers *prometheus.GaugeVec

	// Bus metrics
	deliveries *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "dispatches_total",
				Help:      "Total number of framework dispatches by outcome",
			},
			[]string{"framework", "action", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of framework adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"framework", "action"},
		),
		dispatchesPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "pending",
				Help:      "Runnables queued or in flight per framework",
			},
			[]string{"framework"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "store_errors_total",
				Help:      "Total number of runnable store failures",
			},
			[]string{"framework", "operation"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Total number of applied entity transitions",
			},
			[]string{"entity", "from", "to"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "rejected_transitions_total",
				Help:      "Total number of transitions rejected by the state machine",
			},
			[]string{"entity", "from"},
		),
		listenerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "listener_failures_total",
				Help:      "Total number of failed side-effect listeners",
			},
			[]string{"entity", "listener"},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lifecycle",
				Name:      "notifications_total",
				Help:      "Total number of user notifications sent",
			},
			[]string{"entity", "role"},
		),

		compositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "compose",
				Name:      "compositions_total",
				Help:      "Total number of spec compositions by runtime and outcome",
			},
			[]string{"runtime", "task", "outcome"},
		),

		firings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "trigger",
				Name:      "firings_total",
				Help:      "Total number of trigger firings by actuator and status",
			},
			[]string{"actuator", "status"},
		),
		activeTriggers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "trigger",
				Name:      "active",
				Help:      "Triggers currently registered with an actuator",
			},
			[]string{"actuator"},
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "deliveries_total",
				Help:      "Total number of event deliveries by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
	}

	registry.MustRegister(
		m.dispatches,
		m.dispatchDuration,
		m.dispatchesPending,
		m.storeErrors,
		m.transitions,
		m.rejected,
		m.listenerFailures,
		m.notificationsTotal,
		m.compositions,
		m.firings,
		m.activeTriggers,
		m.deliveries,
	)

	return m, nil
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Reconciliation Metrics

// RecordDispatch records one adapter call with its outcome and duration.
func (m *Metrics) RecordDispatch(framework, action, outcome string, duration time.Duration) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(framework, action, outcome).Inc()
	m.dispatchDuration.WithLabelValues(framework, action).Observe(duration.Seconds())
}

// AddPending adjusts the pending gauge for a framework.
func (m *Metrics) AddPending(framework string, delta float64) {
	if m == nil || m.dispatchesPending == nil {
		return
	}
	m.dispatchesPending.WithLabelValues(framework).Add(delta)
}

// RecordStoreError records a runnable store failure.
func (m *Metrics) RecordStoreError(framework, operation string) {
	if m == nil || m.storeErrors == nil {
		return
	}
	m.storeErrors.WithLabelValues(framework, operation).Inc()
}

// Lifecycle Metrics

// RecordTransition records an applied transition.
func (m *Metrics) RecordTransition(entity, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(entity, from, to).Inc()
}

// RecordRejectedTransition records a transition the FSM refused.
func (m *Metrics) RecordRejectedTransition(entity, from string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.WithLabelValues(entity, from).Inc()
}

// RecordListenerFailure records a failed side-effect listener.
func (m *Metrics) RecordListenerFailure(entity, listener string) {
	if m == nil || m.listenerFailures == nil {
		return
	}
	m.listenerFailures.WithLabelValues(entity, listener).Inc()
}

// RecordNotification records a user notification for a role (actor, owner).
func (m *Metrics) RecordNotification(entity, role string) {
	if m == nil || m.notificationsTotal == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(entity, role).Inc()
}

// Composition Metrics

// RecordComposition records a composition attempt.
func (m *Metrics) RecordComposition(runtime, task, outcome string) {
	if m == nil || m.compositions == nil {
		return
	}
	m.compositions.WithLabelValues(runtime, task, outcome).Inc()
}

// Trigger Metrics

// RecordFiring records a trigger firing.
func (m *Metrics) RecordFiring(actuator, status string) {
	if m == nil || m.firings == nil {
		return
	}
	m.firings.WithLabelValues(actuator, status).Inc()
}

// AddActiveTriggers adjusts the active trigger gauge.
func (m *Metrics) AddActiveTriggers(actuator string, delta float64) {
	if m == nil || m.activeTriggers == nil {
		return
	}
	m.activeTriggers.WithLabelValues(actuator).Add(delta)
}

// Bus Metrics

// RecordDelivery records an event delivery outcome (ok, failed, panic).
func (m *Metrics) RecordDelivery(topic, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(topic, outcome).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns the HTTP server exposing metrics, or nil when
// metrics are disabled. The caller owns its lifecycle.
func (m *Metrics) NewMetricsServer() *http.Server {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
