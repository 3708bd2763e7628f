// Package telemetry provides observability instrumentation for the runplane kernel.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value that
// every kernel component receives at construction.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	log := tel.Logger.NewComponentLogger("reconcile")
//	log.WithRunnable(r.ID, r.Framework).Info("dispatching")
//
// Components accept a nil *Telemetry and fall back to NewNop, which keeps
// library use and tests free of configuration.
//
// # Metrics
//
// Metrics are registered on a private registry under the configured namespace:
//
//   - reconcile_dispatches_total{framework,action,outcome}
//   - reconcile_dispatch_duration_seconds{framework,action}
//   - lifecycle_transitions_total{entity,from,to}
//   - trigger_firings_total{actuator,status}
//   - bus_deliveries_total{topic,outcome}
//
// When metrics are disabled every Record method is a no-op.
package telemetry
