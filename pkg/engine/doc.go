// Package engine provides the shared vocabulary of the runplane orchestration kernel.
//
// # Overview
//
// A submission flows through four parts of the kernel:
//
//  1. Compose - Function, Task and Run specs are merged by a runtime into a Runnable
//  2. Reconcile - the Runnable is dispatched to a FrameworkAdapter based on its State
//  3. Lifecycle - the adapter result drives the owning run entity through its FSM
//  4. Trigger - entity transitions and schedules fire new runs
//
// # Core Types
//
//   - State: the closed state vocabulary (READY, RUNNING, STOP, DELETING, DELETED, ERROR, ...)
//   - Runnable: the dispatched unit of execution
//   - RunnableChangedEvent: published after each reconciliation cycle
//   - TransitionRecord: one append-only audit entry
//
// # Contracts
//
// FrameworkAdapter, RunnableStore and AuditLog are the collaborator contracts the
// kernel depends on. Implementations live in pkg/stores and pkg/frameworks.
//
// # Errors
//
// Every kernel failure is an *EngineError carrying one of four kinds:
//
//	err := engine.NewInvalidTransitionError("COMPLETED", "").WithEvent("RUN")
//	if engine.IsInvalidTransition(err) {
//	    // entity state was left unchanged
//	}
package engine
