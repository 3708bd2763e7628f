// Package trigger fires new runs on a schedule or when watched entities
// change state.
//
// A Trigger is a lifecycle entity. The Service moves it through the trigger
// state machine and, on entering RUNNING, registers it with the Actuator for
// its condition kind:
//
//   - SchedulerActuator ticks on a cron expression
//   - LifecycleActuator matches entity broadcasts, optionally through the
//     relationship graph and a Starlark filter
//
// Actuators never create runs from their callbacks. They publish a
// TriggerExecutionEvent on ExecutionTopic; the Service consumes it and calls
// the actuator's OnFire, which merges the trigger template over the firing
// context and submits the run. A trigger script, when set, adds run
// parameters computed from the firing first. Every firing, failed or not, is
// recorded in the FiringLog.
package trigger
