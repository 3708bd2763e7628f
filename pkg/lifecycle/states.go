package lifecycle

import (
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/fsm"
)

// RunEvent is an intent raised against a run.
type RunEvent string

const (
	RunBuild    RunEvent = "BUILD"
	RunReady    RunEvent = "READY"
	RunExecute  RunEvent = "EXECUTE"
	RunComplete RunEvent = "COMPLETE"
	RunError    RunEvent = "ERROR"
	RunStop     RunEvent = "STOP"
	RunStopped  RunEvent = "STOPPED"
	RunResume   RunEvent = "RESUME"
	RunDelete   RunEvent = "DELETE"
	RunDeleted  RunEvent = "DELETED"
)

// RunMachine returns the run transition table. Runs share the runnable
// state vocabulary so adapter results can be handled directly.
func RunMachine() *fsm.Machine[engine.State, RunEvent] {
	return fsm.NewBuilder[engine.State, RunEvent](KindRun).
		From(engine.StateCreated).
		On(RunBuild, engine.StateBuilt).
		On(RunError, engine.StateError).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateBuilt).
		On(RunReady, engine.StateReady).
		On(RunError, engine.StateError).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateReady).
		On(RunExecute, engine.StateRunning).
		On(RunComplete, engine.StateCompleted).
		On(RunStop, engine.StateStop).
		On(RunError, engine.StateError).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateRunning).
		On(RunComplete, engine.StateCompleted).
		On(RunStop, engine.StateStop).
		On(RunError, engine.StateError).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateStop).
		On(RunStopped, engine.StateStopped).
		On(RunComplete, engine.StateCompleted).
		On(RunError, engine.StateError).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateStopped).
		On(RunResume, engine.StateReady).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateCompleted).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateError).
		On(RunResume, engine.StateReady).
		On(RunDelete, engine.StateDeleting).
		From(engine.StateDeleting).
		On(RunDeleted, engine.StateDeleted).
		On(RunError, engine.StateError).
		From(engine.StateDeleted).
		Build()
}

// TriggerState is the state of a trigger entity.
type TriggerState string

const (
	TriggerCreated TriggerState = "CREATED"
	TriggerRunning TriggerState = "RUNNING"
	TriggerStopped TriggerState = "STOPPED"
	TriggerError   TriggerState = "ERROR"
	TriggerDeleted TriggerState = "DELETED"
)

// TriggerEvent is an intent raised against a trigger.
type TriggerEvent string

const (
	TriggerRun    TriggerEvent = "RUN"
	TriggerStop   TriggerEvent = "STOP"
	TriggerFail   TriggerEvent = "ERROR"
	TriggerDelete TriggerEvent = "DELETE"
)

// TriggerMachine returns the trigger transition table.
func TriggerMachine() *fsm.Machine[TriggerState, TriggerEvent] {
	return fsm.NewBuilder[TriggerState, TriggerEvent](KindTrigger).
		From(TriggerCreated).
		On(TriggerRun, TriggerRunning).
		On(TriggerFail, TriggerError).
		On(TriggerDelete, TriggerDeleted).
		From(TriggerRunning).
		On(TriggerStop, TriggerStopped).
		On(TriggerFail, TriggerError).
		On(TriggerDelete, TriggerDeleted).
		From(TriggerStopped).
		On(TriggerRun, TriggerRunning).
		On(TriggerDelete, TriggerDeleted).
		From(TriggerError).
		On(TriggerRun, TriggerRunning).
		On(TriggerStop, TriggerStopped).
		On(TriggerDelete, TriggerDeleted).
		From(TriggerDeleted).
		Build()
}

// ArtifactState is the state of a stored artifact or data item.
type ArtifactState string

const (
	ArtifactCreated   ArtifactState = "CREATED"
	ArtifactUploading ArtifactState = "UPLOADING"
	ArtifactReady     ArtifactState = "READY"
	ArtifactError     ArtifactState = "ERROR"
	ArtifactDeleted   ArtifactState = "DELETED"
)

// ArtifactEvent is an intent raised against an artifact.
type ArtifactEvent string

const (
	ArtifactUpload ArtifactEvent = "UPLOAD"
	ArtifactMark   ArtifactEvent = "READY"
	ArtifactFail   ArtifactEvent = "ERROR"
	ArtifactDelete ArtifactEvent = "DELETE"
)

// ArtifactMachine returns the artifact transition table.
func ArtifactMachine() *fsm.Machine[ArtifactState, ArtifactEvent] {
	return fsm.NewBuilder[ArtifactState, ArtifactEvent](KindArtifact).
		From(ArtifactCreated).
		On(ArtifactUpload, ArtifactUploading).
		On(ArtifactMark, ArtifactReady).
		On(ArtifactFail, ArtifactError).
		On(ArtifactDelete, ArtifactDeleted).
		From(ArtifactUploading).
		On(ArtifactMark, ArtifactReady).
		On(ArtifactFail, ArtifactError).
		On(ArtifactDelete, ArtifactDeleted).
		From(ArtifactReady).
		On(ArtifactUpload, ArtifactUploading).
		On(ArtifactDelete, ArtifactDeleted).
		From(ArtifactError).
		On(ArtifactUpload, ArtifactUploading).
		On(ArtifactDelete, ArtifactDeleted).
		From(ArtifactDeleted).
		Build()
}
