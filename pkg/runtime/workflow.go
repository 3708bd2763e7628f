package runtime

import (
	"context"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/spec"
)

// WorkflowRuntime submits workflow pipelines to a workflow engine.
type WorkflowRuntime struct{}

// NewWorkflowRuntime creates the workflow runtime.
func NewWorkflowRuntime() *WorkflowRuntime {
	return &WorkflowRuntime{}
}

// Name returns "workflow".
func (w *WorkflowRuntime) Name() string { return "workflow" }

// Kinds returns pipeline.
func (w *WorkflowRuntime) Kinds() []Kind {
	return []Kind{
		{Name: "pipeline", Mode: ModeFlatten, RequiresFunction: true, RequiresTask: true},
	}
}

// Build fills the workflow payload. Run parameters override workflow defaults.
func (w *WorkflowRuntime) Build(_ context.Context, in BuildInput, r *engine.Runnable) (spec.Spec, error) {
	ws, err := spec.FromMap(&spec.WorkflowSpec{}, in.Backend)
	if err != nil {
		return nil, err
	}
	if ws.Workflow == "" && ws.Entrypoint == "" {
		return nil, engine.NewConfigurationError("workflow requires a workflow or an entrypoint", nil).
			WithCode(engine.ErrCodeMissingSpec)
	}
	if len(in.Run.Parameters) > 0 {
		if ws.Parameters == nil {
			ws.Parameters = make(map[string]interface{}, len(in.Run.Parameters))
		}
		for k, v := range engine.CloneMap(in.Run.Parameters) {
			ws.Parameters[k] = v
		}
	}

	r.Image = ws.Image
	r.Command = ws.Entrypoint
	if ws.Workflow != "" {
		r.Args = []string{ws.Workflow}
	}
	return ws, nil
}
