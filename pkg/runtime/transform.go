package runtime

import (
	"context"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/spec"
)

// TransformRuntime runs data transformations described by a source or query.
type TransformRuntime struct{}

// NewTransformRuntime creates the transform runtime.
func NewTransformRuntime() *TransformRuntime {
	return &TransformRuntime{}
}

// Name returns "transform".
func (t *TransformRuntime) Name() string { return "transform" }

// Kinds returns transform. The task layer is optional.
func (t *TransformRuntime) Kinds() []Kind {
	return []Kind{
		{Name: "transform", Mode: ModeFlatten, RequiresFunction: true},
	}
}

// Build fills the transform payload. Run inputs become the transform inputs.
func (t *TransformRuntime) Build(_ context.Context, in BuildInput, r *engine.Runnable) (spec.Spec, error) {
	ts, err := spec.FromMap(&spec.TransformSpec{}, in.Backend)
	if err != nil {
		return nil, err
	}
	if len(ts.Source) == 0 && ts.Query == "" {
		return nil, engine.NewConfigurationError("transform requires a source or a query", nil).
			WithCode(engine.ErrCodeMissingSpec)
	}
	if len(in.Run.Inputs) > 0 {
		ts.Inputs = engine.CloneMap(in.Run.Inputs)
	}

	image, _ := ts.Extra.Get("image")
	r.Image, _ = image.(string)
	if cmd, ok := ts.Extra.Get("command"); ok {
		r.Command, _ = cmd.(string)
	}
	if ts.Query != "" {
		r.Args = []string{ts.Query}
	}
	r.Envs = ts.Envs
	return ts, nil
}
