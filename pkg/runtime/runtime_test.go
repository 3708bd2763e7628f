package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schemaFunc func(ctx context.Context, runtime string, data map[string]interface{}) error

func (f schemaFunc) ValidateSpec(ctx context.Context, runtime string, data map[string]interface{}) error {
	return f(ctx, runtime, data)
}

type admitFunc func(ctx context.Context, input map[string]interface{}) error

func (f admitFunc) Admit(ctx context.Context, input map[string]interface{}) error {
	return f(ctx, input)
}

func newComposer(opts ComposerOptions) *Composer {
	return NewComposer(NewDefaultRegistry(), opts)
}

func TestMergePrecedence(t *testing.T) {
	run := map[string]interface{}{"a": 1, "b": 2}
	function := map[string]interface{}{"a": 9}
	task := map[string]interface{}{"b": 8, "c": 7}

	got := Merge(ModeFlatten, run, function, task)

	assert.Equal(t, map[string]interface{}{"a": 9}, got[spec.KeyFunctionSpec])
	delete(got, spec.KeyFunctionSpec)
	assert.Equal(t, map[string]interface{}{"a": 9, "b": 2, "c": 7}, got)

	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, run, "inputs must not be modified")
}

func TestMergeStructured(t *testing.T) {
	run := map[string]interface{}{"image": "run-image"}
	function := map[string]interface{}{"image": "fn-image"}
	task := map[string]interface{}{"replicas": 3}

	got := Merge(ModeStructured, run, function, task)

	assert.Equal(t, "run-image", got["image"], "structured mode never overlays keys")
	assert.Equal(t, function, got[spec.KeyFunctionSpec])
	assert.Equal(t, task, got[spec.KeyTaskSpec])
}

func TestComposeContainerJob(t *testing.T) {
	c := newComposer(ComposerOptions{})

	res, err := c.Compose(context.Background(), Request{
		Project:  "demo",
		Task:     "container+job",
		Function: map[string]interface{}{"command": "go run"},
		TaskSpec: map[string]interface{}{"image": "x"},
		Run:      map[string]interface{}{},
	})
	require.NoError(t, err)

	r := res.Runnable
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, engine.StateReady, r.State)
	assert.Equal(t, "container", r.Runtime)
	assert.Equal(t, "container+job", r.Task)
	assert.Equal(t, DefaultFramework, r.Framework)
	assert.Equal(t, "x", r.Image)
	assert.Equal(t, "go run", r.Command)

	assert.Equal(t, "go run", r.Spec["command"])
	assert.Equal(t, "x", r.Spec["image"])
	assert.Equal(t, map[string]interface{}{"command": "go run"}, r.Spec[spec.KeyFunctionSpec])
	assert.Equal(t, map[string]interface{}{"command": "go run"}, res.Spec.FunctionSpec)
}

func TestComposeFunctionWinsOverRun(t *testing.T) {
	c := newComposer(ComposerOptions{})

	res, err := c.Compose(context.Background(), Request{
		ID:       "run-1",
		Project:  "demo",
		Task:     "container+job",
		Function: map[string]interface{}{"image": "fn:1", "command": "python main.py"},
		TaskSpec: map[string]interface{}{"image": "task:1", "envs": map[string]interface{}{"A": "task"}, "framework": "k8s"},
		Run:      map[string]interface{}{"image": "run:1", "args": []interface{}{"--epochs", 3}},
	})
	require.NoError(t, err)

	r := res.Runnable
	assert.Equal(t, "run-1", r.ID)
	assert.Equal(t, "fn:1", r.Image)
	assert.Equal(t, []string{"--epochs", "3"}, r.Args)
	assert.Equal(t, map[string]string{"A": "task"}, r.Envs)
	assert.Equal(t, "k8s", r.Framework)
}

func TestComposeFunctionEmptyValuesWin(t *testing.T) {
	c := newComposer(ComposerOptions{})

	function := map[string]interface{}{
		"command":    "go run",
		"image":      "fn:1",
		"args":       []interface{}{},
		"envs":       map[string]interface{}{},
		"base_image": "",
	}
	res, err := c.Compose(context.Background(), Request{
		Project:  "demo",
		Task:     "container+job",
		Function: function,
		TaskSpec: map[string]interface{}{"envs": map[string]interface{}{"B": "task"}},
		Run: map[string]interface{}{
			"args":       []interface{}{"--debug"},
			"envs":       map[string]interface{}{"A": "1"},
			"base_image": "run-base",
		},
	})
	require.NoError(t, err)

	got := res.Spec.ToMap()
	assert.Equal(t, []interface{}{}, got["args"])
	assert.Equal(t, map[string]interface{}{}, got["envs"])
	assert.Equal(t, "", got["base_image"])
	assert.Equal(t, function, got[spec.KeyFunctionSpec])
	assert.Equal(t, function, res.Runnable.Spec[spec.KeyFunctionSpec])

	assert.Empty(t, res.Runnable.Args)
	assert.Empty(t, res.Runnable.Envs)
}

func TestComposeTaskSpecAttachedAsGiven(t *testing.T) {
	c := newComposer(ComposerOptions{})

	task := map[string]interface{}{"image": "", "replicas": 0, "envs": map[string]interface{}{}, "framework": nil}
	res, err := c.Compose(context.Background(), Request{
		Project:  "demo",
		Task:     "container+deploy",
		Function: map[string]interface{}{"image": "model:1"},
		TaskSpec: task,
	})
	require.NoError(t, err)

	assert.Equal(t, task, res.Runnable.Spec[spec.KeyTaskSpec])
	assert.Equal(t, DefaultFramework, res.Runnable.Framework)
}

func TestComposeLocalExecutionSelectsDefaultFramework(t *testing.T) {
	c := newComposer(ComposerOptions{DefaultFramework: "local"})

	res, err := c.Compose(context.Background(), Request{
		Project:  "demo",
		Task:     "container+job",
		Function: map[string]interface{}{"image": "fn:1"},
		TaskSpec: map[string]interface{}{"framework": "k8s"},
		Run:      map[string]interface{}{"local_execution": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "local", res.Runnable.Framework)
}

func TestComposeStructuredDeploy(t *testing.T) {
	c := newComposer(ComposerOptions{})

	function := map[string]interface{}{"image": "model:2"}
	task := map[string]interface{}{"replicas": 2, "resources": map[string]interface{}{"cpu": "1"}}
	res, err := c.Compose(context.Background(), Request{
		Project:  "demo",
		Task:     "container+deploy",
		Function: function,
		TaskSpec: task,
		Run:      map[string]interface{}{"owner": "ml-team"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ml-team", res.Runnable.Spec["owner"])
	assert.Equal(t, function, res.Runnable.Spec[spec.KeyFunctionSpec])
	assert.Equal(t, task, res.Runnable.Spec[spec.KeyTaskSpec])
	_, flattened := res.Runnable.Spec["replicas"]
	assert.False(t, flattened)

	assert.Equal(t, "model:2", res.Runnable.Image)
	assert.Equal(t, "2", res.Runnable.Resources["replicas"])
	assert.Equal(t, "1", res.Runnable.Resources["cpu"])
}

func TestComposeConfigurationErrors(t *testing.T) {
	c := newComposer(ComposerOptions{})
	fn := map[string]interface{}{"image": "x"}
	task := map[string]interface{}{}

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{
			name: "unknown runtime",
			req:  Request{Project: "p", Task: "spark+job", Function: fn, TaskSpec: task},
			code: engine.ErrCodeUnknownRuntime,
		},
		{
			name: "unknown task kind",
			req:  Request{Project: "p", Task: "container+batch", Function: fn, TaskSpec: task},
			code: engine.ErrCodeUnknownTaskKind,
		},
		{
			name: "malformed task key",
			req:  Request{Project: "p", Task: "container", Function: fn, TaskSpec: task},
			code: engine.ErrCodeUnknownTaskKind,
		},
		{
			name: "missing function spec",
			req:  Request{Project: "p", Task: "container+job", TaskSpec: task},
			code: engine.ErrCodeMissingSpec,
		},
		{
			name: "missing task spec",
			req:  Request{Project: "p", Task: "container+job", Function: fn},
			code: engine.ErrCodeMissingSpec,
		},
		{
			name: "missing image",
			req:  Request{Project: "p", Task: "container+job", Function: map[string]interface{}{"command": "x"}, TaskSpec: task},
			code: engine.ErrCodeMissingSpec,
		},
		{
			name: "uncoercible field",
			req:  Request{Project: "p", Task: "container+job", Function: fn, TaskSpec: map[string]interface{}{"replicas": "many"}},
			code: engine.ErrCodeInvalidSpec,
		},
		{
			name: "missing project",
			req:  Request{Task: "container+job", Function: fn, TaskSpec: task},
			code: engine.ErrCodeInvalidSpec,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Compose(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, engine.IsConfiguration(err), "got %v", err)

			var ee *engine.EngineError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.code, ee.Code)
		})
	}
}

func TestComposeTransformTaskIsOptional(t *testing.T) {
	c := newComposer(ComposerOptions{})

	res, err := c.Compose(context.Background(), Request{
		Project:  "demo",
		Task:     "transform+transform",
		Function: map[string]interface{}{"query": "SELECT * FROM events", "image": "duckdb:1"},
		Run:      map[string]interface{}{"inputs": map[string]interface{}{"events": "store://demo/artifact/events"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "duckdb:1", res.Runnable.Image)
	assert.Equal(t, []string{"SELECT * FROM events"}, res.Runnable.Args)
	ts, ok := res.Backend.(*spec.TransformSpec)
	require.True(t, ok)
	assert.Equal(t, "store://demo/artifact/events", ts.Inputs["events"])
}

func TestComposeWorkflowParameters(t *testing.T) {
	c := newComposer(ComposerOptions{})

	res, err := c.Compose(context.Background(), Request{
		Project:  "demo",
		Task:     "workflow+pipeline",
		Function: map[string]interface{}{"workflow": "train.yaml"},
		TaskSpec: map[string]interface{}{"image": "wf:1", "parameters": map[string]interface{}{"lr": 0.1}},
		Run:      map[string]interface{}{"parameters": map[string]interface{}{"epochs": 5}},
	})
	require.NoError(t, err)

	ws, ok := res.Backend.(*spec.WorkflowSpec)
	require.True(t, ok)
	assert.Equal(t, 5, ws.Parameters["epochs"])
	assert.NotContains(t, ws.Parameters, "lr", "task parameters only fill an absent key")
	assert.Equal(t, "wf:1", res.Runnable.Image)
	assert.Equal(t, []string{"train.yaml"}, res.Runnable.Args)
}

func TestComposeSchemaAndAdmission(t *testing.T) {
	req := Request{
		Project:  "demo",
		Task:     "container+job",
		Function: map[string]interface{}{"image": "x"},
		TaskSpec: map[string]interface{}{},
	}

	t.Run("schema failure", func(t *testing.T) {
		var seen string
		c := newComposer(ComposerOptions{Schemas: schemaFunc(func(_ context.Context, runtime string, data map[string]interface{}) error {
			seen = runtime
			return errors.New("image: conflicting values")
		})})
		_, err := c.Compose(context.Background(), req)
		require.Error(t, err)
		assert.True(t, engine.IsConfiguration(err))
		assert.Equal(t, "container", seen)
	})

	t.Run("policy denial keeps its code", func(t *testing.T) {
		var input map[string]interface{}
		c := newComposer(ComposerOptions{Admission: admitFunc(func(_ context.Context, in map[string]interface{}) error {
			input = in
			return engine.NewConfigurationError("denied", nil).WithCode(engine.ErrCodePolicyDenied)
		})})
		_, err := c.Compose(context.Background(), req)
		require.Error(t, err)

		var ee *engine.EngineError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, engine.ErrCodePolicyDenied, ee.Code)
		assert.Equal(t, "demo", input["project"])
		assert.Equal(t, "x", input["runnable"].(map[string]interface{})["image"])
	})

	t.Run("admitted", func(t *testing.T) {
		c := newComposer(ComposerOptions{Admission: admitFunc(func(context.Context, map[string]interface{}) error { return nil })})
		res, err := c.Compose(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, engine.StateReady, res.Runnable.State)
	})
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, []string{"container", "transform", "workflow"}, r.Names())
	assert.Contains(t, r.TaskKeys(), "container+job")
	assert.Contains(t, r.TaskKeys(), "workflow+pipeline")
	assert.Error(t, r.Register(NewContainerRuntime()))
}
