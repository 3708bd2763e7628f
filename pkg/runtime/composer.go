package runtime

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/spec"
	"github.com/runplane/runplane/pkg/telemetry"
)

// DefaultFramework is used when neither the task spec nor the run selects one.
const DefaultFramework = "local"

// SchemaValidator validates the backend view of a composed spec against the
// schema registered for a runtime.
type SchemaValidator interface {
	ValidateSpec(ctx context.Context, runtime string, data map[string]interface{}) error
}

// Admitter decides whether a composed run may be dispatched. A denial must be
// returned as a configuration error.
type Admitter interface {
	Admit(ctx context.Context, input map[string]interface{}) error
}

// Request is one composition request.
type Request struct {
	// ID is the run id. Generated when empty.
	ID      string
	Project string `validate:"required"`

	// Task is the task key, "<runtime>+<kind>".
	Task string `validate:"required"`

	Function map[string]interface{}
	TaskSpec map[string]interface{}
	Run      map[string]interface{}
}

// Result is a composed run.
type Result struct {
	// Spec is the authoritative run spec.
	Spec *spec.RunSpec

	// Backend is the typed backend spec the runnable was built from.
	Backend spec.Spec

	Runnable *engine.Runnable
}

// ComposerOptions configures a Composer.
type ComposerOptions struct {
	Schemas          SchemaValidator
	Admission        Admitter
	DefaultFramework string
	Telemetry        *telemetry.Telemetry
}

// Composer merges spec layers and asks a runtime to build the runnable.
type Composer struct {
	registry         *Registry
	schemas          SchemaValidator
	admission        Admitter
	defaultFramework string
	validate         *validator.Validate
	tel              *telemetry.Telemetry
	logger           *telemetry.Logger
}

// NewComposer creates a composer over registry.
func NewComposer(registry *Registry, opts ComposerOptions) *Composer {
	tel := telemetry.OrNop(opts.Telemetry)
	framework := opts.DefaultFramework
	if framework == "" {
		framework = DefaultFramework
	}
	return &Composer{
		registry:         registry,
		schemas:          opts.Schemas,
		admission:        opts.Admission,
		defaultFramework: framework,
		validate:         validator.New(),
		tel:              tel,
		logger:           tel.Logger.NewComponentLogger("runtime"),
	}
}

// Registry returns the runtime registry.
func (c *Composer) Registry() *Registry {
	return c.registry
}

// Compose produces the authoritative run spec and a READY runnable.
func (c *Composer) Compose(ctx context.Context, req Request) (*Result, error) {
	ctx, span := c.tel.Tracer.StartComposeSpan(ctx, "", req.Task)
	defer span.End()

	res, rtName, err := c.compose(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = string(engine.KindOf(err))
		telemetry.RecordError(span, err)
		c.logger.WithFields(map[string]interface{}{
			"task":    req.Task,
			"project": req.Project,
		}).WithError(err).Warn("composition failed")
	} else {
		span.SetAttributes(telemetry.AttrRuntime.String(rtName), telemetry.AttrRunnableID.String(res.Runnable.ID))
		telemetry.RecordSuccess(span)
	}
	c.tel.Metrics.RecordComposition(rtName, req.Task, outcome)
	return res, err
}

func (c *Composer) compose(ctx context.Context, req Request) (*Result, string, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, "", engine.NewConfigurationError("invalid composition request", err)
	}

	rtName, kindName, err := ParseTaskKey(req.Task)
	if err != nil {
		return nil, "", err
	}
	rt, ok := c.registry.Get(rtName)
	if !ok {
		return nil, rtName, engine.NewConfigurationError("unknown runtime", nil).
			WithCode(engine.ErrCodeUnknownRuntime).
			WithDetail("runtime", rtName)
	}
	kind, ok := findKind(rt, kindName)
	if !ok {
		return nil, rtName, engine.NewConfigurationError("unknown task kind for runtime", nil).
			WithCode(engine.ErrCodeUnknownTaskKind).
			WithDetail("runtime", rtName).
			WithDetail("kind", kindName)
	}
	if kind.RequiresFunction && req.Function == nil {
		return nil, rtName, missingSpec("function", req.Task)
	}
	if kind.RequiresTask && req.TaskSpec == nil {
		return nil, rtName, missingSpec("task", req.Task)
	}

	// The typed views only check that known keys coerce. The layers are
	// merged as given, so a key declared with an empty value still wins.
	if _, err := spec.FromMap(&spec.FunctionSpec{}, req.Function); err != nil {
		return nil, rtName, err
	}
	task, err := spec.FromMap(&spec.TaskSpec{}, req.TaskSpec)
	if err != nil {
		return nil, rtName, err
	}

	composed := Merge(kind.Mode, req.Run, req.Function, req.TaskSpec)
	composed["task"] = req.Task

	rs, err := spec.FromMap(&spec.RunSpec{}, composed)
	if err != nil {
		return nil, rtName, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	framework := task.Framework
	if rs.LocalExecution || framework == "" {
		framework = c.defaultFramework
	}
	now := time.Now().UTC()
	r := &engine.Runnable{
		ID:        id,
		Project:   req.Project,
		Runtime:   rtName,
		Task:      req.Task,
		Framework: framework,
		State:     engine.StateReady,
		Spec:      rs.ToMap(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	backend, err := rt.Build(ctx, BuildInput{Kind: kind, Run: rs, Backend: backendView(rs, kind.Mode)}, r)
	if err != nil {
		return nil, rtName, asConfiguration(err, "runtime rejected composed spec")
	}

	if c.schemas != nil {
		if err := c.schemas.ValidateSpec(ctx, rtName, backend.ToMap()); err != nil {
			return nil, rtName, asConfiguration(err, "composed spec does not match runtime schema")
		}
	}
	if err := c.validate.Struct(r); err != nil {
		return nil, rtName, engine.NewConfigurationError("composed runnable is incomplete", err)
	}
	if c.admission != nil {
		if err := c.admission.Admit(ctx, admissionInput(req, kind, rs, r)); err != nil {
			return nil, rtName, asConfiguration(err, "run denied by policy")
		}
	}

	return &Result{Spec: rs, Backend: backend, Runnable: r}, rtName, nil
}

// Merge composes the three layers in the given mode. In flatten mode the
// function layer is also attached verbatim under function_spec.
func Merge(mode Mode, run, function, task map[string]interface{}) map[string]interface{} {
	if mode == ModeStructured {
		return spec.Structured(run, function, task)
	}
	out := spec.Flatten(run, function, task)
	out[spec.KeyFunctionSpec] = engine.CloneMap(function)
	return out
}

func missingSpec(layer, task string) error {
	return engine.NewConfigurationError(layer+" spec is required", nil).
		WithCode(engine.ErrCodeMissingSpec).
		WithDetail("layer", layer).
		WithDetail("task", task)
}

func asConfiguration(err error, message string) error {
	if engine.IsConfiguration(err) {
		return err
	}
	return engine.NewConfigurationError(message, err)
}

func admissionInput(req Request, kind Kind, rs *spec.RunSpec, r *engine.Runnable) map[string]interface{} {
	return map[string]interface{}{
		"project":   req.Project,
		"runtime":   r.Runtime,
		"task":      req.Task,
		"kind":      kind.Name,
		"framework": r.Framework,
		"spec":      rs.ToMap(),
		"runnable": map[string]interface{}{
			"id":        r.ID,
			"image":     r.Image,
			"command":   r.Command,
			"args":      stringsToAny(r.Args),
			"envs":      stringMapToAny(r.Envs),
			"resources": stringMapToAny(r.Resources),
			"secrets":   stringsToAny(r.Secrets),
		},
	}
}

func stringsToAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stringMapToAny(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
