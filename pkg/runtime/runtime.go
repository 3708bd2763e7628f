// Package runtime composes Function, Task and Run specs into a Runnable.
//
// A Runtime is the per-backend strategy. It declares the task kinds it
// accepts, which composition mode each kind uses, and how a composed run
// spec becomes the backend payload of a Runnable. Runtimes are registered
// explicitly in a Registry at process start.
package runtime

import (
	"context"
	"strings"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/spec"
)

// Mode selects how the three spec layers are composed.
type Mode string

const (
	// ModeFlatten merges the layers key by key: function over run, task fills gaps.
	ModeFlatten Mode = "flatten"

	// ModeStructured attaches task and function specs as sub-objects of the run spec.
	ModeStructured Mode = "structured"
)

// Kind describes one task kind of a runtime.
type Kind struct {
	Name             string
	Mode             Mode
	RequiresFunction bool
	RequiresTask     bool
}

// BuildInput is what a runtime receives after the layers were merged.
type BuildInput struct {
	Kind Kind

	// Run is the composed, authoritative run spec.
	Run *spec.RunSpec

	// Backend is the flattened backend view of the composed spec. For
	// structured kinds it is derived from the attached sub-objects.
	Backend map[string]interface{}
}

// Runtime materializes composed run specs for one backend family.
type Runtime interface {
	// Name returns the runtime identifier used in task keys.
	Name() string

	// Kinds returns the task kinds the runtime accepts, sorted by name.
	Kinds() []Kind

	// Build fills the backend payload of r from the composed spec. It returns
	// the typed backend spec that was validated.
	Build(ctx context.Context, in BuildInput, r *engine.Runnable) (spec.Spec, error)
}

// TaskKey joins a runtime and a task kind, e.g. "container+job".
func TaskKey(runtime, kind string) string {
	return runtime + "+" + kind
}

// ParseTaskKey splits a task key into runtime and kind.
func ParseTaskKey(key string) (runtime, kind string, err error) {
	parts := strings.SplitN(key, "+", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", engine.NewConfigurationError("malformed task key", nil).
			WithCode(engine.ErrCodeUnknownTaskKind).
			WithDetail("task", key)
	}
	return parts[0], parts[1], nil
}

func findKind(rt Runtime, name string) (Kind, bool) {
	for _, k := range rt.Kinds() {
		if k.Name == name {
			return k, true
		}
	}
	return Kind{}, false
}

// runOnlyKeys are run-layer fields that never reach a backend payload.
var runOnlyKeys = []string{
	"task", "function", "inputs", "parameters", "local_execution",
	spec.KeyFunctionSpec, spec.KeyTaskSpec,
}

func backendView(rs *spec.RunSpec, mode Mode) map[string]interface{} {
	base := rs.ToMap()
	for _, k := range runOnlyKeys {
		delete(base, k)
	}
	if mode == ModeStructured {
		return spec.Flatten(base, rs.FunctionSpec, rs.TaskSpec)
	}
	return base
}
