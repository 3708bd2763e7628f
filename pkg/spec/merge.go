package spec

import "github.com/runplane/runplane/pkg/engine"

// Flatten merges three layers into one map. The run layer is the base, every
// key of the function layer overrides it, and task keys are only used where
// neither of the others supplied a value. Inputs are not modified.
func Flatten(run, function, task map[string]interface{}) map[string]interface{} {
	out := engine.CloneMap(run)
	if out == nil {
		out = make(map[string]interface{}, len(function)+len(task))
	}
	for k, v := range function {
		out[k] = cloneAny(v)
	}
	for k, v := range task {
		if _, ok := out[k]; !ok {
			out[k] = cloneAny(v)
		}
	}
	return out
}

// Structured attaches the task and function layers as whole sub-objects on a
// copy of the run layer. No key of the run layer is overridden.
func Structured(run, function, task map[string]interface{}) map[string]interface{} {
	out := engine.CloneMap(run)
	if out == nil {
		out = make(map[string]interface{}, 2)
	}
	out[KeyTaskSpec] = engine.CloneMap(task)
	out[KeyFunctionSpec] = engine.CloneMap(function)
	return out
}

func cloneAny(v interface{}) interface{} {
	return engine.CloneMap(map[string]interface{}{"v": v})["v"]
}
