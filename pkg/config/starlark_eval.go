package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultMaxSteps bounds the work one evaluation may do.
const DefaultMaxSteps = 1_000_000

// StarlarkEvaluator runs sandboxed Starlark: no load(), no print output,
// bounded by a timeout and a step budget.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// StarlarkResult holds the public globals of one script run. Error repeats
// the returned error.
type StarlarkResult struct {
	Output        map[string]interface{} `json:"output,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Error         string                 `json:"error,omitempty"`
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
	}
}

// Evaluate executes a Starlark script with input predeclared and returns its
// public globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	var output map[string]interface{}

	err := se.run(ctx, input, func(thread *starlark.Thread, env starlark.StringDict) error {
		globals, err := starlark.ExecFile(thread, "script.star", script, env)
		if err != nil {
			return fmt.Errorf("starlark execution failed: %w", err)
		}
		output = make(map[string]interface{}, len(globals))
		for name, val := range globals {
			if strings.HasPrefix(name, "_") {
				continue
			}
			goVal, err := fromStarlarkValue(val)
			if err != nil {
				return fmt.Errorf("failed to convert output %s: %w", name, err)
			}
			output[name] = goVal
		}
		return nil
	})

	res := &StarlarkResult{Output: output, ExecutionTime: time.Since(start)}
	if err != nil {
		res.Output = nil
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// EvaluateBool evaluates a single expression over vars and reports its
// truth value. Trigger filters use it.
func (se *StarlarkEvaluator) EvaluateBool(ctx context.Context, expr string, vars map[string]interface{}) (bool, error) {
	var truth bool
	err := se.run(ctx, vars, func(thread *starlark.Thread, env starlark.StringDict) error {
		val, err := starlark.Eval(thread, "filter", expr, env)
		if err != nil {
			return fmt.Errorf("filter %q: %w", expr, err)
		}
		truth = bool(val.Truth())
		return nil
	})
	return truth, err
}

// Evaluate the body on a fresh thread. The thread is cancelled when ctx is
// done or the timeout passes, which aborts the script at its next step.
func (se *StarlarkEvaluator) run(ctx context.Context, input map[string]interface{}, body func(*starlark.Thread, starlark.StringDict) error) error {
	env, err := predeclared(input)
	if err != nil {
		return err
	}

	thread := &starlark.Thread{
		Name:  "runplane",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- body(thread, env) }()

	select {
	case err := <-done:
		return err
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		<-done
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("starlark execution timeout after %v", se.timeout)
	}
}

func predeclared(input map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt(int(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case time.Time:
		return starlark.String(val.UTC().Format(time.RFC3339Nano)), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			if err := dict.SetKey(starlark.String(k), starlark.String(val[k])); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for _, k := range sortedKeys(val) {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			v, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = v
		}
		return list, nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// sortedKeys keeps dict iteration order stable across evaluations.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
