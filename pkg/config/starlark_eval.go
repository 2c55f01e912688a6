package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

const defaultMaxSteps = 1_000_000

// ConditionEvaluator evaluates task "when" expressions as Starlark.
//
// Every top-level fact is predeclared under its own name, and the whole fact
// context is also available as "facts" so hasattr(facts, "name") can test
// for presence. Mappings become structs, so nested values read as
// result.data.name.
type ConditionEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewConditionEvaluator creates a new evaluator.
func NewConditionEvaluator(timeout time.Duration) *ConditionEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &ConditionEvaluator{
		timeout:  timeout,
		maxSteps: defaultMaxSteps,
	}
}

// Eval evaluates expr against facts and returns its truth value.
func (ce *ConditionEvaluator) Eval(ctx context.Context, expr string, facts map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	predeclared, err := ce.predeclared(facts)
	if err != nil {
		return false, err
	}

	thread := &starlark.Thread{
		Name:  "when",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(ce.maxSteps)

	evalCtx, cancel := context.WithTimeout(ctx, ce.timeout)
	defer cancel()

	type evalResult struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan evalResult, 1)
	go func() {
		v, err := starlark.Eval(thread, "when", expr, predeclared)
		resultCh <- evalResult{v, err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-resultCh
		return false, fmt.Errorf("condition %q: evaluation timeout after %v", expr, ce.timeout)
	case res := <-resultCh:
		if res.err != nil {
			return false, fmt.Errorf("condition %q: %w", expr, res.err)
		}
		return bool(res.value.Truth()), nil
	}
}

func (ce *ConditionEvaluator) predeclared(facts map[string]any) (starlark.StringDict, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	members := make(starlark.StringDict, len(facts))
	for key, val := range facts {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert fact %s: %w", key, err)
		}
		members[key] = sv
		predeclared[key] = sv
	}
	predeclared["facts"] = starlarkstruct.FromStringDict(starlarkstruct.Default, members)
	return predeclared, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		members := make(starlark.StringDict, len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			members[k] = sv
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, members), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
