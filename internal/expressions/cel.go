package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/rendis/govflow/pkg/schema"
)

// CELEngine evaluates rules with Google's Common Expression Language.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment declares the rule scope:
//   - params:  map(string, dyn), the action's request parameters
//   - action:  map(string, dyn), identity of the action being run
//   - targets: list(dyn), the action's targets
//   - sources: list(dyn), the action's request sources
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	listType := cel.ListType(cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable(ScopeParams, mapType),
		cel.Variable(ScopeAction, mapType),
		cel.Variable(ScopeTargets, listType),
		cel.Variable(ScopeSources, listType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against data. Missing scope keys evaluate as empty.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return nativeValue(out), nil
}

// nativeValue unwraps CEL lists into []any so list results read like the
// other engines' results.
func nativeValue(v ref.Val) any {
	l, ok := v.(traits.Lister)
	if !ok {
		return v.Value()
	}
	size, _ := l.Size().(types.Int)
	out := make([]any, 0, int(size))
	for i := types.Int(0); i < size; i++ {
		out = append(out, nativeValue(l.Get(i)))
	}
	return out
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, 4)
	for _, key := range []string{ScopeParams, ScopeAction} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	for _, key := range []string{ScopeTargets, ScopeSources} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = []any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
