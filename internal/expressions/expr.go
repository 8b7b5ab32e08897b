package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/govflow/pkg/schema"
)

// ExprEngine evaluates rules with expr-lang/expr. Scope keys are top-level
// variables, so a rule reads `params.size > 10 && len(targets) > 0`.
//
// Programs are compiled without a typed environment: the same rule runs
// against actions whose parameters differ in shape, so every lookup is
// resolved at run time.
type ExprEngine struct {
	programs sync.Map // expression -> *vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as the environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "expr evaluation failed for %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// program returns the cached program for expression. Concurrent first calls
// may both compile; the first stored program wins.
func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if p, ok := e.programs.Load(expression); ok {
		return p.(*vm.Program), nil
	}
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "expr compile error in %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	p, _ := e.programs.LoadOrStore(expression, prg)
	return p.(*vm.Program), nil
}

var _ Engine = (*ExprEngine)(nil)
