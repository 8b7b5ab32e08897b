package expressions

import "context"

// Engine evaluates rule expressions over an engine action's scope.
// Three implementations: CEL (conditions), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope keys shared by every engine. Rule executors build the data map
// with these keys so one expression reads the same under any engine.
const (
	ScopeParams  = "params"
	ScopeAction  = "action"
	ScopeTargets = "targets"
	ScopeSources = "sources"
)
