package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/govflow/internal/expressions"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/schema"
)

// RulesEngine is the engine name of the built-in rule executors.
const RulesEngine = "rules"

// Request parameters understood by rule executors.
const (
	ParamExpression = "expression"
	// ParamOnTrue and ParamOnFalse name the guards a boolean rule emits.
	ParamOnTrue  = "on_true"
	ParamOnFalse = "on_false"
	// ParamTimeout bounds evaluation, e.g. "5s".
	ParamTimeout = "timeout"
)

const defaultRuleTimeout = 10 * time.Second

// multiEvaluator is implemented by engines whose programs emit a stream.
type multiEvaluator interface {
	EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error)
}

// RuleExecutor evaluates the action's "expression" parameter and turns the
// result into completion guards: a boolean selects on_true or on_false, a
// string is the guard itself and a list emits one guard per element.
type RuleExecutor struct {
	requestType string
	engine      expressions.Engine
}

// NewRuleExecutor binds an expression engine to rules/<requestType>.
func NewRuleExecutor(requestType string, engine expressions.Engine) *RuleExecutor {
	return &RuleExecutor{requestType: requestType, engine: engine}
}

// RuleExecutors returns the rules/cel, rules/expr and rules/jq executors.
func RuleExecutors() ([]Executor, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Executor{
		NewRuleExecutor("cel", celEngine),
		NewRuleExecutor("expr", expressions.NewExprEngine()),
		NewRuleExecutor("jq", expressions.NewGoJQEngine()),
	}, nil
}

// RegisterBuiltins registers all built-in executors in the given registry.
func RegisterBuiltins(reg *Registry) error {
	rules, err := RuleExecutors()
	if err != nil {
		return err
	}
	for _, ex := range rules {
		if err := reg.Register(ex); err != nil {
			return err
		}
	}
	return nil
}

func (r *RuleExecutor) Ref() schema.ExecutorRef {
	return schema.ExecutorRef{
		EngineName:  RulesEngine,
		RequestType: r.requestType,
		RequestParameters: map[string]string{
			ParamOnTrue:  "true",
			ParamOnFalse: "false",
			ParamTimeout: defaultRuleTimeout.String(),
		},
	}
}

func (r *RuleExecutor) Info() ExecutorInfo {
	return ExecutorInfo{
		Key:         schema.ExecutorKey(RulesEngine, r.requestType),
		EngineName:  RulesEngine,
		RequestType: r.requestType,
		Description: fmt.Sprintf("Evaluate a %s rule over the action and emit its result as guards", r.engine.Name()),
	}
}

func (r *RuleExecutor) Validate(params map[string]string) error {
	if params[ParamExpression] == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a non-empty %q parameter",
			schema.ExecutorKey(RulesEngine, r.requestType), ParamExpression)
	}
	if v := params[ParamTimeout]; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid %q parameter %q", ParamTimeout, v).WithCause(err)
		}
	}
	return nil
}

func (r *RuleExecutor) Execute(ctx context.Context, a *store.EngineAction) (*Outcome, error) {
	params := a.RequestParameters
	if err := r.Validate(params); err != nil {
		return nil, err
	}

	timeout := defaultRuleTimeout
	if v := params[ParamTimeout]; v != "" {
		timeout, _ = time.ParseDuration(v)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	expression := params[ParamExpression]
	scope := RuleScope(a)

	var result any
	var err error
	if multi, ok := r.engine.(multiEvaluator); ok {
		var all []any
		all, err = multi.EvaluateAll(ctx, expression, scope)
		switch len(all) {
		case 0:
		case 1:
			result = all[0]
		default:
			result = all
		}
	} else {
		result, err = r.engine.Evaluate(ctx, expression, scope)
	}
	if err != nil {
		return nil, err
	}

	guards, err := guardsOf(result, params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "rule %q: %s", expression, err.Error()).WithAction(a.GUID)
	}
	return &Outcome{
		Guards:  guards,
		Message: fmt.Sprintf("%s rule emitted %v", r.engine.Name(), guards),
	}, nil
}

// RuleScope builds the data a rule expression is evaluated against.
func RuleScope(a *store.EngineAction) map[string]any {
	params := make(map[string]any, len(a.RequestParameters))
	for k, v := range a.RequestParameters {
		params[k] = v
	}
	targets := make([]any, 0, len(a.Targets))
	for _, t := range a.Targets {
		targets = append(targets, map[string]any{
			"guid":    t.GUID,
			"name":    t.TargetName,
			"element": t.ElementGUID,
			"status":  string(t.Status),
		})
	}
	sources := make([]any, 0, len(a.Sources))
	for _, s := range a.Sources {
		sources = append(sources, map[string]any{"name": s.SourceName, "element": s.ElementGUID})
	}
	return map[string]any{
		expressions.ScopeParams: params,
		expressions.ScopeAction: map[string]any{
			"guid":           a.GUID,
			"qualified_name": a.QualifiedName,
			"process":        a.ProcessName,
			"step":           a.ProcessStepName,
			"anchor":         a.AnchorGUID,
			"engine":         a.EngineName,
			"request_type":   a.RequestType,
		},
		expressions.ScopeTargets: targets,
		expressions.ScopeSources: sources,
	}
}

func guardsOf(result any, params map[string]string) ([]string, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case bool:
		key, def := ParamOnFalse, "false"
		if v {
			key, def = ParamOnTrue, "true"
		}
		if g := params[key]; g != "" {
			return []string{g}, nil
		}
		return []string{def}, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		guards := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("guard list element %v is %T, want string", item, item)
			}
			guards = append(guards, s)
		}
		return guards, nil
	default:
		return nil, fmt.Errorf("result %v is %T, want bool, string or list of strings", v, v)
	}
}
