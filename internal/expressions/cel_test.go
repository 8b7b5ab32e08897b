package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/pkg/schema"
)

func ruleScope() map[string]any {
	return map[string]any{
		ScopeParams: map[string]any{"size": "42", "region": "eu", "threshold": "10"},
		ScopeAction: map[string]any{"guid": "a-1", "process": "onboard-file", "step": "scan"},
		ScopeTargets: []any{
			map[string]any{"name": "file", "element": "f-1"},
			map[string]any{"name": "file", "element": "f-2"},
		},
		ScopeSources: []any{map[string]any{"name": "folder", "element": "d-1"}},
	}
}

func TestCEL_Evaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"literal", "true", true},
		{"param compare", `params.region == "eu"`, true},
		{"param conversion", `int(params.size) > int(params.threshold)`, true},
		{"target count", "size(targets) == 2", true},
		{"all targets", `targets.all(t, t.name == "file")`, true},
		{"action field", `action.process + "/" + action.step`, "onboard-file/scan"},
		{"guard select", `params.region == "us" ? "REJECTED" : "APPROVED"`, "APPROVED"},
		{"guard list", `["APPROVED", "NOTIFY"]`, []any{"APPROVED", "NOTIFY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, ruleScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_MissingScopeDefaultsToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "size(params) == 0 && size(targets) == 0", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "params.region ==", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "undeclared > 1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "params.missing == 1", ruleScope())
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}

func TestCEL_ConcurrentCachedPrograms(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `params.region == "eu"`, ruleScope())
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}()
	}
	wg.Wait()

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
