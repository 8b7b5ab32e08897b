package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/govflow/pkg/schema"
)

type lookup map[string]bool

func (l lookup) Has(engineName, requestType string) bool {
	return l[schema.ExecutorKey(engineName, requestType)]
}

func exec(engine, requestType string) *schema.ExecutorRef {
	return &schema.ExecutorRef{EngineName: engine, RequestType: requestType}
}

func onboardDoc() *schema.ProcessDocument {
	return &schema.ProcessDocument{
		Name:      "onboard-file",
		FirstStep: "A",
		Steps: []schema.StepDocument{
			{ID: "A", Executor: exec("rules", "cel")},
			{ID: "B", Executor: exec("rules", "cel")},
			{ID: "B2", Executor: exec("rules", "cel"), WaitTime: "1h30m"},
			{ID: "C", Executor: exec("provisioning", "copy-file"), IgnoreMultipleTriggers: true},
		},
		Edges: []schema.EdgeDocument{
			{From: "A", To: "B", Guard: schema.Guard("done")},
			{From: "A", To: "B2", Guard: schema.Guard("done")},
			{From: "B", To: "C", Guard: schema.Guard("done"), Mandatory: true},
			{From: "B2", To: "C", Guard: schema.Guard("done"), Mandatory: true},
		},
	}
}

func newValidator(t *testing.T, l ExecutorLookup) *ProcessValidator {
	t.Helper()
	v, err := NewProcessValidator(l)
	require.NoError(t, err)
	return v
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	v := newValidator(t, lookup{"rules/cel": true, "provisioning/copy-file": true})
	res := v.Validate(onboardDoc())
	assert.True(t, res.Valid(), "errors: %+v", res.Errors)
	assert.Empty(t, res.Warnings)
	assert.NoError(t, v.ValidateDocument(onboardDoc()))
}

func TestValidate_Structural(t *testing.T) {
	v := newValidator(t, nil)

	tests := []struct {
		name   string
		mutate func(d *schema.ProcessDocument)
	}{
		{"missing name", func(d *schema.ProcessDocument) { d.Name = "" }},
		{"separator in name", func(d *schema.ProcessDocument) { d.Name = "a::b" }},
		{"no steps", func(d *schema.ProcessDocument) { d.Steps = nil }},
		{"missing executor", func(d *schema.ProcessDocument) { d.Steps[1].Executor = nil }},
		{"bad wait time", func(d *schema.ProcessDocument) { d.Steps[2].WaitTime = "soon" }},
		{"empty request type", func(d *schema.ProcessDocument) { d.Steps[0].Executor = exec("rules", "") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := onboardDoc()
			tt.mutate(doc)
			res := v.Validate(doc)
			assert.False(t, res.Valid())
			err := res.ToError()
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidate_Semantic(t *testing.T) {
	v := newValidator(t, lookup{"rules/cel": true})

	doc := onboardDoc()
	doc.FirstStep = "Z"
	doc.Steps = append(doc.Steps, schema.StepDocument{ID: "A", Executor: exec("rules", "cel")})
	doc.Edges = append(doc.Edges,
		schema.EdgeDocument{From: "A", To: "missing"},
		schema.EdgeDocument{From: "B", To: "C", Mandatory: true},
	)

	res := v.Validate(doc)
	require.False(t, res.Valid())
	assert.Contains(t, codes(res.Errors), schema.ErrCodeNotFound, "provisioning/copy-file is not registered")
	assert.Contains(t, codes(res.Errors), schema.ErrCodeConfiguration, "unguarded mandatory edge")

	paths := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "first_step")
	assert.Contains(t, paths, "steps[4]")
	assert.Contains(t, paths, "edges[4].to")
	assert.Contains(t, paths, "edges[5].guard")
}

func TestValidate_GraphWarnings(t *testing.T) {
	v := newValidator(t, nil)

	doc := onboardDoc()
	doc.Steps[3].IgnoreMultipleTriggers = false
	doc.Steps = append(doc.Steps, schema.StepDocument{ID: "Orphan", Executor: exec("rules", "cel")})
	doc.Edges = append(doc.Edges,
		schema.EdgeDocument{From: "C", To: "A", Guard: schema.Guard("rework")},
		schema.EdgeDocument{From: "A", To: "B", Guard: schema.Guard("done")},
		schema.EdgeDocument{From: "B", To: "B", Guard: schema.Guard("retry"), Mandatory: true},
	)

	res := v.Validate(doc)
	assert.True(t, res.Valid(), "graph findings never block a load: %+v", res.Errors)
	assert.Contains(t, codes(res.Warnings), schema.ErrCodeCycleDetected)

	var messages []string
	for _, w := range res.Warnings {
		messages = append(messages, w.Path+": "+w.Message)
	}
	assert.Contains(t, messages, `steps[Orphan]: step "Orphan" is unreachable from the first step`)
	assert.Contains(t, messages, `edges[5]: duplicate edge A -> B on guard "done"`)
	for _, m := range messages {
		assert.NotContains(t, m, "steps[C]", "a join merges per instance without ignore_multiple_triggers")
	}
	assert.Len(t, res.Warnings, 4)
}

func TestValidate_Nil(t *testing.T) {
	v := newValidator(t, nil)
	assert.False(t, v.Validate(nil).Valid())
}
