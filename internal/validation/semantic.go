package validation

import (
	"fmt"
	"time"

	"github.com/rendis/govflow/pkg/schema"
)

// ExecutorLookup reports whether an executor is bound to engine/requestType.
type ExecutorLookup interface {
	Has(engineName, requestType string) bool
}

// validateSemantic checks references the schema cannot express: unique step
// IDs, edge endpoints, the first step, executor bindings, wait times and
// guards on mandatory edges.
func validateSemantic(doc *schema.ProcessDocument, lookup ExecutorLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(doc.Steps))
	for i, s := range doc.Steps {
		path := fmt.Sprintf("steps[%s]", s.ID)
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		stepIDs[s.ID] = true

		if s.Executor == nil || s.Executor.IsZero() {
			result.AddError(path+".executor", schema.ErrCodeConfiguration, "step has no bound executor")
		} else if lookup != nil && !lookup.Has(s.Executor.EngineName, s.Executor.RequestType) {
			result.AddError(path+".executor", schema.ErrCodeNotFound,
				fmt.Sprintf("executor %q not registered", s.Executor.Key()))
		}

		if s.WaitTime != "" {
			d, err := time.ParseDuration(s.WaitTime)
			if err != nil {
				result.AddError(path+".wait_time", schema.ErrCodeValidation,
					fmt.Sprintf("invalid duration %q", s.WaitTime))
			} else if d < 0 {
				result.AddError(path+".wait_time", schema.ErrCodeValidation, "wait time must not be negative")
			}
		}
	}

	if !stepIDs[doc.FirstStep] {
		result.AddError("first_step", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", doc.FirstStep))
	}

	type edgeKey struct{ from, to, guard string }
	seen := make(map[edgeKey]bool, len(doc.Edges))
	for i, e := range doc.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !stepIDs[e.From] {
			result.AddError(path+".from", schema.ErrCodeValidation, fmt.Sprintf("references non-existent step %q", e.From))
		}
		if !stepIDs[e.To] {
			result.AddError(path+".to", schema.ErrCodeValidation, fmt.Sprintf("references non-existent step %q", e.To))
		}
		if e.Mandatory && (e.Guard == nil || *e.Guard == "") {
			result.AddError(path+".guard", schema.ErrCodeConfiguration, "mandatory edge must carry a guard")
		}

		guard := ""
		if e.Guard != nil {
			guard = *e.Guard
		}
		k := edgeKey{e.From, e.To, guard}
		if seen[k] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge %s -> %s on guard %q", e.From, e.To, guard))
		}
		seen[k] = true
	}

	return result
}
