package validation

import "github.com/rendis/govflow/pkg/schema"

// ProcessValidator runs the validation pipeline for process documents:
//  1. Structural (JSON Schema)
//  2. Semantic (references, executors, mandatory guards)
//  3. Graph (cycles, reachability, self-loops), warnings only
type ProcessValidator struct {
	jsonSchema *JSONSchemaValidator
	executors  ExecutorLookup
}

// NewProcessValidator creates a ProcessValidator. lookup may be nil to skip
// executor existence checks.
func NewProcessValidator(lookup ExecutorLookup) (*ProcessValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ProcessValidator{jsonSchema: jsv, executors: lookup}, nil
}

// Validate runs the pipeline and returns the aggregated result. Structural
// errors skip the later stages.
func (pv *ProcessValidator) Validate(doc *schema.ProcessDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("/", schema.ErrCodeValidation, "process document is nil")
		return result
	}

	result.Process = doc.Name

	if err := pv.jsonSchema.ValidateDocument(doc); err != nil {
		addViolations(result, err)
		return result
	}

	result.Merge(validateSemantic(doc, pv.executors))
	if result.Valid() {
		result.Merge(validateGraph(doc))
	}
	return result
}

// ValidateDocument returns the pipeline's errors as a VALIDATION_ERROR.
func (pv *ProcessValidator) ValidateDocument(doc *schema.ProcessDocument) error {
	return pv.Validate(doc).ToError()
}

func addViolations(result *schema.ValidationResult, err error) {
	gerr, ok := err.(*schema.GovError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := gerr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return
	}
	result.AddError("/", schema.ErrCodeValidation, gerr.Message)
}
