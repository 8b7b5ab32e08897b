package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/govflow/pkg/schema"
)

const processSchemaURL = "https://govflow.dev/schemas/process.json"

// processSchemaJSON is the JSON Schema of a process definition document.
// Names may not contain "::", the separator of action qualified names.
const processSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://govflow.dev/schemas/process.json",
  "type": "object",
  "required": ["name", "first_step", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1, "pattern": "^[^:]+(:[^:]+)*$" },
    "display_name": { "type": "string" },
    "description": { "type": "string" },
    "first_step": { "type": "string", "minLength": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "executor"],
      "properties": {
        "id": { "type": "string", "minLength": 1, "pattern": "^[^:]+(:[^:]+)*$" },
        "display_name": { "type": "string" },
        "description": { "type": "string" },
        "domain": { "type": "integer", "minimum": 0 },
        "executor": { "$ref": "#/$defs/executor" },
        "wait_time": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        },
        "ignore_multiple_triggers": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "executor": {
      "type": "object",
      "required": ["engine_name", "request_type"],
      "properties": {
        "engine_name": { "type": "string", "minLength": 1 },
        "request_type": { "type": "string", "minLength": 1 },
        "request_parameters": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "guard": { "type": "string", "minLength": 1 },
        "mandatory": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of process documents against the
// embedded JSON Schema (Draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	processSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the process schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(processSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal process schema: %w", err)
	}
	if err := c.AddResource(processSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add process schema resource: %w", err)
	}
	compiled, err := c.Compile(processSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile process schema: %w", err)
	}
	return &JSONSchemaValidator{processSchema: compiled}, nil
}

// ValidateDocument validates a process document against the schema.
func (v *JSONSchemaValidator) ValidateDocument(doc *schema.ProcessDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "process document is nil")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize process document").WithCause(err)
	}
	if err := v.processSchema.Validate(value); err != nil {
		return toGovError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGovError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// whose details list every violation with its instance location.
func toGovError(err error) *schema.GovError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
