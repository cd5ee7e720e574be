package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/hookflow/pkg/schema"
)

const (
	workflowSchemaURL = "https://hookflow.dev/schemas/workflow.json"
	taskSchemaURL     = "https://hookflow.dev/schemas/task.json"
)

// workflowSchemaJSON is the JSON Schema of a workflow definition document.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hookflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["event", "run"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "event": { "type": "string", "minLength": 1 },
    "active": { "type": "boolean" },
    "apiVersion": { "type": "string" },
    "notifyUrl": { "type": "string" },
    "context": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "computed": { "$ref": "#/$defs/expressions" },
    "run": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "stats": { "type": "object" },
    "createdAt": { "type": "string" },
    "updatedAt": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "expressions": {
      "type": "object",
      "additionalProperties": { "type": "string", "minLength": 1 }
    },
    "step": {
      "type": "object",
      "required": ["endpointUri"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "filter": { "type": "string" },
        "skip": { "type": "string" },
        "stop": { "type": "string" },
        "handleErrors": { "type": "boolean" },
        "endpointMethod": {
          "type": "string",
          "pattern": "^(?i)(GET|POST|PUT|PATCH|DELETE)?$"
        },
        "endpointUri": { "type": "string", "minLength": 1 },
        "endpointHeaders": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "endpointPayload": {},
        "computed": { "$ref": "#/$defs/expressions" }
      },
      "additionalProperties": false
    }
  }
}`

// taskSchemaJSON is the JSON Schema of a scheduled task document.
const taskSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hookflow.dev/schemas/task.json",
  "type": "object",
  "required": ["eventType"],
  "properties": {
    "id": { "type": "string" },
    "eventType": { "type": "string", "minLength": 1 },
    "objectType": { "type": "string" },
    "objectId": { "type": "string" },
    "eventMetadata": { "type": "object" },
    "executionDate": { "type": "string", "format": "date-time" },
    "recurringPattern": { "type": "string", "minLength": 1 },
    "active": { "type": "boolean" },
    "lastRunAt": { "type": "string" },
    "nextRunAt": { "type": "string" },
    "createdAt": { "type": "string" }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator checks the shape of workflow and task documents.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	taskSchema     *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, doc := range map[string]string{
		workflowSchemaURL: workflowSchemaJSON,
		taskSchemaURL:     taskSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	task, err := c.Compile(taskSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wf, taskSchema: task}, nil
}

// ValidateWorkflowJSON validates a raw workflow document.
func (v *JSONSchemaValidator) ValidateWorkflowJSON(raw []byte) error {
	return validateRaw(v.workflowSchema, raw)
}

// ValidateWorkflow validates an already decoded definition.
func (v *JSONSchemaValidator) ValidateWorkflow(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return validateValue(v.workflowSchema, def)
}

// ValidateTaskJSON validates a raw task document.
func (v *JSONSchemaValidator) ValidateTaskJSON(raw []byte) error {
	return validateRaw(v.taskSchema, raw)
}

// ValidateTask validates an already decoded task.
func (v *JSONSchemaValidator) ValidateTask(task *schema.Task) error {
	if task == nil {
		return schema.NewError(schema.ErrCodeValidation, "task is nil")
	}
	return validateValue(v.taskSchema, task)
}

func validateRaw(s *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "malformed JSON: %s", err.Error()).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toHookflowError(err)
	}
	return nil
}

func validateValue(s *jsonschema.Schema, v any) error {
	doc, err := toJSONValue(v)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toHookflowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toHookflowError converts a jsonschema.ValidationError into a HookflowError
// listing every leaf violation.
func toHookflowError(err error) *schema.HookflowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
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
