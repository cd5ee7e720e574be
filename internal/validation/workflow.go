package validation

import (
	"encoding/json"
	"errors"

	"github.com/rendis/hookflow/pkg/schema"
)

// WorkflowValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (expression syntax, endpoint schemes, names, schedules)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	syntax     SyntaxChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// syntax may be nil to skip expression syntax checks.
func NewWorkflowValidator(syntax SyntaxChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, syntax: syntax}, nil
}

// Validate runs the pipeline on def and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError(schema.RootPath, schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}
	result := structural(wv.jsonSchema.ValidateWorkflow(def))
	if !result.Valid() {
		return result
	}
	result.Merge(validateWorkflowSemantic(def, wv.syntax))
	return result
}

// ValidateDefinition is Validate reduced to an error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// DecodeWorkflow validates a raw document and decodes it. Shape errors are
// reported against the document as written, before any decoding.
func (wv *WorkflowValidator) DecodeWorkflow(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := structural(wv.jsonSchema.ValidateWorkflowJSON(raw))
	if !result.Valid() {
		return nil, result
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddError(schema.RootPath, schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	result.Merge(validateWorkflowSemantic(&def, wv.syntax))
	if !result.Valid() {
		return nil, result
	}
	return &def, result
}

// ValidateTask runs the pipeline on a scheduled task.
func (wv *WorkflowValidator) ValidateTask(task *schema.Task) *schema.ValidationResult {
	if task == nil {
		r := &schema.ValidationResult{}
		r.AddError(schema.RootPath, schema.ErrCodeValidation, "task is nil")
		return r
	}
	result := structural(wv.jsonSchema.ValidateTask(task))
	if !result.Valid() {
		return result
	}
	result.Merge(validateTaskSemantic(task))
	return result
}

// DecodeTask validates a raw task document and decodes it.
func (wv *WorkflowValidator) DecodeTask(raw []byte) (*schema.Task, *schema.ValidationResult) {
	result := structural(wv.jsonSchema.ValidateTaskJSON(raw))
	if !result.Valid() {
		return nil, result
	}
	var task schema.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		result.AddError(schema.RootPath, schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	result.Merge(validateTaskSemantic(&task))
	if !result.Valid() {
		return nil, result
	}
	return &task, result
}

// structural converts a schema error into ValidationResult issues.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var he *schema.HookflowError
	if !errors.As(err, &he) {
		result.AddError(schema.RootPath, schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := he.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError(schema.RootPath, schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError(schema.RootPath, schema.ErrCodeValidation, he.Message)
	return result
}
