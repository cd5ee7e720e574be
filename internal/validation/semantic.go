package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/hookflow/internal/dispatch"
	"github.com/rendis/hookflow/internal/scheduler"
	"github.com/rendis/hookflow/pkg/schema"
)

// SyntaxChecker parses an expression without evaluating it.
// Satisfied by *expressions.Sandbox.
type SyntaxChecker interface {
	CheckSyntax(expression string) error
}

// validateWorkflowSemantic checks what the schema cannot express: expression
// syntax, endpoint schemes and unique step names. syntax may be nil to skip
// expression checks.
func validateWorkflowSemantic(def *schema.WorkflowDefinition, syntax SyntaxChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if !strings.Contains(def.Event, "__") {
		result.AddWarning("event", schema.ErrCodeValidation,
			fmt.Sprintf("event %q has no object type prefix (expected <object>__<action>)", def.Event))
	}
	if def.NotifyURL != "" {
		checkURI("notifyUrl", def.NotifyURL, result)
	}
	checkExprs("computed", def.Computed, syntax, result)

	names := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]

		if step.Name != "" {
			if first, dup := names[step.Name]; dup {
				result.AddError(schema.StepPath(i, "name"), schema.ErrCodeValidation,
					fmt.Sprintf("step name %q already used by run[%d]", step.Name, first))
			} else {
				names[step.Name] = i
			}
		}

		checkExpr(schema.StepPath(i, "filter"), step.Filter, syntax, result)
		checkExpr(schema.StepPath(i, "skip"), step.Skip, syntax, result)
		checkExpr(schema.StepPath(i, "stop"), step.Stop, syntax, result)
		checkExprs(schema.StepPath(i, "computed"), step.Computed, syntax, result)
		checkURI(schema.StepPath(i, "endpointUri"), step.EndpointURI, result)
	}
	return result
}

func checkExprs(path string, exprs schema.OrderedExprs, syntax SyntaxChecker, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(exprs))
	for _, e := range exprs {
		if seen[e.Name] {
			result.AddError(path+"."+e.Name, schema.ErrCodeValidation,
				fmt.Sprintf("computed key %q declared twice", e.Name))
			continue
		}
		seen[e.Name] = true
		checkExpr(path+"."+e.Name, e.Expr, syntax, result)
	}
}

func checkExpr(path, expr string, syntax SyntaxChecker, result *schema.ValidationResult) {
	if expr == "" || syntax == nil {
		return
	}
	if err := syntax.CheckSyntax(expr); err != nil {
		code, msg := schema.ErrCodeSyntax, err.Error()
		var he *schema.HookflowError
		if errors.As(err, &he) {
			code, msg = he.Code, he.Message
		}
		result.AddError(path, code, msg)
	}
}

// checkURI accepts internal paths and absolute http(s) URLs. The literal part
// before the first template span decides; a URI starting with a span is only
// checked at run time.
func checkURI(path, uri string, result *schema.ValidationResult) {
	prefix := uri
	if i := strings.Index(uri, "${"); i >= 0 {
		prefix = uri[:i]
	}
	switch {
	case prefix == "":
		result.AddWarning(path, schema.ErrCodeValidation,
			"endpoint starts with a template; its scheme is checked at run time")
	case dispatch.IsInternal(prefix), dispatch.IsExternal(prefix):
	default:
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("%q must be an internal path (/...) or an http(s) URL", uri))
	}
}

// validateTaskSemantic checks the schedule of a task.
func validateTaskSemantic(task *schema.Task) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if task.ExecutionDate != nil && task.RecurringPattern != "" {
		result.AddError(schema.RootPath, schema.ErrCodeValidation,
			"executionDate and recurringPattern are mutually exclusive")
	}
	if task.RecurringPattern != "" {
		if _, err := scheduler.ParsePattern(task.RecurringPattern); err != nil {
			result.AddError("recurringPattern", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", task.RecurringPattern, err.Error()))
		}
	}
	if task.ExecutionDate == nil && task.RecurringPattern == "" {
		result.AddWarning(schema.RootPath, schema.ErrCodeValidation,
			"task has neither executionDate nor recurringPattern; it fires on the next tick")
	}
	if task.ObjectType == "" && !strings.Contains(task.EventType, "__") {
		result.AddWarning("eventType", schema.ErrCodeValidation,
			fmt.Sprintf("event %q has no object type prefix and no objectType is set", task.EventType))
	}
	return result
}
