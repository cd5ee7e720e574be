package logquery

import (
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/hookflow/pkg/schema"
)

// Filter selects rows with an expr-lang boolean expression such as
// `type == "runError" && statusCode >= 500`. Missing fields evaluate to nil.
type Filter struct {
	expression string
	program    *vm.Program
}

// NewFilter compiles expression.
func NewFilter(expression string) (*Filter, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty filter expression")
	}
	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSyntax,
			"filter compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return &Filter{expression: expression, program: prg}, nil
}

// Match reports whether doc satisfies the filter.
func (f *Filter) Match(doc map[string]any) (bool, error) {
	out, err := vm.Run(f.program, doc)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"filter evaluation failed for %q: %s", f.expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": f.expression})
	}
	ok, _ := out.(bool)
	return ok, nil
}

// Apply returns the documents matching the filter, in order.
func (f *Filter) Apply(docs []map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	for _, d := range docs {
		ok, err := f.Match(d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}
