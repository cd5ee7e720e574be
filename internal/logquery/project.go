package logquery

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/hookflow/pkg/schema"
)

// Projector reshapes rows with a jq program. The program's input is the
// array of rows; every value it emits is collected.
type Projector struct {
	expression string
	code       *gojq.Code
}

// NewProjector compiles a jq program. $ENV and env are empty.
func NewProjector(expression string) (*Projector, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSyntax,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSyntax,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return &Projector{expression: expression, code: code}, nil
}

// Project runs the program over docs.
func (p *Projector) Project(ctx context.Context, docs []map[string]any) ([]any, error) {
	input := make([]any, len(docs))
	for i, d := range docs {
		input[i] = d
	}

	iter := p.code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"jq evaluation failed for %q: %s", p.expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": p.expression})
		}
		results = append(results, val)
	}
	return results, nil
}
