package expressions

import "context"

// Evaluator evaluates one expression against a run context snapshot.
// Satisfied by *Sandbox and test doubles.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, rc RunContext) (any, error)
}
