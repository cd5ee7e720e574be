package expressions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/rendis/hookflow/pkg/schema"
)

const (
	// DefaultEvalTimeout is the wall-clock budget of a single evaluation.
	DefaultEvalTimeout = time.Second

	// interruptCheckFrequency is the number of comprehension iterations
	// between two checks of the evaluation deadline.
	interruptCheckFrequency = 64

	// maxCachedPrograms bounds the compiled-program cache.
	maxCachedPrograms = 4096

	// maxCachedEnvs bounds the per-signature environments. Signatures follow
	// the related objects of each event, so they vary with traffic.
	maxCachedEnvs = 256
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// celReserved are words CEL refuses as variable names.
var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
}

// SandboxConfig configures a Sandbox.
type SandboxConfig struct {
	Timeout time.Duration // per-evaluation budget (default 1s)
}

// Sandbox evaluates author expressions with CEL. An expression sees only the
// bindings of the snapshot it is given plus the frozen helper library; it
// cannot declare functions, loop, assign, or perform I/O.
// Thread-safe: compiled programs are cached and reused across goroutines.
type Sandbox struct {
	base    *cel.Env
	timeout time.Duration

	mu    sync.RWMutex
	envs  map[string]*cel.Env    // declaration signature -> extended env
	cache map[string]cel.Program // signature + expression -> program
}

// NewSandbox creates a Sandbox with the helper library installed.
func NewSandbox(cfg SandboxConfig) (*Sandbox, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEvalTimeout
	}

	opts := append(helperLibrary(), ext.Strings(), ext.Math())
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &Sandbox{
		base:    env,
		timeout: cfg.Timeout,
		envs:    make(map[string]*cel.Env),
		cache:   make(map[string]cel.Program),
	}, nil
}

// Timeout returns the per-evaluation budget.
func (s *Sandbox) Timeout() time.Duration {
	return s.timeout
}

// Evaluate runs expression against a frozen snapshot of rc. Evaluations that
// outlive the budget are interrupted and reported as TIMEOUT_ERROR (422).
func (s *Sandbox) Evaluate(ctx context.Context, expression string, rc RunContext) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeSyntax, "empty expression")
	}

	bindings := rc.Bindings()
	names := declarableNames(bindings)

	prg, err := s.getOrCompile(expression, names)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(names))
	for _, n := range names {
		activation[n] = bindings[n]
	}

	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		val ref.Val
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("evaluation panicked: %v", r)}
			}
		}()
		out, _, evalErr := prg.ContextEval(evalCtx, activation)
		done <- result{val: out, err: evalErr}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if evalCtx.Err() != nil {
				return nil, s.deadlineErr(ctx, expression)
			}
			return nil, classifyEvalErr(expression, r.err)
		}
		return toNative(r.val)
	case <-evalCtx.Done():
		// The goroutine observes the same deadline at its next interrupt
		// check and exits on its own.
		return nil, s.deadlineErr(ctx, expression)
	}
}

// EvaluateBool evaluates expression and requires a boolean result.
func (s *Sandbox) EvaluateBool(ctx context.Context, expression string, rc RunContext) (bool, error) {
	return EvaluateBool(ctx, s, expression, rc)
}

// EvaluateBool evaluates expression with ev and requires a boolean result.
func EvaluateBool(ctx context.Context, ev Evaluator, expression string, rc RunContext) (bool, error) {
	out, err := ev.Evaluate(ctx, expression, rc)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q must evaluate to a boolean, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func (s *Sandbox) deadlineErr(parent context.Context, expression string) error {
	if parent.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled,
			"evaluation of %q cancelled: %s", expression, parent.Err().Error()).
			WithCause(parent.Err())
	}
	return schema.NewErrorf(schema.ErrCodeTimeout,
		"expression evaluation timed out after %s", s.timeout).
		WithStatus(schema.StatusUnprocessable).
		WithCause(context.DeadlineExceeded).
		WithDetails(map[string]any{"expression": expression})
}

// CheckSyntax parses expression without declaring any binding. It reports
// SYNTAX_ERROR only; references are resolved at evaluation time.
func (s *Sandbox) CheckSyntax(expression string) error {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return schema.NewError(schema.ErrCodeSyntax, "empty expression")
	}
	if _, issues := s.base.Parse(expression); issues != nil && issues.Err() != nil {
		return parseErr(expression, issues.Err())
	}
	return nil
}

// parseErr reports a parse failure. Assignment is not CEL syntax, so an
// attempt to rebind a variable or helper surfaces as a REFERENCE_ERROR.
func parseErr(expression string, err error) error {
	if looksLikeAssignment(expression) {
		return schema.NewErrorf(schema.ErrCodeReference,
			"cannot assign in %q: bindings and helpers are read-only", expression).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return schema.NewErrorf(schema.ErrCodeSyntax,
		"syntax error in %q: %s", expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// looksLikeAssignment reports an '=' outside string literals that is not
// part of ==, !=, <= or >=. ':=' counts as assignment.
func looksLikeAssignment(expression string) bool {
	var quote byte
	for i := 0; i < len(expression); i++ {
		c := expression[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '=':
			if i+1 < len(expression) && expression[i+1] == '=' {
				i++
				continue
			}
			if i > 0 && strings.IndexByte("=!<>", expression[i-1]) >= 0 {
				continue
			}
			return true
		}
	}
	return false
}

// getOrCompile returns a cached program or parses, checks and caches a new one.
func (s *Sandbox) getOrCompile(expression string, names []string) (cel.Program, error) {
	sig := strings.Join(names, ",")
	key := sig + "\x00" + expression

	s.mu.RLock()
	if prg, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return prg, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := s.cache[key]; ok {
		return prg, nil
	}

	env, ok := s.envs[sig]
	if !ok {
		if len(s.envs) >= maxCachedEnvs {
			// Cached programs keep their env alive, so both go together.
			s.envs = make(map[string]*cel.Env)
			s.cache = make(map[string]cel.Program)
		}
		decls := make([]cel.EnvOption, 0, len(names))
		for _, n := range names {
			decls = append(decls, cel.Variable(n, cel.DynType))
		}
		var err error
		env, err = s.base.Extend(decls...)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"cannot declare bindings: %s", err.Error()).WithCause(err)
		}
		s.envs[sig] = env
	}

	parsed, issues := env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, parseErr(expression, issues.Err())
	}

	checked, issues := env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		code := schema.ErrCodeEvaluation
		if strings.Contains(issues.Err().Error(), "undeclared reference") {
			code = schema.ErrCodeReference
		}
		return nil, schema.NewErrorf(code,
			"invalid expression %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(checked,
		cel.InterruptCheckFrequency(interruptCheckFrequency),
		cel.CustomDecorator(promoteMixedArithmetic))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	if len(s.cache) >= maxCachedPrograms {
		s.cache = make(map[string]cel.Program)
	}
	s.cache[key] = prg
	return prg, nil
}

// declarableNames returns the sorted binding names that are valid CEL identifiers.
func declarableNames(bindings map[string]any) []string {
	names := make([]string, 0, len(bindings))
	for n := range bindings {
		if !identifierRe.MatchString(n) || celReserved[n] {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// classifyEvalErr maps a CEL runtime error onto the error taxonomy.
func classifyEvalErr(expression string, err error) error {
	msg := err.Error()
	code := schema.ErrCodeEvaluation
	switch {
	case strings.Contains(msg, "no such key"),
		strings.Contains(msg, "no such attribute"),
		strings.Contains(msg, "undeclared reference"):
		code = schema.ErrCodeReference
	case strings.Contains(msg, "interrupted"):
		code = schema.ErrCodeTimeout
	}
	he := schema.NewErrorf(code, "evaluation of %q failed: %s", expression, msg).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
	if code == schema.ErrCodeTimeout {
		he.WithStatus(schema.StatusUnprocessable)
	}
	return he
}

// toNative converts a CEL value into plain JSON-shaped Go values.
func toNative(v ref.Val) (any, error) {
	if v == nil {
		return nil, nil
	}
	if types.IsError(v) {
		if e, ok := v.Value().(error); ok {
			return nil, schema.NewError(schema.ErrCodeEvaluation, e.Error()).WithCause(e)
		}
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "%v", v.Value())
	}

	switch val := v.(type) {
	case types.Null:
		return nil, nil
	case types.Bool:
		return bool(val), nil
	case types.Int:
		return int64(val), nil
	case types.Uint:
		return uint64(val), nil
	case types.Double:
		return float64(val), nil
	case types.String:
		return string(val), nil
	case types.Bytes:
		return []byte(val), nil
	case types.Timestamp:
		return val.Time.UTC().Format(time.RFC3339Nano), nil
	case types.Duration:
		return val.Duration.String(), nil
	case traits.Mapper:
		out := make(map[string]any)
		it := val.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			item, err := toNative(val.Get(k))
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k.Value())] = item
		}
		return out, nil
	case traits.Lister:
		size, _ := val.Size().(types.Int)
		out := make([]any, 0, int(size))
		for i := types.Int(0); i < size; i++ {
			item, err := toNative(val.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}

	if e, ok := v.Value().(error); ok {
		return nil, errors.Join(schema.NewError(schema.ErrCodeEvaluation, "unsupported result"), e)
	}
	return v.Value(), nil
}

var _ Evaluator = (*Sandbox)(nil)
