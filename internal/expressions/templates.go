package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

// TemplateResolver expands ${...} spans in URIs and header values, and
// resolves payload trees whose string leaves are expressions or quoted literals.
type TemplateResolver struct {
	eval   Evaluator
	logger *slog.Logger
}

// NewTemplateResolver creates a resolver backed by eval.
func NewTemplateResolver(eval Evaluator, logger *slog.Logger) *TemplateResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateResolver{eval: eval, logger: logger}
}

// ResolveTemplate substitutes every ${expr} span with its evaluated text.
// A span that fails to evaluate is left as its raw ${expr} text and the
// failure is reported through the returned diagnostics; it never aborts.
// An unclosed ${ is copied verbatim.
func (r *TemplateResolver) ResolveTemplate(ctx context.Context, tmpl string, rc RunContext) (string, []error) {
	if !strings.Contains(tmpl, "${") {
		return tmpl, nil
	}

	var (
		out   strings.Builder
		diags []error
	)
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 2

		end := spanEnd(tmpl, start)
		if end == -1 {
			out.WriteString(tmpl[i+idx:])
			break
		}

		raw := tmpl[i+idx : end+1]
		expr := strings.TrimSpace(tmpl[start:end])

		val, err := r.eval.Evaluate(ctx, expr, rc)
		if err != nil {
			r.logger.DebugContext(ctx, "template span left unresolved",
				slog.String("span", raw), slog.String("error", err.Error()))
			diags = append(diags, err)
			out.WriteString(raw)
		} else {
			out.WriteString(marshalInline(val))
		}
		i = end + 1
	}

	return out.String(), diags
}

// ResolveHeaders resolves every header value in template mode. Names are
// lower-cased.
func (r *TemplateResolver) ResolveHeaders(ctx context.Context, headers map[string]string, rc RunContext) (map[string]string, []error) {
	if len(headers) == 0 {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(headers))
	var diags []error
	for name, tmpl := range headers {
		val, d := r.ResolveTemplate(ctx, tmpl, rc)
		out[strings.ToLower(name)] = val
		diags = append(diags, d...)
	}
	return out, diags
}

// ResolvePayload resolves a payload tree. The payload may be a decoded JSON
// value or a JSON-encoded string. Any evaluation failure is fatal.
func (r *TemplateResolver) ResolvePayload(ctx context.Context, payload any, rc RunContext) (any, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		var tree any
		if err := json.Unmarshal(p, &tree); err != nil {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "payload is not valid JSON").WithCause(err)
		}
		return r.resolveNode(ctx, tree, rc, "payload")
	case string:
		trimmed := strings.TrimSpace(p)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var tree any
			if err := json.Unmarshal([]byte(trimmed), &tree); err != nil {
				return nil, schema.NewError(schema.ErrCodeInterpolation, "payload is not valid JSON").WithCause(err)
			}
			return r.resolveNode(ctx, tree, rc, "payload")
		}
	}
	return r.resolveNode(ctx, deepCopyAny(payload), rc, "payload")
}

func (r *TemplateResolver) resolveNode(ctx context.Context, node any, rc RunContext, path string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, k := range sortedKeys(v) {
			resolved, err := r.resolveNode(ctx, v[k], rc, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolveNode(ctx, item, rc, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return r.resolveLeaf(ctx, v, rc, path)
	default:
		return v, nil
	}
}

// resolveLeaf treats a double-quoted leaf as a literal and evaluates the rest.
func (r *TemplateResolver) resolveLeaf(ctx context.Context, leaf string, rc RunContext, path string) (any, error) {
	if leaf == "" {
		return "", nil
	}
	if lit, ok := literalLeaf(leaf); ok {
		return lit, nil
	}

	val, err := r.eval.Evaluate(ctx, leaf, rc)
	if err != nil {
		var he *schema.HookflowError
		if errors.As(err, &he) {
			details := maps.Clone(he.Details)
			if details == nil {
				details = map[string]any{}
			}
			details["path"] = path
			return nil, schema.NewError(he.Code, fmt.Sprintf("%s: %s", path, he.Message)).
				WithStatus(he.StatusCode).
				WithDetails(details).
				WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "%s: %s", path, err.Error()).
			WithDetails(map[string]any{"path": path}).
			WithCause(err)
	}
	return val, nil
}

// literalLeaf unwraps a string wrapped in an extra pair of double quotes.
func literalLeaf(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1], true
	}
	return "", false
}

// spanEnd returns the index of the brace closing a span opened before start,
// skipping nested braces and quoted strings. Returns -1 when unclosed.
func spanEnd(s string, start int) int {
	depth := 0
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

// marshalInline converts an evaluated value into its text form.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// sortedKeys returns map keys in lexical order so evaluation order is stable.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
