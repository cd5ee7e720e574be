package expressions

import (
	"encoding/json"
	"maps"
)

// Reserved binding names. Object bindings never shadow these.
const (
	BindMetadata         = "metadata"
	BindChangesRequested = "changesRequested"
	BindEnv              = "env"
	BindComputed         = "computed"
	BindResponses        = "responses"
	BindLastResponses    = "lastResponses"
	BindStatusCode       = "statusCode"
)

var reservedBindings = map[string]bool{
	BindMetadata:         true,
	BindChangesRequested: true,
	BindEnv:              true,
	BindComputed:         true,
	BindResponses:        true,
	BindLastResponses:    true,
	BindStatusCode:       true,
}

// RunContext is the evaluation context of one run. It is an immutable value:
// every With* method returns an updated copy and leaves the receiver intact.
// Values are frozen (deep-copied) on insert, so copies may share them.
type RunContext struct {
	objects          map[string]any
	metadata         map[string]any
	changesRequested map[string]any
	hasChanges       bool
	env              map[string]any
	computed         map[string]any
	responses        map[string]any
	lastResponses    []any // most recent first
	statusCode       *int
}

// NewRunContext returns an empty RunContext bound to the given objects.
func NewRunContext(objects, metadata map[string]any) RunContext {
	return RunContext{
		objects:   deepCopyMap(objects),
		metadata:  deepCopyMapOrEmpty(metadata),
		env:       map[string]any{},
		computed:  map[string]any{},
		responses: map[string]any{},
	}
}

// WithChangesRequested binds the accepted patch of a mutation event.
func (rc RunContext) WithChangesRequested(changes map[string]any) RunContext {
	rc.changesRequested = deepCopyMapOrEmpty(changes)
	rc.hasChanges = true
	return rc
}

// WithEnv replaces the scoped environment variables.
func (rc RunContext) WithEnv(env map[string]any) RunContext {
	rc.env = deepCopyMapOrEmpty(env)
	return rc
}

// WithComputed adds a computed value. Existing names are never overwritten:
// computed values are memoized for the lifetime of a run.
func (rc RunContext) WithComputed(name string, value any) RunContext {
	if _, exists := rc.computed[name]; exists {
		return rc
	}
	next := maps.Clone(rc.computed)
	next[name] = deepCopyAny(value)
	rc.computed = next
	return rc
}

// WithResponse binds a named step's response body.
func (rc RunContext) WithResponse(name string, body any) RunContext {
	next := maps.Clone(rc.responses)
	next[name] = deepCopyAny(body)
	rc.responses = next
	return rc
}

// WithLastResponse pushes a body at the head of lastResponses.
func (rc RunContext) WithLastResponse(body any) RunContext {
	next := make([]any, 0, len(rc.lastResponses)+1)
	next = append(next, deepCopyAny(body))
	next = append(next, rc.lastResponses...)
	rc.lastResponses = next
	return rc
}

// WithStatusCode records the status of the most recent dispatch.
func (rc RunContext) WithStatusCode(code int) RunContext {
	c := code
	rc.statusCode = &c
	return rc
}

// Computed returns a computed value by name.
func (rc RunContext) Computed(name string) (any, bool) {
	v, ok := rc.computed[name]
	return deepCopyAny(v), ok
}

// Responses returns a copy of the named responses.
func (rc RunContext) Responses() map[string]any {
	return deepCopyMap(rc.responses)
}

// LastResponses returns a copy of the positional responses, most recent first.
func (rc RunContext) LastResponses() []any {
	out, _ := deepCopyAny(rc.lastResponses).([]any)
	if out == nil {
		return []any{}
	}
	return out
}

// StatusCode returns the status of the most recent dispatch, if any.
func (rc RunContext) StatusCode() (int, bool) {
	if rc.statusCode == nil {
		return 0, false
	}
	return *rc.statusCode, true
}

// Object returns a bound object by name.
func (rc RunContext) Object(name string) (map[string]any, bool) {
	v, ok := rc.objects[name].(map[string]any)
	if !ok {
		return nil, false
	}
	return deepCopyMap(v), true
}

// Bindings returns a deep-copied snapshot of every binding visible to
// expressions. Nothing in the returned map aliases the RunContext.
func (rc RunContext) Bindings() map[string]any {
	out := make(map[string]any, len(rc.objects)+7)
	for name, obj := range rc.objects {
		if reservedBindings[name] {
			continue
		}
		out[name] = deepCopyAny(obj)
	}
	out[BindMetadata] = deepCopyMapOrEmpty(rc.metadata)
	out[BindEnv] = deepCopyMapOrEmpty(rc.env)
	out[BindComputed] = deepCopyMapOrEmpty(rc.computed)
	out[BindResponses] = deepCopyMapOrEmpty(rc.responses)
	out[BindLastResponses] = rc.LastResponses()
	if rc.hasChanges {
		out[BindChangesRequested] = deepCopyMapOrEmpty(rc.changesRequested)
	}
	if rc.statusCode != nil {
		out[BindStatusCode] = int64(*rc.statusCode)
	} else {
		out[BindStatusCode] = nil
	}
	return out
}

// --- Deep copy utilities ---

func deepCopyMapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return deepCopyMap(m)
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case map[string]string:
		cp := make(map[string]any, len(val))
		for k, s := range val {
			cp[k] = s
		}
		return cp
	case []string:
		cp := make([]any, len(val))
		for i, s := range val {
			cp[i] = s
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return string(val)
		}
		return decoded
	case int:
		return int64(val)
	case int32:
		return int64(val)
	default:
		// Primitives (string, float64, bool, nil, int64) are value types.
		return v
	}
}
