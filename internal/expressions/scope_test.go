package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunContext_InitialBindings(t *testing.T) {
	rc := NewRunContext(map[string]any{"asset": map[string]any{"id": "a1"}}, nil)
	b := rc.Bindings()

	assert.Equal(t, map[string]any{"id": "a1"}, b["asset"])
	assert.Equal(t, map[string]any{}, b[BindMetadata])
	assert.Equal(t, map[string]any{}, b[BindEnv])
	assert.Equal(t, map[string]any{}, b[BindComputed])
	assert.Equal(t, map[string]any{}, b[BindResponses])
	assert.Equal(t, []any{}, b[BindLastResponses])
	assert.Nil(t, b[BindStatusCode])
	_, hasChanges := b[BindChangesRequested]
	assert.False(t, hasChanges)
}

func TestRunContext_ReservedNamesWinOverObjects(t *testing.T) {
	rc := NewRunContext(map[string]any{
		"computed": map[string]any{"spoofed": true},
		"asset":    map[string]any{"id": "a1"},
	}, nil)

	b := rc.Bindings()
	assert.Equal(t, map[string]any{}, b[BindComputed])
	assert.NotNil(t, b["asset"])
}

func TestRunContext_WithIsCopyOnWrite(t *testing.T) {
	base := NewRunContext(nil, nil)
	next := base.WithComputed("a", int64(1)).
		WithResponse("make", map[string]any{"id": "x"}).
		WithLastResponse("body").
		WithStatusCode(200)

	_, ok := base.Computed("a")
	assert.False(t, ok)
	assert.Empty(t, base.Responses())
	assert.Empty(t, base.LastResponses())
	_, ok = base.StatusCode()
	assert.False(t, ok)

	v, ok := next.Computed("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
	code, ok := next.StatusCode()
	require.True(t, ok)
	assert.Equal(t, 200, code)
}

func TestRunContext_ComputedIsMemoized(t *testing.T) {
	rc := NewRunContext(nil, nil).WithComputed("ts", int64(1)).WithComputed("ts", int64(2))

	v, _ := rc.Computed("ts")
	assert.Equal(t, int64(1), v)
}

func TestRunContext_LastResponsesMostRecentFirst(t *testing.T) {
	rc := NewRunContext(nil, nil).
		WithLastResponse("first").
		WithLastResponse(nil).
		WithLastResponse("third")

	assert.Equal(t, []any{"third", nil, "first"}, rc.LastResponses())
}

func TestRunContext_BindingsAreDetached(t *testing.T) {
	body := map[string]any{"id": "x", "items": []any{"a"}}
	rc := NewRunContext(nil, nil).WithResponse("make", body)

	// Mutating the original value after insert does not leak in.
	body["id"] = "changed"

	b := rc.Bindings()
	responses := b[BindResponses].(map[string]any)
	mk := responses["make"].(map[string]any)
	assert.Equal(t, "x", mk["id"])

	// Mutating the snapshot does not leak back.
	mk["items"].([]any)[0] = "z"
	again := rc.Responses()["make"].(map[string]any)
	assert.Equal(t, "a", again["items"].([]any)[0])
}

func TestRunContext_ChangesRequested(t *testing.T) {
	rc := NewRunContext(nil, nil).WithChangesRequested(nil)
	b := rc.Bindings()
	assert.Equal(t, map[string]any{}, b[BindChangesRequested])
}

func TestRunContext_StatusCodeAsInt64(t *testing.T) {
	rc := NewRunContext(nil, nil).WithStatusCode(404)
	assert.Equal(t, int64(404), rc.Bindings()[BindStatusCode])
}

func TestDeepCopyAny_Conversions(t *testing.T) {
	assert.Equal(t, int64(3), deepCopyAny(3))
	assert.Equal(t, map[string]any{"k": "v"}, deepCopyAny(map[string]string{"k": "v"}))
	assert.Equal(t, []any{"a"}, deepCopyAny([]string{"a"}))
	assert.Equal(t, map[string]any{"a": float64(1)}, deepCopyAny(json.RawMessage(`{"a":1}`)))
	assert.Equal(t, "not json", deepCopyAny(json.RawMessage(`not json`)))
	assert.Nil(t, deepCopyAny(nil))
}
