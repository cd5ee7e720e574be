package secrets

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/pkg/schema"
)

// mapStore is a simple in-memory SecretStore for vault tests.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func testVault(t *testing.T) (*EnvVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	v, err := NewEnvVault(s, VaultConfig{MasterKey: testKey()})
	require.NoError(t, err)
	return v, s
}

func TestEnvVault_SetAndGet(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.SetEnv(ctx, "prod", map[string]any{"apiKey": "sk-123", "limit": 5}))

	vars, err := v.EnvVariables(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "sk-123", vars["apiKey"])
	assert.Equal(t, float64(5), vars["limit"])
}

func TestEnvVault_EncryptedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.SetEnv(ctx, "prod", map[string]any{"apiKey": "sk-plaintext"}))

	raw := s.data["env:prod"]
	require.NotEmpty(t, raw)
	assert.False(t, bytes.Contains(raw, []byte("sk-plaintext")))
}

func TestEnvVault_CiphertextBoundToTag(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.SetEnv(ctx, "prod", map[string]any{"apiKey": "sk-prod"}))
	s.data["env:staging"] = s.data["env:prod"]

	_, err := v.EnvVariables(ctx, "staging")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestEnvVault_PassphraseDerivation(t *testing.T) {
	s := newMapStore()
	cfg := VaultConfig{Passphrase: "correct horse", Salt: []byte("hookflow-salt"), Iterations: 1000}
	v1, err := NewEnvVault(s, cfg)
	require.NoError(t, err)
	require.NoError(t, v1.SetEnv(context.Background(), "base", map[string]any{"k": "v"}))

	v2, err := NewEnvVault(s, cfg)
	require.NoError(t, err)
	vars, err := v2.EnvVariables(context.Background(), "base")
	require.NoError(t, err)
	assert.Equal(t, "v", vars["k"])
}

func TestEnvVault_WrongKeyCannotDecrypt(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.SetEnv(ctx, "prod", map[string]any{"k": "v"}))

	other := make([]byte, 32)
	other[0] = 0xff
	v2, err := NewEnvVault(s, VaultConfig{MasterKey: other})
	require.NoError(t, err)

	_, err = v2.EnvVariables(ctx, "prod")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))
}

func TestEnvVault_MissingTagIsNotFound(t *testing.T) {
	v, _ := testVault(t)

	_, err := v.EnvVariables(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEnvVault_DeleteAndTags(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.SetEnv(ctx, "prod", map[string]any{"a": 1}))
	require.NoError(t, v.SetEnv(ctx, "base", map[string]any{"a": 0}))
	require.NoError(t, s.StoreSecret(ctx, "unrelated", []byte("x")))

	tags, err := v.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "prod"}, tags)

	require.NoError(t, v.DeleteEnv(ctx, "prod"))
	tags, err = v.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, tags)
}

func TestEnvVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.SetEnv(ctx, "a", map[string]any{"k": "same"}))
	first := append([]byte(nil), s.data["env:a"]...)
	require.NoError(t, v.SetEnv(ctx, "a", map[string]any{"k": "same"}))

	assert.NotEqual(t, first, s.data["env:a"])
}

func TestEnvVault_EmptyTagRejected(t *testing.T) {
	v, _ := testVault(t)

	err := v.SetEnv(context.Background(), " ", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEnvVault_InvalidKeyConfig(t *testing.T) {
	_, err := NewEnvVault(newMapStore(), VaultConfig{MasterKey: []byte("short")})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVault))

	_, err = NewEnvVault(newMapStore(), VaultConfig{})
	require.Error(t, err)

	_, err = NewEnvVault(newMapStore(), VaultConfig{Passphrase: "p"})
	require.Error(t, err)
}

func TestEnvVault_LayeredByContextBuilder(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.SetEnv(ctx, "base", map[string]any{"host": "base.example", "region": "eu"}))
	require.NoError(t, v.SetEnv(ctx, "prod", map[string]any{"host": "prod.example"}))

	b := expressions.NewContextBuilder(nil, v, nil)
	rc, err := b.Build(ctx,
		&schema.WorkflowDefinition{ContextTags: []string{"base", "missing", "prod"}},
		&schema.Event{Type: "asset__created", Object: map[string]any{"id": "ast_1"}},
	)
	require.NoError(t, err)

	env := rc.Bindings()["env"].(map[string]any)
	assert.Equal(t, "prod.example", env["host"])
	assert.Equal(t, "eu", env["region"])
}

var _ expressions.EnvProvider = (*EnvVault)(nil)
