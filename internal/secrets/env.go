package secrets

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"slices"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

const envKeyPrefix = "env:"

// EnvVault keeps the environment variable sets selected by workflow context
// tags. Each set is a JSON object encrypted with AES-256-GCM and bound to its
// tag, so a ciphertext copied under another tag does not decrypt.
type EnvVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewEnvVault creates a vault over s.
func NewEnvVault(s SecretStore, cfg VaultConfig) (*EnvVault, error) {
	aead, err := newAEAD(cfg)
	if err != nil {
		return nil, err
	}
	return &EnvVault{store: s, aead: aead}, nil
}

// SetEnv replaces the variable set of tag.
func (v *EnvVault) SetEnv(ctx context.Context, tag string, vars map[string]any) error {
	if err := validTag(tag); err != nil {
		return err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	plain, err := json.Marshal(vars)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "env %q is not JSON encodable: %s", tag, err.Error()).WithCause(err)
	}
	sealed, err := seal(v.aead, plain, []byte(tag))
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, envKeyPrefix+tag, sealed)
}

// EnvVariables returns the variable set of tag. A missing tag yields a
// NOT_FOUND error.
func (v *EnvVault) EnvVariables(ctx context.Context, tag string) (map[string]any, error) {
	sealed, err := v.store.GetSecret(ctx, envKeyPrefix+tag)
	if err != nil {
		return nil, err
	}
	plain, err := open(v.aead, sealed, []byte(tag))
	if err != nil {
		return nil, err
	}
	var vars map[string]any
	if err := json.Unmarshal(plain, &vars); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "env %q is corrupt: %s", tag, err.Error()).WithCause(err)
	}
	return vars, nil
}

// DeleteEnv removes the variable set of tag.
func (v *EnvVault) DeleteEnv(ctx context.Context, tag string) error {
	return v.store.DeleteSecret(ctx, envKeyPrefix+tag)
}

// Tags lists the stored tags in lexical order.
func (v *EnvVault) Tags(ctx context.Context) ([]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	var tags []string
	for _, k := range keys {
		if tag, ok := strings.CutPrefix(k, envKeyPrefix); ok {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	return tags, nil
}

func validTag(tag string) error {
	if strings.TrimSpace(tag) == "" {
		return schema.NewError(schema.ErrCodeValidation, "env tag must not be empty")
	}
	return nil
}
