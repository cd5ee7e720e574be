package auth

import (
	"context"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

// Credential is the system identity attached to internal dispatches.
type Credential struct {
	Token       string
	PlatformID  string
	PlatformEnv string
}

// Authorization returns the Authorization header value for the credential.
func (c Credential) Authorization() string {
	if c.Token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(c.Token), "bearer ") {
		return c.Token
	}
	return "Bearer " + c.Token
}

// CredentialProvider yields the system credential. Workflow-authored headers
// can neither widen nor narrow it.
type CredentialProvider interface {
	SystemCredential(ctx context.Context) (Credential, error)
}

// StaticProvider serves one credential fixed at startup.
type StaticProvider struct {
	cred Credential
}

// NewStaticProvider creates a provider for a configured token and platform identity.
func NewStaticProvider(token, platformID, platformEnv string) *StaticProvider {
	return &StaticProvider{cred: Credential{Token: token, PlatformID: platformID, PlatformEnv: platformEnv}}
}

// SystemCredential returns the configured credential.
func (p *StaticProvider) SystemCredential(_ context.Context) (Credential, error) {
	if p.cred.Token == "" {
		return Credential{}, schema.NewError(schema.ErrCodeValidation, "system token is not configured")
	}
	return p.cred, nil
}
