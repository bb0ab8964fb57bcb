package provider

import (
	"context"
	"fmt"
	"os"
)

// EnvCredentialResolver resolves provider credentials from process
// environment variables, the simplest possible ProviderCredentialResolver
// (spec 6) implementation: api-key mode first, falling back to an
// already-present OAuth token left by the vendor CLI's own login flow. CLI
// adapters that are already logged in (CanUseCLI) never call this at all,
// so its job is narrowly API-key and refreshed-OAuth-token lookup.
type EnvCredentialResolver struct {
	// APIKeyEnv maps a provider id to the environment variable holding its
	// API key, e.g. {"codex": "OPENAI_API_KEY", "claude": "ANTHROPIC_API_KEY"}.
	APIKeyEnv map[string]string
	// OAuthTokenEnv is the same shape for a pre-obtained OAuth token.
	OAuthTokenEnv map[string]string
}

// NewEnvCredentialResolver returns a resolver with the two adapters' default
// environment variable names pre-populated.
func NewEnvCredentialResolver() *EnvCredentialResolver {
	return &EnvCredentialResolver{
		APIKeyEnv: map[string]string{
			"codex":  "OPENAI_API_KEY",
			"claude": "ANTHROPIC_API_KEY",
		},
		OAuthTokenEnv: map[string]string{
			"codex":  "CODEX_OAUTH_TOKEN",
			"claude": "CLAUDE_CODE_OAUTH_TOKEN",
		},
	}
}

// Resolve implements CredentialResolver.
func (r *EnvCredentialResolver) Resolve(ctx context.Context, providerID string) (Credentials, error) {
	if env, ok := r.APIKeyEnv[providerID]; ok {
		if key := os.Getenv(env); key != "" {
			return Credentials{ProviderID: providerID, APIKey: key, Mode: ModeAPIKey}, nil
		}
	}
	if env, ok := r.OAuthTokenEnv[providerID]; ok {
		if token := os.Getenv(env); token != "" {
			return Credentials{ProviderID: providerID, OAuthToken: token, Mode: ModeOAuth}, nil
		}
	}
	return Credentials{}, fmt.Errorf("provider: no credentials configured for %q", providerID)
}
