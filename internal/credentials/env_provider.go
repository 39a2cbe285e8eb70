package credentials

import (
	"context"
	"os"
	"strings"
)

const envPrefix = "MYCONET_CRED"

// EnvProvider resolves credentials from environment variables named
// MYCONET_CRED_<INTEGRATION>_<FIELD>, with the integration name
// upper-cased and punctuation folded to underscores. Fields: API_KEY,
// USERNAME, PASSWORD, TOKEN.
type EnvProvider struct{}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Name returns the provider name.
func (p *EnvProvider) Name() string {
	return "env"
}

// Lookup reads the integration's credential fields from the environment.
func (p *EnvProvider) Lookup(ctx context.Context, integration, kind string) (*Credential, error) {
	fields := map[string]string{
		"api_key":  os.Getenv(envKey(integration, "API_KEY")),
		"username": os.Getenv(envKey(integration, "USERNAME")),
		"password": os.Getenv(envKey(integration, "PASSWORD")),
		"token":    os.Getenv(envKey(integration, "TOKEN")),
	}
	return credentialFromFields(integration, kind, "env", fields)
}

func envKey(integration, field string) string {
	name := strings.ToUpper(integration)
	name = strings.NewReplacer("-", "_", ".", "_").Replace(name)
	return envPrefix + "_" + name + "_" + field
}
