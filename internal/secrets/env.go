package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvBackendPriority is the priority for environment variable backend.
	// This is the highest priority to allow environment overrides.
	EnvBackendPriority = 100

	envSecretPrefix = "MCPLINK_SECRET_"
)

// EnvBackend provides read-only access to secrets via MCPLINK_SECRET_<KEY>
// environment variables.
type EnvBackend struct{}

// NewEnvBackend creates a new environment variable backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

func (e *EnvBackend) Name() string {
	return "env"
}

// Get looks up MCPLINK_SECRET_<KEY>.
func (e *EnvBackend) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(EnvVarName(key)); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, EnvVarName(key))
}

func (e *EnvBackend) Set(ctx context.Context, key string, value string) error {
	return ErrReadOnlyBackend
}

func (e *EnvBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

func (e *EnvBackend) Available() bool {
	return true
}

func (e *EnvBackend) Priority() int {
	return EnvBackendPriority
}

func (e *EnvBackend) ReadOnly() bool {
	return true
}

// EnvVarName converts a secret key to the environment variable that overrides it.
// Example: "search-token" -> "MCPLINK_SECRET_SEARCH_TOKEN"
func EnvVarName(key string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return envSecretPrefix + strings.ToUpper(r.Replace(key))
}
