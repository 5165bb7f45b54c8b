package credential

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/QusaiiSaleem/visionops/internal/errs"
)

func TestResolveReadsPrefixedEnvVar(t *testing.T) {
	t.Setenv("VISIONOPS_CRED_REPLICATION_API_KEY", "s3cr3t")
	r := NewEnvResolver("VISIONOPS_CRED_")

	secret, err := r.Resolve("replication.api-key")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", secret.Reveal())
	require.False(t, secret.Empty())
}

func TestResolveMissingKeyIsConfigurationError(t *testing.T) {
	r := NewEnvResolver("VISIONOPS_CRED_")

	_, err := r.Resolve("does-not-exist")
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.Configuration))
}

func TestResolveEmptyKeyReturnsEmptySecretWithoutError(t *testing.T) {
	r := NewEnvResolver("VISIONOPS_CRED_")

	secret, err := r.Resolve("")
	require.NoError(t, err)
	require.True(t, secret.Empty())
}

func TestSecretStringNeverLeaksValue(t *testing.T) {
	t.Setenv("VISIONOPS_CRED_TOKEN", "top-secret")
	r := NewEnvResolver("VISIONOPS_CRED_")

	secret, err := r.Resolve("token")
	require.NoError(t, err)
	require.Equal(t, "[redacted]", secret.String())
	require.NotContains(t, secret.String(), "top-secret")
}
