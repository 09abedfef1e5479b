package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetApplicationConfig_DefaultsWithCredentials(t *testing.T) {
	// The quota project is optional; credentials alone must validate.
	t.Setenv("PROVIDER_CREDENTIALS_PATH", "/etc/creds.json")

	v, err := InitConfig()
	require.NoError(t, err)
	cfg, err := GetApplicationConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "transcription-api", cfg.Name)
	assert.Empty(t, cfg.ProviderProjectID)
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, 128, cfg.SessionMax)
	assert.Equal(t, 5, cfg.BackendCallbackTimeout)
	assert.Empty(t, cfg.BackendBaseURL)
	assert.False(t, cfg.PostgresConfig.Enabled())
}

func TestGetApplicationConfig_MissingCredentialsFails(t *testing.T) {
	t.Setenv("PROVIDER_CREDENTIALS_PATH", "")
	t.Setenv("PROVIDER_PROJECT_ID", "")

	v, err := InitConfig()
	require.NoError(t, err)
	_, err = GetApplicationConfig(v)
	assert.Error(t, err)
}

func TestGetApplicationConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER_CREDENTIALS_PATH", "/etc/creds.json")
	t.Setenv("PROVIDER_PROJECT_ID", "itss-demo")
	t.Setenv("PORT", "9000")
	t.Setenv("SESSION_MAX", "16")
	t.Setenv("BACKEND_BASE_URL", "http://backend:8080")
	t.Setenv("POSTGRES__HOST", "db.internal")
	t.Setenv("POSTGRES__AUTH__USER", "itss")

	v, err := InitConfig()
	require.NoError(t, err)
	cfg, err := GetApplicationConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 16, cfg.SessionMax)
	assert.Equal(t, "http://backend:8080", cfg.BackendBaseURL)
	assert.Equal(t, "db.internal", cfg.PostgresConfig.Host)
	assert.Equal(t, "itss", cfg.PostgresConfig.Auth.User)
	assert.True(t, cfg.PostgresConfig.Enabled())
}
