package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/slack_auth")
	t.Setenv("SLACK_CLIENT_ID", "client-id")
	t.Setenv("SLACK_CLIENT_SECRET", "client-secret")
	t.Setenv("SLACK_SIGNING_SECRET", "signing-secret")
	t.Setenv("SLACK_REDIRECT_URI_DEV", "http://localhost:3000/auth/slack/callback")
	t.Setenv("SLACK_REDIRECT_URI_PROD", "https://app.example.com/auth/slack/callback")
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("ab", 32))
}

func TestLoad_Success(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.Environment)
	require.True(t, cfg.Dev())
	require.Equal(t, "http://localhost:3000/auth/slack/callback", cfg.SlackRedirectURI)
	require.Len(t, cfg.EncryptionKey, 32)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, 30, cfg.TokenCleanupDays)
}

func TestLoad_ProductionUsesProdRedirectURI(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	require.False(t, cfg.Dev())
	require.Equal(t, "https://app.example.com/auth/slack/callback", cfg.SlackRedirectURI)
}

func TestLoad_AggregatesAllProblems(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SLACK_CLIENT_ID", "")
	t.Setenv("SLACK_SIGNING_SECRET", "")
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Len(t, cfgErr.Problems, 4)
	require.Contains(t, err.Error(), "DATABASE_URL is required")
	require.Contains(t, err.Error(), "SLACK_CLIENT_ID is required")
	require.Contains(t, err.Error(), "SLACK_SIGNING_SECRET is required")
	require.Contains(t, err.Error(), "ENCRYPTION_KEY is required")
}

func TestLoad_EncryptionKeyValidation(t *testing.T) {
	setRequiredEnv(t)

	t.Setenv("ENCRYPTION_KEY", "deadbeef")
	_, err := Load()
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, err.Error(), "64 hexadecimal characters")

	t.Setenv("ENCRYPTION_KEY", strings.Repeat("zz", 32))
	_, err = Load()
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, err.Error(), "valid hexadecimal")
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("OAUTH_STATE_TTL", "5m")
	t.Setenv("TOKEN_CLEANUP_DAYS", "14")
	t.Setenv("RATE_LIMIT_RPM", "120")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "5m0s", cfg.StateTTL.String())
	require.Equal(t, 14, cfg.TokenCleanupDays)
	require.Equal(t, 120, cfg.RateLimitRPM)
}
