package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimart/loyalty/internal/resendlock"
)

// setEnvs sets multiple env vars for the duration of the test.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8090", cfg.APIBaseURL)
	assert.Equal(t, 60*time.Second, cfg.OTPResendLock)
	assert.Equal(t, 15*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, StoreFile, cfg.Store)
	assert.Empty(t, cfg.FilePath)
	assert.Equal(t, "loyalty-auth", cfg.Breaker.Name)
	assert.Equal(t, uint32(5), cfg.Breaker.MinRequests)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, resendlock.FailOpen, cfg.FailurePolicy())
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, "loyalty", cfg.Postgres.DBName)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadClient_Overrides(t *testing.T) {
	setEnvs(t, map[string]string{
		"LOYALTY_API_BASE_URL":        "https://api.agrimart.vn",
		"LOYALTY_OTP_RESEND_LOCK":     "90s",
		"LOYALTY_LOCK_FAILURE_POLICY": "closed",
		"LOYALTY_STORE":               "redis",
		"LOYALTY_REDIS_HOST":          "cache.internal",
		"LOYALTY_REDIS_DB":            "2",
		"LOYALTY_POSTGRES_HOST":       "db.internal",
		"LOYALTY_OTEL_ENABLED":        "true",
		"LOYALTY_BREAKER_COOLDOWN":    "5s",
	})

	cfg, err := LoadClient()
	require.NoError(t, err)

	assert.Equal(t, "https://api.agrimart.vn", cfg.APIBaseURL)
	assert.Equal(t, 90*time.Second, cfg.OTPResendLock)
	assert.Equal(t, resendlock.FailClosed, cfg.FailurePolicy())
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "cache.internal", cfg.Redis.Host)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Breaker.Cooldown)
}

func TestLoadClient_Invalid(t *testing.T) {
	tests := []struct {
		name string
		envs map[string]string
		want string
	}{
		{"base url", map[string]string{"LOYALTY_API_BASE_URL": "not a url"}, "invalid API base URL"},
		{"lock", map[string]string{"LOYALTY_OTP_RESEND_LOCK": "0s"}, "OTP resend lock must be positive"},
		{"policy", map[string]string{"LOYALTY_LOCK_FAILURE_POLICY": "maybe"}, "unknown failure policy"},
		{"store", map[string]string{"LOYALTY_STORE": "sqlite"}, "unknown store"},
		{"breaker ratio", map[string]string{"LOYALTY_BREAKER_FAILURE_RATIO": "1.5"}, "failure ratio"},
		{"retries", map[string]string{"LOYALTY_HTTP_MAX_RETRIES": "-1"}, "must not be negative"},
		{"duration", map[string]string{"LOYALTY_REFRESH_TIMEOUT": "soon"}, "load client config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, tt.envs)
			cfg, err := LoadClient()
			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDevServer_Defaults(t *testing.T) {
	cfg, err := LoadDevServer()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, "123456", cfg.OTPCode)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 3, cfg.OTPSendBurst)
	assert.Equal(t, 10, cfg.OTPHashCost)
}

func TestLoadDevServer_InvalidHashCost(t *testing.T) {
	setEnvs(t, map[string]string{"DEVSERVER_OTP_HASH_COST": "2"})

	_, err := LoadDevServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTP hash cost")
}

func TestLoadDevServer_Production_RejectsDefaultSecret(t *testing.T) {
	setEnvs(t, map[string]string{
		"DEVSERVER_ENVIRONMENT": "production",
	})

	cfg, err := LoadDevServer()
	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET must be explicitly set")
}

func TestLoadDevServer_Production_RejectsShortSecret(t *testing.T) {
	setEnvs(t, map[string]string{
		"DEVSERVER_ENVIRONMENT": "production",
		"DEVSERVER_JWT_SECRET":  "short",
	})

	_, err := LoadDevServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestLoadDevServer_InvalidPort(t *testing.T) {
	setEnvs(t, map[string]string{"DEVSERVER_HTTP_PORT": "70000"})

	_, err := LoadDevServer()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
}
