package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	BaseURL      string        `env:"TEST_CFG_BASE_URL" envDefault:"http://localhost:8090"`
	LockSeconds  int           `env:"TEST_CFG_LOCK_SECONDS" envDefault:"300"`
	LogLevel     string        `env:"TEST_CFG_LOG_LEVEL" envDefault:"info"`
	FailClosed   bool          `env:"TEST_CFG_FAIL_CLOSED" envDefault:"false"`
	RefreshAfter time.Duration `env:"TEST_CFG_REFRESH_TIMEOUT" envDefault:"15s"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "http://localhost:8090", cfg.BaseURL)
	assert.Equal(t, 300, cfg.LockSeconds)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.FailClosed)
	assert.Equal(t, 15*time.Second, cfg.RefreshAfter)
}

func TestLoad_FromEnvVars(t *testing.T) {
	t.Setenv("TEST_CFG_BASE_URL", "https://api.example.vn")
	t.Setenv("TEST_CFG_LOCK_SECONDS", "60")
	t.Setenv("TEST_CFG_FAIL_CLOSED", "true")
	t.Setenv("TEST_CFG_REFRESH_TIMEOUT", "3s")

	var cfg testConfig
	require.NoError(t, Load(&cfg))

	assert.Equal(t, "https://api.example.vn", cfg.BaseURL)
	assert.Equal(t, 60, cfg.LockSeconds)
	assert.True(t, cfg.FailClosed)
	assert.Equal(t, 3*time.Second, cfg.RefreshAfter)
}

func TestLoadWithPrefix(t *testing.T) {
	t.Setenv("APP_TEST_CFG_LOCK_SECONDS", "90")
	t.Setenv("TEST_CFG_LOCK_SECONDS", "10")

	var cfg testConfig
	require.NoError(t, LoadWithPrefix(&cfg, "APP_"))

	assert.Equal(t, 90, cfg.LockSeconds)
}

type requiredConfig struct {
	Secret string `env:"TEST_CFG_JWT_SECRET,required"`
}

func TestLoad_RequiredFieldMissing(t *testing.T) {
	var cfg requiredConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_InvalidType(t *testing.T) {
	t.Setenv("TEST_CFG_LOCK_SECONDS", "five minutes")

	var cfg testConfig
	err := Load(&cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
