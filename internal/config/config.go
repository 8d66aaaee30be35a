// Package config loads the settings of the loyalty client and the local dev
// backend from environment variables.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/agrimart/loyalty/internal/resendlock"
	pkgconfig "github.com/agrimart/loyalty/pkg/config"
	"github.com/agrimart/loyalty/pkg/database"
	"github.com/agrimart/loyalty/pkg/httpclient"
	"github.com/agrimart/loyalty/pkg/tracing"
)

const (
	// ClientPrefix prefixes every client variable, e.g. LOYALTY_API_BASE_URL.
	ClientPrefix = "LOYALTY_"
	// DevServerPrefix prefixes every dev backend variable.
	DevServerPrefix = "DEVSERVER_"

	defaultJWTSecret = "change-this-to-a-secure-secret"
)

// Store backends for locks and cached credentials.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Client holds configuration for the loyalty client.
type Client struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Backend
	APIBaseURL     string        `env:"API_BASE_URL" envDefault:"http://localhost:8090"`
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	// HTTPMaxRetries applies to OTP and refresh calls only.
	HTTPMaxRetries int           `env:"HTTP_MAX_RETRIES" envDefault:"0"`
	RefreshTimeout time.Duration `env:"REFRESH_TIMEOUT" envDefault:"15s"`

	// Breaker guards the OTP and refresh endpoints.
	Breaker httpclient.BreakerConfig `envPrefix:"BREAKER_"`

	// OTP resend lock
	OTPResendLock     time.Duration `env:"OTP_RESEND_LOCK" envDefault:"60s"`
	LockFailurePolicy string        `env:"LOCK_FAILURE_POLICY" envDefault:"open"`

	// Persistence for locks and credentials: file, memory, redis or postgres.
	// The file store survives restarts without any server; memory does not.
	Store    string                  `env:"STORE" envDefault:"file"`
	FilePath string                  `env:"FILE_PATH"`
	Redis    database.RedisConfig    `envPrefix:"REDIS_"`
	Postgres database.PostgresConfig `envPrefix:"POSTGRES_"`

	Tracing tracing.Config `envPrefix:"OTEL_"`
}

// LoadClient reads LOYALTY_* variables.
func LoadClient() (*Client, error) {
	cfg := &Client{}
	if err := pkgconfig.LoadWithPrefix(cfg, ClientPrefix); err != nil {
		return nil, fmt.Errorf("load client config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FailurePolicy returns the parsed lock failure policy.
func (c *Client) FailurePolicy() resendlock.FailurePolicy {
	p, _ := resendlock.ParseFailurePolicy(c.LockFailurePolicy)
	return p
}

func (c *Client) validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid API base URL %q", c.APIBaseURL)
	}
	if c.OTPResendLock <= 0 {
		return fmt.Errorf("OTP resend lock must be positive, got %s", c.OTPResendLock)
	}
	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh timeout must be positive, got %s", c.RefreshTimeout)
	}
	if c.HTTPMaxRetries < 0 {
		return fmt.Errorf("HTTP max retries must not be negative, got %d", c.HTTPMaxRetries)
	}
	if _, err := resendlock.ParseFailurePolicy(c.LockFailurePolicy); err != nil {
		return err
	}
	if c.Breaker.FailureRatio < 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("breaker failure ratio must be within [0, 1], got %g", c.Breaker.FailureRatio)
	}
	switch c.Store {
	case StoreFile, StoreMemory, StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("unknown store %q, want file, memory, redis or postgres", c.Store)
	}
	return nil
}

// DevServer holds configuration for the local stand-in backend.
type DevServer struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"debug"`

	HTTPPort int `env:"HTTP_PORT" envDefault:"8090"`

	// JWT
	JWTSecret       string        `env:"JWT_SECRET" envDefault:"change-this-to-a-secure-secret"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	// OTP
	OTPCode         string        `env:"OTP_CODE" envDefault:"123456"`
	OTPSendInterval time.Duration `env:"OTP_SEND_INTERVAL" envDefault:"30s"`
	OTPSendBurst    int           `env:"OTP_SEND_BURST" envDefault:"3"`
	// OTPHashCost is the bcrypt cost for stored passcodes.
	OTPHashCost int `env:"OTP_HASH_COST" envDefault:"10"`

	Tracing tracing.Config `envPrefix:"OTEL_"`
}

// LoadDevServer reads DEVSERVER_* variables.
func LoadDevServer() (*DevServer, error) {
	cfg := &DevServer{}
	if err := pkgconfig.LoadWithPrefix(cfg, DevServerPrefix); err != nil {
		return nil, fmt.Errorf("load devserver config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *DevServer) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.OTPSendInterval <= 0 || c.OTPSendBurst < 1 {
		return fmt.Errorf("OTP send rate must be positive")
	}
	if c.OTPHashCost < 4 || c.OTPHashCost > 31 {
		return fmt.Errorf("OTP hash cost must be within [4, 31], got %d", c.OTPHashCost)
	}
	if len(c.OTPCode) != 6 {
		return fmt.Errorf("OTP code must have 6 digits")
	}

	// Outside development the signing secret must be set explicitly.
	if c.Environment != "development" {
		if c.JWTSecret == defaultJWTSecret {
			return fmt.Errorf("JWT_SECRET must be explicitly set via environment variable in %q mode", c.Environment)
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters long, got %d", len(c.JWTSecret))
		}
	}
	return nil
}
