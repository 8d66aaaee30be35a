// Package app wires the loyalty client: the lock and credential store, the
// HTTP transports, the authenticated gateway and the account service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/agrimart/loyalty/internal/account"
	"github.com/agrimart/loyalty/internal/authgw"
	"github.com/agrimart/loyalty/internal/config"
	"github.com/agrimart/loyalty/internal/kvstore"
	"github.com/agrimart/loyalty/internal/kvstore/postgres"
	kvredis "github.com/agrimart/loyalty/internal/kvstore/redis"
	"github.com/agrimart/loyalty/internal/otp"
	"github.com/agrimart/loyalty/internal/resendlock"
	"github.com/agrimart/loyalty/pkg/database"
	"github.com/agrimart/loyalty/pkg/health"
	"github.com/agrimart/loyalty/pkg/httpclient"
	"github.com/agrimart/loyalty/pkg/tracing"
)

const (
	serviceName = "loyalty-client"
	refreshPath = "/auth/refresh"

	slowStoreThreshold = 200 * time.Millisecond
)

// Client holds the wired loyalty client and the resources it must release.
type Client struct {
	cfg     *config.Client
	logger  *slog.Logger
	store   kvstore.Store
	locks   *resendlock.Session
	gateway *authgw.Gateway
	account *account.Service
	health  *health.Handler

	pool           *pgxpool.Pool
	redis          *goredis.Client
	tracerShutdown func(context.Context) error
}

// NewClient creates a client instance, connecting to the configured store and
// restoring any cached session.
func NewClient(ctx context.Context, cfg *config.Client, logger *slog.Logger) (*Client, error) {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tracingCfg := cfg.Tracing
	tracingCfg.ServiceName = serviceName
	tracingCfg.Environment = cfg.Environment
	tracerShutdown, err := tracing.InitTracer(initCtx, tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	c := &Client{
		cfg:            cfg,
		logger:         logger,
		health:         health.NewHandler(),
		tracerShutdown: tracerShutdown,
	}

	if err := c.openStore(initCtx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if p, ok := c.store.(kvstore.Pinger); ok {
		c.health.Register(cfg.Store, p.Ping)
	}

	c.locks = resendlock.NewSession(c.store,
		resendlock.WithFailurePolicy(cfg.FailurePolicy()),
		resendlock.WithLogger(logger),
	)

	// Resource calls go out plain: no retries, no breaker, so 5xx responses
	// and transport errors reach the caller unchanged.
	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.HTTPTimeout
	plain := httpclient.New(httpCfg)

	// OTP and refresh calls may retry and trip a breaker.
	authCfg := httpCfg
	authCfg.MaxRetries = cfg.HTTPMaxRetries
	authBreaker := httpclient.NewBreaker(httpclient.New(authCfg), cfg.Breaker, logger)
	c.health.Register("auth_breaker", authBreaker.Check)

	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	c.gateway = authgw.NewGateway(plain, authgw.NewCredentials(),
		authgw.NewHTTPRefresher(authBreaker, baseURL+refreshPath),
		authgw.WithLogger(logger),
		authgw.WithTokenCache(authgw.NewTokenCache(c.store, authgw.DefaultTokenCacheKey)),
		authgw.WithRefreshTimeout(cfg.RefreshTimeout),
		authgw.WithOnSignOut(func(ctx context.Context, cause error) {
			logger.WarnContext(ctx, "session ended, sign in again", slog.String("cause", cause.Error()))
		}),
	)

	restored, err := c.gateway.Restore(initCtx)
	if err != nil {
		logger.Warn("failed to restore cached session", slog.String("error", err.Error()))
	} else if restored {
		logger.Debug("restored cached session")
	}

	c.account = account.NewService(otp.NewClient(authBreaker, baseURL, logger), c.locks, c.gateway, baseURL, cfg.OTPResendLock, logger)

	return c, nil
}

func (c *Client) openStore(ctx context.Context) error {
	switch c.cfg.Store {
	case config.StoreFile:
		path := c.cfg.FilePath
		if path == "" {
			var err error
			if path, err = kvstore.DefaultFilePath(); err != nil {
				return err
			}
		}
		store, err := kvstore.NewFile(path)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		c.store = store
		c.logger.Debug("using file store", slog.String("path", path))

	case config.StoreMemory:
		c.store = kvstore.NewMemory()

	case config.StoreRedis:
		client, err := database.NewRedisClient(ctx, c.cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		c.redis = client
		c.store = kvredis.NewStore(client, kvredis.DefaultPrefix,
			database.NewQueryTracer("redis", slowStoreThreshold, c.logger))
		c.logger.Debug("connected to Redis", slog.String("addr", c.cfg.Redis.Addr()))

	case config.StorePostgres:
		pool, err := database.NewPostgresPool(ctx, &c.cfg.Postgres, c.logger)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		c.pool = pool
		if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
			c.logger.Warn("failed to register pool metrics", slog.String("error", err.Error()))
		}

		store := postgres.NewStore(pool, database.NewQueryTracer("postgresql", slowStoreThreshold, c.logger))
		if err := store.Migrate(ctx, c.logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		if n, err := store.PurgeExpired(ctx); err != nil {
			c.logger.Warn("failed to purge expired entries", slog.String("error", err.Error()))
		} else if n > 0 {
			c.logger.Debug("purged expired entries", slog.Int64("count", n))
		}
		c.store = store
		c.logger.Debug("connected to PostgreSQL",
			slog.String("host", c.cfg.Postgres.Host),
			slog.String("database", c.cfg.Postgres.DBName),
		)

	default:
		return fmt.Errorf("unknown store %q", c.cfg.Store)
	}
	return nil
}

// Account returns the account service.
func (c *Client) Account() *account.Service { return c.account }

// Gateway returns the authenticated request gateway.
func (c *Client) Gateway() *authgw.Gateway { return c.gateway }

// Locks returns the resend lock session.
func (c *Client) Locks() *resendlock.Session { return c.locks }

// Health runs the store checks.
func (c *Client) Health(ctx context.Context) health.Response {
	return c.health.Check(ctx)
}

// Close flushes pending spans, then releases the store connections.
func (c *Client) Close() error {
	var errs []error

	if c.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := c.tracerShutdown(tracerCtx); err != nil {
			c.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if c.pool != nil {
		c.pool.Close()
	}

	return errors.Join(errs...)
}
