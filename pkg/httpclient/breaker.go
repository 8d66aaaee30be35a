package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

// ErrBreakerOpen is returned without a network call while the breaker is open
// or its half-open probe slots are taken.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerConfig tunes a Breaker. The env tags let it nest in a service config.
type BreakerConfig struct {
	Name string `env:"NAME" envDefault:"loyalty-auth"`
	// The breaker opens once MinRequests calls in the current Window failed
	// at FailureRatio or above.
	MinRequests  uint32        `env:"MIN_REQUESTS" envDefault:"5"`
	FailureRatio float64       `env:"FAILURE_RATIO" envDefault:"0.5"`
	Window       time.Duration `env:"WINDOW" envDefault:"60s"`
	// Cooldown is how long it stays open before letting HalfOpenProbes calls through.
	Cooldown       time.Duration `env:"COOLDOWN" envDefault:"30s"`
	HalfOpenProbes uint32        `env:"HALF_OPEN_PROBES" envDefault:"1"`
}

// DefaultBreakerConfig mirrors the env defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:           name,
		MinRequests:    5,
		FailureRatio:   0.5,
		Window:         60 * time.Second,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// withDefaults fills zero fields so a partially set config still trips sanely.
func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig(c.Name)
	if d.Name == "" {
		d.Name = "http"
	}
	c.Name = d.Name
	if c.MinRequests == 0 {
		c.MinRequests = d.MinRequests
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = d.FailureRatio
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loyalty_http_breaker_state",
			Help: "Breaker state per backend (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
	breakerRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_http_breaker_rejected_total",
			Help: "Calls refused without reaching the backend because the breaker was open",
		},
		[]string{"name"},
	)
)

// Breaker is a Doer that stops calling a failing backend.
//
// Transport errors and 5xx responses count as failures; a 5xx reaches the
// caller as *ServerError. Every other response, 401 included, passes through
// untouched and counts as a success. A call abandoned by its caller's context
// is not held against the backend.
type Breaker struct {
	next   Doer
	cb     *gobreaker.CircuitBreaker[*http.Response]
	name   string
	logger *slog.Logger
}

// NewBreaker wraps next.
func NewBreaker(next Doer, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	b := &Breaker{next: next, name: cfg.Name, logger: logger}
	b.cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= cfg.MinRequests &&
				float64(c.TotalFailures) >= cfg.FailureRatio*float64(c.Requests)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: b.onStateChange,
	})
	breakerState.WithLabelValues(cfg.Name).Set(0)
	return b
}

// Do sends req unless the breaker is open.
func (b *Breaker) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := b.cb.Execute(func() (*http.Response, error) {
		resp, err := b.next.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, b.serverError(resp)
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		breakerRejectedTotal.WithLabelValues(b.name).Inc()
		return nil, fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
	}
	return resp, err
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Check is a health checker that fails while the breaker is open.
func (b *Breaker) Check(context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
	}
	return nil
}

func (b *Breaker) serverError(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &ServerError{Service: b.name, StatusCode: resp.StatusCode, Body: string(body)}
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	b.logger.Warn("circuit breaker state change",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
}
