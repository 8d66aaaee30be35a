package resendlock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agrimart/loyalty/internal/kvstore"
	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/logger"
	"github.com/agrimart/loyalty/pkg/tracing"
)

const (
	// DefaultKeyPrefix namespaces lock records in the shared key-value store.
	DefaultKeyPrefix = "resendlock:"
	// DefaultExpiryGrace is added to the store TTL so backends can garbage
	// collect abandoned records. It never affects lock decisions.
	DefaultExpiryGrace = time.Minute
)

// FailurePolicy decides what TryConsume does when the store is unreachable.
type FailurePolicy int

const (
	// FailOpen allows the send and reports a fresh lock window.
	FailOpen FailurePolicy = iota
	// FailClosed denies the send with ErrPersistenceUnavailable.
	FailClosed
)

func (p FailurePolicy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailurePolicy accepts "open" or "closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Decision is the outcome of TryConsume.
type Decision struct {
	Allowed         bool
	UnlocksAtMillis int64
}

// RemainingSeconds returns the whole seconds left on the lock at now.
func (d Decision) RemainingSeconds(now time.Time) int {
	return remainingSeconds(d.UnlocksAtMillis, now.UnixMilli())
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithFailurePolicy sets the behaviour on store failures.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithKeyPrefix sets the store key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Session) { s.prefix = prefix }
}

// WithExpiryGrace sets the extra store TTL on written records.
func WithExpiryGrace(d time.Duration) Option {
	return func(s *Session) { s.grace = d }
}

// Session enforces a minimum interval between OTP sends per subject key.
// A Session is safe for concurrent use; read-modify-write on one subject key
// is serialised within the process.
type Session struct {
	store  kvstore.Store
	clock  Clock
	policy FailurePolicy
	logger *slog.Logger
	prefix string
	grace  time.Duration
	tracer trace.Tracer
	keys   keyedMutex
}

// NewSession returns a session persisting locks in store.
func NewSession(store kvstore.Store, opts ...Option) *Session {
	s := &Session{
		store:  store,
		clock:  SystemClock{},
		policy: FailOpen,
		logger: slog.Default(),
		prefix: DefaultKeyPrefix,
		grace:  DefaultExpiryGrace,
		tracer: tracing.Tracer("github.com/agrimart/loyalty/internal/resendlock"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the configured failure policy.
func (s *Session) Policy() FailurePolicy { return s.policy }

// Now reads the session clock.
func (s *Session) Now() time.Time { return s.clock.Now() }

// TryConsume starts a lock of lockDuration for subjectKey unless one is
// already active. A rejected attempt does not extend the existing lock.
func (s *Session) TryConsume(ctx context.Context, subjectKey string, lockDuration time.Duration) (dec Decision, err error) {
	if subjectKey == "" {
		return Decision{}, apperrors.InvalidInput("subject key is required")
	}
	if lockDuration <= 0 {
		return Decision{}, apperrors.InvalidInput("lock duration must be positive")
	}

	ctx, span := s.tracer.Start(ctx, "resendlock.try_consume",
		trace.WithAttributes(attribute.Int64("lock.duration_ms", lockDuration.Milliseconds())))
	defer func() {
		span.SetAttributes(attribute.Bool("lock.allowed", dec.Allowed))
		tracing.End(span, err)
	}()

	unlock := s.keys.Lock(subjectKey)
	defer unlock()

	log := logger.WithContext(ctx, s.logger).With(slog.String("subject", logger.MaskPhone(subjectKey)))
	now := s.clock.Now().UnixMilli()

	rec, found, err := s.load(ctx, subjectKey)
	if err != nil {
		persistenceErrorsTotal.WithLabelValues("get").Inc()
		return s.degrade(log, now, lockDuration, err)
	}
	if found && now < rec.ExpiresAtMillis {
		decisionsTotal.WithLabelValues(outcomeLocked).Inc()
		log.Debug("resend locked", slog.Int("remaining_seconds", remainingSeconds(rec.ExpiresAtMillis, now)))
		return Decision{Allowed: false, UnlocksAtMillis: rec.ExpiresAtMillis}, nil
	}

	next := Record{SubjectKey: subjectKey, ExpiresAtMillis: now + lockDuration.Milliseconds()}
	if err := s.save(ctx, next, lockDuration); err != nil {
		persistenceErrorsTotal.WithLabelValues("set").Inc()
		return s.degrade(log, now, lockDuration, err)
	}

	decisionsTotal.WithLabelValues(outcomeAllowed).Inc()
	log.Debug("resend lock started", slog.Int64("unlocks_at_ms", next.ExpiresAtMillis))
	return Decision{Allowed: true, UnlocksAtMillis: next.ExpiresAtMillis}, nil
}

func (s *Session) degrade(log *slog.Logger, nowMillis int64, d time.Duration, cause error) (Decision, error) {
	if s.policy == FailClosed {
		decisionsTotal.WithLabelValues(outcomeDegradedClosed).Inc()
		log.Error("resend lock store unavailable, denying send", slog.String("error", cause.Error()))
		return Decision{Allowed: false}, apperrors.PersistenceUnavailable(cause)
	}
	decisionsTotal.WithLabelValues(outcomeDegradedOpen).Inc()
	log.Warn("resend lock store unavailable, allowing send", slog.String("error", cause.Error()))
	return Decision{Allowed: true, UnlocksAtMillis: nowMillis + d.Milliseconds()}, nil
}

// Remaining returns the time left on the lock for subjectKey, or zero when
// there is none or the store cannot be read.
func (s *Session) Remaining(ctx context.Context, subjectKey string) time.Duration {
	rec, found, err := s.load(ctx, subjectKey)
	if err != nil {
		persistenceErrorsTotal.WithLabelValues("get").Inc()
		logger.WithContext(ctx, s.logger).Warn("resend lock resync failed",
			slog.String("subject", logger.MaskPhone(subjectKey)),
			slog.String("error", err.Error()),
		)
		return 0
	}
	if !found {
		return 0
	}
	left := rec.ExpiresAtMillis - s.clock.Now().UnixMilli()
	if left <= 0 {
		return 0
	}
	return time.Duration(left) * time.Millisecond
}

// Resync returns the whole seconds remaining on the lock, rounded up.
// It never writes.
func (s *Session) Resync(ctx context.Context, subjectKey string) int {
	left := s.Remaining(ctx, subjectKey)
	return remainingSeconds(left.Milliseconds(), 0)
}

// Clear removes the lock for subjectKey. Clearing a missing lock is a no-op.
func (s *Session) Clear(ctx context.Context, subjectKey string) error {
	unlock := s.keys.Lock(subjectKey)
	defer unlock()

	if err := s.store.Remove(ctx, s.prefix+subjectKey); err != nil {
		persistenceErrorsTotal.WithLabelValues("remove").Inc()
		return fmt.Errorf("clear resend lock: %w", apperrors.PersistenceUnavailable(err))
	}
	return nil
}

// load reads the record for subjectKey. Undecodable records read as absent.
func (s *Session) load(ctx context.Context, subjectKey string) (Record, bool, error) {
	raw, found, err := s.store.Get(ctx, s.prefix+subjectKey)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}
	rec, err := DecodeRecord(subjectKey, raw)
	if err != nil {
		logger.WithContext(ctx, s.logger).Warn("ignoring unreadable resend lock record",
			slog.String("subject", logger.MaskPhone(subjectKey)),
			slog.String("error", err.Error()),
		)
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Session) save(ctx context.Context, rec Record, d time.Duration) error {
	raw, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, s.prefix+rec.SubjectKey, raw, d+s.grace)
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
