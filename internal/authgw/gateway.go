package authgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/httpclient"
	"github.com/agrimart/loyalty/pkg/tracing"
)

// State is the refresh state of a Gateway.
type State int

const (
	// StateIdle sends requests directly.
	StateIdle State = iota
	// StateRefreshing has one refresh in flight; 401s are queued.
	StateRefreshing
	// StateDraining replays queued requests with the new token.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateRefreshing:
		return "refreshing"
	case StateDraining:
		return "draining"
	default:
		return "idle"
	}
}

// DefaultRefreshTimeout bounds one refresh round-trip.
const DefaultRefreshTimeout = 15 * time.Second

var errNoRefreshToken = errors.New("no refresh token")

// SignOutFunc is called after a failed refresh has cleared the credentials.
type SignOutFunc func(ctx context.Context, cause error)

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithTokenCache persists credentials on refresh, sign-in and sign-out.
func WithTokenCache(tc *TokenCache) Option {
	return func(g *Gateway) { g.cache = tc }
}

// WithOnSignOut registers the hook run when a refresh fails.
func WithOnSignOut(fn SignOutFunc) Option {
	return func(g *Gateway) { g.onSignOut = fn }
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.refreshTimeout = d
		}
	}
}

// Gateway attaches the access token to outgoing requests. When the backend
// answers 401 it runs at most one refresh at a time, queues every request
// rejected meanwhile and replays them in arrival order once the new token is
// in place. Other failures are returned to the caller untouched.
//
// The Doer should hand 5xx back as responses, so a plain *httpclient.Client
// fits and a circuit breaker does not.
type Gateway struct {
	doer           httpclient.Doer
	creds          *Credentials
	refresher      Refresher
	cache          *TokenCache
	onSignOut      SignOutFunc
	refreshTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer

	mu    sync.Mutex
	state State
	queue []*waiter
}

// NewGateway returns a gateway sending through doer with creds.
func NewGateway(doer httpclient.Doer, creds *Credentials, refresher Refresher, opts ...Option) *Gateway {
	g := &Gateway{
		doer:           doer,
		creds:          creds,
		refresher:      refresher,
		refreshTimeout: DefaultRefreshTimeout,
		logger:         slog.Default(),
		tracer:         tracing.Tracer("github.com/agrimart/loyalty/internal/authgw"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current refresh state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Credentials returns the shared credential state.
func (g *Gateway) Credentials() *Credentials { return g.creds }

// Do sends req with the current access token. The request body is buffered so
// the request can be replayed after a refresh.
func (g *Gateway) Do(ctx context.Context, req *http.Request) (resp *http.Response, err error) {
	ctx, span := g.tracer.Start(ctx, "authgw.request",
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	defer func() { tracing.End(span, err) }()

	if err := httpclient.MakeRewindable(req); err != nil {
		return nil, err
	}

	token := g.creds.AccessToken()
	if token == "" {
		return nil, apperrors.AuthExpired("not signed in")
	}

	resp, err = g.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)
	span.AddEvent("unauthorized")

	return g.handleUnauthorized(ctx, req, token)
}

// handleUnauthorized handles a 401 for a request sent with sentToken.
func (g *Gateway) handleUnauthorized(ctx context.Context, req *http.Request, sentToken string) (*http.Response, error) {
	g.mu.Lock()
	current := g.creds.AccessToken()

	if g.state != StateRefreshing {
		switch {
		case current == "":
			g.mu.Unlock()
			return nil, apperrors.AuthExpired("signed out")
		case current != sentToken:
			// A refresh finished while this request was in flight.
			g.mu.Unlock()
			return g.resend(ctx, req, current)
		case g.state == StateDraining:
			// The token issued by the last refresh is already rejected.
			g.mu.Unlock()
			return nil, apperrors.AuthExpired("access token rejected after refresh")
		}
	}

	w := newWaiter()
	g.queue = append(g.queue, w)
	queuedRequestsTotal.Inc()
	if g.state == StateIdle {
		g.state = StateRefreshing
		go g.refresh(g.creds.Snapshot().RefreshToken)
	}
	g.mu.Unlock()

	return g.await(ctx, req, w)
}

func (g *Gateway) resend(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	g.logger.DebugContext(ctx, "resending request with rotated token", slog.String("path", req.URL.Path))
	resp, err := g.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, apperrors.AuthExpired("access token rejected")
	}
	return resp, nil
}

// refresh runs detached from any caller so one cancelled request cannot
// abort the refresh the others are waiting on.
func (g *Gateway) refresh(refreshToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.refreshTimeout)
	defer cancel()

	ctx, span := g.tracer.Start(ctx, "authgw.refresh")
	var pair TokenPair
	var err error
	if refreshToken == "" {
		err = errNoRefreshToken
	} else {
		pair, err = g.refresher.Refresh(ctx, refreshToken)
	}
	if err == nil && pair.AccessToken == "" {
		err = errEmptyAccessToken
	}
	tracing.End(span, err)

	if err != nil {
		g.failRefresh(ctx, err)
		return
	}
	g.completeRefresh(ctx, refreshToken, pair)
}

func (g *Gateway) completeRefresh(ctx context.Context, oldRefresh string, pair TokenPair) {
	if pair.RefreshToken == "" {
		pair.RefreshToken = oldRefresh
	}

	g.mu.Lock()
	g.creds.Set(pair)
	g.state = StateDraining
	queued := len(g.queue)
	g.mu.Unlock()

	refreshTotal.WithLabelValues(outcomeSuccess).Inc()
	g.logger.InfoContext(ctx, "access token refreshed", slog.Int("queued", queued))
	g.persist(ctx, pair)

	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.state = StateIdle
			g.mu.Unlock()
			return
		}
		w := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		w.result <- refreshResult{token: pair.AccessToken}
		<-w.dispatched
	}
}

func (g *Gateway) failRefresh(ctx context.Context, cause error) {
	g.mu.Lock()
	g.creds.Clear()
	queue := g.queue
	g.queue = nil
	g.state = StateIdle
	g.mu.Unlock()

	refreshTotal.WithLabelValues(outcomeFailure).Inc()
	g.logger.WarnContext(ctx, "token refresh failed, signing out",
		slog.Int("queued", len(queue)),
		slog.String("error", cause.Error()),
	)

	if g.cache != nil {
		if err := g.cache.Clear(ctx); err != nil {
			g.logger.WarnContext(ctx, "failed to clear cached credentials", slog.String("error", err.Error()))
		}
	}

	failed := apperrors.RefreshFailed(cause)
	for _, w := range queue {
		w.result <- refreshResult{err: failed}
	}

	if g.onSignOut != nil {
		g.onSignOut(ctx, failed)
	}
}

// await blocks until the refresh settles, then replays req with the new token.
func (g *Gateway) await(ctx context.Context, req *http.Request, w *waiter) (*http.Response, error) {
	select {
	case res := <-w.result:
		if res.err != nil {
			w.release()
			return nil, res.err
		}
		return g.replay(ctx, req, w, res.token)
	case <-ctx.Done():
		g.mu.Lock()
		g.removeWaiter(w)
		g.mu.Unlock()
		// The drain may already have handed this waiter its turn.
		w.release()
		replayedRequestsTotal.WithLabelValues(outcomeCancelled).Inc()
		return nil, ctx.Err()
	}
}

func (g *Gateway) replay(ctx context.Context, req *http.Request, w *waiter, token string) (*http.Response, error) {
	defer w.release()

	traced := httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { w.release() },
	})

	resp, err := g.send(traced, req, token)
	if err != nil {
		replayedRequestsTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		replayedRequestsTotal.WithLabelValues(outcomeUnauthorized).Inc()
		return nil, apperrors.AuthExpired("access token rejected after refresh")
	}
	replayedRequestsTotal.WithLabelValues(outcomeOK).Inc()
	return resp, nil
}

func (g *Gateway) removeWaiter(w *waiter) {
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

// send clones req so each attempt carries its own body and header.
func (g *Gateway) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return g.doer.Do(ctx, r)
}

// SignIn stores a freshly issued pair.
func (g *Gateway) SignIn(ctx context.Context, pair TokenPair) {
	g.mu.Lock()
	g.creds.Set(pair)
	g.mu.Unlock()
	g.persist(ctx, pair)
}

// SignOut clears the credentials and the token cache. The sign-out hook is
// reserved for failed refreshes and is not called.
func (g *Gateway) SignOut(ctx context.Context) error {
	g.mu.Lock()
	g.creds.Clear()
	g.mu.Unlock()
	if g.cache == nil {
		return nil
	}
	return g.cache.Clear(ctx)
}

// Restore loads cached credentials, if any. It reports whether a session was
// restored.
func (g *Gateway) Restore(ctx context.Context) (bool, error) {
	if g.cache == nil {
		return false, nil
	}
	pair, found, err := g.cache.Load(ctx)
	if err != nil || !found {
		return false, err
	}
	g.mu.Lock()
	g.creds.Set(pair)
	g.mu.Unlock()
	return true, nil
}

func (g *Gateway) persist(ctx context.Context, pair TokenPair) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Save(ctx, pair); err != nil {
		g.logger.WarnContext(ctx, "failed to cache credentials", slog.String("error", err.Error()))
	}
}

// Get performs an authenticated GET.
func (g *Gateway) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	return g.Do(ctx, req)
}

// Post performs an authenticated POST.
func (g *Gateway) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	return g.Do(ctx, req)
}

// PostJSON encodes v and performs an authenticated POST.
func (g *Gateway) PostJSON(ctx context.Context, url string, v any) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return g.Post(ctx, url, "application/json", bytes.NewReader(b))
}

type refreshResult struct {
	token string
	err   error
}

// waiter is one queued request. result receives exactly one value; dispatched
// is closed once the replay has been written or abandoned, which lets the
// drain hand the next waiter its turn.
type waiter struct {
	result     chan refreshResult
	dispatched chan struct{}
	once       sync.Once
}

func newWaiter() *waiter {
	return &waiter{
		result:     make(chan refreshResult, 1),
		dispatched: make(chan struct{}),
	}
}

func (w *waiter) release() {
	w.once.Do(func() { close(w.dispatched) })
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
