package authgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/httpclient"
	"github.com/agrimart/loyalty/pkg/logger"
)

func refreshServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/refresh", r.URL.Path)
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ref1", req["refresh_token"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRefresher_Success(t *testing.T) {
	srv := refreshServer(t, http.StatusOK, `{"data":{"access_token":"tok2","refresh_token":"ref2"}}`)
	r := NewHTTPRefresher(httpclient.New(httpclient.DefaultConfig()), srv.URL+"/auth/refresh")

	pair, err := r.Refresh(context.Background(), "ref1")
	require.NoError(t, err)
	assert.Equal(t, newPair, pair)
}

func TestHTTPRefresher_Rejected(t *testing.T) {
	srv := refreshServer(t, http.StatusUnauthorized, `{"error":{"code":"AUTH_EXPIRED","message":"refresh token revoked"}}`)
	r := NewHTTPRefresher(httpclient.New(httpclient.DefaultConfig()), srv.URL+"/auth/refresh")

	_, err := r.Refresh(context.Background(), "ref1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRefreshFailed)
}

func TestHTTPRefresher_ServerError(t *testing.T) {
	srv := refreshServer(t, http.StatusInternalServerError, `oops`)
	r := NewHTTPRefresher(httpclient.New(httpclient.DefaultConfig()), srv.URL+"/auth/refresh")

	_, err := r.Refresh(context.Background(), "ref1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrRefreshFailed)

	var srvErr *httpclient.ServerError
	assert.ErrorAs(t, err, &srvErr)
}

func TestHTTPRefresher_EmptyAccessToken(t *testing.T) {
	srv := refreshServer(t, http.StatusOK, `{"data":{}}`)
	r := NewHTTPRefresher(httpclient.New(httpclient.DefaultConfig()), srv.URL+"/auth/refresh")

	_, err := r.Refresh(context.Background(), "ref1")
	assert.ErrorIs(t, err, errEmptyAccessToken)
}

func TestHTTPRefresher_ThroughBreaker(t *testing.T) {
	srv := refreshServer(t, http.StatusOK, `{"data":{"access_token":"tok2","refresh_token":"ref2"}}`)
	cb := httpclient.NewBreaker(
		httpclient.New(httpclient.DefaultConfig()),
		httpclient.DefaultBreakerConfig("auth-refresh-test"),
		logger.Discard(),
	)
	r := NewHTTPRefresher(cb, srv.URL+"/auth/refresh")

	pair, err := r.Refresh(context.Background(), "ref1")
	require.NoError(t, err)
	assert.Equal(t, "tok2", pair.AccessToken)
}

func TestGateway_OpenBreakerSignsOut(t *testing.T) {
	var refreshHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := httpclient.DefaultBreakerConfig("auth-refresh-open")
	cfg.MinRequests = 1
	cfg.Cooldown = time.Minute
	cb := httpclient.NewBreaker(httpclient.New(httpclient.DefaultConfig()), cfg, logger.Discard())
	r := NewHTTPRefresher(cb, srv.URL+"/auth/refresh")

	// One 503 opens the breaker.
	_, err := r.Refresh(context.Background(), "ref1")
	var srvErr *httpclient.ServerError
	require.ErrorAs(t, err, &srvErr)
	require.Equal(t, int32(1), refreshHits.Load())

	var signedOut atomic.Int32
	g := newTestGateway(&fakeDoer{fn: acceptOnly("tok2")}, r,
		WithOnSignOut(func(context.Context, error) { signedOut.Add(1) }),
	)

	_, err = get(g, "/customers/me")
	require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
	assert.Contains(t, err.Error(), httpclient.ErrBreakerOpen.Error())
	assert.Equal(t, int32(1), refreshHits.Load(), "open breaker makes no network call")
	assert.Equal(t, int32(1), signedOut.Load())
	assert.False(t, g.Credentials().SignedIn())
}

func TestRefreshFunc(t *testing.T) {
	var got string
	f := RefreshFunc(func(_ context.Context, tok string) (TokenPair, error) {
		got = tok
		return newPair, nil
	})
	pair, err := f.Refresh(context.Background(), "ref1")
	require.NoError(t, err)
	assert.Equal(t, "ref1", got)
	assert.Equal(t, newPair, pair)
}
