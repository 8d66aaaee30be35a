package authgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/httpclient"
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

func (f RefreshFunc) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return f(ctx, refreshToken)
}

var errEmptyAccessToken = errors.New("refresh response has no access token")

// HTTPRefresher calls the backend refresh endpoint. It must not go through
// the Gateway, or a rejected refresh would queue behind itself.
type HTTPRefresher struct {
	client httpclient.Doer
	url    string
}

// NewHTTPRefresher posts to url through client, normally a
// *httpclient.Breaker.
func NewHTTPRefresher(client httpclient.Doer, url string) *HTTPRefresher {
	return &HTTPRefresher{client: client, url: url}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return TokenPair{}, fmt.Errorf("encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return TokenPair{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(ctx, req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		respErr := httpclient.ParseResponseError(resp, "auth")
		if httpclient.IsClientError(status) {
			return TokenPair{}, apperrors.RefreshFailed(respErr)
		}
		return TokenPair{}, fmt.Errorf("refresh token: %w", respErr)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Data TokenPair `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return TokenPair{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if envelope.Data.AccessToken == "" {
		return TokenPair{}, errEmptyAccessToken
	}
	return envelope.Data, nil
}
