// Package otp talks to the backend one-time passcode endpoints.
package otp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agrimart/loyalty/internal/authgw"
	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/httpclient"
	"github.com/agrimart/loyalty/pkg/logger"
	"github.com/agrimart/loyalty/pkg/validator"
)

// Action is the flow an OTP is requested for. Locks and codes are scoped to
// it, so a login OTP never unlocks account deletion.
type Action string

const (
	ActionLogin         Action = "login"
	ActionDeleteAccount Action = "delete_account"
)

// ParseAction validates s as an Action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", apperrors.InvalidInput(fmt.Sprintf("unknown otp action %q", s))
	}
	return a, nil
}

func (a Action) Valid() bool {
	return a == ActionLogin || a == ActionDeleteAccount
}

func (a Action) String() string { return string(a) }

const (
	sendPath   = "/auth/otp/send"
	verifyPath = "/auth/otp/verify"
)

type sendRequest struct {
	Phone  string `json:"phone" validate:"required,phone_vn"`
	Action Action `json:"action" validate:"required,oneof=login delete_account"`
}

type verifyRequest struct {
	Phone string `json:"phone" validate:"required,phone_vn"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// Client calls the unauthenticated OTP endpoints.
type Client struct {
	http    httpclient.Doer
	baseURL string
	logger  *slog.Logger
}

// NewClient returns a client for baseURL, normally sending through a
// *httpclient.Breaker.
func NewClient(doer httpclient.Doer, baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    doer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Send asks the backend to text a passcode for action to phone.
func (c *Client) Send(ctx context.Context, phone string, action Action) error {
	body := sendRequest{Phone: phone, Action: action}
	if err := validator.Validate(body); err != nil {
		return err
	}

	resp, err := c.postJSON(ctx, sendPath, body)
	if err != nil {
		return fmt.Errorf("send otp: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return httpclient.ParseResponseError(resp, "otp")
	}

	logger.WithContext(ctx, c.logger).Info("otp sent",
		slog.String("phone", logger.MaskPhone(phone)),
		slog.String("action", action.String()),
	)
	return nil
}

// VerifyLogin exchanges a login passcode for a token pair.
func (c *Client) VerifyLogin(ctx context.Context, phone, code string) (authgw.TokenPair, error) {
	body := verifyRequest{Phone: phone, Code: code}
	if err := validator.Validate(body); err != nil {
		return authgw.TokenPair{}, err
	}

	resp, err := c.postJSON(ctx, verifyPath, body)
	if err != nil {
		return authgw.TokenPair{}, fmt.Errorf("verify otp: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return authgw.TokenPair{}, httpclient.ParseResponseError(resp, "otp")
	}

	var envelope struct {
		Data authgw.TokenPair `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return authgw.TokenPair{}, fmt.Errorf("decode verify response: %w", err)
	}
	if envelope.Data.AccessToken == "" {
		return authgw.TokenPair{}, fmt.Errorf("verify response has no access token")
	}
	return envelope.Data, nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(ctx, req)
}
