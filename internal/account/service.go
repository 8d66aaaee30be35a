// Package account implements the OTP-gated customer flows: signing in with a
// texted passcode, reading the profile and deleting the account.
package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agrimart/loyalty/internal/authgw"
	"github.com/agrimart/loyalty/internal/otp"
	"github.com/agrimart/loyalty/internal/resendlock"
	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/httpclient"
	"github.com/agrimart/loyalty/pkg/logger"
	"github.com/agrimart/loyalty/pkg/validator"
)

// DefaultLockDuration is the wait between two OTP sends for one phone and action.
const DefaultLockDuration = 60 * time.Second

const profilePath = "/customers/me"

// OTPClient sends and verifies passcodes.
type OTPClient interface {
	Send(ctx context.Context, phone string, action otp.Action) error
	VerifyLogin(ctx context.Context, phone, code string) (authgw.TokenPair, error)
}

// Profile is the signed-in customer.
type Profile struct {
	ID     string `json:"id"`
	Phone  string `json:"phone"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
	Tier   string `json:"tier"`
}

// SendResult describes the lock started by a successful OTP request.
type SendResult struct {
	UnlocksAtMillis  int64
	RemainingSeconds int
}

// Service wires the resend lock and the authenticated gateway into the
// account flows.
type Service struct {
	otp          OTPClient
	locks        *resendlock.Session
	gateway      *authgw.Gateway
	baseURL      string
	lockDuration time.Duration
	logger       *slog.Logger
}

// NewService creates a new account service.
func NewService(otpClient OTPClient, locks *resendlock.Session, gateway *authgw.Gateway, baseURL string, lockDuration time.Duration, logger *slog.Logger) *Service {
	if lockDuration <= 0 {
		lockDuration = DefaultLockDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		otp:          otpClient,
		locks:        locks,
		gateway:      gateway,
		baseURL:      strings.TrimRight(baseURL, "/"),
		lockDuration: lockDuration,
		logger:       logger,
	}
}

// RequestOTP texts a passcode unless a resend lock is active, in which case it
// returns a *errors.LockError without calling the backend. A failed send
// releases the lock so the user can retry at once.
func (s *Service) RequestOTP(ctx context.Context, phone string, action otp.Action) (SendResult, error) {
	if !validator.IsPhone(phone) {
		return SendResult{}, apperrors.InvalidInput("phone must be a 10-digit mobile number")
	}
	if !action.Valid() {
		return SendResult{}, apperrors.InvalidInput(fmt.Sprintf("unknown otp action %q", action))
	}

	key := resendlock.SubjectKey(phone, action.String())
	dec, err := s.locks.TryConsume(ctx, key, s.lockDuration)
	if err != nil {
		return SendResult{}, err
	}
	if !dec.Allowed {
		return SendResult{}, apperrors.LockActive(dec.RemainingSeconds(s.locks.Now()), dec.UnlocksAtMillis)
	}

	if err := s.otp.Send(ctx, phone, action); err != nil {
		if clearErr := s.locks.Clear(ctx, key); clearErr != nil {
			logger.WithContext(ctx, s.logger).Warn("failed to release resend lock after send error",
				slog.String("subject", logger.MaskPhone(key)),
				slog.String("error", clearErr.Error()),
			)
		}
		return SendResult{}, err
	}

	return SendResult{
		UnlocksAtMillis:  dec.UnlocksAtMillis,
		RemainingSeconds: dec.RemainingSeconds(s.locks.Now()),
	}, nil
}

// Login verifies a login passcode and stores the issued tokens.
func (s *Service) Login(ctx context.Context, phone, code string) error {
	pair, err := s.otp.VerifyLogin(ctx, phone, code)
	if err != nil {
		return err
	}
	s.gateway.SignIn(ctx, pair)
	s.clearLock(ctx, phone, otp.ActionLogin)

	logger.WithContext(ctx, s.logger).Info("signed in", slog.String("phone", logger.MaskPhone(phone)))
	return nil
}

// Profile fetches the signed-in customer.
func (s *Service) Profile(ctx context.Context) (*Profile, error) {
	resp, err := s.gateway.Get(ctx, s.baseURL+profilePath)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, "customers")
	}

	var envelope struct {
		Data Profile `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &envelope.Data, nil
}

// DeleteAccount confirms deletion with a delete_account passcode. On success
// the delete lock is released and the session is signed out.
func (s *Service) DeleteAccount(ctx context.Context, phone, code string) error {
	body, err := json.Marshal(map[string]string{"otp": code})
	if err != nil {
		return fmt.Errorf("encode delete request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+profilePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.gateway.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return httpclient.ParseResponseError(resp, "customers")
	}

	s.clearLock(ctx, phone, otp.ActionDeleteAccount)
	if err := s.gateway.SignOut(ctx); err != nil {
		logger.WithContext(ctx, s.logger).Warn("failed to clear cached credentials", slog.String("error", err.Error()))
	}
	logger.WithContext(ctx, s.logger).Info("account deleted", slog.String("phone", logger.MaskPhone(phone)))
	return nil
}

// Logout forgets the session locally.
func (s *Service) Logout(ctx context.Context) error {
	return s.gateway.SignOut(ctx)
}

// Countdown returns a stopped countdown for the resend button of phone and action.
func (s *Service) Countdown(phone string, action otp.Action, opts ...resendlock.CountdownOption) *resendlock.Countdown {
	return resendlock.NewCountdown(s.locks, resendlock.SubjectKey(phone, action.String()), opts...)
}

// SignedIn reports whether the gateway holds an access token.
func (s *Service) SignedIn() bool {
	return s.gateway.Credentials().SignedIn()
}

func (s *Service) clearLock(ctx context.Context, phone string, action otp.Action) {
	key := resendlock.SubjectKey(phone, action.String())
	if err := s.locks.Clear(ctx, key); err != nil {
		logger.WithContext(ctx, s.logger).Warn("failed to clear resend lock",
			slog.String("subject", logger.MaskPhone(key)),
			slog.String("error", err.Error()),
		)
	}
}
