package devserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/agrimart/loyalty/internal/otp"
	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/httputil"
	"github.com/agrimart/loyalty/pkg/logger"
	"github.com/agrimart/loyalty/pkg/middleware"
	"github.com/agrimart/loyalty/pkg/validator"
)

// --- Request DTOs ---

// SendOTPRequest is the JSON body of POST /auth/otp/send.
type SendOTPRequest struct {
	Phone  string     `json:"phone" validate:"required,phone_vn"`
	Action otp.Action `json:"action" validate:"required,oneof=login delete_account"`
}

// VerifyOTPRequest is the JSON body of POST /auth/otp/verify.
type VerifyOTPRequest struct {
	Phone string `json:"phone" validate:"required,phone_vn"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// RefreshRequest is the JSON body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// DeleteAccountRequest is the JSON body of DELETE /customers/me.
type DeleteAccountRequest struct {
	OTP string `json:"otp" validate:"required,len=6,numeric"`
}

// Handler serves the auth and customer endpoints.
type Handler struct {
	store   *memoryStore
	tokens  *JWTManager
	limiter *phoneLimiter
	otpCode string
	// hashCost is the bcrypt cost for stored codes.
	hashCost int
	logger   *slog.Logger
}

// NewHandler creates the dev backend handler. Every sent code equals otpCode.
func NewHandler(tokens *JWTManager, limiter *phoneLimiter, otpCode string, hashCost int, logger *slog.Logger) *Handler {
	return &Handler{
		store:    newMemoryStore(),
		tokens:   tokens,
		limiter:  limiter,
		otpCode:  otpCode,
		hashCost: hashCost,
		logger:   logger,
	}
}

// SendOTP handles POST /auth/otp/send
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req SendOTPRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteBadRequest(w, r, err)
		return
	}

	if !h.limiter.Allow(req.Phone) {
		httputil.WriteError(w, r, apperrors.RateLimited("too many codes requested for this phone"), h.logger)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(h.otpCode), h.hashCost)
	if err != nil {
		httputil.WriteError(w, r, apperrors.Internal(fmt.Errorf("hash otp: %w", err)), h.logger)
		return
	}
	h.store.recordCode(req.Phone, req.Action.String(), hash)
	logger.FromContext(r.Context()).Debug("otp issued",
		slog.String("phone", logger.MaskPhone(req.Phone)),
		slog.String("action", req.Action.String()),
		slog.String("dev_code", h.otpCode),
	)

	httputil.WriteData(w, http.StatusAccepted, map[string]any{
		"expires_in": int64(otpValidity.Seconds()),
	})
}

// VerifyOTP handles POST /auth/otp/verify
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteBadRequest(w, r, err)
		return
	}

	if !h.checkCode(req.Phone, otp.ActionLogin, req.Code) {
		httputil.WriteError(w, r, apperrors.Unauthorized("invalid or expired code"), h.logger)
		return
	}

	customer := h.store.customerByPhone(req.Phone)
	pair, err := h.issue(customer)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	logger.FromContext(r.Context()).Info("customer signed in", slog.String("customer_id", customer.ID))
	httputil.WriteData(w, http.StatusOK, pair)
}

// Refresh handles POST /auth/refresh. Refresh tokens are single use.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteBadRequest(w, r, err)
		return
	}

	claims, err := h.tokens.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		httputil.WriteError(w, r, apperrors.AuthExpired("invalid or expired refresh token"), h.logger)
		return
	}
	customerID, ok := h.store.rotateRefresh(claims.ID)
	if !ok || customerID != claims.CustomerID {
		httputil.WriteError(w, r, apperrors.AuthExpired("refresh token revoked"), h.logger)
		return
	}
	customer, ok := h.store.customerByID(customerID)
	if !ok {
		httputil.WriteError(w, r, apperrors.AuthExpired("customer no longer exists"), h.logger)
		return
	}

	pair, err := h.issue(customer)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, pair)
}

// GetProfile handles GET /customers/me
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	customerID := middleware.CustomerIDFromContext(r.Context())
	customer, ok := h.store.customerByID(customerID)
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("customer", customerID), h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, customer)
}

// DeleteAccount handles DELETE /customers/me
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	var req DeleteAccountRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteBadRequest(w, r, err)
		return
	}

	claims := middleware.ClaimsFromContext(r.Context())
	if !h.checkCode(claims.Phone, otp.ActionDeleteAccount, req.OTP) {
		httputil.WriteError(w, r, apperrors.InvalidInput("invalid or expired code"), h.logger)
		return
	}
	if !h.store.deleteCustomer(claims.CustomerID) {
		httputil.WriteError(w, r, apperrors.NotFound("customer", claims.CustomerID), h.logger)
		return
	}

	logger.FromContext(r.Context()).Info("customer deleted", slog.String("customer_id", claims.CustomerID))
	w.WriteHeader(http.StatusNoContent)
}

// ValidateToken adapts the JWT manager to middleware.Auth.
func (h *Handler) ValidateToken(token string) (*middleware.Claims, error) {
	claims, err := h.tokens.ValidateAccessToken(token)
	if err != nil {
		return nil, err
	}
	return &middleware.Claims{CustomerID: claims.CustomerID, Phone: claims.Phone}, nil
}

// checkCode consumes the outstanding code for phone and action if code matches it.
func (h *Handler) checkCode(phone string, action otp.Action, code string) bool {
	return h.store.consumeCode(phone, action.String(), func(hash []byte) bool {
		return bcrypt.CompareHashAndPassword(hash, []byte(code)) == nil
	})
}

func (h *Handler) issue(c *Customer) (TokenPair, error) {
	pair, refreshID, err := h.tokens.Issue(c)
	if err != nil {
		return TokenPair{}, apperrors.Internal(err)
	}
	h.store.addRefresh(refreshID, c.ID)
	return pair, nil
}
