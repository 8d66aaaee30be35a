package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrRateLimited    = errors.New("rate limited")
	ErrServiceUnavail = errors.New("service unavailable")
)

// Sentinels for the OTP resend lock and the authenticated request gateway.
var (
	// ErrLockActive means a resend was attempted while a resend lock is in force.
	ErrLockActive = errors.New("resend lock active")
	// ErrPersistenceUnavailable means the key-value store could not be read or written.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrAuthExpired means an authenticated request was rejected with 401.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrRefreshFailed means the refresh token was rejected and the session is gone.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// LockError is returned when an OTP send is suppressed by an active resend lock.
// It carries the remaining seconds so the caller can render a countdown.
type LockError struct {
	RemainingSeconds int
	UnlocksAtMillis  int64
}

func (e *LockError) Error() string {
	return fmt.Sprintf("resend locked for %ds", e.RemainingSeconds)
}

func (e *LockError) Unwrap() error {
	return ErrLockActive
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// RateLimited creates a 429 error.
func RateLimited(message string) *AppError {
	return &AppError{
		Code:    "RATE_LIMITED",
		Message: message,
		Status:  http.StatusTooManyRequests,
		Err:     ErrRateLimited,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// LockActive creates a lock rejection for the given unlock time.
func LockActive(remainingSeconds int, unlocksAtMillis int64) *LockError {
	return &LockError{RemainingSeconds: remainingSeconds, UnlocksAtMillis: unlocksAtMillis}
}

// PersistenceUnavailable creates a 503 error wrapping a key-value store failure.
func PersistenceUnavailable(err error) *AppError {
	return &AppError{
		Code:    "PERSISTENCE_UNAVAILABLE",
		Message: fmt.Sprintf("%v: %v", ErrPersistenceUnavailable, err),
		Status:  http.StatusServiceUnavailable,
		Err:     ErrPersistenceUnavailable,
	}
}

// AuthExpired creates a 401 error for a request rejected by the backend.
func AuthExpired(message string) *AppError {
	return &AppError{
		Code:    "AUTH_EXPIRED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrAuthExpired,
	}
}

// RefreshFailed creates a 401 error for a rejected refresh round-trip.
func RefreshFailed(cause error) *AppError {
	msg := "session expired, sign in again"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &AppError{
		Code:    "REFRESH_FAILED",
		Message: msg,
		Status:  http.StatusUnauthorized,
		Err:     ErrRefreshFailed,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAuthExpired), errors.Is(err, ErrRefreshFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrLockActive):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrPersistenceUnavailable), errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
