package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agrimart/loyalty/pkg/errors"
)

// makeResponse creates an *http.Response with the given status code and body string.
func makeResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// structuredError builds a standard JSON error body.
func structuredError(code, message string) string {
	return `{"error":{"code":"` + code + `","message":"` + message + `"}}`
}

func TestParseResponseError_Structured(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		code     string
		sentinel error
	}{
		{"not found", http.StatusNotFound, "NOT_FOUND", apperrors.ErrNotFound},
		{"bad request", http.StatusBadRequest, "INVALID_INPUT", apperrors.ErrInvalidInput},
		{"unauthorized", http.StatusUnauthorized, "UNAUTHORIZED", apperrors.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "FORBIDDEN", apperrors.ErrForbidden},
		{"rate limited", http.StatusTooManyRequests, "RATE_LIMITED", apperrors.ErrRateLimited},
		{"unavailable", http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", apperrors.ErrServiceUnavail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseResponseError(makeResponse(tt.status, structuredError(tt.code, "boom")), "loyalty-api")
			require.Error(t, err)

			var appErr *apperrors.AppError
			require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
			assert.Equal(t, tt.status, appErr.Status)
			assert.True(t, errors.Is(err, tt.sentinel))
		})
	}
}

func TestParseResponseError_BadRequestKeepsServiceName(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusBadRequest, structuredError("INVALID_INPUT", "phone is invalid")), "otp")

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Message, "otp")
	assert.Contains(t, appErr.Message, "phone is invalid")
}

func TestParseResponseError_StructuredServerError(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusInternalServerError, structuredError("INTERNAL_ERROR", "something went wrong")), "loyalty-api")
	require.Error(t, err)

	var srvErr *ServerError
	require.True(t, errors.As(err, &srvErr))
	assert.Equal(t, http.StatusInternalServerError, srvErr.StatusCode)
	assert.Contains(t, err.Error(), "loyalty-api")
	assert.Contains(t, err.Error(), "something went wrong")
}

func TestParseResponseError_UnstructuredBody(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusBadGateway, "Bad Gateway: upstream connection refused"), "api-gateway")
	require.Error(t, err)

	var srvErr *ServerError
	require.True(t, errors.As(err, &srvErr))
	assert.Contains(t, err.Error(), "api-gateway")
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream connection refused")
}

func TestParseResponseError_StructuredButNullError(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusBadRequest, `{"error":null}`), "svc")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
	assert.Contains(t, err.Error(), "svc")
	assert.Contains(t, err.Error(), "400")
}

func TestParseResponseError_DefaultStatusCode(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusConflict, structuredError("CONFLICT", "already redeemed")), "voucher")

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, http.StatusConflict, appErr.Status)
	assert.Equal(t, "CONFLICT", appErr.Code)
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &TransportError{Attempts: 2, Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "2 attempts")
}

func TestIsClientError_Boundary(t *testing.T) {
	assert.False(t, IsClientError(399))
	assert.True(t, IsClientError(400))
	assert.True(t, IsClientError(429))
	assert.True(t, IsClientError(499))
	assert.False(t, IsClientError(500))
}
