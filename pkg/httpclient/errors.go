package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/agrimart/loyalty/pkg/errors"
)

// TransportError is a network-level failure: no HTTP response was received.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("http request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServerError is a 5xx response from the backend.
type ServerError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s server error %d: %s", e.Service, e.StatusCode, e.Body)
}

// BackendErrorResponse mirrors the httputil.ErrorResponse envelope returned by
// the loyalty backend. It is used to parse structured error bodies.
type BackendErrorResponse struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx HTTP response and translates
// it into an appropriate error. If the response body matches the standard
// envelope, the code and message are preserved.
//
// The caller should only invoke this when resp.StatusCode indicates an error.
// The response body is fully consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s returned status %d (failed to read body: %w)", serviceName, resp.StatusCode, err)
	}

	var backend BackendErrorResponse
	if json.Unmarshal(bodyBytes, &backend) == nil && backend.Error != nil {
		return mapBackendError(resp.StatusCode, backend.Error.Code, backend.Error.Message, serviceName)
	}

	if resp.StatusCode >= 500 {
		return &ServerError{Service: serviceName, StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	return &apperrors.AppError{
		Code:    http.StatusText(resp.StatusCode),
		Message: fmt.Sprintf("%s returned status %d: %s", serviceName, resp.StatusCode, string(bodyBytes)),
		Status:  resp.StatusCode,
	}
}

// mapBackendError translates a backend HTTP status code and error code into
// an error that preserves the semantics.
func mapBackendError(status int, code, message, serviceName string) error {
	qualifiedMsg := fmt.Sprintf("%s: %s", serviceName, message)

	switch {
	case status == http.StatusNotFound:
		return apperrors.NotFound(serviceName, message)
	case status == http.StatusBadRequest:
		return apperrors.InvalidInput(qualifiedMsg)
	case status == http.StatusUnauthorized:
		return apperrors.Unauthorized(qualifiedMsg)
	case status == http.StatusForbidden:
		return apperrors.Forbidden(qualifiedMsg)
	case status == http.StatusTooManyRequests:
		return apperrors.RateLimited(qualifiedMsg)
	case status == http.StatusServiceUnavailable:
		return &apperrors.AppError{
			Code:    code,
			Message: qualifiedMsg,
			Status:  http.StatusServiceUnavailable,
			Err:     apperrors.ErrServiceUnavail,
		}
	case status >= 500:
		return &ServerError{Service: serviceName, StatusCode: status, Body: code + ": " + message}
	default:
		return &apperrors.AppError{
			Code:    code,
			Message: qualifiedMsg,
			Status:  status,
		}
	}
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
