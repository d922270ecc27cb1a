package types

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Code is a wire-level error code carried in error responses and terminal
// stream events.
type Code string

const (
	CodeInvalidRequest      Code = "invalid_request"
	CodeUnauthorized        Code = "unauthorized"
	CodeTierForbidden       Code = "tier_forbidden"
	CodeDailyExceeded       Code = "daily_exceeded"
	CodeMonthlyExceeded     Code = "monthly_exceeded"
	CodeTokensExceeded      Code = "tokens_exceeded"
	CodeLLMInvalidOutput    Code = "llm_invalid_output"
	CodeLLMTimeout          Code = "llm_timeout"
	CodeRegistryUnavailable Code = "registry_unavailable"
	CodeNoViableSelection   Code = "no_viable_selection"
	CodeCancelled           Code = "cancelled"
	CodeInternal            Code = "internal"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTierForbidden:
		return http.StatusForbidden
	case CodeDailyExceeded, CodeMonthlyExceeded, CodeTokensExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// APIError pairs a wire code with a human message and an optional cause.
type APIError struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
	cause   error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// NewError builds an APIError with a formatted message.
func NewError(code Code, format string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an APIError around a cause.
func WrapError(code Code, cause error, format string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the wire code from an error chain. Unclassified errors map
// to internal; context cancellation maps to cancelled.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if errors.Is(err, ErrCancelled) {
		return CodeCancelled
	}
	return CodeInternal
}

// ErrCancelled marks request-scoped cancellation distinctly from deadline and
// transport failures.
var ErrCancelled = errors.New("request cancelled")
