package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode is the client-visible error taxonomy.
type ErrorCode string

const (
	CodeInvalidQuery    ErrorCode = "INVALID_QUERY"
	CodeConnectionError ErrorCode = "CONNECTION_ERROR"
	CodeTimeout         ErrorCode = "TIMEOUT_ERROR"
	CodeAuthError       ErrorCode = "AUTH_ERROR"
	CodePermissionError ErrorCode = "PERMISSION_ERROR"
	CodeResourceLimit   ErrorCode = "RESOURCE_LIMIT"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatus maps an ErrorCode onto its HTTP response status.
// CodeResourceLimit maps to 429; callers rejecting an oversized payload
// use http.StatusRequestEntityTooLarge directly.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeInvalidQuery:
		return http.StatusBadRequest
	case CodeConnectionError:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeAuthError:
		return http.StatusUnauthorized
	case CodePermissionError:
		return http.StatusForbidden
	case CodeResourceLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether operations failing with this code may be
// retried, and whether the failure counts toward the circuit breaker.
func (c ErrorCode) IsTransient() bool {
	switch c {
	case CodeConnectionError, CodeTimeout, CodeResourceLimit:
		return true
	default:
		return false
	}
}

// Error is the wire error envelope. It implements the error interface so
// classified errors flow through ordinary error returns.
type Error struct {
	Code      ErrorCode       `json:"code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the current UTC timestamp.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now().UTC(),
	}
}

// WrapError classifies err under |code|, preserving an existing
// classification if err already carries one.
func WrapError(code ErrorCode, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewError(code, "%s", err.Error())
}

// CodeOf extracts the ErrorCode of err. Context cancellation and deadline
// expiry classify as CodeTimeout; unclassified errors as CodeInternal.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CodeTimeout
	}
	return CodeInternal
}
