// Package errors provides standardized error handling for the fitproof service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the fitproof service.
type ErrorCode string

const (
	// Account and provider errors
	FP_NO_ACCOUNT        ErrorCode = "FP_NO_ACCOUNT"        // No authenticated provider session
	FP_PERMISSION_DENIED ErrorCode = "FP_PERMISSION_DENIED" // Session lacks the required scope

	// Aggregation errors
	FP_METRIC_FETCH ErrorCode = "FP_METRIC_FETCH" // One metric request failed
	FP_EMPTY_RESULT ErrorCode = "FP_EMPTY_RESULT" // Provider returned no buckets or sessions

	// Proof errors
	FP_HASH_COMPUTE ErrorCode = "FP_HASH_COMPUTE" // Canonicalization or hashing failed
	FP_PUBLISH      ErrorCode = "FP_PUBLISH"      // Network error or remote rejection
	FP_CONFIG       ErrorCode = "FP_CONFIG"       // Missing or placeholder credential

	// Request errors
	FP_VALIDATION         ErrorCode = "FP_VALIDATION"         // General validation error
	FP_BAD_REQUEST        ErrorCode = "FP_BAD_REQUEST"        // Bad request
	FP_INVALID_RANGE      ErrorCode = "FP_INVALID_RANGE"      // Date or window out of range
	FP_INVALID_TRANSITION ErrorCode = "FP_INVALID_TRANSITION" // Lifecycle transition not allowed

	// Authentication errors
	FP_AUTHN       ErrorCode = "FP_AUTHN"       // Authentication failed
	FP_JWT_INVALID ErrorCode = "FP_JWT_INVALID" // Invalid JWT
	FP_JWT_EXPIRED ErrorCode = "FP_JWT_EXPIRED" // Expired JWT

	// Resource errors
	FP_NOT_FOUND ErrorCode = "FP_NOT_FOUND" // Resource not found
	FP_CONFLICT  ErrorCode = "FP_CONFLICT"  // Resource conflict

	// Server errors
	FP_INTERNAL    ErrorCode = "FP_INTERNAL"    // Internal server error
	FP_UNAVAILABLE ErrorCode = "FP_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause reachable through errors.Unwrap.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithCorrelationID returns a copy of e stamped with the given correlation ID.
func (e *Error) WithCorrelationID(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// From converts any error into an *Error, defaulting to FP_INTERNAL.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(FP_INTERNAL, "internal error", err)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case FP_VALIDATION, FP_BAD_REQUEST, FP_INVALID_RANGE:
		return http.StatusBadRequest
	case FP_NO_ACCOUNT, FP_AUTHN, FP_JWT_INVALID, FP_JWT_EXPIRED:
		return http.StatusUnauthorized
	case FP_PERMISSION_DENIED:
		return http.StatusForbidden
	case FP_NOT_FOUND:
		return http.StatusNotFound
	case FP_CONFLICT, FP_INVALID_TRANSITION:
		return http.StatusConflict
	case FP_METRIC_FETCH, FP_PUBLISH:
		return http.StatusBadGateway
	case FP_EMPTY_RESULT:
		return http.StatusOK
	case FP_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
