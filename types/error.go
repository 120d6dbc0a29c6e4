package types

import (
	"errors"
	"fmt"
)

// ErrorCode is the unified error code carried across tiers inside
// TASK_ERROR envelopes. The code set is closed: anything a tier cannot
// classify becomes INTERNAL_ERROR before crossing a transport boundary.
type ErrorCode string

const (
	ErrMalformedMessage   ErrorCode = "MALFORMED_MESSAGE"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrBudgetExceeded     ErrorCode = "BUDGET_EXCEEDED"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrConstraintInvalid  ErrorCode = "CONSTRAINT_INVALID"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrWorkerCrash        ErrorCode = "WORKER_CRASH"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrPermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrExpired            ErrorCode = "EXPIRED"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error with a stable code, a human-readable
// message, and an optional wrapped cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// NewError creates a structured error. Retryability defaults from the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrTimeout, ErrWorkerCrash, ErrServiceUnavailable:
		return true
	}
	return false
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// WithCause attaches a wrapped cause and returns e for chaining.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retryability derived from the code.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the ErrorCode from err, or ErrInternal for
// unclassified errors. A nil err returns "".
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsRetryable reports whether err may be retried per the taxonomy.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// DenialReasonFor maps an error code to the structured denial reason used
// in RESOURCE_DENY payloads.
func DenialReasonFor(code ErrorCode) DenialReason {
	switch code {
	case ErrRateLimited:
		return DenyRateLimited
	case ErrConstraintInvalid:
		return DenyConstraintInvalid
	default:
		return DenyBudgetExceeded
	}
}
