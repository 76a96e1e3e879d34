// Package apperrors defines the error taxonomy shared by the export
// pipeline: credential failures, unknown upstream ids, transient upstream
// failures and domain-level export failures. Task boundaries use it to
// decide between retry and terminal failure.
package apperrors

import (
	"errors"
	"fmt"
)

// AuthError means the bearer credential was rejected. Never retried.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func NewAuthError(format string, args ...interface{}) *AuthError {
	return &AuthError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError means an upstream id does not exist. Never retried.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func NewNotFoundError(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError is any other non-2xx or transport failure talking to an
// external service. Retried with fixed backoff up to the task's bound.
type UpstreamError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func NewUpstreamError(statusCode int, format string, args ...interface{}) *UpstreamError {
	return &UpstreamError{Message: fmt.Sprintf(format, args...), StatusCode: statusCode}
}

func WrapUpstreamError(err error, format string, args ...interface{}) *UpstreamError {
	return &UpstreamError{Message: fmt.Sprintf(format, args...), Err: err}
}

// ExportFailure is a domain-level precondition failure (e.g. no consensus
// data available yet). Retried like a transient error since upstream data
// may appear later; typically exhausts retries and ends Failed.
type ExportFailure struct {
	Reason string
}

func (e *ExportFailure) Error() string { return "export failure: " + e.Reason }

func NewExportFailure(format string, args ...interface{}) *ExportFailure {
	return &ExportFailure{Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether the error class may be retried. Auth and
// not-found failures surface immediately.
func IsRetryable(err error) bool {
	var authErr *AuthError
	var nfErr *NotFoundError
	if errors.As(err, &authErr) || errors.As(err, &nfErr) {
		return false
	}
	return true
}
