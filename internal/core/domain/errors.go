package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrQuotaExceeded indicates the quota window did not reset within the wait ceiling
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrUpstreamUnavailable indicates the marketplace kept failing transiently
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrAuthExpired indicates the marketplace rejected the current access token
	ErrAuthExpired = errors.New("marketplace credentials expired")

	// ErrAuthRejected indicates the marketplace rejected freshly refreshed credentials
	ErrAuthRejected = errors.New("marketplace credentials rejected")

	// ErrVersionConflict indicates a compare-and-swap write lost against a newer version
	ErrVersionConflict = errors.New("version conflict")

	// ErrJobNotCancellable indicates the job already left the queue
	ErrJobNotCancellable = errors.New("job is not queued")

	// ErrJobLeaseLost indicates the job attempt was reclaimed or already settled
	ErrJobLeaseLost = errors.New("job lease lost")

	// ErrOperationInProgress indicates another caller holds the fingerprint
	ErrOperationInProgress = errors.New("operation already in progress")

	// ErrClaimLost indicates an idempotency claim was taken over by another caller
	ErrClaimLost = errors.New("idempotency claim lost")

	// ErrInternal indicates an unexpected failure
	ErrInternal = errors.New("internal error")

	// ErrUnauthorized indicates agent authentication failed or is missing
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired indicates the agent token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid indicates the agent token is malformed or invalid
	ErrTokenInvalid = errors.New("token invalid")
)

// ErrorCode is a protocol-level error code returned to the agent.
type ErrorCode string

const (
	CodeInvalidArgument     ErrorCode = "InvalidArgument"
	CodeNotFound            ErrorCode = "NotFound"
	CodeQuotaExceeded       ErrorCode = "QuotaExceeded"
	CodeUpstreamUnavailable ErrorCode = "UpstreamUnavailable"
	CodeAuthRejected        ErrorCode = "AuthRejected"
	CodeVersionConflict     ErrorCode = "VersionConflict"
	CodeInternal            ErrorCode = "Internal"
)

// Sentinel returns the domain error for a protocol code.
func (c ErrorCode) Sentinel() error {
	switch c {
	case CodeInvalidArgument:
		return ErrInvalidInput
	case CodeNotFound:
		return ErrNotFound
	case CodeQuotaExceeded:
		return ErrQuotaExceeded
	case CodeUpstreamUnavailable:
		return ErrUpstreamUnavailable
	case CodeAuthRejected:
		return ErrAuthRejected
	case CodeVersionConflict:
		return ErrVersionConflict
	default:
		return ErrInternal
	}
}

// CodeOf translates any error into the narrowest protocol error code.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrJobNotCancellable):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrOperationInProgress), errors.Is(err, ErrClaimLost),
		errors.Is(err, context.DeadlineExceeded):
		return CodeUpstreamUnavailable
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrAuthExpired):
		return CodeAuthRejected
	case errors.Is(err, ErrVersionConflict):
		return CodeVersionConflict
	default:
		return CodeInternal
	}
}

// IsRetryable reports whether a background job failing with err should be retried.
// Version conflicts are retryable for jobs: the job re-reads and runs again.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeQuotaExceeded, CodeUpstreamUnavailable, CodeVersionConflict:
		return true
	default:
		return false
	}
}

// IsDefinitive reports whether an outcome may be cached against a fingerprint.
// Transient failures are not cached so a retry re-attempts the remote call.
// Rejected credentials are not cached either: once an operator fixes them the
// same operation must reach the marketplace.
func IsDefinitive(err error) bool {
	switch CodeOf(err) {
	case "", CodeInvalidArgument, CodeNotFound, CodeVersionConflict:
		return true
	default:
		return false
	}
}

// UpstreamError is a failed marketplace response.
type UpstreamError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("marketplace error %d", e.StatusCode)
	}
	return fmt.Sprintf("marketplace error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the HTTP status to a domain sentinel.
func (e *UpstreamError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case e.StatusCode == http.StatusForbidden:
		return ErrAuthRejected
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusPreconditionFailed:
		return ErrVersionConflict
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return ErrUpstreamUnavailable
	case e.StatusCode >= 400:
		return ErrInvalidInput
	default:
		return ErrInternal
	}
}

// Temporary reports whether the call may succeed if retried.
func (e *UpstreamError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ValidationError describes an invalid argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
