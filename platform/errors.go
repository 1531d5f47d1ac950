package platform

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error types for classifying adapter failures.

// AuthenticationError means the platform rejected the account's credentials.
// It is not retryable without operator action.
type AuthenticationError struct {
	err error
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.err.Error()
}

func (e *AuthenticationError) Unwrap() error {
	return e.err
}

// NewAuthenticationError wraps an error as an authentication failure.
func NewAuthenticationError(err error) error {
	return &AuthenticationError{err: err}
}

// RateLimitError means the platform throttled the request.
type RateLimitError struct {
	err error

	// RetryAfter is how long the platform asked us to wait. Zero if unknown.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.err)
	}
	return "rate limited: " + e.err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.err
}

// NewRateLimitError wraps an error as a rate limit with the given retry hint.
func NewRateLimitError(err error, retryAfter time.Duration) error {
	return &RateLimitError{err: err, RetryAfter: retryAfter}
}

// NotFoundError means the target post no longer exists.
type NotFoundError struct {
	err error
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.err.Error()
}

func (e *NotFoundError) Unwrap() error {
	return e.err
}

// NewNotFoundError wraps an error as not found.
func NewNotFoundError(err error) error {
	return &NotFoundError{err: err}
}

// TransientError is a network or timeout failure that may succeed later.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsRateLimit reports whether err is a rate limit.
func IsRateLimit(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsNotFound reports whether err means the target post is gone.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsTransient reports whether err is a transient failure.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsRetryable reports whether retrying the same call later may succeed.
func IsRetryable(err error) bool {
	return IsRateLimit(err) || IsTransient(err)
}

// RetryAfter returns the retry hint of a rate limit error, or zero.
func RetryAfter(err error) time.Duration {
	var target *RateLimitError
	if errors.As(err, &target) {
		return target.RetryAfter
	}
	return 0
}

// ClassifyHTTPStatus maps an HTTP error status to an adapter error class.
// retryAfter is the parsed Retry-After hint, if any.
func ClassifyHTTPStatus(statusCode int, body []byte, retryAfter time.Duration) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("platform API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return NewAuthenticationError(err)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(err, retryAfter)
	case statusCode == http.StatusNotFound,
		statusCode == http.StatusGone:
		return NewNotFoundError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		return err
	}
}
