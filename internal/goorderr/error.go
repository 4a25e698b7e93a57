// Package goorderr classifies errors of remote operations.
package goorderr

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError wraps an error of an operation that failed temporarily and
// can be retried.
type RetryableError struct {
	// Err is the wrapped original error
	Err error
	// After is the earliest point in time the operation can be retried,
	// if it is zero it can be retried immediately.
	After time.Time
}

func NewRetryableError(originalErr error, retryAfter time.Time) *RetryableError {
	return &RetryableError{
		Err:   originalErr,
		After: retryAfter,
	}
}

func NewRetryableAnytimeError(originalErr error) *RetryableError {
	return &RetryableError{
		Err: originalErr,
	}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return fmt.Sprintf("retryable error: %s", e.Err)
	}

	return fmt.Sprintf("retryable error (after %s): %s", e.After.Format(time.RFC3339), e.Err)
}

// IsRetryable returns true if err wraps a RetryableError.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}
