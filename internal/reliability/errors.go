package reliability

import "errors"

// ErrMaxRetriesExceeded is wrapped around the last error once a policy gives up
var ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")

// RetryableError marks whether an error is worth retrying
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent wraps err so that Retry gives up on it immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// isRetryableError reports whether err should be retried. Errors that don't
// say otherwise are retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
