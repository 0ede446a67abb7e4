// internal/eutils/errors.go
package eutils

import "errors"

// Error taxonomy for upstream calls. The orchestrator treats Throttled and
// Unavailable as retryable-later (skip the page, keep the run alive) and
// InvalidRequest/NotFound as skip-this-candidate.
var (
	// ErrThrottled means the rate limit budget was exhausted upstream and
	// retries with backoff did not recover.
	ErrThrottled = errors.New("eutils: throttled")

	// ErrUnavailable means a transient server or network failure persisted
	// past the retry budget.
	ErrUnavailable = errors.New("eutils: unavailable")

	// ErrInvalidRequest means the upstream rejected the request as malformed.
	ErrInvalidRequest = errors.New("eutils: invalid request")

	// ErrNotFound means the named resource does not exist upstream.
	ErrNotFound = errors.New("eutils: not found")
)

// retryableError marks an error as transient so the retry loop knows to back
// off and try again rather than fail fast.
type retryableError struct {
	err       error
	throttled bool
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// isRetryableError checks whether err is wrapped as retryable.
func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// isThrottledError checks whether err is a retryable rate-limit rejection.
func isThrottledError(err error) bool {
	var re *retryableError
	return errors.As(err, &re) && re.throttled
}
