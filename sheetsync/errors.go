package sheetsync

import (
	"errors"
	"fmt"
	"time"
)

// The failure taxonomy is carried in types so callers branch with errors.As
// instead of matching message strings.

// ConfigurationError aborts a run before any row is processed.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// RateLimitError is HTTP 429: self-inflicted and recoverable, retried with
// exponential backoff.
type RateLimitError struct {
	StatusCode int
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (status %d)", e.StatusCode)
}

// TransientNetworkError wraps transport failures; retried like rate limits.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return "transient network error: " + e.Err.Error()
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PermanentAPIError is a non-429 4xx/5xx that survived the retry budget, or a
// malformed response. The batch is failed and the run moves on.
type PermanentAPIError struct {
	StatusCode int
	Body       string
}

func (e *PermanentAPIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Body)
}

// TimeoutError aborts the whole run with partial results.
type TimeoutError struct {
	Elapsed time.Duration
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run exceeded %s budget after %s", e.Budget, e.Elapsed)
}

// IsRetryable reports whether the next attempt could succeed.
func IsRetryable(err error) bool {
	var rle *RateLimitError
	var tne *TransientNetworkError
	return errors.As(err, &rle) || errors.As(err, &tne)
}
