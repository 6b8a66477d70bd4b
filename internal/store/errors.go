package store

import (
	"errors"
	"fmt"
)

// ErrLessonNotFound is returned by vote operations targeting an id that
// does not exist (or is out of scope on the server, which is
// indistinguishable by design).
var ErrLessonNotFound = errors.New("lesson not found")

// NotFoundError wraps ErrLessonNotFound with the offending id.
func NotFoundError(id string) error {
	return fmt.Errorf("%w: %s", ErrLessonNotFound, id)
}

// AuthError reports that the server rejected the API key (401/403).
// Never retried automatically.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
}

// ConnectionError reports a network-level failure, timeout or abort.
// The outcome of a mutating call that fails this way is indeterminate.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError reports a 429 from the server with its retry-after hint
// in seconds. Recoverable by waiting.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}
