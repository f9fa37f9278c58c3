package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoToken is returned when a call needs a bearer token and none was supplied.
	ErrNoToken = errors.New("backend: access token missing")
	// ErrMalformed wraps response bodies that cannot be decoded or fail validation.
	ErrMalformed = errors.New("backend: malformed response")
)

// StatusError reports a non-success HTTP status from the backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s returned %d", e.Method, e.Path, e.StatusCode)
}

// Transient reports whether repeating the call may succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient classifies err as worth retrying: transport failures, timeouts, 5xx and
// 429. Malformed bodies, missing tokens, other statuses and caller cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrNoToken) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	return true
}

// IsUnauthorized reports whether the backend rejected the bearer token.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}
