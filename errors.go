package refulearn

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

var (
	// ErrOffline is returned for writes attempted while the device is offline
	// and for reads when no cached copy exists.
	ErrOffline = errors.New("refulearn: offline")
	// ErrNotCached reports that an offline read had no usable cache entry.
	ErrNotCached = errors.New("refulearn: no cached response")
	// ErrUnknownCollection is returned by stores for collections outside the schema.
	ErrUnknownCollection = errors.New("refulearn: unknown collection")
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("refulearn: not found")
	// ErrInFlight guards against re-entrant optimistic updates.
	ErrInFlight = errors.New("refulearn: update already in flight")
	// ErrInvalidMutation wraps validation failures of a Mutation.
	ErrInvalidMutation = errors.New("refulearn: invalid mutation")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	msg := http.StatusText(e.StatusCode)
	var apiErr struct {
		Message string    `json:"message"`
		Error   *APIError `json:"error"`
	}
	if decodeInto(e.Body, &apiErr) == nil {
		switch {
		case apiErr.Error != nil && apiErr.Error.Message != "":
			msg = apiErr.Error.Message
		case apiErr.Message != "":
			msg = apiErr.Message
		}
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

// IsRetryable reports whether a failed write should be queued for replay
// rather than surfaced. Transport errors, an open breaker, expired credentials,
// throttling and server errors are retryable; other 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrOffline) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized,
			se.StatusCode == http.StatusRequestTimeout,
			se.StatusCode == http.StatusTooManyRequests,
			se.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Anything else came from the transport.
	return true
}
