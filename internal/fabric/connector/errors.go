package connector

import (
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrMissingEndpoint   = errors.New("missing required endpoint parameter")
)

// UpstreamError reports a non-2xx response from the integration. The
// snippet is truncated; the full body never leaves the connector.
type UpstreamError struct {
	StatusCode int
	Snippet    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Snippet)
}

// UnauthorizedError reports missing or rejected authentication for an
// integration.
type UnauthorizedError struct {
	Integration string
	Reason      string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("integration %s: %s", e.Integration, e.Reason)
}

// TransientError reports an integration that is temporarily
// unreachable. RetryAfter is a hint for the caller.
type TransientError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("integration temporarily unavailable: %s", e.Reason)
}
