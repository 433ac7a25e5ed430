package proxy

import "errors"

// Error kinds of the proxy core. Request-path code wraps these with
// context via fmt.Errorf("...: %w", ...); the facing server translates
// them into MCP error results.
var (
	// ErrNotFound: a routing key does not resolve to any provider.
	// Non-retryable.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable: the upstream cannot be reached, spawned or
	// initialized. Recoverable by reconnect.
	ErrUnavailable = errors.New("provider unavailable")
)
