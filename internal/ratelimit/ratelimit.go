// Package ratelimit throttles the daemon's HTTP surface.
//
// Commands and platform notifications arrive over HTTP from test harnesses
// that can loop; a per-key token bucket keeps a runaway client from starving
// the event pipeline. Keys are the controller client ID when authenticated,
// the remote IP otherwise.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// Returning an error signals a limiter malfunction; callers treat
	// errors as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
