// Package ratelimit bounds how often a user may start LLM-driven work
// (creating or continuing runs). Every run iteration costs several model
// calls, so the limit is per user rather than per request path.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit for key. When denied, retryAfter is the time
	// until a unit becomes available. Errors are treated as fail-open.
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)

	// Close releases background resources.
	Close() error
}

// Noop permits everything. Used when MICHI_RUNS_PER_MINUTE is 0.
type Noop struct{}

// Allow always permits.
func (Noop) Allow(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }

// Close is a no-op.
func (Noop) Close() error { return nil }
