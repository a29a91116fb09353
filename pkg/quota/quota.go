// Package quota enforces a rolling request quota per caller identity.
//
// Each identity owns a log of request timestamps. A call is permitted when
// fewer than Limit timestamps fall inside the trailing Window; only permitted
// calls are recorded, so clients that keep retrying while rejected do not
// push their own reset further out.
//
// Concurrent calls for the same identity are not linearized across backends:
// two calls may observe the same count and both be permitted. The bound is
// therefore "at most slightly over Limit" under contention, not exact.
package quota

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultLimit is the number of requests allowed per window.
	DefaultLimit = 60
	// DefaultWindow is the length of the rolling window.
	DefaultWindow = time.Minute
)

// ErrEmptyIdentity is returned when Allow is called without an identity.
var ErrEmptyIdentity = errors.New("quota: empty identity")

// Decision is the outcome of a quota check.
type Decision struct {
	// Permitted is true when the request may proceed.
	Permitted bool
	// RetryAfter is the time until the oldest in-window request expires.
	// It is zero when Permitted is true.
	RetryAfter time.Duration
	// Remaining is the number of requests left in the current window.
	Remaining int
	// Limit is the configured limit.
	Limit int
}

// Tracker checks and records requests per identity.
// Implementations must be safe for concurrent use.
type Tracker interface {
	Allow(ctx context.Context, identity string) (Decision, error)
	Close() error
}

// Config configures a tracker.
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// retryAfter returns how long until oldest leaves the window.
func retryAfter(oldest, now time.Time, window time.Duration) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d <= 0 {
		// oldest was recorded at the exact cutoff; it expires on the next tick
		d = time.Millisecond
	}
	return d
}
