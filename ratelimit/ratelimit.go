// Package ratelimit bounds outbound request rates with sliding windows.
//
// A window is the set of request timestamps recorded for a key during the
// trailing Window. On every attempt, expired timestamps are purged, the rest
// are counted and a new timestamp is recorded only when the count is under
// the limit. Backends perform purge, count and insert as one atomic step.
//
// A rejection is a normal Decision, never an error. Errors mean the shared
// store is unavailable.
package ratelimit

import (
	"context"
	"time"
)

// Rule is one window to check.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Decision is the outcome of an acquire attempt.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int

	// ResetAt is when the blocking window frees its oldest slot (or, when
	// allowed, when the earliest recorded slot expires).
	ResetAt time.Time

	// Key is the most restrictive rule's key.
	Key string
}

// RetryAfter converts ResetAt into a Retry-After style delay.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Limiter is implemented by every backend.
type Limiter interface {
	// TryAcquire checks a single window.
	TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)

	// TryAcquireAll checks several windows at once. A slot is recorded in
	// every window only when all of them are under their limit.
	TryAcquireAll(ctx context.Context, rules []Rule) (Decision, error)
}

// keyState is the per-rule result both backends compute.
type keyState struct {
	count   int
	resetAt time.Time
}

// combine folds per-rule states into a Decision. When denied, the latest
// reset among the blocking rules wins; when allowed, the lowest remaining
// budget is reported.
func combine(rules []Rule, states []keyState, allowed bool) Decision {
	d := Decision{Allowed: allowed, Remaining: -1}
	for i, r := range rules {
		st := states[i]
		if !allowed {
			if st.count >= r.Limit && st.resetAt.After(d.ResetAt) {
				d.ResetAt = st.resetAt
				d.Key = r.Key
				d.Limit = r.Limit
				d.Remaining = 0
			}
			continue
		}
		remaining := r.Limit - st.count - 1
		if d.Remaining < 0 || remaining < d.Remaining {
			d.Remaining = remaining
			d.Key = r.Key
			d.Limit = r.Limit
			d.ResetAt = st.resetAt
		}
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}
