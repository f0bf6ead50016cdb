package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often TryAcquireAll walks every key to drop idle
// windows.
const sweepEvery = time.Minute

// Memory keeps sliding windows in process memory. It is correct only for a
// single-process deployment; use Redis when several workers share a budget.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	swept   time.Time
	now     func() time.Time
}

// window is the timestamps recorded for one key together with the span
// they were last checked against, so the sweep knows when they expire.
type window struct {
	ts   []time.Time
	span time.Duration
}

var _ Limiter = (*Memory)(nil)

// NewMemory creates an empty in-memory limiter. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{windows: make(map[string]*window), now: now}
}

// TryAcquire implements Limiter.
func (m *Memory) TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	return m.TryAcquireAll(ctx, []Rule{{Key: key, Limit: limit, Window: window}})
}

// TryAcquireAll implements Limiter. The whole purge/count/insert sequence
// runs under one lock.
func (m *Memory) TryAcquireAll(_ context.Context, rules []Rule) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	states := make([]keyState, len(rules))
	allowed := true
	for i, r := range rules {
		var ts []time.Time
		if w := m.windows[r.Key]; w != nil {
			ts = purge(w.ts, now.Add(-r.Window))
		}

		st := keyState{count: len(ts), resetAt: now.Add(r.Window)}
		if len(ts) > 0 {
			st.resetAt = ts[0].Add(r.Window)
		}
		if len(ts) >= r.Limit {
			allowed = false
		}
		states[i] = st
		m.store(r.Key, ts, r.Window)
	}

	if allowed {
		for _, r := range rules {
			w := m.windows[r.Key]
			if w == nil {
				w = &window{span: r.Window}
				m.windows[r.Key] = w
			}
			w.ts = append(w.ts, now)
		}
	}
	return combine(rules, states, allowed), nil
}

// store saves the purged timestamps of key, dropping the key when empty.
func (m *Memory) store(key string, ts []time.Time, span time.Duration) {
	if len(ts) == 0 {
		delete(m.windows, key)
		return
	}
	w := m.windows[key]
	if w == nil {
		w = &window{}
		m.windows[key] = w
	}
	w.ts, w.span = ts, span
}

// sweep drops every key whose newest timestamp has left its window. Keys of
// accounts that stopped calling are otherwise never touched again.
func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.swept) < sweepEvery {
		return
	}
	m.swept = now
	for key, w := range m.windows {
		if len(w.ts) == 0 || !w.ts[len(w.ts)-1].After(now.Add(-w.span)) {
			delete(m.windows, key)
		}
	}
}

// Len reports how many timestamps are held for key, for diagnostics.
func (m *Memory) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w := m.windows[key]; w != nil {
		return len(w.ts)
	}
	return 0
}

// Size reports how many keys currently hold a window.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// purge drops timestamps at or before cutoff. ts is ascending.
func purge(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
