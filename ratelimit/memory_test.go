package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-gateway/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemory_RateExhaustion(t *testing.T) {
	clock := testutil.NewClock(t0)
	lim := NewMemory(clock.Now)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := lim.TryAcquire(ctx, "A1", 5, time.Hour)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d should be allowed", i)
		assert.Equal(t, 5-i, d.Remaining)
		clock.Advance(time.Second)
	}

	d, err := lim.TryAcquire(ctx, "A1", 5, time.Hour)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.True(t, d.ResetAt.After(clock.Now()))
	assert.Equal(t, t0.Add(time.Hour), d.ResetAt, "oldest slot frees first")
	assert.Equal(t, 5, lim.Len("A1"), "rejected calls are not recorded")
}

func TestMemory_SlidingNotFixedBucket(t *testing.T) {
	clock := testutil.NewClock(t0)
	lim := NewMemory(clock.Now)
	ctx := context.Background()

	// Burst at the end of one hour.
	clock.Advance(59 * time.Minute)
	for i := 0; i < 3; i++ {
		d, _ := lim.TryAcquire(ctx, "A1", 3, time.Hour)
		require.True(t, d.Allowed)
	}

	// A fixed bucket would reset at the hour boundary; a sliding window does not.
	clock.Advance(2 * time.Minute)
	d, _ := lim.TryAcquire(ctx, "A1", 3, time.Hour)
	assert.False(t, d.Allowed)
	assert.Equal(t, 58*time.Minute, d.RetryAfter(clock.Now()))

	clock.Advance(58 * time.Minute)
	d, _ = lim.TryAcquire(ctx, "A1", 3, time.Hour)
	assert.True(t, d.Allowed)
}

func TestMemory_KeysAreIndependent(t *testing.T) {
	lim := NewMemory(testutil.NewClock(t0).Now)
	ctx := context.Background()

	d, _ := lim.TryAcquire(ctx, "A1", 1, time.Minute)
	require.True(t, d.Allowed)
	d, _ = lim.TryAcquire(ctx, "A1", 1, time.Minute)
	require.False(t, d.Allowed)

	d, _ = lim.TryAcquire(ctx, "A2", 1, time.Minute)
	assert.True(t, d.Allowed)
}

func TestMemory_HierarchicalMostRestrictiveWins(t *testing.T) {
	lim := NewMemory(testutil.NewClock(t0).Now)
	ctx := context.Background()
	budget := Budget{Limiter: lim, Namespace: "marketplace", AccountLimit: 10, OrgLimit: 3, Window: time.Hour}

	for _, acct := range []string{"A1", "A2", "A3"} {
		d, err := budget.Acquire(ctx, "ORG", acct)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := budget.Acquire(ctx, "ORG", "A4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "rl:marketplace:{ORG}:org", d.Key)
	assert.Equal(t, 0, lim.Len("rl:marketplace:{ORG}:acct:A4"), "account window untouched when org denies")

	// Another organization is unaffected.
	d, _ = budget.Acquire(ctx, "OTHER", "B1")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestMemory_IdleKeysAreEvicted(t *testing.T) {
	clock := testutil.NewClock(t0)
	lim := NewMemory(clock.Now)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		d, err := lim.TryAcquire(ctx, fmt.Sprintf("idle-%d", i), 5, time.Minute)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, _ := lim.TryAcquire(ctx, "busy", 5, time.Hour)
	require.True(t, d.Allowed)
	assert.Equal(t, 101, lim.Size())

	clock.Advance(2 * time.Minute)
	d, _ = lim.TryAcquire(ctx, "fresh", 5, time.Minute)
	require.True(t, d.Allowed)

	assert.Equal(t, 2, lim.Size(), "only keys with live timestamps remain")
	assert.Equal(t, 0, lim.Len("idle-0"))
	assert.Equal(t, 1, lim.Len("busy"), "a longer window outlives the sweep")
}

func TestMemory_RejectedFirstCallLeavesNoKey(t *testing.T) {
	lim := NewMemory(testutil.NewClock(t0).Now)
	d, err := lim.TryAcquire(context.Background(), "A1", 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, lim.Size())
}

func TestBudget_KeysShareOrganizationHashTag(t *testing.T) {
	budget := Budget{Namespace: "marketplace", AccountLimit: 10, OrgLimit: 3, Window: time.Hour}
	rules := budget.Rules("ORG-7", "A1")
	require.Len(t, rules, 2)

	tag := func(key string) string {
		start := strings.Index(key, "{")
		end := strings.Index(key, "}")
		require.True(t, start >= 0 && end > start, key)
		return key[start+1 : end]
	}
	for _, r := range rules {
		assert.Equal(t, "ORG-7", tag(r.Key), "keys of one organization hash to one cluster slot")
	}
	assert.NotEqual(t, rules[0].Key, rules[1].Key)
}

func TestMemory_ConcurrentCallersNeverExceedLimit(t *testing.T) {
	lim := NewMemory(testutil.NewClock(t0).Now)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := lim.TryAcquire(ctx, "A1", 7, time.Hour)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(7), allowed.Load())
}

func TestDecision_RetryAfter(t *testing.T) {
	d := Decision{Allowed: false, ResetAt: t0.Add(30 * time.Second)}
	assert.Equal(t, 30*time.Second, d.RetryAfter(t0))
	assert.Zero(t, d.RetryAfter(t0.Add(time.Minute)))
	assert.Zero(t, Decision{Allowed: true, ResetAt: t0.Add(time.Hour)}.RetryAfter(t0))
}
