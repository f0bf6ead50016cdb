package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the breaker position.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Snapshot is the persisted state of one breaker. The zero value is a
// closed breaker with no failures.
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	NextRetryAt         time.Time `json:"next_retry_at"`
	TrialUntil          time.Time `json:"trial_until"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (s Snapshot) normalized() State {
	if s.State == "" {
		return Closed
	}
	return s.State
}

// ErrContention is returned when an optimistic update keeps losing races.
var ErrContention = errors.New("circuit state update contended")

// Store persists snapshots.
type Store interface {
	// Update loads key's snapshot, lets fn mutate it and writes the result
	// when fn returns true. Concurrent updates on one key are serialized;
	// fn may run more than once and must not have side effects.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(*Snapshot) bool) (Snapshot, error)

	Load(ctx context.Context, key string) (Snapshot, error)
	Delete(ctx context.Context, key string) error
}

// Memory keeps snapshots in process. Correct only for a single replica.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// NewMemory creates an in-process store. now drives TTL expiry.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: make(map[string]memoryEntry), now: now}
}

func (m *Memory) get(key string) Snapshot {
	e, ok := m.entries[key]
	if !ok {
		return Snapshot{}
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return Snapshot{}
	}
	return e.snap
}

func (m *Memory) Update(_ context.Context, key string, ttl time.Duration, fn func(*Snapshot) bool) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.get(key)
	if fn(&snap) {
		e := memoryEntry{snap: snap}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
		m.entries[key] = e
	}
	return snap, nil
}

func (m *Memory) Load(_ context.Context, key string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(key), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Redis shares snapshots between replicas. Updates use WATCH/MULTI/EXEC and
// are retried when another replica wrote the key in between.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// NewRedis creates a Redis-backed store. Keys are prefixed with prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, maxRetries: 50}
}

func decode(raw []byte, err error) (Snapshot, error) {
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode circuit state: %w", err)
	}
	return s, nil
}

func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn func(*Snapshot) bool) (Snapshot, error) {
	k := r.prefix + key
	var out Snapshot
	txf := func(tx *redis.Tx) error {
		snap, err := decode(tx.Get(ctx, k).Bytes())
		if err != nil {
			return err
		}
		if !fn(&snap) {
			out = snap
			return nil
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, ttl)
			return nil
		})
		if err == nil {
			out = snap
		}
		return err
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Snapshot{}, fmt.Errorf("update circuit %s: %w", key, err)
	}
	return Snapshot{}, ErrContention
}

func (r *Redis) Load(ctx context.Context, key string) (Snapshot, error) {
	return decode(r.client.Get(ctx, r.prefix+key).Bytes())
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
