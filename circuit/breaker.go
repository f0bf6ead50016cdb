// Package circuit implements a per-account circuit breaker for downstream
// rate-limit distress.
//
// Only 429 responses move the breaker. Other failures are recorded for
// alerting but never trip it, because an auth failure needs a token refresh,
// not waiting.
//
// State lives in a Store shared by all workers; every mutation is a
// compare-and-swap through Store.Update.
package circuit

import (
	"context"
	"log/slog"
	"time"

	"marketplace-gateway/logging"
)

// Config tunes the breaker. Threshold and backoffs are empirical, not
// correctness requirements.
type Config struct {
	Threshold    int           // consecutive 429s before tripping
	BaseBackoff  time.Duration // backoff at the tripping failure
	MaxBackoff   time.Duration // ceiling applied after the Retry-After floor
	TrialTimeout time.Duration // lease of the single half-open trial call
	IdleReset    time.Duration // state TTL; a quiet breaker is forgotten
}

// DefaultConfig mirrors config.Default().Circuit.
func DefaultConfig() Config {
	return Config{
		Threshold:    3,
		BaseBackoff:  30 * time.Second,
		MaxBackoff:   15 * time.Minute,
		TrialTimeout: 30 * time.Second,
		IdleReset:    24 * time.Hour,
	}
}

// Target identifies one breaker: a downstream and the account calling it.
type Target struct {
	Downstream     string
	AccountID      string
	OrganizationID string
}

// Key is the store key of the target.
func (t Target) Key() string {
	return "cb:" + t.Downstream + ":" + t.AccountID
}

// Recorder receives non rate-limit failures.
type Recorder interface {
	RecordFailure(ctx context.Context, target Target, status int, message string) error
}

// Permit is the answer of CanExecute.
type Permit struct {
	Allowed bool
	State   State

	// Trial is true when this caller holds the half-open trial.
	Trial bool

	// RetryAt is when a rejected caller may try again.
	RetryAt time.Time
}

// Breaker evaluates and updates circuit state.
type Breaker struct {
	store    Store
	cfg      Config
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithRecorder sets where OnOtherError failures are written.
func WithRecorder(r Recorder) Option {
	return func(b *Breaker) { b.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// New creates a breaker over store.
func New(store Store, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.TrialTimeout <= 0 {
		cfg.TrialTimeout = def.TrialTimeout
	}
	if cfg.IdleReset <= 0 {
		cfg.IdleReset = def.IdleReset
	}
	b := &Breaker{store: store, cfg: cfg, now: time.Now, logger: logging.Discard()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CanExecute decides whether a call may go out. It never performs network
// I/O towards the downstream. When an OPEN breaker's wait has elapsed, the
// first caller moves it to HALF_OPEN and becomes the only trial call.
func (b *Breaker) CanExecute(ctx context.Context, target Target) (Permit, error) {
	var permit Permit
	now := b.now()
	_, err := b.store.Update(ctx, target.Key(), b.cfg.IdleReset, func(s *Snapshot) bool {
		switch s.normalized() {
		case Open:
			if now.Before(s.NextRetryAt) {
				permit = Permit{State: Open, RetryAt: s.NextRetryAt}
				return false
			}
			s.State = HalfOpen
			s.TrialUntil = now.Add(b.cfg.TrialTimeout)
			s.UpdatedAt = now
			permit = Permit{Allowed: true, State: HalfOpen, Trial: true}
			return true
		case HalfOpen:
			if now.Before(s.TrialUntil) {
				permit = Permit{State: HalfOpen, RetryAt: s.TrialUntil}
				return false
			}
			// The previous trial never reported back; hand the lease on.
			s.TrialUntil = now.Add(b.cfg.TrialTimeout)
			s.UpdatedAt = now
			permit = Permit{Allowed: true, State: HalfOpen, Trial: true}
			return true
		default:
			permit = Permit{Allowed: true, State: Closed}
			return false
		}
	})
	if err != nil {
		return Permit{}, err
	}
	if permit.Trial {
		b.logger.Info("circuit half-open, sending trial call", "target", target.Key())
	}
	return permit, nil
}

// ReleaseTrial gives up a half-open trial lease that was granted but not
// used, so the next caller can take it.
func (b *Breaker) ReleaseTrial(ctx context.Context, target Target) error {
	_, err := b.store.Update(ctx, target.Key(), b.cfg.IdleReset, func(s *Snapshot) bool {
		if s.normalized() != HalfOpen || s.TrialUntil.IsZero() {
			return false
		}
		s.TrialUntil = time.Time{}
		s.UpdatedAt = b.now()
		return true
	})
	return err
}

// OnSuccess resets the failure streak and closes a half-open breaker. A
// success reported while OPEN comes from a call that started before the
// trip and is ignored.
func (b *Breaker) OnSuccess(ctx context.Context, target Target) error {
	now := b.now()
	var closed bool
	_, err := b.store.Update(ctx, target.Key(), b.cfg.IdleReset, func(s *Snapshot) bool {
		state := s.normalized()
		if state == Open {
			return false
		}
		if state == Closed && s.ConsecutiveFailures == 0 {
			return false
		}
		closed = state == HalfOpen
		s.State = Closed
		s.ConsecutiveFailures = 0
		s.NextRetryAt = time.Time{}
		s.TrialUntil = time.Time{}
		s.UpdatedAt = now
		return true
	})
	if err == nil && closed {
		b.logger.Info("circuit closed", "target", target.Key())
	}
	return err
}

// On429 records a rate-limit response. retryAfter is the downstream hint,
// zero when absent. The breaker trips at Threshold consecutive 429s, or at
// once when the half-open trial fails.
func (b *Breaker) On429(ctx context.Context, target Target, retryAfter time.Duration) (Snapshot, error) {
	now := b.now()
	var tripped bool
	snap, err := b.store.Update(ctx, target.Key(), b.cfg.IdleReset, func(s *Snapshot) bool {
		state := s.normalized()
		s.ConsecutiveFailures++
		s.LastFailureAt = now
		s.UpdatedAt = now
		if state == HalfOpen || state == Open || s.ConsecutiveFailures >= b.cfg.Threshold {
			next := now.Add(b.Backoff(s.ConsecutiveFailures, retryAfter))
			if state == Open && s.NextRetryAt.After(next) {
				next = s.NextRetryAt
			}
			tripped = state != Open
			s.State = Open
			s.NextRetryAt = next
			s.TrialUntil = time.Time{}
		} else {
			s.State = Closed
		}
		return true
	})
	if err != nil {
		return Snapshot{}, err
	}
	if tripped {
		b.logger.Warn("circuit opened",
			"target", target.Key(),
			"consecutive_failures", snap.ConsecutiveFailures,
			"next_retry_at", snap.NextRetryAt,
			"retry_after_hint", retryAfter)
	}
	return snap, nil
}

// OnOtherError records a non-429 failure without touching circuit state.
// status is 0 for timeouts and transport errors.
func (b *Breaker) OnOtherError(ctx context.Context, target Target, status int, message string) error {
	b.logger.Warn("downstream error", "target", target.Key(), "status", status, "error", message)
	if b.recorder == nil {
		return nil
	}
	return b.recorder.RecordFailure(ctx, target, status, message)
}

// Backoff is min(max(hint, Base*2^(failures-Threshold)), MaxBackoff).
// An explicit Retry-After hint is honored as a floor.
func (b *Breaker) Backoff(failures int, hint time.Duration) time.Duration {
	exp := failures - b.cfg.Threshold
	if exp < 0 {
		exp = 0
	}
	if exp > 20 {
		exp = 20
	}
	d := b.cfg.BaseBackoff << uint(exp)
	if hint > d {
		d = hint
	}
	if d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	return d
}

// State returns the current snapshot of target.
func (b *Breaker) State(ctx context.Context, target Target) (Snapshot, error) {
	s, err := b.store.Load(ctx, target.Key())
	if err != nil {
		return Snapshot{}, err
	}
	s.State = s.normalized()
	return s, nil
}

// Reset discards target's state (operator action).
func (b *Breaker) Reset(ctx context.Context, target Target) error {
	b.logger.Info("circuit reset", "target", target.Key())
	return b.store.Delete(ctx, target.Key())
}
