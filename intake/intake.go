// Package intake records inbound webhook events exactly once.
//
// The unique index on the idempotency key is the only coordination: the
// first delivery creates the record, every redelivery resolves to it. A
// redelivery of a FAILED record is the retry trigger and flips it back to
// PENDING.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"marketplace-gateway/logging"
	"marketplace-gateway/models"
	"marketplace-gateway/store"
)

// Reasons reported with Result.
const (
	ReasonRetry           = "retry"
	ReasonDuplicate       = "duplicate"
	ReasonFailedPermanent = "failed_permanent"
)

// ErrStateChanged is returned when a record is not in the state a mark
// operation requires and is not already at its target.
var ErrStateChanged = errors.New("webhook record is not in the expected state")

// Result is the outcome of Submit. Applied=false is a normal dedup outcome.
type Result struct {
	Applied  bool
	RecordID string
	Reason   string
}

// Intake owns the WebhookRecord state machine.
type Intake struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Intake.
type Option func(*Intake)

func WithClock(now func() time.Time) Option { return func(i *Intake) { i.now = now } }

func WithLogger(l *slog.Logger) Option { return func(i *Intake) { i.logger = l } }

// New creates an Intake over st.
func New(st *store.Store, opts ...Option) *Intake {
	i := &Intake{store: st, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Intake) clock() time.Time { return i.now().UTC() }

// Submit records ev. Only storage failures are errors.
func (i *Intake) Submit(ctx context.Context, ev Event) (Result, error) {
	now := i.clock()
	rec := &models.WebhookRecord{
		IdempotencyKey: Key(ev),
		Topic:          orUnknown(ev.Topic),
		Resource:       ev.Resource,
		ResourceID:     ev.SubjectID(),
		UserID:         ev.UserID.String(),
		SentAt:         ev.Sent,
		AttemptID:      ev.AttemptID.String(),
		Payload:        []byte(ev.Raw),
		Status:         models.WebhookPending,
		Priority:       PriorityOf(ev.Topic),
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
	if len(rec.Payload) == 0 {
		rec.Payload = nil
	}

	created, err := i.store.CreateWebhook(ctx, rec)
	if err != nil {
		return Result{}, err
	}
	if created {
		i.logger.Debug("webhook accepted", "record_id", rec.ID, "topic", rec.Topic, "resource", rec.Resource)
		return Result{Applied: true, RecordID: rec.ID}, nil
	}

	existing, err := i.store.WebhookByKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return Result{}, fmt.Errorf("load existing webhook: %w", err)
	}

	switch existing.Status {
	case models.WebhookFailed:
		flipped, err := i.store.TransitionWebhook(ctx, existing.ID, models.WebhookFailed, models.WebhookPending,
			map[string]any{"updated_at": now})
		if err != nil {
			return Result{}, err
		}
		if flipped {
			i.logger.Info("webhook redelivered after failure, retrying", "record_id", existing.ID, "attempts", existing.Attempts)
			return Result{Applied: true, RecordID: existing.ID, Reason: ReasonRetry}, nil
		}
		// Another delivery flipped it first.
		return Result{RecordID: existing.ID, Reason: ReasonDuplicate}, nil
	case models.WebhookFailedPermanent:
		return Result{RecordID: existing.ID, Reason: ReasonFailedPermanent}, nil
	default:
		i.logger.Debug("duplicate webhook", "record_id", existing.ID, "status", existing.Status)
		return Result{RecordID: existing.ID, Reason: ReasonDuplicate}, nil
	}
}

// MarkProcessing claims a PENDING record. A lost race returns false, nil.
func (i *Intake) MarkProcessing(ctx context.Context, id string) (bool, error) {
	return i.store.TransitionWebhook(ctx, id, models.WebhookPending, models.WebhookProcessing, map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"updated_at": i.clock(),
	})
}

// MarkCompleted finishes a claimed record. Repeating it is a no-op.
func (i *Intake) MarkCompleted(ctx context.Context, id string) error {
	now := i.clock()
	ok, err := i.store.TransitionWebhook(ctx, id, models.WebhookProcessing, models.WebhookCompleted, map[string]any{
		"processed_at":     now,
		"processing_error": "",
		"updated_at":       now,
	})
	if err != nil || ok {
		return err
	}
	return i.settled(ctx, id, models.WebhookCompleted)
}

// MarkFailed fails a claimed record. canRetry=false is a dead end
// (FAILED_PERMANENT). Repeating the same call is a no-op and a COMPLETED
// record is left untouched.
func (i *Intake) MarkFailed(ctx context.Context, id string, cause error, canRetry bool) error {
	to := models.WebhookFailedPermanent
	if canRetry {
		to = models.WebhookFailed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := i.clock()
	ok, err := i.store.TransitionWebhook(ctx, id, models.WebhookProcessing, to, map[string]any{
		"processing_error": truncate(msg, 1000),
		"processed_at":     now,
		"updated_at":       now,
	})
	if err != nil {
		return err
	}
	if ok {
		i.logger.Warn("webhook processing failed", "record_id", id, "status", to, "error", msg)
		return nil
	}
	return i.settled(ctx, id, to)
}

// settled resolves a mark call whose conditional update matched nothing.
func (i *Intake) settled(ctx context.Context, id string, target models.WebhookStatus) error {
	rec, err := i.store.WebhookByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == target || rec.Status == models.WebhookCompleted {
		return nil
	}
	return fmt.Errorf("mark %s %s (is %s): %w", id, target, rec.Status, ErrStateChanged)
}

// Requeue flips a FAILED record back to PENDING without a redelivery. Used by
// the sweep job for senders that stopped retrying.
func (i *Intake) Requeue(ctx context.Context, id string) (bool, error) {
	return i.store.TransitionWebhook(ctx, id, models.WebhookFailed, models.WebhookPending,
		map[string]any{"updated_at": i.clock()})
}

// ExpireLease fails a PROCESSING record whose worker went away. The record
// becomes retryable.
func (i *Intake) ExpireLease(ctx context.Context, id string) (bool, error) {
	now := i.clock()
	return i.store.TransitionWebhook(ctx, id, models.WebhookProcessing, models.WebhookFailed, map[string]any{
		"processing_error": "processing lease expired",
		"updated_at":       now,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
