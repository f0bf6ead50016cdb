package question

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"marketplace-gateway/failure"
	"marketplace-gateway/logging"
	"marketplace-gateway/models"
	"marketplace-gateway/store"
)

// ErrConflict means the stored status no longer matched the expected one.
// The other writer won; nothing was changed.
var ErrConflict = errors.New("question status changed concurrently")

// InvalidTransitionError is an illegal (from, to) pair. It indicates an
// ordering defect in the caller.
type InvalidTransitionError struct {
	QuestionID string
	From       string
	To         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("question %s: illegal transition %s -> %s", e.QuestionID, e.From, e.To)
}

// Change carries the fields written together with a status change.
// Timestamps for the target status are filled in by the machine.
type Change struct {
	Text         *string
	ItemID       *string
	AISuggestion *string
	FinalAnswer  *string
	LastError    *string

	IncrementRetry bool
	ResetRetry     bool

	// ClearDecision reopens a review round (approved_at = NULL).
	ClearDecision bool

	// Note is written to the audit trail only.
	Note string
}

// Text is a helper for the pointer fields of Change.
func Text(s string) *string { return &s }

func (c Change) updates(to Status, now time.Time) map[string]any {
	u := map[string]any{"status": string(to), "updated_at": now}
	if c.Text != nil {
		u["text"] = *c.Text
	}
	if c.ItemID != nil {
		u["item_id"] = *c.ItemID
	}
	if c.AISuggestion != nil {
		u["ai_suggestion"] = *c.AISuggestion
		u["ai_processed_at"] = now
	}
	if c.FinalAnswer != nil {
		u["final_answer"] = *c.FinalAnswer
	}
	if c.LastError != nil {
		u["last_error"] = *c.LastError
	}
	switch {
	case c.ResetRetry:
		u["retry_count"] = 0
	case c.IncrementRetry:
		u["retry_count"] = gorm.Expr("retry_count + 1")
	}
	if c.ClearDecision {
		u["approved_at"] = nil
	}
	switch to {
	case Responded:
		u["sent_at"] = now
	case Failed, Error:
		u["failed_at"] = now
	}
	return u
}

// Machine applies transitions with optimistic concurrency: a write
// succeeds only if the stored status still equals the expected one.
type Machine struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.logger = l } }

func NewMachine(st *store.Store, opts ...Option) *Machine {
	m := &Machine{store: st, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new question with an initial status of PENDING or
// TOKEN_ERROR. When the question already exists the stored row is returned
// with created=false.
func (m *Machine) Create(ctx context.Context, q *models.Question, initial Status, actor string) (*models.Question, bool, error) {
	s, ok := Normalize(string(initial))
	if !ok || (s != Pending && s != TokenError) {
		return nil, false, failure.New(failure.InvalidTransition, "question.create",
			&InvalidTransitionError{QuestionID: q.ExternalID, From: "", To: string(initial)})
	}
	now := m.now().UTC()
	q.Status = string(s)
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = now
	}
	q.UpdatedAt = now
	if s == TokenError {
		q.FailedAt = &now
	}

	stored, created, err := m.store.CreateQuestion(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if created {
		m.audit(ctx, stored.ID, "", string(s), actor, "created", false)
	}
	return stored, created, nil
}

// Transition moves question id from -> to. Both labels are normalized
// first. Illegal pairs return an InvalidTransition failure and a lost race
// returns ErrConflict; in both cases the stored status is unchanged. Every
// attempt is written to the audit trail.
func (m *Machine) Transition(ctx context.Context, id string, from, to Status, change Change, actor string) error {
	f, okFrom := Normalize(string(from))
	t, okTo := Normalize(string(to))
	if !okFrom || !okTo || !allowed(f, t) {
		err := &InvalidTransitionError{QuestionID: id, From: string(from), To: string(to)}
		m.logger.Error("invalid question transition",
			"question_id", id, "from", from, "to", to, "actor", actor)
		m.audit(ctx, id, string(from), string(to), actor, "invalid transition", true)
		return failure.New(failure.InvalidTransition, "question.transition", err)
	}

	ok, err := m.store.UpdateQuestionIf(ctx, id, string(f), change.updates(t, m.now().UTC()))
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Info("question transition lost race", "question_id", id, "from", f, "to", t, "actor", actor)
		m.audit(ctx, id, string(f), string(t), actor, "conflict", true)
		return ErrConflict
	}
	m.logger.Debug("question transition", "question_id", id, "from", f, "to", t, "actor", actor)
	m.audit(ctx, id, string(f), string(t), actor, change.Note, false)
	return nil
}

// Get loads a question, normalizing a legacy stored status on read.
func (m *Machine) Get(ctx context.Context, id string) (*models.Question, error) {
	q, err := m.store.QuestionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s, ok := Normalize(q.Status); ok {
		q.Status = string(s)
	}
	return q, nil
}

// Annotate appends an audit note without touching status. Allowed on
// terminal questions.
func (m *Machine) Annotate(ctx context.Context, id, actor, note string) {
	m.audit(ctx, id, "", "", actor, note, false)
}

func (m *Machine) audit(ctx context.Context, id, from, to, actor, note string, rejected bool) {
	ev := &models.QuestionEvent{
		QuestionID: id,
		From:       from,
		To:         to,
		Actor:      actor,
		Note:       note,
		Rejected:   rejected,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.AppendQuestionEvent(ctx, ev); err != nil {
		m.logger.Error("question audit write failed", "question_id", id, "error", err)
	}
}
