// Package approval issues single-use, expiring links that let a human
// approve or edit an answer outside the operator session.
//
// Only the sha256 of a token is stored; the raw value is returned once by
// Issue. Validation fails closed and reports one generic outcome to the
// visitor whatever the cause.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketplace-gateway/logging"
	"marketplace-gateway/models"
	"marketplace-gateway/question"
	"marketplace-gateway/store"
)

// tokenBytes is the entropy of a raw token (256 bits).
const tokenBytes = 32

// DefaultTTL is the link lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Reasons explain an invalid token in logs. They are never shown to the
// visitor.
const (
	ReasonNotFound        = "not_found"
	ReasonUsed            = "used"
	ReasonExpired         = "expired"
	ReasonQuestionMissing = "question_missing"
	ReasonQuestionClosed  = "question_terminal"
)

// ErrInvalidOutcome is returned by Consume for an unknown approval type.
var ErrInvalidOutcome = errors.New("approval outcome must be APPROVE or EDIT")

// Validation is the result of Validate.
type Validation struct {
	Valid    bool
	Question *models.Question
	Token    *models.ApprovalToken
	Reason   string
}

// Service manages approval tokens.
type Service struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func New(st *store.Store, opts ...Option) *Service {
	s := &Service{store: st, logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hash returns the stored form of a raw token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate approval token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Issue persists a new unused token for a question and returns the raw
// value. A ttl <= 0 uses DefaultTTL.
func (s *Service) Issue(ctx context.Context, questionID, accountID, tenantID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := newToken()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	t := &models.ApprovalToken{
		TokenHash:  Hash(raw),
		QuestionID: questionID,
		AccountID:  accountID,
		TenantID:   tenantID,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return "", err
	}
	s.logger.Debug("approval token issued", "question_id", questionID, "expires_at", t.ExpiresAt)
	return raw, nil
}

func wellFormed(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 128 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(raw)
	return err == nil
}

// Validate checks a raw token. Any one failing check makes it invalid:
// unknown, used (even if unexpired), expired, or its question already
// terminal. Only storage failures are errors.
func (s *Service) Validate(ctx context.Context, raw string) (Validation, error) {
	invalid := func(reason string) (Validation, error) {
		s.logger.Info("approval token rejected", "reason", reason)
		return Validation{Reason: reason}, nil
	}
	if !wellFormed(raw) {
		return invalid(ReasonNotFound)
	}

	t, err := s.store.TokenByHash(ctx, Hash(raw))
	if errors.Is(err, store.ErrNotFound) {
		return invalid(ReasonNotFound)
	}
	if err != nil {
		return Validation{}, err
	}
	if t.Used {
		return invalid(ReasonUsed)
	}
	if !s.now().Before(t.ExpiresAt) {
		return invalid(ReasonExpired)
	}

	q, err := s.store.QuestionByID(ctx, t.QuestionID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid(ReasonQuestionMissing)
	}
	if err != nil {
		return Validation{}, err
	}
	if st, ok := question.Normalize(q.Status); !ok || st.IsTerminal() {
		return invalid(ReasonQuestionClosed)
	}
	return Validation{Valid: true, Question: q, Token: t}, nil
}

// Consume spends a token with a single conditional update. Of concurrent
// callers exactly one gets true.
func (s *Service) Consume(ctx context.Context, raw, outcome string) (bool, error) {
	outcome = strings.ToUpper(strings.TrimSpace(outcome))
	if outcome != models.ApprovalApprove && outcome != models.ApprovalEdit {
		return false, ErrInvalidOutcome
	}
	if !wellFormed(raw) {
		return false, nil
	}
	ok, err := s.store.ConsumeToken(ctx, Hash(raw), outcome, s.now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("approval token consume lost or rejected")
	}
	return ok, nil
}

// InvalidateAll spends every outstanding token of a question. Called when
// the question is decided through another path.
func (s *Service) InvalidateAll(ctx context.Context, questionID string) (int64, error) {
	n, err := s.store.InvalidateTokens(ctx, questionID, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("approval tokens invalidated", "question_id", questionID, "count", n)
	}
	return n, nil
}
