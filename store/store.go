// Package store implements the gateway persistence interface on GORM.
//
// Every write that guards a correctness property is a single statement:
// inserts rely on unique indexes and updates carry the expected current
// state in their WHERE clause. Callers read RowsAffected, never re-read and
// write.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketplace-gateway/database"
	"marketplace-gateway/models"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("record not found")

// Store provides durable storage for webhook records, questions, approval
// tokens, accounts and API error logs.
type Store struct {
	db *gorm.DB
}

// New wraps an opened, migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---- Webhook records

// CreateWebhook inserts rec unless a record with the same idempotency key
// exists. Uses ON CONFLICT DO NOTHING so a duplicate is reported as
// created=false rather than an error.
func (s *Store) CreateWebhook(ctx context.Context, rec *models.WebhookRecord) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		if database.IsUniqueViolation(res.Error) {
			return false, nil
		}
		return false, fmt.Errorf("create webhook: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// WebhookByKey loads a record by idempotency key.
func (s *Store) WebhookByKey(ctx context.Context, key string) (*models.WebhookRecord, error) {
	var rec models.WebhookRecord
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// WebhookByID loads a record by id.
func (s *Store) WebhookByID(ctx context.Context, id string) (*models.WebhookRecord, error) {
	var rec models.WebhookRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

// TransitionWebhook moves record id to status to, only if its stored status
// is still from. updates are applied in the same statement.
func (s *Store) TransitionWebhook(ctx context.Context, id string, from, to models.WebhookStatus, updates map[string]any) (bool, error) {
	values := map[string]any{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.WebhookRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if res.Error != nil {
		return false, fmt.Errorf("transition webhook %s %s->%s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListWebhooks returns records in status, optionally last touched before
// updatedBefore, lowest priority value first.
func (s *Store) ListWebhooks(ctx context.Context, status models.WebhookStatus, updatedBefore time.Time, limit int) ([]models.WebhookRecord, error) {
	q := s.db.WithContext(ctx).Where("status = ?", status)
	if !updatedBefore.IsZero() {
		q = q.Where("updated_at < ?", updatedBefore)
	}
	var out []models.WebhookRecord
	err := q.Order("priority ASC").Order("received_at ASC").Limit(limit).Find(&out).Error
	return out, err
}

// ListFailedWebhooks returns FAILED and FAILED_PERMANENT records of an
// organization's accounts, most recent first.
func (s *Store) ListFailedWebhooks(ctx context.Context, org string, limit int) ([]models.WebhookRecord, error) {
	accounts := s.db.Model(&models.Account{}).Select("id").Scopes(database.ForOrganization(org))
	var out []models.WebhookRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.WebhookStatus{models.WebhookFailed, models.WebhookFailedPermanent}).
		Where("user_id IN (?)", accounts).
		Order("updated_at DESC").Limit(limit).
		Find(&out).Error
	return out, err
}

// ---- Questions

// CreateQuestion inserts q. When (account_id, external_id) already exists the
// stored row is returned with created=false.
func (s *Store) CreateQuestion(ctx context.Context, q *models.Question) (*models.Question, bool, error) {
	if err := s.db.WithContext(ctx).Create(q).Error; err != nil {
		if !database.IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("create question: %w", err)
		}
		// Unique race: read again.
		existing, err := s.QuestionByExternalID(ctx, q.AccountID, q.ExternalID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return q, true, nil
}

// QuestionByID loads a question by internal id.
func (s *Store) QuestionByID(ctx context.Context, id string) (*models.Question, error) {
	var q models.Question
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&q).Error; err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// QuestionByExternalID loads a question by its marketplace identity.
func (s *Store) QuestionByExternalID(ctx context.Context, accountID, externalID string) (*models.Question, error) {
	var q models.Question
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND external_id = ?", accountID, externalID).
		First(&q).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// UpdateQuestionIf applies updates to question id only if its stored status
// equals expected.
func (s *Store) UpdateQuestionIf(ctx context.Context, id, expected string, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Question{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update question %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimDecision records the human decision for a question under review. Only
// the first caller for a given review round wins.
func (s *Store) ClaimDecision(ctx context.Context, id, reviewing, answer string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Question{}).
		Where("id = ? AND status = ? AND approved_at IS NULL", id, reviewing).
		Updates(map[string]any{"final_answer": answer, "approved_at": at, "updated_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("claim decision %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListQuestions returns questions in status last updated before the cutoff,
// oldest first.
func (s *Store) ListQuestions(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.Question, error) {
	var out []models.Question
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, updatedBefore).
		Order("updated_at ASC").Limit(limit).
		Find(&out).Error
	return out, err
}

// ListRetryableFailed returns FAILED questions last updated before the
// cutoff, oldest first. A question that failed on a rejected account token
// is only returned once the account was updated after the failure.
func (s *Store) ListRetryableFailed(ctx context.Context, failed string, updatedBefore time.Time, limit int) ([]models.Question, error) {
	var out []models.Question
	err := s.db.WithContext(ctx).
		Select("questions.*").
		Joins("LEFT JOIN accounts ON accounts.id = questions.account_id").
		Where("questions.status = ? AND questions.updated_at < ?", failed, updatedBefore).
		Where("(COALESCE(questions.last_error, '') NOT LIKE ? OR accounts.updated_at > questions.failed_at)", models.TokenRejectedPrefix+"%").
		Order("questions.updated_at ASC").Limit(limit).
		Find(&out).Error
	return out, err
}

// ListDecidedUnsent returns questions whose decision was claimed but never
// sent: still in review with approved_at and an answer, last updated before
// the cutoff.
func (s *Store) ListDecidedUnsent(ctx context.Context, reviewing string, updatedBefore time.Time, limit int) ([]models.Question, error) {
	var out []models.Question
	err := s.db.WithContext(ctx).
		Where("status = ? AND approved_at IS NOT NULL AND final_answer <> '' AND updated_at < ?", reviewing, updatedBefore).
		Order("updated_at ASC").Limit(limit).
		Find(&out).Error
	return out, err
}

// AppendQuestionEvent writes an audit row. Allowed after terminal statuses.
func (s *Store) AppendQuestionEvent(ctx context.Context, ev *models.QuestionEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// QuestionEvents returns the audit trail of a question in write order.
func (s *Store) QuestionEvents(ctx context.Context, questionID string) ([]models.QuestionEvent, error) {
	var out []models.QuestionEvent
	err := s.db.WithContext(ctx).Where("question_id = ?", questionID).Order("id ASC").Find(&out).Error
	return out, err
}

// ---- Approval tokens

// CreateToken persists an unused token.
func (s *Store) CreateToken(ctx context.Context, t *models.ApprovalToken) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create approval token: %w", err)
	}
	return nil
}

// TokenByHash loads a token by the sha256 of its raw value.
func (s *Store) TokenByHash(ctx context.Context, hash string) (*models.ApprovalToken, error) {
	var t models.ApprovalToken
	if err := s.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ConsumeToken flips used=true conditioned on used=false and not expired.
// Two concurrent callers cannot both see RowsAffected=1.
func (s *Store) ConsumeToken(ctx context.Context, hash, approvalType string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ApprovalToken{}).
		Where("token_hash = ? AND used = ? AND expires_at > ?", hash, false, now).
		Updates(map[string]any{"used": true, "used_at": now, "approval_type": approvalType})
	if res.Error != nil {
		return false, fmt.Errorf("consume approval token: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// InvalidateTokens marks every unused token of a question as spent.
func (s *Store) InvalidateTokens(ctx context.Context, questionID string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.ApprovalToken{}).
		Where("question_id = ? AND used = ?", questionID, false).
		Updates(map[string]any{"used": true, "used_at": now, "approval_type": models.ApprovalInvalidated})
	if res.Error != nil {
		return 0, fmt.Errorf("invalidate approval tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ---- Accounts

// Account loads a seller account.
func (s *Store) Account(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpsertAccount creates or replaces an account's organization and token.
func (s *Store) UpsertAccount(ctx context.Context, a *models.Account) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"organization_id", "nickname", "access_token", "updated_at"}),
		}).
		Create(a).Error
}

// UpdateAccount applies updates to an account of org. It returns false when
// no such account exists in that organization.
func (s *Store) UpdateAccount(ctx context.Context, id, org string, updates map[string]any) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Scopes(database.ForOrganization(org)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update account %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ---- API errors

// RecordAPIError appends a downstream error for alerting.
func (s *Store) RecordAPIError(ctx context.Context, e *models.APIError) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// ErrorFilter narrows ListAPIErrors.
type ErrorFilter struct {
	OrganizationID string
	AccountID      string
	Since          time.Time
	Limit          int
}

// ListAPIErrors returns an organization's recorded downstream errors, most
// recent first.
func (s *Store) ListAPIErrors(ctx context.Context, f ErrorFilter) ([]models.APIError, error) {
	q := s.db.WithContext(ctx).Scopes(database.ForOrganization(f.OrganizationID))
	if f.AccountID != "" {
		q = q.Where("account_id = ?", f.AccountID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var out []models.APIError
	err := q.Order("created_at DESC").Order("id DESC").Limit(f.Limit).Find(&out).Error
	return out, err
}
