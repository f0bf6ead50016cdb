package database

import (
	"fmt"

	"gorm.io/gorm"

	"marketplace-gateway/models"
)

// Migrate applies (idempotent) schema migrations:
// - AutoMigrate (tables/columns/index tags)
// - unique indexes backing the dedup and single-use guarantees
// - basic CHECK constraints on status columns (postgres only)
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Account{},
		&models.WebhookRecord{},
		&models.Question{},
		&models.QuestionEvent{},
		&models.ApprovalToken{},
		&models.APIError{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_records_idempotency_key ON webhook_records (idempotency_key)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_questions_account_external ON questions (account_id, external_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_tokens_token_hash ON approval_tokens (token_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_tokens_question_used ON approval_tokens (question_id, used)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_status_updated ON questions (status, updated_at)`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
		}
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}

	checks := []string{
		`DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint
				WHERE conrelid = 'webhook_records'::regclass
				  AND conname  = 'chk_webhook_records_status'
			) THEN
				ALTER TABLE webhook_records
				ADD CONSTRAINT chk_webhook_records_status
				CHECK (status IN ('PENDING','PROCESSING','COMPLETED','FAILED','FAILED_PERMANENT'));
			END IF;
		END $$;`,
		`DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM pg_constraint
				WHERE conrelid = 'questions'::regclass
				  AND conname  = 'chk_questions_status'
			) THEN
				ALTER TABLE questions
				ADD CONSTRAINT chk_questions_status
				CHECK (status IN ('PENDING','PROCESSING','REVIEWING','RESPONDED','FAILED','ERROR','TOKEN_ERROR'));
			END IF;
		END $$;`,
	}
	for _, stmt := range checks {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("check constraint migration failed: %w", err)
		}
	}
	return nil
}
