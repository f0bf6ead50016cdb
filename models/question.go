package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Question is one marketplace buyer question that needs an answer.
// Status always holds a canonical value (see package question).
type Question struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	ExternalID     string     `json:"external_id" gorm:"size:64;not null;uniqueIndex:idx_questions_account_external,priority:2"`
	AccountID      string     `json:"account_id" gorm:"size:64;not null;uniqueIndex:idx_questions_account_external,priority:1"`
	OrganizationID string     `json:"organization_id" gorm:"size:64;index"`
	ItemID         string     `json:"item_id" gorm:"size:64"`
	Text           string     `json:"text"`
	Status         string     `json:"status" gorm:"type:VARCHAR(20);not null;index"`
	AISuggestion   string     `json:"ai_suggestion" gorm:"column:ai_suggestion"`
	FinalAnswer    string     `json:"final_answer"`
	RetryCount     int        `json:"retry_count"`
	LastError      string     `json:"last_error"`
	ReceivedAt     time.Time  `json:"received_at"`
	AIProcessedAt  *time.Time `json:"ai_processed_at" gorm:"column:ai_processed_at"`
	ApprovedAt     *time.Time `json:"approved_at"`
	SentAt         *time.Time `json:"sent_at"`
	FailedAt       *time.Time `json:"failed_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TokenRejectedPrefix marks a LastError caused by the marketplace rejecting
// the account token. Such questions wait for the token to be refreshed.
const TokenRejectedPrefix = "token rejected: "

func (q *Question) BeforeCreate(tx *gorm.DB) (err error) {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return
}

// QuestionEvent is the append-only audit trail of status changes.
// Rejected rows record transitions that were refused or lost a race.
type QuestionEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	QuestionID string    `json:"question_id" gorm:"size:36;not null;index"`
	From       string    `json:"from" gorm:"type:VARCHAR(20)"`
	To         string    `json:"to" gorm:"type:VARCHAR(20)"`
	Actor      string    `json:"actor" gorm:"size:64"`
	Note       string    `json:"note"`
	Rejected   bool      `json:"rejected"`
	CreatedAt  time.Time `json:"created_at"`
}
