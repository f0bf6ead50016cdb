package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookStatus is the processing state of an inbound event.
type WebhookStatus string

const (
	WebhookPending         WebhookStatus = "PENDING"
	WebhookProcessing      WebhookStatus = "PROCESSING"
	WebhookCompleted       WebhookStatus = "COMPLETED"
	WebhookFailed          WebhookStatus = "FAILED"
	WebhookFailedPermanent WebhookStatus = "FAILED_PERMANENT"
)

// WebhookRecord is the single row kept per distinct inbound event.
// The unique index on IdempotencyKey is what makes redelivery harmless.
type WebhookRecord struct {
	ID              string         `json:"id" gorm:"primaryKey;size:36"`
	IdempotencyKey  string         `json:"idempotency_key" gorm:"size:64;not null;uniqueIndex"`
	Topic           string         `json:"topic" gorm:"size:64;not null"`
	Resource        string         `json:"resource" gorm:"size:255"`
	ResourceID      string         `json:"resource_id" gorm:"size:128;index"`
	UserID          string         `json:"user_id" gorm:"size:64;index"`
	SentAt          string         `json:"sent" gorm:"size:64"`
	AttemptID       string         `json:"attempt_id" gorm:"size:128"`
	Payload         datatypes.JSON `json:"payload"`
	Status          WebhookStatus  `json:"status" gorm:"type:VARCHAR(20);not null;index:idx_webhook_records_status_priority,priority:1"`
	Priority        int            `json:"priority" gorm:"not null;index:idx_webhook_records_status_priority,priority:2"`
	Attempts        int            `json:"attempts"`
	ProcessingError string         `json:"processing_error"`
	ReceivedAt      time.Time      `json:"received_at"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (record *WebhookRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return
}
