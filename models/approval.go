package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Approval types recorded when a token is spent.
const (
	ApprovalApprove     = "APPROVE"
	ApprovalEdit        = "EDIT"
	ApprovalInvalidated = "INVALIDATED"
)

// ApprovalToken is a single-use link credential. Only the sha256 of the raw
// token is stored.
type ApprovalToken struct {
	ID           string     `json:"id" gorm:"primaryKey;size:36"`
	TokenHash    string     `json:"-" gorm:"size:64;not null;uniqueIndex"`
	QuestionID   string     `json:"question_id" gorm:"size:36;not null;index"`
	AccountID    string     `json:"account_id" gorm:"size:64"`
	TenantID     string     `json:"tenant_id" gorm:"size:64"`
	ExpiresAt    time.Time  `json:"expires_at" gorm:"not null;index"`
	Used         bool       `json:"used" gorm:"not null;default:false"`
	UsedAt       *time.Time `json:"used_at"`
	ApprovalType string     `json:"approval_type" gorm:"size:20"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (t *ApprovalToken) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return
}
