package models

import "time"

// Account is a marketplace seller identity. Several accounts may belong to
// one organization (the tenant).
type Account struct {
	ID             string    `json:"id" gorm:"primaryKey;size:64"`
	OrganizationID string    `json:"organization_id" gorm:"size:64;not null;index"`
	Nickname       string    `json:"nickname" gorm:"size:128"`
	AccessToken    string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// APIError records a non rate-limit downstream failure for alerting.
type APIError struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	AccountID      string    `json:"account_id" gorm:"size:64;index:idx_api_errors_account_created,priority:1"`
	OrganizationID string    `json:"organization_id" gorm:"size:64;index"`
	Downstream     string    `json:"downstream" gorm:"size:32"`
	Status         int       `json:"status"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at" gorm:"index:idx_api_errors_account_created,priority:2"`
}
