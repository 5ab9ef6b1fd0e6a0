package model

import (
	"time"

	"gorm.io/gorm"
)

// Ledger statuses for a processed email.
const (
	StatusPending         = "pending"
	StatusProcessing      = "processing"
	StatusDone            = "done"
	StatusFailed          = "failed"
	StatusSkippedAILimit  = "skipped_ai_limit"
	StatusMissingMetadata = "missing_metadata"
)

// ProcessedEmail is the idempotency ledger entry for a source message.
// The unique (tenant_id, message_id) index is what makes concurrent claims
// race-safe: exactly one insert wins.
type ProcessedEmail struct {
	ID          uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID    string         `json:"tenant_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_tenant_message"`
	MessageID   string         `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_tenant_message"`
	AccountID   uint           `json:"account_id" gorm:"index"`
	Status      string         `json:"status" gorm:"type:varchar(32);not null;index"`
	Reason      string         `json:"reason" gorm:"type:text"`
	ProcessedAt time.Time      `json:"processed_at"`
	ExpiresAt   time.Time      `json:"expires_at" gorm:"index"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// TableName specifies the table name for ProcessedEmail
func (ProcessedEmail) TableName() string {
	return "processed_emails"
}

// IsTerminal reports whether the record reached a final status.
func (p *ProcessedEmail) IsTerminal() bool {
	switch p.Status {
	case StatusDone, StatusFailed, StatusSkippedAILimit, StatusMissingMetadata:
		return true
	}
	return false
}

// IsExpired reports whether the record's TTL has elapsed. Expired records no
// longer block reprocessing of their message.
func (p *ProcessedEmail) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now)
}
