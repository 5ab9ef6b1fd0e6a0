package model

import (
	"time"
)

// AiQuotaCounter tracks AI-assisted extractions per tenant per billing
// period. The pipeline only increments, and only under the processing lock;
// resets belong to the billing layer.
type AiQuotaCounter struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID  string    `json:"tenant_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_tenant_period"`
	Period    string    `json:"period" gorm:"type:varchar(7);not null;uniqueIndex:idx_tenant_period"`
	Used      int       `json:"used" gorm:"default:0"`
	Limit     int       `json:"limit" gorm:"column:quota_limit;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for AiQuotaCounter
func (AiQuotaCounter) TableName() string {
	return "ai_quota_counters"
}

// Exhausted reports whether the counter has no remaining quota.
func (c *AiQuotaCounter) Exhausted() bool {
	return c.Limit > 0 && c.Used >= c.Limit
}

// QuotaPeriod formats t as the billing period key ("2006-01").
func QuotaPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
