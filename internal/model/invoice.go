package model

import (
	"time"

	"gorm.io/gorm"
)

// Processing methods recorded on an extracted invoice.
const (
	MethodNative   = "native"
	MethodAIVision = "ai_vision"
)

// InvoiceHeader is the normalized output of a successful extraction. One
// header per source message; immutable after creation except by explicit
// reprocessing.
type InvoiceHeader struct {
	ID               uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID         string         `json:"tenant_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_invoice_tenant_message"`
	AccountID        uint           `json:"account_id" gorm:"index"`
	MessageID        string         `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_invoice_tenant_message"`
	CDC              string         `json:"cdc" gorm:"type:varchar(44);index"`
	InvoiceNumber    string         `json:"invoice_number" gorm:"type:varchar(64)"`
	IssueDate        time.Time      `json:"issue_date"`
	IssuerName       string         `json:"issuer_name" gorm:"type:varchar(255)"`
	IssuerRUC        string         `json:"issuer_ruc" gorm:"type:varchar(32);index"`
	BuyerName        string         `json:"buyer_name" gorm:"type:varchar(255)"`
	BuyerRUC         string         `json:"buyer_ruc" gorm:"type:varchar(32)"`
	Currency         string         `json:"currency" gorm:"type:varchar(8);default:'PYG'"`
	TotalAmount      float64        `json:"total_amount"`
	TotalVAT         float64        `json:"total_vat"`
	ProcessingMethod string         `json:"processing_method" gorm:"type:varchar(20);not null"`
	ArtifactPath     string         `json:"artifact_path" gorm:"type:varchar(512)"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	Items []InvoiceItem `json:"items,omitempty" gorm:"foreignKey:InvoiceID"`
}

// TableName specifies the table name for InvoiceHeader
func (InvoiceHeader) TableName() string {
	return "invoice_headers"
}

// InvoiceItem is a single line item belonging to an InvoiceHeader.
type InvoiceItem struct {
	ID          uint    `json:"id" gorm:"primaryKey;autoIncrement"`
	InvoiceID   uint    `json:"invoice_id" gorm:"not null;index"`
	LineNumber  int     `json:"line_number"`
	Description string  `json:"description" gorm:"type:text"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
	VATRate     float64 `json:"vat_rate"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName specifies the table name for InvoiceItem
func (InvoiceItem) TableName() string {
	return "invoice_items"
}
