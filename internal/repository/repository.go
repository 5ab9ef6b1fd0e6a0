package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"factura-ingest-go/internal/model"
)

// Repository is the gorm-backed data access layer for accounts and
// extracted invoices. Ledger and quota rows have their own packages because
// their write paths carry concurrency rules of their own.
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Account loads one email account by ID, deleted rows excluded.
func (r *Repository) Account(ctx context.Context, id uint) (*model.EmailAccount, error) {
	var account model.EmailAccount
	result := r.db.WithContext(ctx).First(&account, id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load account %d: %w", id, result.Error)
	}
	return &account, nil
}

// EnabledScheduledAccounts returns the accounts the scheduler should scan.
func (r *Repository) EnabledScheduledAccounts(ctx context.Context) ([]model.EmailAccount, error) {
	var accounts []model.EmailAccount
	result := r.db.WithContext(ctx).
		Where("enabled = ? AND mode = ?", true, model.ModeScheduled).
		Find(&accounts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list scheduled accounts: %w", result.Error)
	}
	return accounts, nil
}

// SaveInvoice writes a header and its items in one transaction. Items get
// sequential line numbers in the order given.
func (r *Repository) SaveInvoice(ctx context.Context, header *model.InvoiceHeader, items []model.InvoiceItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(header).Error; err != nil {
			return fmt.Errorf("failed to save invoice header: %w", err)
		}
		for i := range items {
			items[i].InvoiceID = header.ID
			items[i].LineNumber = i + 1
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return fmt.Errorf("failed to save invoice items: %w", err)
			}
		}
		return nil
	})
}

// InvoiceByID loads one invoice with its items.
func (r *Repository) InvoiceByID(ctx context.Context, id uint) (*model.InvoiceHeader, error) {
	var invoice model.InvoiceHeader
	result := r.db.WithContext(ctx).Preload("Items").First(&invoice, id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load invoice %d: %w", id, result.Error)
	}
	return &invoice, nil
}

// InvoiceFilter narrows ListInvoices.
type InvoiceFilter struct {
	TenantID string
	Method   string
	Since    time.Time
	Limit    int
}

// ListInvoices returns invoice headers matching the filter, newest first.
func (r *Repository) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]model.InvoiceHeader, error) {
	q := r.db.WithContext(ctx).Model(&model.InvoiceHeader{}).Order("created_at DESC")
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.Method != "" {
		q = q.Where("processing_method = ?", filter.Method)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var invoices []model.InvoiceHeader
	if err := q.Limit(limit).Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return invoices, nil
}
