// Package ledger is the idempotency record for source messages: every worker
// claims here before doing any work, and exactly one concurrent claimant per
// (tenant, message_id) wins.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"factura-ingest-go/internal/model"
)

// ClaimResult is the outcome of TryClaim.
type ClaimResult int

const (
	// Claimed means the caller owns processing of this message.
	Claimed ClaimResult = iota
	// AlreadyInProgress means a non-expired, non-terminal record exists.
	AlreadyInProgress
	// AlreadyTerminal means a non-expired terminal record exists; the message
	// must not be reprocessed.
	AlreadyTerminal
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyInProgress:
		return "already_in_progress"
	case AlreadyTerminal:
		return "already_terminal"
	}
	return "unknown"
}

// Ledger persists ProcessedEmail records with TTL-bounded validity.
type Ledger struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// New creates a Ledger. Records older than ttl stop blocking reprocessing.
func New(db *gorm.DB, ttl time.Duration) *Ledger {
	return &Ledger{db: db, ttl: ttl, now: time.Now}
}

// TryClaim atomically claims (tenant, messageID) for processing. The insert
// against the unique key is the arbiter: under concurrency exactly one caller
// gets Claimed. An expired record of any status is taken over.
func (l *Ledger) TryClaim(ctx context.Context, tenant, messageID string, accountID uint) (ClaimResult, error) {
	now := l.now()
	record := model.ProcessedEmail{
		TenantID:  tenant,
		MessageID: messageID,
		AccountID: accountID,
		Status:    model.StatusProcessing,
		ExpiresAt: now.Add(l.ttl),
	}

	err := l.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return Claimed, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return AlreadyInProgress, fmt.Errorf("failed to claim message %s: %w", messageID, err)
	}

	var existing model.ProcessedEmail
	if err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND message_id = ?", tenant, messageID).
		First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// record vanished between insert and read (sweep); retry once
			return l.TryClaim(ctx, tenant, messageID, accountID)
		}
		return AlreadyInProgress, fmt.Errorf("failed to read existing claim for %s: %w", messageID, err)
	}

	if !existing.IsExpired(now) {
		if existing.IsTerminal() {
			return AlreadyTerminal, nil
		}
		return AlreadyInProgress, nil
	}

	// TTL elapsed: take the key over. Delete-then-insert in one transaction;
	// if two claimants race here, the second insert hits the unique key again
	// and loses.
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("tenant_id = ? AND message_id = ? AND expires_at < ?", tenant, messageID, now).
			Delete(&model.ProcessedEmail{}).Error; err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return AlreadyInProgress, nil
		}
		return AlreadyInProgress, fmt.Errorf("failed to take over expired claim for %s: %w", messageID, err)
	}
	return Claimed, nil
}

// IsTerminal reports whether a non-expired terminal record exists for the
// message. Discovery uses it to avoid dispatching known-done messages; the
// worker claim stays authoritative either way.
func (l *Ledger) IsTerminal(ctx context.Context, tenant, messageID string) (bool, error) {
	var record model.ProcessedEmail
	err := l.db.WithContext(ctx).
		Where("tenant_id = ? AND message_id = ?", tenant, messageID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read ledger for %s: %w", messageID, err)
	}
	return record.IsTerminal() && !record.IsExpired(l.now()), nil
}

// Commit writes the terminal status for a claimed message.
func (l *Ledger) Commit(ctx context.Context, tenant, messageID, status, reason string) error {
	now := l.now()
	res := l.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("tenant_id = ? AND message_id = ?", tenant, messageID).
		Updates(map[string]interface{}{
			"status":       status,
			"reason":       reason,
			"processed_at": now,
			"expires_at":   now.Add(l.ttl),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to commit ledger status for %s: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no ledger record to commit for message %s", messageID)
	}
	return nil
}

// Abandon removes a claim that never reached a terminal state, freeing the
// key immediately instead of waiting for TTL expiry. Used by clean
// cancellation between worker steps.
func (l *Ledger) Abandon(ctx context.Context, tenant, messageID string) error {
	if err := l.db.WithContext(ctx).Unscoped().
		Where("tenant_id = ? AND message_id = ? AND status = ?", tenant, messageID, model.StatusProcessing).
		Delete(&model.ProcessedEmail{}).Error; err != nil {
		return fmt.Errorf("failed to abandon claim for %s: %w", messageID, err)
	}
	return nil
}

// SweepExpired hard-deletes expired records so the unique key is free again.
// Runs on a background interval, never on the claim path.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	res := l.db.WithContext(ctx).Unscoped().
		Where("expires_at < ?", l.now()).
		Delete(&model.ProcessedEmail{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired ledger records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RunSweeper sweeps on the given interval until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int64)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := l.SweepExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					// keep sweeping; the next tick may succeed
					continue
				}
				return
			}
			if onSweep != nil && removed > 0 {
				onSweep(removed)
			}
		}
	}
}

// ListByTenant returns the read-only processing projection for dashboards.
func (l *Ledger) ListByTenant(ctx context.Context, tenant, status string, limit int) ([]model.ProcessedEmail, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := l.db.WithContext(ctx).Where("tenant_id = ?", tenant)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var records []model.ProcessedEmail
	if err := q.Order("updated_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list ledger records: %w", err)
	}
	return records, nil
}
