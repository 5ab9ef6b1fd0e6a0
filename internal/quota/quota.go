// Package quota enforces the per-tenant, per-billing-period cap on
// AI-assisted extractions. All check-and-increment happens under the
// processing lock; this is the single place quota decisions are made.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"factura-ingest-go/internal/lock"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/retry"
)

const lockScope = "quota"

// Enforcer guards the AiQuotaCounter rows.
type Enforcer struct {
	db           *gorm.DB
	locker       lock.Locker
	defaultLimit int
	lockTTL      time.Duration
	now          func() time.Time
}

// NewEnforcer creates a quota enforcer. defaultLimit seeds counters for
// tenants that have no row yet for the current period.
func NewEnforcer(db *gorm.DB, locker lock.Locker, defaultLimit int, lockTTL time.Duration) *Enforcer {
	return &Enforcer{
		db:           db,
		locker:       locker,
		defaultLimit: defaultLimit,
		lockTTL:      lockTTL,
		now:          time.Now,
	}
}

// Reserve attempts to consume one unit of AI quota for the tenant's current
// period. Returns false when the quota is exhausted; the AI service must not
// be invoked in that case. A busy lock is waited out briefly rather than
// treated as exhaustion.
func (e *Enforcer) Reserve(ctx context.Context, tenant string) (bool, error) {
	var token string
	acquire := retry.Policy{MaxAttempts: 5, BackoffBase: 100 * time.Millisecond, BackoffCap: time.Second}
	err := acquire.Do(ctx, "acquire quota lock", func(ctx context.Context) error {
		t, err := e.locker.Acquire(ctx, lockScope, tenant, e.lockTTL)
		if err != nil {
			if errors.Is(err, lock.ErrBusy) {
				return retry.Transient(err)
			}
			return err
		}
		token = t
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire quota lock for tenant %s: %w", tenant, err)
	}
	defer func() {
		if err := e.locker.Release(ctx, lockScope, tenant, token); err != nil {
			logrus.Warnf("Failed to release quota lock for tenant %s: %v", tenant, err)
		}
	}()

	period := model.QuotaPeriod(e.now())
	counter, err := e.loadOrCreate(ctx, tenant, period)
	if err != nil {
		return false, err
	}

	if counter.Exhausted() {
		logrus.Infof("AI quota exhausted for tenant %s in period %s (%d/%d)",
			tenant, period, counter.Used, counter.Limit)
		return false, nil
	}

	if err := e.db.WithContext(ctx).Model(counter).
		Update("used", gorm.Expr("used + 1")).Error; err != nil {
		return false, fmt.Errorf("failed to increment quota for tenant %s: %w", tenant, err)
	}
	return true, nil
}

// Usage returns the tenant's counter for the current period, creating it on
// first read. Exposed read-only to the billing layer.
func (e *Enforcer) Usage(ctx context.Context, tenant string) (*model.AiQuotaCounter, error) {
	return e.loadOrCreate(ctx, tenant, model.QuotaPeriod(e.now()))
}

func (e *Enforcer) loadOrCreate(ctx context.Context, tenant, period string) (*model.AiQuotaCounter, error) {
	var counter model.AiQuotaCounter
	err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ?", tenant, period).
		First(&counter).Error
	if err == nil {
		return &counter, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to read quota counter for tenant %s: %w", tenant, err)
	}

	counter = model.AiQuotaCounter{
		TenantID: tenant,
		Period:   period,
		Used:     0,
		Limit:    e.defaultLimit,
	}
	if err := e.db.WithContext(ctx).Create(&counter).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// concurrent first reader created it
			if err := e.db.WithContext(ctx).
				Where("tenant_id = ? AND period = ?", tenant, period).
				First(&counter).Error; err != nil {
				return nil, fmt.Errorf("failed to re-read quota counter for tenant %s: %w", tenant, err)
			}
			return &counter, nil
		}
		return nil, fmt.Errorf("failed to create quota counter for tenant %s: %w", tenant, err)
	}
	return &counter, nil
}
