package worker

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// CancelRegistry is the per-tenant stop flag. A raised flag makes workers
// abandon that tenant's jobs between steps; it does not interrupt an
// in-flight network call, the watchdog bounds those.
type CancelRegistry interface {
	Cancel(ctx context.Context, tenant string) error
	Resume(ctx context.Context, tenant string) error
	IsCancelled(ctx context.Context, tenant string) (bool, error)
}

// cancelTTL keeps a forgotten flag from blocking a tenant forever.
const cancelTTL = 12 * time.Hour

func cancelKey(tenant string) string { return "cancel:tenant:" + tenant }

// RedisCancelRegistry shares the flag across worker processes.
type RedisCancelRegistry struct {
	rdb *r.Client
}

// NewRedisCancelRegistry creates a Redis-backed cancel registry.
func NewRedisCancelRegistry(rdb *r.Client) *RedisCancelRegistry {
	return &RedisCancelRegistry{rdb: rdb}
}

// Cancel raises the tenant flag.
func (c *RedisCancelRegistry) Cancel(ctx context.Context, tenant string) error {
	if err := c.rdb.Set(ctx, cancelKey(tenant), "1", cancelTTL).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag for tenant %s: %w", tenant, err)
	}
	return nil
}

// Resume clears the tenant flag.
func (c *RedisCancelRegistry) Resume(ctx context.Context, tenant string) error {
	if err := c.rdb.Del(ctx, cancelKey(tenant)).Err(); err != nil {
		return fmt.Errorf("failed to clear cancel flag for tenant %s: %w", tenant, err)
	}
	return nil
}

// IsCancelled reports whether the tenant flag is raised. A Redis failure
// reads as not-cancelled; jobs proceeding is the safer default.
func (c *RedisCancelRegistry) IsCancelled(ctx context.Context, tenant string) (bool, error) {
	n, err := c.rdb.Exists(ctx, cancelKey(tenant)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag for tenant %s: %w", tenant, err)
	}
	return n > 0, nil
}
