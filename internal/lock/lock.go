// Package lock provides cross-process mutual exclusion backed by Redis
// SETNX+TTL. When the backing store is unreachable it degrades to a
// process-local mutex table: availability is preserved, cross-process safety
// is not, and the degradation is logged and observable.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrBusy is returned when the lock is held by someone else.
var ErrBusy = errors.New("lock busy")

// ErrNotHeld is returned when releasing or renewing with a stale token.
var ErrNotHeld = errors.New("lock not held by this token")

// Locker is the mutual exclusion primitive used to serialize per-account
// discovery runs and per-tenant quota check-and-increment.
type Locker interface {
	// Acquire takes the (scope, resource) lock for ttl and returns the holder
	// token, or ErrBusy.
	Acquire(ctx context.Context, scope, resource string, ttl time.Duration) (string, error)
	// Release drops the lock if token still holds it.
	Release(ctx context.Context, scope, resource, token string) error
	// Renew extends the TTL if token still holds the lock.
	Renew(ctx context.Context, scope, resource, token string, ttl time.Duration) error
	// Degraded reports whether the locker is running in local-only mode.
	Degraded() bool
}

// release and renew must only act when the stored token matches the caller's,
// otherwise a slow holder could drop a lock that already expired and was
// re-acquired by someone else.
var releaseScript = r.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var renewScript = r.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker against Redis, falling back to a local
// mutex table when Redis is unreachable.
type RedisLocker struct {
	rdb      *r.Client
	local    *LocalLocker
	degraded atomic.Bool

	// OnDegraded, if set, is called whenever the degraded state flips.
	OnDegraded func(active bool)
}

// NewRedisLocker creates a locker backed by the given Redis client.
func NewRedisLocker(rdb *r.Client) *RedisLocker {
	return &RedisLocker{
		rdb:   rdb,
		local: NewLocalLocker(),
	}
}

func lockKey(scope, resource string) string {
	return fmt.Sprintf("lock:%s:%s", scope, resource)
}

// Acquire takes the lock via SET NX PX. Backend errors switch the locker
// into degraded local-only mode rather than failing the caller.
func (l *RedisLocker) Acquire(ctx context.Context, scope, resource string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey(scope, resource), token, ttl).Result()
	if err != nil {
		l.enterDegraded(err)
		return l.local.Acquire(ctx, scope, resource, ttl)
	}
	l.exitDegraded()
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

// Release drops the lock if the token still holds it.
func (l *RedisLocker) Release(ctx context.Context, scope, resource, token string) error {
	res, err := releaseScript.Run(ctx, l.rdb, []string{lockKey(scope, resource)}, token).Int()
	if err != nil {
		l.enterDegraded(err)
		return l.local.Release(ctx, scope, resource, token)
	}
	l.exitDegraded()
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Renew extends the TTL if the token still holds the lock.
func (l *RedisLocker) Renew(ctx context.Context, scope, resource, token string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{lockKey(scope, resource)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		l.enterDegraded(err)
		return l.local.Renew(ctx, scope, resource, token, ttl)
	}
	l.exitDegraded()
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Degraded reports whether the locker is in local-only mode.
func (l *RedisLocker) Degraded() bool {
	return l.degraded.Load()
}

func (l *RedisLocker) enterDegraded(cause error) {
	if l.degraded.CompareAndSwap(false, true) {
		logrus.Warnf("Lock backend unavailable, degrading to process-local exclusion: %v", cause)
		if l.OnDegraded != nil {
			l.OnDegraded(true)
		}
	}
}

func (l *RedisLocker) exitDegraded() {
	if l.degraded.CompareAndSwap(true, false) {
		logrus.Info("Lock backend recovered, leaving degraded mode")
		if l.OnDegraded != nil {
			l.OnDegraded(false)
		}
	}
}
