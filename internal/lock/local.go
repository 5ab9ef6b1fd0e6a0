package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localEntry struct {
	token     string
	expiresAt time.Time
}

// LocalLocker is a process-local Locker. It is the degraded fallback for
// RedisLocker and a standalone implementation for tests and single-process
// deployments. TTL expiry is honored so a crashed goroutine cannot wedge a
// key forever.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]localEntry
	now     func() time.Time
}

// NewLocalLocker creates an empty local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		entries: make(map[string]localEntry),
		now:     time.Now,
	}
}

// Acquire takes the lock if free or expired.
func (l *LocalLocker) Acquire(ctx context.Context, scope, resource string, ttl time.Duration) (string, error) {
	key := lockKey(scope, resource)

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok && e.expiresAt.After(l.now()) {
		return "", ErrBusy
	}

	token := uuid.NewString()
	l.entries[key] = localEntry{token: token, expiresAt: l.now().Add(ttl)}
	return token, nil
}

// Release drops the lock if token still holds it.
func (l *LocalLocker) Release(ctx context.Context, scope, resource, token string) error {
	key := lockKey(scope, resource)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.token != token {
		return ErrNotHeld
	}
	delete(l.entries, key)
	return nil
}

// Renew extends the TTL if token still holds the lock.
func (l *LocalLocker) Renew(ctx context.Context, scope, resource, token string, ttl time.Duration) error {
	key := lockKey(scope, resource)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || e.token != token || !e.expiresAt.After(l.now()) {
		return ErrNotHeld
	}
	e.expiresAt = l.now().Add(ttl)
	l.entries[key] = e
	return nil
}

// Degraded always reports true: a local locker never provides cross-process
// exclusion.
func (l *LocalLocker) Degraded() bool { return true }
