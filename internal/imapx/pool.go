package imapx

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/model"
)

// Pool bounds the number of concurrent IMAP connections per account. Get
// blocks when the cap is reached instead of opening more connections; idle
// sessions are health-checked with NOOP and recycled when stale.
type Pool struct {
	account *model.EmailAccount
	cfg     config.IMAPConfig
	sem     *semaphore.Weighted

	mu   sync.Mutex
	idle []*Client
}

// NewPool creates a connection pool for one account.
func NewPool(account *model.EmailAccount, cfg config.IMAPConfig) *Pool {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	return &Pool{
		account: account,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(size)),
	}
}

// Get returns a healthy session, blocking while the cap is exhausted.
func (p *Pool) Get(ctx context.Context) (*Client, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire IMAP connection slot: %w", err)
	}

	for {
		p.mu.Lock()
		var c *Client
		if n := len(p.idle); n > 0 {
			c = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if c == nil {
			break
		}
		if err := c.Noop(); err == nil {
			return c, nil
		}
		logrus.Debugf("Recycling stale IMAP connection for account %d", p.account.ID)
		c.Close()
	}

	c, err := Connect(ctx, p.account, p.cfg)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return c, nil
}

// Put returns a session to the pool. Unhealthy sessions are closed instead
// of being reused.
func (p *Pool) Put(c *Client, healthy bool) {
	defer p.sem.Release(1)
	if c == nil {
		return
	}
	if !healthy {
		c.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Close logs out all idle sessions.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		c.Close()
	}
	p.idle = nil
}
