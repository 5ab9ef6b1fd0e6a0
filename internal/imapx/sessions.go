package imapx

import (
	"context"
	"sync"

	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/model"
)

// PoolManager keeps one connection pool per account. Pools are created
// lazily and live until Close.
type PoolManager struct {
	cfg   config.IMAPConfig
	mu    sync.Mutex
	pools map[uint]*Pool
}

// NewPoolManager creates a PoolManager.
func NewPoolManager(cfg config.IMAPConfig) *PoolManager {
	return &PoolManager{cfg: cfg, pools: make(map[uint]*Pool)}
}

func (m *PoolManager) pool(account *model.EmailAccount) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[account.ID]
	if !ok {
		p = NewPool(account, m.cfg)
		m.pools[account.ID] = p
	}
	return p
}

// Get checks a client out of the account's pool. The release func puts it
// back, recycling the connection when the caller marks it unhealthy.
func (m *PoolManager) Get(ctx context.Context, account *model.EmailAccount) (*Client, func(healthy bool), error) {
	p := m.pool(account)
	c, err := p.Get(ctx)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return c, func(healthy bool) {
		once.Do(func() { p.Put(c, healthy) })
	}, nil
}

// Close drains every pool.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
	m.pools = make(map[uint]*Pool)
}
