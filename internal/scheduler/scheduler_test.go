package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/discovery"
	"factura-ingest-go/internal/model"
)

type stubAccounts struct {
	accounts []model.EmailAccount
	err      error
}

func (s *stubAccounts) EnabledScheduledAccounts(ctx context.Context) ([]model.EmailAccount, error) {
	return s.accounts, s.err
}

type stubScanner struct {
	mu      sync.Mutex
	scanned []uint
	errFor  map[uint]error
}

func (s *stubScanner) Scan(ctx context.Context, account *model.EmailAccount, trigger string, opts discovery.Options) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned = append(s.scanned, account.ID)
	if err := s.errFor[account.ID]; err != nil {
		return 0, err
	}
	return 1, nil
}

func scheduledAccount(id uint) model.EmailAccount {
	acc := model.EmailAccount{TenantID: "tenant-a", Mode: model.ModeScheduled, Enabled: true}
	acc.ID = id
	return acc
}

func newTestScheduler(accounts *stubAccounts, scanner *stubScanner) *Scheduler {
	return New(&config.SchedulerConfig{IntervalMinutes: 5}, accounts, scanner)
}

func TestStartAndStop(t *testing.T) {
	s := newTestScheduler(&stubAccounts{}, &stubScanner{})

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(), "double start must fail")

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(), "stopping a stopped scheduler is a no-op")
}

func TestRunOnceScansAllScheduledAccounts(t *testing.T) {
	accounts := &stubAccounts{accounts: []model.EmailAccount{
		scheduledAccount(1), scheduledAccount(2), scheduledAccount(3),
	}}
	scanner := &stubScanner{}
	s := newTestScheduler(accounts, scanner)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	s.RunOnce()

	assert.Equal(t, []uint{1, 2, 3}, scanner.scanned)
}

func TestRunOnceSkipsBusyAndFailedAccounts(t *testing.T) {
	accounts := &stubAccounts{accounts: []model.EmailAccount{
		scheduledAccount(1), scheduledAccount(2), scheduledAccount(3),
	}}
	scanner := &stubScanner{errFor: map[uint]error{
		1: discovery.ErrScanInProgress,
		2: errors.New("imap unreachable"),
	}}
	s := newTestScheduler(accounts, scanner)
	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	s.RunOnce()

	// all three attempted; failures on one account never block the rest
	assert.Equal(t, []uint{1, 2, 3}, scanner.scanned)
}

func TestRunCycleSkippedWhenStopped(t *testing.T) {
	scanner := &stubScanner{}
	s := newTestScheduler(&stubAccounts{accounts: []model.EmailAccount{scheduledAccount(1)}}, scanner)

	s.RunOnce()

	assert.Empty(t, scanner.scanned, "no scans before Start")
}
