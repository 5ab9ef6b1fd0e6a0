// Package scheduler runs periodic discovery over the enabled scheduled
// accounts. Manual and range scans come in through the API instead; the
// discovery lock keeps the two from overlapping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/discovery"
	"factura-ingest-go/internal/dispatch"
	"factura-ingest-go/internal/metrics"
	"factura-ingest-go/internal/model"
)

// AccountLister feeds the scheduler its scan targets.
type AccountLister interface {
	EnabledScheduledAccounts(ctx context.Context) ([]model.EmailAccount, error)
}

// ScanRunner is the discovery entry point the scheduler drives.
type ScanRunner interface {
	Scan(ctx context.Context, account *model.EmailAccount, trigger string, opts discovery.Options) (int, error)
}

// Scheduler manages the periodic discovery runs
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.SchedulerConfig
	accounts  AccountLister
	scanner   ScanRunner
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// New creates a new scheduler
func New(cfg *config.SchedulerConfig, accounts AccountLister, scanner ScanRunner) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		config:   cfg,
		accounts: accounts,
		scanner:  scanner,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)

	entryID, err := s.cron.AddFunc(schedule, s.runCycle)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()

	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.wg.Wait()
	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunOnce triggers a discovery cycle outside the cron schedule.
func (s *Scheduler) RunOnce() {
	s.runCycle()
}

// runCycle scans every enabled scheduled account. A busy account is normal
// (a manual scan may hold its lock) and is skipped without noise.
func (s *Scheduler) runCycle() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping discovery cycle")
		return
	}
	s.mu.RUnlock()

	logrus.Info("Starting discovery cycle")
	startTime := time.Now()

	accounts, err := s.accounts.EnabledScheduledAccounts(s.ctx)
	if err != nil {
		logrus.Errorf("Failed to list scheduled accounts: %v", err)
		return
	}

	var queued int
	for i := range accounts {
		select {
		case <-s.ctx.Done():
			logrus.Info("Discovery cycle interrupted by shutdown")
			return
		default:
		}

		account := &accounts[i]
		n, err := s.scanner.Scan(s.ctx, account, dispatch.TriggerScheduled, discovery.Options{})
		if err != nil {
			if errors.Is(err, discovery.ErrScanInProgress) {
				logrus.Debugf("Account %d busy, skipping this cycle", account.ID)
				metrics.ScansTotal.WithLabelValues("scheduled", "busy").Inc()
				continue
			}
			logrus.Errorf("Failed to scan account %d: %v", account.ID, err)
			metrics.ScansTotal.WithLabelValues("scheduled", "error").Inc()
			continue
		}
		metrics.ScansTotal.WithLabelValues("scheduled", "ok").Inc()
		queued += n
	}

	logrus.Infof("Discovery cycle completed in %v, %d jobs queued across %d accounts",
		time.Since(startTime), queued, len(accounts))
}
