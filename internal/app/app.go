// Package app wires the pipeline together. The API process runs the HTTP
// surface, the scheduler and the ledger sweeper; worker processes run only
// the extraction pool. Both can scale out: the lock and the ledger keep
// cross-process work exclusive.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	aiclient "factura-ingest-go/internal/ai"
	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/database"
	"factura-ingest-go/internal/discovery"
	"factura-ingest-go/internal/dispatch"
	"factura-ingest-go/internal/extract"
	"factura-ingest-go/internal/handler"
	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/ledger"
	"factura-ingest-go/internal/lock"
	"factura-ingest-go/internal/metrics"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
	"factura-ingest-go/internal/quota"
	"factura-ingest-go/internal/repository"
	"factura-ingest-go/internal/router"
	"factura-ingest-go/internal/scheduler"
	"factura-ingest-go/internal/storage"
	"factura-ingest-go/internal/worker"
)

// deps is everything the two process types share.
type deps struct {
	cfg      *config.Config
	db       *gorm.DB
	rdb      *r.Client
	locker   *lock.RedisLocker
	queue    *queue.RedisQueue
	ledger   *ledger.Ledger
	repo     *repository.Repository
	pools    *imapx.PoolManager
	cancels  *worker.RedisCancelRegistry
	dispatch *dispatch.Dispatcher
}

func setup() (*deps, error) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	rdb := r.NewClient(&r.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	locker := lock.NewRedisLocker(rdb)
	locker.OnDegraded = func(active bool) {
		if active {
			metrics.LockDegraded.Set(1)
		} else {
			metrics.LockDegraded.Set(0)
		}
	}

	q := queue.New(rdb)
	return &deps{
		cfg:      cfg,
		db:       db,
		rdb:      rdb,
		locker:   locker,
		queue:    q,
		ledger:   ledger.New(db, cfg.Ledger.TTL),
		repo:     repository.New(db),
		pools:    imapx.NewPoolManager(cfg.IMAP),
		cancels:  worker.NewRedisCancelRegistry(rdb),
		dispatch: dispatch.New(q),
	}, nil
}

// discoverySessions adapts the pool manager to the discovery interface.
type discoverySessions struct{ pools *imapx.PoolManager }

func (s discoverySessions) Session(ctx context.Context, account *model.EmailAccount) (discovery.Session, func(bool), error) {
	c, release, err := s.pools.Get(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return c, release, nil
}

// workerSessions adapts the pool manager to the worker interface.
type workerSessions struct{ pools *imapx.PoolManager }

func (s workerSessions) Session(ctx context.Context, account *model.EmailAccount) (worker.MailFetcher, func(bool), error) {
	c, release, err := s.pools.Get(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	return c, release, nil
}

// RunAPI starts the API process: HTTP surface, scheduler, ledger sweeper.
func RunAPI() error {
	d, err := setup()
	if err != nil {
		return err
	}
	logrus.Info("Starting invoice ingestion API")

	scanner := discovery.NewScanner(d.locker, discoverySessions{d.pools}, d.dispatch, d.ledger, d.cfg.Lock.TTL, d.cfg.Lock.RenewInterval)
	enforcer := quota.NewEnforcer(d.db, d.locker, d.cfg.Quota.DefaultMonthlyLimit, d.cfg.Lock.TTL)
	sched := scheduler.New(&d.cfg.Scheduler, d.repo, scanner)

	h := handler.NewHandlers(d.db, d.repo, scanner, d.ledger, enforcer, d.cancels, d.queue, d.locker,
		sched, d.cfg.Scheduler.ManualBatchSize)
	srv := &http.Server{
		Addr:         ":" + d.cfg.Server.Port,
		Handler:      router.SetupRouter(h),
		ReadTimeout:  d.cfg.Server.ReadTimeout,
		WriteTimeout: d.cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.ledger.RunSweeper(ctx, d.cfg.Ledger.SweepInterval, func(removed int64) {
		if removed > 0 {
			logrus.Infof("Ledger sweep removed %d expired entries", removed)
		}
	})
	go watchQueueDepth(ctx, d.queue)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", d.cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	waitForShutdown()

	logrus.Info("Shutting down API...")
	cancel()
	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}
	d.pools.Close()

	logrus.Info("API stopped gracefully")
	return nil
}

// RunWorker starts a worker process running only the extraction pool.
func RunWorker() error {
	d, err := setup()
	if err != nil {
		return err
	}
	logrus.Info("Starting extraction worker")

	enforcer := quota.NewEnforcer(d.db, d.locker, d.cfg.Quota.DefaultMonthlyLimit, d.cfg.Lock.TTL)
	store, err := storage.NewLocalStorage(d.cfg.Storage.BasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact storage: %w", err)
	}

	extractor := aiclient.NewClient(d.cfg.AI)
	native := extract.NewNativeStrategy()
	vision := extract.NewVisionStrategy(extractor, enforcer)
	linkInner := extract.NewSelector(native, vision)
	selector := extract.NewSelector(native, vision, extract.NewLinkFollowStrategy(nil, linkInner))

	pool := worker.NewPool(d.cfg.Worker, d.queue, d.ledger, selector,
		workerSessions{d.pools}, d.repo, d.repo, store, d.dispatch, d.cancels)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitForShutdown()
		logrus.Info("Shutting down worker...")
		cancel()
	}()

	err = pool.Run(ctx)
	d.pools.Close()
	if err != nil {
		return fmt.Errorf("worker pool failed: %w", err)
	}
	logrus.Info("Worker stopped gracefully")
	return nil
}

func watchQueueDepth(ctx context.Context, q queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := q.Depth(ctx)
			if err != nil {
				continue
			}
			for lane, n := range depths {
				metrics.QueueDepth.WithLabelValues(lane).Set(float64(n))
			}
		}
	}
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}
