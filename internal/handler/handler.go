package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"factura-ingest-go/internal/discovery"
	"factura-ingest-go/internal/lock"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
	"factura-ingest-go/internal/repository"
	"factura-ingest-go/internal/worker"
)

// Store is the account/invoice data access surface.
type Store interface {
	Account(ctx context.Context, id uint) (*model.EmailAccount, error)
	InvoiceByID(ctx context.Context, id uint) (*model.InvoiceHeader, error)
	ListInvoices(ctx context.Context, filter repository.InvoiceFilter) ([]model.InvoiceHeader, error)
}

// ScanService runs discovery for one account.
type ScanService interface {
	Scan(ctx context.Context, account *model.EmailAccount, trigger string, opts discovery.Options) (int, error)
}

// LedgerReader exposes the tenant's processing history.
type LedgerReader interface {
	ListByTenant(ctx context.Context, tenant, status string, limit int) ([]model.ProcessedEmail, error)
}

// SchedulerControl drives the cron scheduler from the admin API.
type SchedulerControl interface {
	RunOnce()
	IsRunning() bool
}

// QuotaReader exposes the tenant's AI usage.
type QuotaReader interface {
	Usage(ctx context.Context, tenant string) (*model.AiQuotaCounter, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db      *gorm.DB
	repo    Store
	scanner ScanService
	ledger  LedgerReader
	quota   QuotaReader
	cancels worker.CancelRegistry
	queue   queue.Queue
	locker  lock.Locker
	sched   SchedulerControl

	manualBatch int
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, repo Store, scanner ScanService,
	ledger LedgerReader, quota QuotaReader, cancels worker.CancelRegistry,
	q queue.Queue, locker lock.Locker, sched SchedulerControl, manualBatch int) *Handlers {
	return &Handlers{
		db:          db,
		repo:        repo,
		scanner:     scanner,
		ledger:      ledger,
		quota:       quota,
		cancels:     cancels,
		queue:       q,
		locker:      locker,
		sched:       sched,
		manualBatch: manualBatch,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	{
		api.POST("/accounts/:id/scan", h.TriggerScan)

		api.POST("/scheduler/run-once", h.RunScheduler)
		api.GET("/scheduler/status", h.GetSchedulerStatus)

		api.POST("/tenants/:id/cancel", h.CancelTenant)
		api.POST("/tenants/:id/resume", h.ResumeTenant)
		api.GET("/tenants/:id/processing", h.GetProcessing)
		api.GET("/tenants/:id/quota", h.GetQuota)

		api.GET("/invoices", h.ListInvoices)
		api.GET("/invoices/:id", h.GetInvoice)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Queue:     "ok",
		LockMode:  "distributed",
	}

	if err := h.db.Raw("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
	}
	if _, err := h.queue.Depth(c.Request.Context()); err != nil {
		response.Status = "degraded"
		response.Queue = "error"
	}
	if h.locker.Degraded() {
		response.Status = "degraded"
		response.LockMode = "local"
	}

	code := http.StatusOK
	if response.Status == "error" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}
