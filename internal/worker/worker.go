// Package worker runs the extraction pool: jobs come off the queue, a
// ledger claim makes each message exclusive, the strategy selector extracts
// it, and the result lands in the database with the ledger committed last.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/extract"
	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/ledger"
	"factura-ingest-go/internal/metrics"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
	"factura-ingest-go/internal/retry"
)

// LedgerStore is the idempotency ledger surface the pool needs.
type LedgerStore interface {
	TryClaim(ctx context.Context, tenant, messageID string, accountID uint) (ledger.ClaimResult, error)
	Commit(ctx context.Context, tenant, messageID, status, reason string) error
	Abandon(ctx context.Context, tenant, messageID string) error
}

// MailFetcher downloads one full message from the mailbox.
type MailFetcher interface {
	FetchFull(uid uint32) (*imapx.MailDocument, error)
}

// SessionSource opens mailbox sessions for accounts. The release func must
// be called once with whether the session is still usable.
type SessionSource interface {
	Session(ctx context.Context, account *model.EmailAccount) (MailFetcher, func(healthy bool), error)
}

// AccountSource resolves the account a job belongs to. A nil account means
// the account was deleted after discovery.
type AccountSource interface {
	Account(ctx context.Context, id uint) (*model.EmailAccount, error)
}

// InvoiceStore persists extraction output.
type InvoiceStore interface {
	SaveInvoice(ctx context.Context, header *model.InvoiceHeader, items []model.InvoiceItem) error
}

// ArtifactStore keeps the original message for audit.
type ArtifactStore interface {
	Save(tenant, messageID, filename string, data []byte) (string, error)
}

// Requeuer puts a job back on its lane after a transient failure.
type Requeuer interface {
	Requeue(ctx context.Context, job *queue.ExtractionJob) error
}

// Pool is the extraction worker pool.
type Pool struct {
	cfg       config.WorkerConfig
	queue     queue.Queue
	ledger    LedgerStore
	selector  *extract.Selector
	sessions  SessionSource
	accounts  AccountSource
	invoices  InvoiceStore
	artifacts ArtifactStore
	requeuer  Requeuer
	cancels   CancelRegistry
}

// NewPool wires a worker pool.
func NewPool(cfg config.WorkerConfig, q queue.Queue, led LedgerStore, sel *extract.Selector,
	sessions SessionSource, accounts AccountSource, invoices InvoiceStore,
	artifacts ArtifactStore, requeuer Requeuer, cancels CancelRegistry) *Pool {
	return &Pool{
		cfg: cfg, queue: q, ledger: led, selector: sel,
		sessions: sessions, accounts: accounts, invoices: invoices,
		artifacts: artifacts, requeuer: requeuer, cancels: cancels,
	}
}

// Run blocks until ctx is cancelled, draining the queue with PoolSize
// goroutines.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		worker := i
		g.Go(func() error {
			logrus.Infof("Extraction worker %d started", worker)
			for {
				if err := ctx.Err(); err != nil {
					logrus.Infof("Extraction worker %d stopping", worker)
					return nil
				}
				job, err := p.queue.Dequeue(ctx, p.cfg.DequeueBlock)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					logrus.Errorf("Worker %d dequeue failed: %v", worker, err)
					time.Sleep(time.Second)
					continue
				}
				if job == nil {
					continue
				}
				p.runOne(ctx, job)
			}
		})
	}
	return g.Wait()
}

// runOne processes a single job under the watchdog. A panic in one job must
// not take the worker down.
func (p *Pool) runOne(ctx context.Context, job *queue.ExtractionJob) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Job %s panicked: %v", job.JobID, r)
		}
	}()

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.WatchdogTimeout)
	defer cancel()

	outcome := p.process(jobCtx, job)
	metrics.JobDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// process walks the job through claimed, downloading, strategizing and
// persisting. It returns a label for the duration histogram; all durable
// bookkeeping happens inside.
func (p *Pool) process(ctx context.Context, job *queue.ExtractionJob) string {
	tenant := job.TenantID
	messageID := job.MessageRef.MessageID

	claim, err := p.ledger.TryClaim(ctx, tenant, messageID, job.AccountID)
	if err != nil {
		logrus.Errorf("Job %s: claim failed: %v", job.JobID, err)
		p.retryTransient(ctx, job, fmt.Errorf("failed to claim message: %w", err))
		return "claim_error"
	}
	metrics.LedgerClaims.WithLabelValues(claim.String()).Inc()
	if claim != ledger.Claimed {
		logrus.Debugf("Job %s: message %s already %s, dropping", job.JobID, messageID, claim)
		return "duplicate"
	}

	if p.checkCancelled(ctx, job) {
		return "cancelled"
	}

	// downloading
	doc, err := p.download(ctx, job)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	if p.checkCancelled(ctx, job) {
		return "cancelled"
	}

	// strategizing
	account, _ := p.accounts.Account(ctx, job.AccountID)
	var terms []string
	if account != nil {
		terms = account.SearchTermList()
	}
	res := p.selector.Extract(ctx, &extract.Request{
		Tenant:      tenant,
		SearchTerms: terms,
		Mail:        doc,
	})
	metrics.ExtractionsTotal.WithLabelValues(methodLabel(res.Method), res.Outcome.String()).Inc()

	switch res.Outcome {
	case extract.OutcomeSuccess:
		// persisting
		if err := p.persist(ctx, job, doc, &res); err != nil {
			return p.fail(ctx, job, err)
		}
		logrus.Infof("Job %s: message %s extracted via %s", job.JobID, messageID, res.Method)
		return "success"

	case extract.OutcomeDeferred:
		metrics.AISkipsTotal.Inc()
		p.commit(ctx, job, model.StatusSkippedAILimit, res.Reason)
		return "deferred"

	case extract.OutcomeMissingMetadata:
		p.commit(ctx, job, model.StatusMissingMetadata, res.Reason)
		return "missing_metadata"

	case extract.OutcomeTransientError:
		err := res.Err
		if err == nil {
			err = errors.New(res.Reason)
		}
		return p.fail(ctx, job, retry.Transient(err))

	default: // fatal
		err := res.Err
		if err == nil {
			err = errors.New(res.Reason)
		}
		return p.fail(ctx, job, retry.Fatal(err))
	}
}

// download opens a mailbox session and fetches the full message.
func (p *Pool) download(ctx context.Context, job *queue.ExtractionJob) (*imapx.MailDocument, error) {
	account, err := p.accounts.Account(ctx, job.AccountID)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to load account %d: %w", job.AccountID, err))
	}
	if account == nil {
		return nil, retry.Fatal(fmt.Errorf("account %d no longer exists", job.AccountID))
	}

	session, release, err := p.sessions.Session(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox session: %w", err)
	}
	healthy := false
	defer func() { release(healthy) }()

	doc, err := session.FetchFull(job.MessageRef.MailboxUID)
	if err != nil {
		return nil, fmt.Errorf("failed to download message %s: %w", job.MessageRef.MessageID, err)
	}
	healthy = true

	if doc.MessageID == "" {
		doc.MessageID = job.MessageRef.MessageID
	}
	return doc, nil
}

// persist writes the invoice and the source artifact, then commits the
// ledger. Ledger last: a crash beforehand leaves a claim that expires and
// gets retried, never a done-without-data record.
func (p *Pool) persist(ctx context.Context, job *queue.ExtractionJob, doc *imapx.MailDocument, res *extract.Result) error {
	artifactPath := ""
	if len(doc.Raw) > 0 {
		path, err := p.artifacts.Save(job.TenantID, job.MessageRef.MessageID, "message.eml", doc.Raw)
		if err != nil {
			return retry.Transient(fmt.Errorf("failed to store artifact: %w", err))
		}
		artifactPath = path
	}

	header, items := buildInvoice(job, doc, res, artifactPath)
	if err := p.invoices.SaveInvoice(ctx, header, items); err != nil {
		return retry.Transient(err)
	}

	p.commit(ctx, job, model.StatusDone, "")
	return nil
}

// fail routes an error to requeue or a terminal ledger status. Transient
// errors requeue until the attempt budget runs out. A watchdog expiry is
// recorded under its own reason so slow jobs are distinguishable from broken
// ones.
func (p *Pool) fail(ctx context.Context, job *queue.ExtractionJob, err error) string {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		logrus.Warnf("Job %s hit the watchdog timeout", job.JobID)
		p.commit(ctx, job, model.StatusFailed, "watchdog_timeout")
		return "watchdog_timeout"
	}

	if retry.Classify(err) == retry.ClassTransient {
		return p.retryTransientClaimed(ctx, job, err)
	}

	logrus.Errorf("Job %s failed permanently: %v", job.JobID, err)
	p.commit(ctx, job, model.StatusFailed, err.Error())
	return "fatal_error"
}

// retryTransientClaimed abandons the claim and requeues, so the next attempt
// can claim the message again.
func (p *Pool) retryTransientClaimed(ctx context.Context, job *queue.ExtractionJob, cause error) string {
	if job.AttemptCount+1 >= p.cfg.MaxAttempts {
		logrus.Errorf("Job %s exhausted %d attempts: %v", job.JobID, p.cfg.MaxAttempts, cause)
		p.commit(ctx, job, model.StatusFailed, fmt.Sprintf("retries exhausted: %v", cause))
		return "retries_exhausted"
	}
	if err := p.ledger.Abandon(ctx, job.TenantID, job.MessageRef.MessageID); err != nil {
		logrus.Errorf("Job %s: failed to abandon claim: %v", job.JobID, err)
	}
	p.retryTransient(ctx, job, cause)
	return "transient_error"
}

func (p *Pool) retryTransient(ctx context.Context, job *queue.ExtractionJob, cause error) {
	policy := retry.Policy{BackoffBase: p.cfg.BackoffBase, BackoffCap: p.cfg.BackoffCap}
	delay := policy.Backoff(job.AttemptCount)
	logrus.Warnf("Job %s attempt %d failed, requeueing in %s: %v", job.JobID, job.AttemptCount+1, delay, cause)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
	if err := p.requeuer.Requeue(context.WithoutCancel(ctx), job); err != nil {
		logrus.Errorf("Job %s: requeue failed, job lost until next scan: %v", job.JobID, err)
	}
}

// checkCancelled abandons the claim when the tenant flag is raised. The
// message stays reprocessable once the tenant resumes.
func (p *Pool) checkCancelled(ctx context.Context, job *queue.ExtractionJob) bool {
	cancelled, err := p.cancels.IsCancelled(ctx, job.TenantID)
	if err != nil {
		logrus.Warnf("Job %s: cancel flag unreadable, continuing: %v", job.JobID, err)
		return false
	}
	if !cancelled {
		return false
	}
	logrus.Infof("Job %s dropped, tenant %s processing is cancelled", job.JobID, job.TenantID)
	if err := p.ledger.Abandon(ctx, job.TenantID, job.MessageRef.MessageID); err != nil {
		logrus.Errorf("Job %s: failed to abandon claim on cancel: %v", job.JobID, err)
	}
	return true
}

func (p *Pool) commit(ctx context.Context, job *queue.ExtractionJob, status, reason string) {
	if err := p.ledger.Commit(context.WithoutCancel(ctx), job.TenantID, job.MessageRef.MessageID, status, reason); err != nil {
		logrus.Errorf("Job %s: ledger commit to %s failed: %v", job.JobID, status, err)
	}
}

func methodLabel(method string) string {
	if method == "" {
		return "none"
	}
	return method
}

// buildInvoice maps extraction output onto the persistence models.
func buildInvoice(job *queue.ExtractionJob, doc *imapx.MailDocument, res *extract.Result, artifactPath string) (*model.InvoiceHeader, []model.InvoiceItem) {
	inv := res.Invoice
	header := &model.InvoiceHeader{
		TenantID:         job.TenantID,
		AccountID:        job.AccountID,
		MessageID:        job.MessageRef.MessageID,
		CDC:              inv.CDC,
		InvoiceNumber:    inv.InvoiceNumber,
		IssueDate:        parseIssueDate(inv.IssueDate, doc.Date),
		IssuerName:       inv.IssuerName,
		IssuerRUC:        inv.IssuerRUC,
		BuyerName:        inv.BuyerName,
		BuyerRUC:         inv.BuyerRUC,
		Currency:         inv.Currency,
		TotalAmount:      inv.TotalAmount,
		TotalVAT:         inv.TotalVAT,
		ProcessingMethod: res.Method,
		ArtifactPath:     artifactPath,
	}

	items := make([]model.InvoiceItem, 0, len(inv.Items))
	for _, it := range inv.Items {
		items = append(items, model.InvoiceItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Amount:      it.Amount,
			VATRate:     it.VATRate,
		})
	}
	return header, items
}

// parseIssueDate prefers the extracted date, falling back to the message
// date when the document had none.
func parseIssueDate(extracted string, mailDate time.Time) time.Time {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, extracted); err == nil {
			return t
		}
	}
	return mailDate
}
