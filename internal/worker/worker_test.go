package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factura-ingest-go/internal/ai"
	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/extract"
	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/ledger"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
	"factura-ingest-go/internal/retry"
)

type fakeLedger struct {
	mu        sync.Mutex
	claim     ledger.ClaimResult
	claimErr  error
	commits   []string // "status:reason"
	abandoned int
}

func (f *fakeLedger) TryClaim(ctx context.Context, tenant, messageID string, accountID uint) (ledger.ClaimResult, error) {
	return f.claim, f.claimErr
}

func (f *fakeLedger) Commit(ctx context.Context, tenant, messageID, status, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, status+":"+reason)
	return nil
}

func (f *fakeLedger) Abandon(ctx context.Context, tenant, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned++
	return nil
}

func (f *fakeLedger) lastCommit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commits) == 0 {
		return ""
	}
	return f.commits[len(f.commits)-1]
}

type fakeFetcher struct {
	doc   *imapx.MailDocument
	err   error
	delay time.Duration
}

func (f *fakeFetcher) FetchFull(uid uint32) (*imapx.MailDocument, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.doc, f.err
}

type fakeSessions struct{ fetcher *fakeFetcher }

func (f *fakeSessions) Session(ctx context.Context, account *model.EmailAccount) (MailFetcher, func(bool), error) {
	return f.fetcher, func(bool) {}, nil
}

type fakeAccounts struct{ account *model.EmailAccount }

func (f *fakeAccounts) Account(ctx context.Context, id uint) (*model.EmailAccount, error) {
	return f.account, nil
}

type fakeInvoices struct {
	mu      sync.Mutex
	headers []*model.InvoiceHeader
	items   [][]model.InvoiceItem
	err     error
}

func (f *fakeInvoices) SaveInvoice(ctx context.Context, header *model.InvoiceHeader, items []model.InvoiceItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.headers = append(f.headers, header)
	f.items = append(f.items, items)
	return nil
}

type fakeArtifacts struct{ saved []string }

func (f *fakeArtifacts) Save(tenant, messageID, filename string, data []byte) (string, error) {
	key := tenant + "/" + messageID + "/" + filename
	f.saved = append(f.saved, key)
	return key, nil
}

type fakeRequeuer struct {
	mu   sync.Mutex
	jobs []*queue.ExtractionJob
}

func (f *fakeRequeuer) Requeue(ctx context.Context, job *queue.ExtractionJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeCancels struct{ cancelled bool }

func (f *fakeCancels) Cancel(ctx context.Context, tenant string) error     { f.cancelled = true; return nil }
func (f *fakeCancels) Resume(ctx context.Context, tenant string) error     { f.cancelled = false; return nil }
func (f *fakeCancels) IsCancelled(ctx context.Context, tenant string) (bool, error) {
	return f.cancelled, nil
}

type stubStrategy struct {
	name string
	res  extract.Result
}

func (s *stubStrategy) Name() string                   { return s.name }
func (s *stubStrategy) CanHandle(req *extract.Request) bool { return true }
func (s *stubStrategy) Extract(ctx context.Context, req *extract.Request) extract.Result {
	return s.res
}

type poolFixture struct {
	pool     *Pool
	ledger   *fakeLedger
	invoices *fakeInvoices
	requeuer *fakeRequeuer
	cancels  *fakeCancels
	artifacts *fakeArtifacts
}

func newFixture(res extract.Result, fetcher *fakeFetcher) *poolFixture {
	f := &poolFixture{
		ledger:    &fakeLedger{claim: ledger.Claimed},
		invoices:  &fakeInvoices{},
		requeuer:  &fakeRequeuer{},
		cancels:   &fakeCancels{},
		artifacts: &fakeArtifacts{},
	}
	cfg := config.WorkerConfig{
		PoolSize:        1,
		MaxAttempts:     3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      2 * time.Millisecond,
		WatchdogTimeout: 200 * time.Millisecond,
		DequeueBlock:    10 * time.Millisecond,
	}
	account := &model.EmailAccount{TenantID: "tenant-a", SearchTerms: "factura"}
	account.ID = 42
	f.pool = NewPool(cfg, nil, f.ledger, extract.NewSelector(&stubStrategy{name: "stub", res: res}),
		&fakeSessions{fetcher: fetcher}, &fakeAccounts{account: account}, f.invoices,
		f.artifacts, f.requeuer, f.cancels)
	return f
}

func testJob() *queue.ExtractionJob {
	return &queue.ExtractionJob{
		JobID:      "job-1",
		TenantID:   "tenant-a",
		AccountID:  42,
		MessageRef: queue.DiscoveredMessageRef{AccountID: 42, MailboxUID: 7, MessageID: "<m@x>"},
		Priority:   queue.PriorityDefault,
	}
}

func testDoc() *imapx.MailDocument {
	return &imapx.MailDocument{
		MessageID: "<m@x>",
		Date:      time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC),
		Raw:       []byte("From: a@x\r\n\r\nbody"),
	}
}

func TestProcessSuccessPersistsAndCommitsDone(t *testing.T) {
	res := extract.Result{
		Outcome: extract.OutcomeSuccess,
		Method:  model.MethodNative,
		Invoice: &ai.InvoiceData{
			CDC:           "0123",
			InvoiceNumber: "001-001-0000123",
			IssueDate:     "2026-02-15",
			TotalAmount:   550000,
			Items: []ai.InvoiceItemData{
				{Description: "Cemento", Quantity: 10, Amount: 550000},
			},
		},
	}
	f := newFixture(res, &fakeFetcher{doc: testDoc()})

	label := f.pool.process(context.Background(), testJob())

	assert.Equal(t, "success", label)
	require.Len(t, f.invoices.headers, 1)
	h := f.invoices.headers[0]
	assert.Equal(t, "tenant-a", h.TenantID)
	assert.Equal(t, model.MethodNative, h.ProcessingMethod)
	assert.Equal(t, "tenant-a/<m@x>/message.eml", h.ArtifactPath)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), h.IssueDate)
	require.Len(t, f.invoices.items[0], 1)
	assert.Equal(t, "done:", f.ledger.lastCommit())
}

func TestProcessDuplicateClaimDropsJob(t *testing.T) {
	f := newFixture(extract.Result{Outcome: extract.OutcomeSuccess}, &fakeFetcher{doc: testDoc()})
	f.ledger.claim = ledger.AlreadyTerminal

	label := f.pool.process(context.Background(), testJob())

	assert.Equal(t, "duplicate", label)
	assert.Empty(t, f.invoices.headers)
	assert.Empty(t, f.ledger.commits)
}

func TestProcessDeferredCommitsSkippedAILimit(t *testing.T) {
	res := extract.Result{Outcome: extract.OutcomeDeferred, Reason: "AI extraction quota exhausted"}
	f := newFixture(res, &fakeFetcher{doc: testDoc()})

	label := f.pool.process(context.Background(), testJob())

	assert.Equal(t, "deferred", label)
	assert.Equal(t, "skipped_ai_limit:AI extraction quota exhausted", f.ledger.lastCommit())
	assert.Empty(t, f.requeuer.jobs, "deferred must not requeue")
}

func TestProcessMissingMetadataCommits(t *testing.T) {
	res := extract.Result{Outcome: extract.OutcomeMissingMetadata, Reason: "no applicable extraction strategy"}
	f := newFixture(res, &fakeFetcher{doc: testDoc()})

	label := f.pool.process(context.Background(), testJob())

	assert.Equal(t, "missing_metadata", label)
	assert.Equal(t, "missing_metadata:no applicable extraction strategy", f.ledger.lastCommit())
}

func TestProcessTransientRequeuesAndAbandonsClaim(t *testing.T) {
	res := extract.Result{Outcome: extract.OutcomeTransientError, Err: errors.New("service busy")}
	f := newFixture(res, &fakeFetcher{doc: testDoc()})

	label := f.pool.process(context.Background(), testJob())

	assert.Equal(t, "transient_error", label)
	assert.Equal(t, 1, f.ledger.abandoned, "claim must be released before requeue")
	require.Len(t, f.requeuer.jobs, 1)
	assert.Empty(t, f.ledger.commits)
}

func TestProcessTransientExhaustedFailsTerminally(t *testing.T) {
	res := extract.Result{Outcome: extract.OutcomeTransientError, Err: errors.New("service busy")}
	f := newFixture(res, &fakeFetcher{doc: testDoc()})

	job := testJob()
	job.AttemptCount = 2 // third attempt of three
	label := f.pool.process(context.Background(), job)

	assert.Equal(t, "retries_exhausted", label)
	assert.Contains(t, f.ledger.lastCommit(), "failed:retries exhausted")
	assert.Empty(t, f.requeuer.jobs)
}

func TestProcessFatalCommitsFailed(t *testing.T) {
	f := newFixture(extract.Result{Outcome: extract.OutcomeSuccess}, &fakeFetcher{
		err: retry.Fatal(errors.New("message is gone")),
	})

	label := f.pool.process(context.Background(), testJob())

	assert.Equal(t, "fatal_error", label)
	assert.Contains(t, f.ledger.lastCommit(), "failed:")
	assert.Empty(t, f.requeuer.jobs)
}

func TestProcessWatchdogTimeoutReportedDistinctly(t *testing.T) {
	f := newFixture(extract.Result{Outcome: extract.OutcomeSuccess}, &fakeFetcher{
		doc:   testDoc(),
		delay: 50 * time.Millisecond,
		err:   context.DeadlineExceeded,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	label := f.pool.process(ctx, testJob())

	assert.Equal(t, "watchdog_timeout", label)
	assert.Equal(t, "failed:watchdog_timeout", f.ledger.lastCommit())
}

func TestProcessCancelledTenantAbandonsClaim(t *testing.T) {
	f := newFixture(extract.Result{Outcome: extract.OutcomeSuccess}, &fakeFetcher{doc: testDoc()})
	f.cancels.cancelled = true

	label := f.pool.process(context.Background(), testJob())

	assert.Equal(t, "cancelled", label)
	assert.Equal(t, 1, f.ledger.abandoned)
	assert.Empty(t, f.ledger.commits, "cancel must not write a terminal status")
}
