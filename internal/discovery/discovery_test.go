package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/lock"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
)

type fakeSession struct {
	uids        []uint32
	envelopes   []imapx.Envelope
	searchErr   error
	searchDelay time.Duration
	lastSpec    imapx.SearchSpec
}

func (f *fakeSession) Search(spec imapx.SearchSpec) ([]uint32, error) {
	f.lastSpec = spec
	if f.searchDelay > 0 {
		time.Sleep(f.searchDelay)
	}
	return f.uids, f.searchErr
}

func (f *fakeSession) FetchEnvelopes(uids []uint32) ([]imapx.Envelope, error) {
	return f.envelopes, nil
}

type fakeSessionSource struct {
	session  *fakeSession
	healthy  *bool
	openErr  error
	released int
}

func (f *fakeSessionSource) Session(ctx context.Context, account *model.EmailAccount) (Session, func(bool), error) {
	if f.openErr != nil {
		return nil, nil, f.openErr
	}
	return f.session, func(healthy bool) {
		f.released++
		if f.healthy != nil {
			*f.healthy = healthy
		}
	}, nil
}

type recordingDispatcher struct {
	account *model.EmailAccount
	trigger string
	refs    []queue.DiscoveredMessageRef
	err     error
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, account *model.EmailAccount, trigger string, refs []queue.DiscoveredMessageRef) (int, error) {
	r.account, r.trigger, r.refs = account, trigger, refs
	if r.err != nil {
		return 0, r.err
	}
	return len(refs), nil
}

func scanAccount(mode string) *model.EmailAccount {
	acc := &model.EmailAccount{
		TenantID:    "tenant-a",
		Mode:        mode,
		SearchTerms: "factura,invoice",
	}
	acc.ID = 42
	return acc
}

func TestScanDiscoversAndDispatches(t *testing.T) {
	session := &fakeSession{
		uids: []uint32{11, 12},
		envelopes: []imapx.Envelope{
			{UID: 11, MessageID: "<a@x>"},
			{UID: 12, MessageID: "<b@x>"},
		},
	}
	healthy := false
	src := &fakeSessionSource{session: session, healthy: &healthy}
	disp := &recordingDispatcher{}
	scanner := NewScanner(lock.NewLocalLocker(), src, disp, nil, time.Minute, 0)

	queued, err := scanner.Scan(context.Background(), scanAccount(model.ModeScheduled), "scheduled", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Equal(t, "scheduled", disp.trigger)
	require.Len(t, disp.refs, 2)
	assert.Equal(t, uint(42), disp.refs[0].AccountID)
	assert.Equal(t, uint32(11), disp.refs[0].MailboxUID)
	assert.True(t, session.lastSpec.Unseen)
	assert.Equal(t, []string{"factura", "invoice"}, session.lastSpec.Subjects)
	assert.Equal(t, 1, src.released)
	assert.True(t, healthy, "session must be returned healthy after a clean scan")
}

func TestScanConflictsWhileLockHeld(t *testing.T) {
	locker := lock.NewLocalLocker()
	_, err := locker.Acquire(context.Background(), "discovery", "42", time.Minute)
	require.NoError(t, err)

	scanner := NewScanner(locker, &fakeSessionSource{session: &fakeSession{}}, &recordingDispatcher{}, nil, time.Minute, 0)
	_, err = scanner.Scan(context.Background(), scanAccount(model.ModeManual), "manual", Options{})
	assert.ErrorIs(t, err, ErrScanInProgress)
}

func TestScanReleasesLockAfterSearchFailure(t *testing.T) {
	locker := lock.NewLocalLocker()
	session := &fakeSession{searchErr: errors.New("connection reset")}
	scanner := NewScanner(locker, &fakeSessionSource{session: session}, &recordingDispatcher{}, nil, time.Minute, 0)

	_, err := scanner.Scan(context.Background(), scanAccount(model.ModeManual), "manual", Options{})
	require.Error(t, err)

	// lock must be free again
	_, err = locker.Acquire(context.Background(), "discovery", "42", time.Minute)
	assert.NoError(t, err)
}

func TestRangeScanUsesDateBounds(t *testing.T) {
	session := &fakeSession{}
	scanner := NewScanner(lock.NewLocalLocker(), &fakeSessionSource{session: session}, &recordingDispatcher{}, nil, time.Minute, 0)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := scanner.Scan(context.Background(), scanAccount(model.ModeRange), "range", Options{Since: since, Before: before})
	require.NoError(t, err)

	assert.False(t, session.lastSpec.Unseen)
	assert.Equal(t, since, session.lastSpec.Since)
	assert.Equal(t, before, session.lastSpec.Before)
}

func TestScanNoMessagesQueuesNothing(t *testing.T) {
	session := &fakeSession{uids: nil}
	disp := &recordingDispatcher{}
	scanner := NewScanner(lock.NewLocalLocker(), &fakeSessionSource{session: session}, disp, nil, time.Minute, 0)

	queued, err := scanner.Scan(context.Background(), scanAccount(model.ModeScheduled), "scheduled", Options{})
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Nil(t, disp.refs)
}

type stubTerminalChecker struct{ done map[string]bool }

func (s *stubTerminalChecker) IsTerminal(ctx context.Context, tenant, messageID string) (bool, error) {
	return s.done[messageID], nil
}

func TestScanSkipsMessagesAlreadySettled(t *testing.T) {
	session := &fakeSession{
		uids: []uint32{11, 12},
		envelopes: []imapx.Envelope{
			{UID: 11, MessageID: "<a@x>"},
			{UID: 12, MessageID: "<b@x>"},
		},
	}
	disp := &recordingDispatcher{}
	checker := &stubTerminalChecker{done: map[string]bool{"<a@x>": true}}
	scanner := NewScanner(lock.NewLocalLocker(), &fakeSessionSource{session: session}, disp, checker, time.Minute, 0)

	queued, err := scanner.Scan(context.Background(), scanAccount(model.ModeScheduled), "scheduled", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Len(t, disp.refs, 1)
	assert.Equal(t, "<b@x>", disp.refs[0].MessageID)
}

func TestScanAppliesSenderFilter(t *testing.T) {
	session := &fakeSession{}
	scanner := NewScanner(lock.NewLocalLocker(), &fakeSessionSource{session: session}, &recordingDispatcher{}, nil, time.Minute, 0)

	acc := scanAccount(model.ModeScheduled)
	acc.SenderFilter = "facturacion@proveedor.com.py"
	_, err := scanner.Scan(context.Background(), acc, "scheduled", Options{})
	require.NoError(t, err)

	assert.Equal(t, "facturacion@proveedor.com.py", session.lastSpec.Sender)
}

type renewCountingLocker struct {
	*lock.LocalLocker
	mu     sync.Mutex
	renews int
}

func (l *renewCountingLocker) Renew(ctx context.Context, scope, resource, token string, ttl time.Duration) error {
	l.mu.Lock()
	l.renews++
	l.mu.Unlock()
	return l.LocalLocker.Renew(ctx, scope, resource, token, ttl)
}

func (l *renewCountingLocker) renewCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renews
}

func TestScanRenewsLockWhileRunning(t *testing.T) {
	locker := &renewCountingLocker{LocalLocker: lock.NewLocalLocker()}
	session := &fakeSession{searchDelay: 50 * time.Millisecond}
	scanner := NewScanner(locker, &fakeSessionSource{session: session}, &recordingDispatcher{}, nil, time.Minute, 5*time.Millisecond)

	_, err := scanner.Scan(context.Background(), scanAccount(model.ModeScheduled), "scheduled", Options{})
	require.NoError(t, err)
	assert.Greater(t, locker.renewCount(), 0, "lock must be renewed during a slow scan")
}
