// Package discovery finds candidate invoice messages in a mailbox and hands
// them to the dispatcher. One scan per account at a time, enforced through
// the distributed lock, so a slow manual scan and the scheduler never walk
// over each other.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/lock"
	"factura-ingest-go/internal/metrics"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/queue"
)

// ErrScanInProgress is returned when another scan already holds the account
// lock. Callers surface it as a conflict, not a failure.
var ErrScanInProgress = errors.New("scan already in progress for account")

const lockScope = "discovery"

// Session is the slice of the IMAP client discovery needs.
type Session interface {
	Search(spec imapx.SearchSpec) ([]uint32, error)
	FetchEnvelopes(uids []uint32) ([]imapx.Envelope, error)
}

// SessionSource hands out mailbox sessions. The release func must be called
// exactly once, with whether the session is still usable.
type SessionSource interface {
	Session(ctx context.Context, account *model.EmailAccount) (Session, func(healthy bool), error)
}

// TerminalChecker lets the scanner skip messages the ledger already
// settled. Optional; a nil checker dispatches everything and lets the
// worker claim sort it out.
type TerminalChecker interface {
	IsTerminal(ctx context.Context, tenant, messageID string) (bool, error)
}

// Dispatcher is the downstream jobs sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, account *model.EmailAccount, trigger string, refs []queue.DiscoveredMessageRef) (int, error)
}

// Options narrow a scan beyond the account's own search terms.
type Options struct {
	// Since/Before bound a range scan; zero values mean unbounded.
	Since  time.Time
	Before time.Time
	// Limit caps how many messages a manual scan may queue. 0 = no cap.
	Limit int
}

// Scanner runs mailbox scans.
type Scanner struct {
	locker     lock.Locker
	sessions   SessionSource
	dispatcher Dispatcher
	ledger     TerminalChecker
	lockTTL    time.Duration
	renewEvery time.Duration
}

// NewScanner creates a Scanner. ledger may be nil; renewEvery 0 disables
// lock renewal.
func NewScanner(locker lock.Locker, sessions SessionSource, dispatcher Dispatcher, ledger TerminalChecker, lockTTL, renewEvery time.Duration) *Scanner {
	return &Scanner{
		locker:     locker,
		sessions:   sessions,
		dispatcher: dispatcher,
		ledger:     ledger,
		lockTTL:    lockTTL,
		renewEvery: renewEvery,
	}
}

// Scan searches the account's mailbox and dispatches one job per discovered
// message. Returns ErrScanInProgress when the account is already being
// scanned.
func (s *Scanner) Scan(ctx context.Context, account *model.EmailAccount, trigger string, opts Options) (int, error) {
	resource := fmt.Sprintf("%d", account.ID)
	token, err := s.locker.Acquire(ctx, lockScope, resource, s.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return 0, ErrScanInProgress
		}
		return 0, fmt.Errorf("failed to acquire scan lock for account %d: %w", account.ID, err)
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockScope, resource, token); err != nil {
			logrus.Warnf("Failed to release scan lock for account %d: %v", account.ID, err)
		}
	}()

	// a scan of a large mailbox can outlive the lock TTL; keep renewing
	// until the scan finishes so no second scan slips in
	if s.renewEvery > 0 {
		renewCtx, stopRenew := context.WithCancel(ctx)
		defer stopRenew()
		go s.renewLoop(renewCtx, resource, token)
	}

	session, release, err := s.sessions.Session(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("failed to open mailbox session for account %d: %w", account.ID, err)
	}
	healthy := false
	defer func() { release(healthy) }()

	spec := searchSpec(account, opts)
	uids, err := session.Search(spec)
	if err != nil {
		return 0, fmt.Errorf("failed to search account %d: %w", account.ID, err)
	}
	if len(uids) == 0 {
		healthy = true
		logrus.Debugf("Scan of account %d found no messages", account.ID)
		return 0, nil
	}

	envelopes, err := session.FetchEnvelopes(uids)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch envelopes for account %d: %w", account.ID, err)
	}
	healthy = true
	metrics.MessagesDiscovered.Add(float64(len(envelopes)))

	refs := make([]queue.DiscoveredMessageRef, 0, len(envelopes))
	for _, env := range envelopes {
		if s.ledger != nil {
			done, err := s.ledger.IsTerminal(ctx, account.TenantID, env.MessageID)
			if err != nil {
				logrus.Warnf("Ledger pre-filter failed for %s, dispatching anyway: %v", env.MessageID, err)
			} else if done {
				continue
			}
		}
		refs = append(refs, queue.DiscoveredMessageRef{
			AccountID:  account.ID,
			MailboxUID: env.UID,
			MessageID:  env.MessageID,
		})
	}

	queued, err := s.dispatcher.Dispatch(ctx, account, trigger, refs)
	if err != nil {
		return queued, err
	}
	logrus.Infof("Scan of account %d discovered %d messages, queued %d", account.ID, len(refs), queued)
	return queued, nil
}

// renewLoop extends the scan lock until ctx is cancelled.
func (s *Scanner) renewLoop(ctx context.Context, resource, token string) {
	ticker := time.NewTicker(s.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.locker.Renew(ctx, lockScope, resource, token, s.lockTTL); err != nil {
				logrus.Warnf("Failed to renew scan lock for %s: %v", resource, err)
			}
		}
	}
}

// searchSpec builds the IMAP criteria for the account mode. Range scans use
// date bounds; everything else tracks unseen mail.
func searchSpec(account *model.EmailAccount, opts Options) imapx.SearchSpec {
	spec := imapx.SearchSpec{
		Subjects: account.SearchTermList(),
		Sender:   account.SenderFilter,
		Limit:    opts.Limit,
	}
	if account.Mode == model.ModeRange || !opts.Since.IsZero() || !opts.Before.IsZero() {
		spec.Since = opts.Since
		spec.Before = opts.Before
		return spec
	}
	spec.Unseen = true
	return spec
}
