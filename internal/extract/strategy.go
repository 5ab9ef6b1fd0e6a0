// Package extract chooses and executes one extraction strategy per message:
// native structured parsing, vision-based AI extraction, or following a link
// in the body, in strict priority order.
package extract

import (
	"context"

	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/ai"
	"factura-ingest-go/internal/imapx"
)

// Outcome is the explicit result classification of an extraction attempt.
// Deferred outcomes (quota exhausted) are not failures and not successes;
// they wait for a quota reset or a manual retry.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDeferred
	OutcomeTransientError
	OutcomeFatalError
	OutcomeMissingMetadata
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeTransientError:
		return "transient_error"
	case OutcomeFatalError:
		return "fatal_error"
	case OutcomeMissingMetadata:
		return "missing_metadata"
	}
	return "unknown"
}

// Result is what a strategy produced for one message.
type Result struct {
	Outcome Outcome
	Method  string // processing method recorded on the invoice
	Invoice *ai.InvoiceData
	Reason  string
	Err     error
}

// Request carries one message through the selector.
type Request struct {
	Tenant      string
	SearchTerms []string
	Mail        *imapx.MailDocument
}

// Strategy is one way of turning a message into invoice data. CanHandle is a
// cheap structural check; Extract does the work.
type Strategy interface {
	Name() string
	CanHandle(req *Request) bool
	Extract(ctx context.Context, req *Request) Result
}

// Selector runs strategies in priority order, first match wins. A strategy
// returning OutcomeMissingMetadata yields to the next one; any other outcome
// is final.
type Selector struct {
	strategies []Strategy
}

// NewSelector creates a selector over the given strategies, highest priority
// first.
func NewSelector(strategies ...Strategy) *Selector {
	return &Selector{strategies: strategies}
}

// Extract picks the first applicable strategy and returns its result.
func (s *Selector) Extract(ctx context.Context, req *Request) Result {
	lastReason := "no applicable extraction strategy"
	for _, strat := range s.strategies {
		if !strat.CanHandle(req) {
			continue
		}
		res := strat.Extract(ctx, req)
		if res.Outcome == OutcomeMissingMetadata {
			// let the next strategy try the same message
			logrus.Debugf("Strategy %s yielded on message %s: %s", strat.Name(), req.Mail.MessageID, res.Reason)
			if res.Reason != "" {
				lastReason = res.Reason
			}
			continue
		}
		return res
	}
	return Result{Outcome: OutcomeMissingMetadata, Reason: lastReason}
}
