package extract

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/ai"
	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/retry"
)

// QuotaReserver gates AI-path invocations per tenant.
type QuotaReserver interface {
	Reserve(ctx context.Context, tenant string) (bool, error)
}

// VisionStrategy sends PDF/image attachments to the external vision model.
// Costs quota, so the reserve check happens before any call leaves the
// process.
type VisionStrategy struct {
	extractor ai.Extractor
	quota     QuotaReserver
}

// NewVisionStrategy creates the AI vision strategy.
func NewVisionStrategy(extractor ai.Extractor, quota QuotaReserver) *VisionStrategy {
	return &VisionStrategy{extractor: extractor, quota: quota}
}

// Name implements Strategy.
func (s *VisionStrategy) Name() string { return "ai_vision" }

// CanHandle reports whether the message carries anything the vision model
// can read: a PDF/image attachment, or an XML attachment the native parser
// already gave up on (the selector only reaches here after native ran).
func (s *VisionStrategy) CanHandle(req *Request) bool {
	return visionAttachment(req.Mail) != nil
}

// Extract reserves quota and calls the extraction service. Quota exhaustion
// is a deferred outcome, never an error, and the service is not invoked.
func (s *VisionStrategy) Extract(ctx context.Context, req *Request) Result {
	att := visionAttachment(req.Mail)
	if att == nil {
		return Result{Outcome: OutcomeMissingMetadata, Reason: "no vision-usable attachment"}
	}

	ok, err := s.quota.Reserve(ctx, req.Tenant)
	if err != nil {
		return Result{
			Outcome: OutcomeTransientError,
			Reason:  "quota check failed",
			Err:     fmt.Errorf("failed to reserve AI quota: %w", err),
		}
	}
	if !ok {
		return Result{Outcome: OutcomeDeferred, Reason: "AI extraction quota exhausted"}
	}

	logrus.Infof("Running vision extraction for message %s (%s)", req.Mail.MessageID, att.Filename)
	invoice, err := s.extractor.ExtractInvoice(ctx, att.Data, att.ContentType)
	if err != nil {
		if retry.Classify(err) == retry.ClassTransient {
			return Result{Outcome: OutcomeTransientError, Reason: "extraction service unavailable", Err: err}
		}
		return Result{Outcome: OutcomeFatalError, Reason: "extraction service rejected document", Err: err}
	}

	return Result{
		Outcome: OutcomeSuccess,
		Method:  model.MethodAIVision,
		Invoice: invoice,
	}
}

// visionAttachment prefers a PDF/image attachment and falls back to XML as
// plain-text input.
func visionAttachment(mail *imapx.MailDocument) *imapx.Attachment {
	for i := range mail.Attachments {
		if mail.Attachments[i].IsImageOrPDF() {
			return &mail.Attachments[i]
		}
	}
	for i := range mail.Attachments {
		if mail.Attachments[i].IsXML() {
			return &mail.Attachments[i]
		}
	}
	return nil
}
