package extract

import (
	"context"
	"errors"
	"fmt"

	"factura-ingest-go/internal/ai"
	"factura-ingest-go/internal/extract/sifen"
	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/model"
)

// NativeStrategy parses recognized structured XML attachments directly.
// Zero external cost, always tried first.
type NativeStrategy struct{}

// NewNativeStrategy creates the native SIFEN strategy.
func NewNativeStrategy() *NativeStrategy { return &NativeStrategy{} }

// Name implements Strategy.
func (s *NativeStrategy) Name() string { return "native" }

// CanHandle reports whether the message carries an XML attachment.
func (s *NativeStrategy) CanHandle(req *Request) bool {
	return firstXMLAttachment(req.Mail) != nil
}

// Extract parses the first XML attachment. Invalid or incomplete documents
// yield to the next strategy with the same payload.
func (s *NativeStrategy) Extract(ctx context.Context, req *Request) Result {
	att := firstXMLAttachment(req.Mail)
	if att == nil {
		return Result{Outcome: OutcomeMissingMetadata, Reason: "no XML attachment"}
	}

	inv, err := sifen.Parse(att.Data)
	if err != nil {
		if errors.Is(err, sifen.ErrInvalidDocument) {
			return Result{
				Outcome: OutcomeMissingMetadata,
				Reason:  fmt.Sprintf("native parse incomplete: %v", err),
			}
		}
		return Result{
			Outcome: OutcomeMissingMetadata,
			Reason:  fmt.Sprintf("native parse failed: %v", err),
		}
	}

	return Result{
		Outcome: OutcomeSuccess,
		Method:  model.MethodNative,
		Invoice: nativeToInvoiceData(inv),
	}
}

func firstXMLAttachment(mail *imapx.MailDocument) *imapx.Attachment {
	for i := range mail.Attachments {
		if mail.Attachments[i].IsXML() {
			return &mail.Attachments[i]
		}
	}
	return nil
}

func nativeToInvoiceData(inv *sifen.Invoice) *ai.InvoiceData {
	data := &ai.InvoiceData{
		CDC:           inv.CDC,
		InvoiceNumber: inv.InvoiceNumber,
		IssuerName:    inv.IssuerName,
		IssuerRUC:     inv.IssuerRUC,
		BuyerName:     inv.BuyerName,
		BuyerRUC:      inv.BuyerRUC,
		Currency:      inv.Currency,
		TotalAmount:   inv.TotalAmount,
		TotalVAT:      inv.TotalVAT,
	}
	if !inv.IssueDate.IsZero() {
		data.IssueDate = inv.IssueDate.Format("2006-01-02")
	}
	for _, item := range inv.Items {
		data.Items = append(data.Items, ai.InvoiceItemData{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Amount:      item.Amount,
			VATRate:     item.VATRate,
		})
	}
	return data
}
