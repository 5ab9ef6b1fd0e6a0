// Package ai adapts the external vision extraction service. The rest of the
// pipeline treats it as opaque: bytes and a prompt go in, normalized invoice
// data comes out, and every failure is pre-classified as fatal or transient.
package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"factura-ingest-go/internal/config"
	"factura-ingest-go/internal/metrics"
	"factura-ingest-go/internal/retry"
)

// InvoiceData is the extraction output schema shared by the native parser
// and the vision path.
type InvoiceData struct {
	CDC           string            `json:"cdc"`
	InvoiceNumber string            `json:"invoice_number"`
	IssueDate     string            `json:"issue_date"`
	IssuerName    string            `json:"issuer_name"`
	IssuerRUC     string            `json:"issuer_ruc"`
	BuyerName     string            `json:"buyer_name"`
	BuyerRUC      string            `json:"buyer_ruc"`
	Currency      string            `json:"currency"`
	TotalAmount   float64           `json:"total_amount"`
	TotalVAT      float64           `json:"total_vat"`
	Items         []InvoiceItemData `json:"items"`
}

// InvoiceItemData is one extracted line item.
type InvoiceItemData struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Amount      float64 `json:"amount"`
	VATRate     float64 `json:"vat_rate"`
}

// Extractor is the vision extraction contract consumed by the strategy
// selector.
type Extractor interface {
	ExtractInvoice(ctx context.Context, data []byte, contentType string) (*InvoiceData, error)
}

const extractionPrompt = `You are given an electronic invoice as an image or PDF.
Extract the following fields and respond with ONLY a JSON object, no prose:
{
  "cdc": "44-digit control code if present, else empty",
  "invoice_number": "formatted invoice number, e.g. 001-001-0001234",
  "issue_date": "ISO 8601 date (YYYY-MM-DD)",
  "issuer_name": "", "issuer_ruc": "",
  "buyer_name": "", "buyer_ruc": "",
  "currency": "ISO 4217 code, default PYG",
  "total_amount": 0, "total_vat": 0,
  "items": [{"description": "", "quantity": 0, "unit_price": 0, "amount": 0, "vat_rate": 0}]
}
Use null-free values: empty strings and zeros for unknowns. Amounts are plain numbers without thousands separators.`

// Client implements Extractor against the Anthropic API.
type Client struct {
	client  sdk.Client
	model   string
	limiter *rate.Limiter
}

// NewClient creates a vision extraction client.
func NewClient(cfg config.AIConfig) *Client {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		client:  sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// ExtractInvoice sends the document to the vision model and parses the JSON
// reply. Errors come back classified so the retry controller and the worker
// can act without inspecting provider details.
func (c *Client) ExtractInvoice(ctx context.Context, data []byte, contentType string) (*InvoiceData, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	block, err := documentBlock(data, contentType)
	if err != nil {
		return nil, retry.Fatal(err)
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 2048,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(block, sdk.NewTextBlock(extractionPrompt)),
		},
	})
	if err != nil {
		metrics.AICallsTotal.WithLabelValues("error").Inc()
		return nil, classifyAPIError(err)
	}
	metrics.AICallsTotal.WithLabelValues("ok").Inc()

	var text strings.Builder
	for _, part := range msg.Content {
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return nil, retry.Transient(fmt.Errorf("empty response from extraction service"))
	}

	invoice, err := ParseInvoiceJSON(text.String())
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("failed to parse extraction response: %w", err))
	}

	logrus.Debugf("Vision extraction used %d input / %d output tokens",
		msg.Usage.InputTokens, msg.Usage.OutputTokens)
	return invoice, nil
}

func documentBlock(data []byte, contentType string) (sdk.ContentBlockParamUnion, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{Data: encoded}), nil
	case strings.HasPrefix(ct, "image/"):
		return sdk.NewImageBlockBase64(ct, encoded), nil
	case strings.Contains(ct, "xml"), strings.HasPrefix(ct, "text/"):
		// invalid native XML falls through here; the model reads it as text
		return sdk.NewDocumentBlock(sdk.PlainTextSourceParam{Data: string(data)}), nil
	}
	return sdk.ContentBlockParamUnion{}, fmt.Errorf("unsupported vision input type %q", contentType)
}

// classifyAPIError maps provider failures onto the retry taxonomy: invalid
// credentials and exhausted provider credit are fatal and surfaced to the
// tenant; rate limits, overload and timeouts are transient.
func classifyAPIError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return retry.Fatal(fmt.Errorf("extraction service rejected credentials: %w", err))
		case 400, 404, 413:
			return retry.Fatal(fmt.Errorf("extraction service rejected request: %w", err))
		case 429, 500, 502, 503, 529:
			return retry.Transient(fmt.Errorf("extraction service unavailable: %w", err))
		}
		return retry.Fatal(fmt.Errorf("extraction service error: %w", err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Transient(err)
	}
	// network-level failures without an HTTP status
	return retry.Transient(fmt.Errorf("extraction service call failed: %w", err))
}
