package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParseInvoiceJSON leniently parses the model's reply: markdown code fences
// and surrounding prose are stripped before unmarshaling the outermost JSON
// object.
func ParseInvoiceJSON(text string) (*InvoiceData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var data InvoiceData
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice JSON: %w", err)
	}

	data.IssueDate = normalizeDate(data.IssueDate)
	data.IssuerName = strings.TrimSpace(data.IssuerName)
	data.Currency = strings.ToUpper(strings.TrimSpace(data.Currency))
	if data.Currency == "" {
		data.Currency = "PYG"
	}
	return &data, nil
}

// normalizeDate coerces common date spellings to ISO 8601; unparseable input
// is passed through untouched rather than invented.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"02/01/2006",
		"02-01-2006",
		"01/02/2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return s
}
