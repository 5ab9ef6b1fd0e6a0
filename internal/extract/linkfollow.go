package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"factura-ingest-go/internal/imapx"
)

// urlPattern matches absolute http(s) URLs in plain-text or HTML bodies.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// linkHints mark a URL as likely pointing at an invoice document.
var linkHints = []string{
	"factura", "invoice", "comprobante", "descarga", "download",
	"sifen", "kude", ".xml", ".pdf",
}

const (
	defaultDownloadLimit = 10 << 20 // 10 MiB per linked document
	maxCandidateLinks    = 3
)

// LinkFollowStrategy handles messages that carry no usable attachment but
// link to the invoice document. It downloads the first promising link and
// re-runs the payload through the inner strategies.
type LinkFollowStrategy struct {
	client   *http.Client
	inner    *Selector
	maxBytes int64
}

// NewLinkFollowStrategy creates the link-follow strategy. The inner selector
// decides how a downloaded payload is extracted, typically native then
// vision.
func NewLinkFollowStrategy(client *http.Client, inner *Selector) *LinkFollowStrategy {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &LinkFollowStrategy{client: client, inner: inner, maxBytes: defaultDownloadLimit}
}

// Name implements Strategy.
func (s *LinkFollowStrategy) Name() string { return "link_follow" }

// CanHandle reports whether the message body contains a candidate document
// link. Attachments are irrelevant here; the selector only reaches this
// strategy after the attachment-based ones declined or yielded.
func (s *LinkFollowStrategy) CanHandle(req *Request) bool {
	return len(s.candidateLinks(req)) > 0
}

// Extract downloads the first reachable candidate link and delegates to the
// inner strategies with a synthetic single-attachment message.
func (s *LinkFollowStrategy) Extract(ctx context.Context, req *Request) Result {
	links := s.candidateLinks(req)
	if len(links) == 0 {
		return Result{Outcome: OutcomeMissingMetadata, Reason: "no document links in body"}
	}

	var lastErr error
	for _, link := range links {
		data, contentType, err := s.download(ctx, link)
		if err != nil {
			logrus.Warnf("Link download failed for message %s: %v", req.Mail.MessageID, err)
			lastErr = err
			continue
		}

		synthetic := *req.Mail
		synthetic.Attachments = []imapx.Attachment{{
			Filename:    linkFilename(link),
			ContentType: contentType,
			Data:        data,
		}}
		res := s.inner.Extract(ctx, &Request{
			Tenant:      req.Tenant,
			SearchTerms: req.SearchTerms,
			Mail:        &synthetic,
		})
		if res.Outcome != OutcomeMissingMetadata {
			return res
		}
		// downloaded payload was not an invoice, try the next link
	}

	if lastErr != nil {
		return Result{
			Outcome: OutcomeTransientError,
			Reason:  "document link unreachable",
			Err:     fmt.Errorf("failed to download linked document: %w", lastErr),
		}
	}
	return Result{Outcome: OutcomeMissingMetadata, Reason: "linked documents contained no invoice"}
}

// candidateLinks pulls URLs out of both bodies and keeps the ones that look
// like invoice downloads, in order of appearance.
func (s *LinkFollowStrategy) candidateLinks(req *Request) []string {
	body := req.Mail.TextBody + "\n" + req.Mail.HTMLBody
	seen := make(map[string]bool)
	var out []string
	for _, raw := range urlPattern.FindAllString(body, -1) {
		link := strings.TrimRight(raw, ".,;")
		if seen[link] || !s.promising(link, req.SearchTerms) {
			continue
		}
		seen[link] = true
		out = append(out, link)
		if len(out) == maxCandidateLinks {
			break
		}
	}
	return out
}

func (s *LinkFollowStrategy) promising(link string, terms []string) bool {
	lower := strings.ToLower(link)
	for _, hint := range linkHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	for _, term := range terms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func (s *LinkFollowStrategy) download(ctx context.Context, link string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", link, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch %s: status %d", link, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", link, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, "", fmt.Errorf("linked document %s exceeds %d bytes", link, s.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(data)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return data, contentType, nil
}

func linkFilename(link string) string {
	if u, err := url.Parse(link); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return "linked-document"
}
