package imapx

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
)

// Attachment is one decoded MIME part carrying a file.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"-"`
}

// IsXML reports whether the attachment looks like a structured XML document.
func (a *Attachment) IsXML() bool {
	if strings.Contains(a.ContentType, "xml") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(a.Filename), ".xml")
}

// IsImageOrPDF reports whether the attachment is usable as vision input.
func (a *Attachment) IsImageOrPDF() bool {
	ct := strings.ToLower(a.ContentType)
	if strings.HasPrefix(ct, "image/") || strings.Contains(ct, "pdf") {
		return true
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range []string{".pdf", ".png", ".jpg", ".jpeg", ".webp", ".gif"} {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// MailDocument is a fully downloaded message: envelope fields, text bodies
// and decoded attachments.
type MailDocument struct {
	MessageID   string       `json:"message_id"`
	UID         uint32       `json:"uid"`
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	Date        time.Time    `json:"date"`
	TextBody    string       `json:"text_body"`
	HTMLBody    string       `json:"html_body"`
	Attachments []Attachment `json:"attachments"`
	Raw         []byte       `json:"-"`
}

// ParseMail decodes a raw RFC 5322 message into a MailDocument. Malformed
// MIME is a fatal error for the message, not a retryable one.
func ParseMail(raw []byte, uid uint32) (*MailDocument, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	doc := &MailDocument{UID: uid, Raw: raw}

	doc.MessageID = strings.TrimSpace(entity.Header.Get("Message-Id"))
	doc.Subject = decodeHeader(entity.Header.Get("Subject"))
	doc.From = entity.Header.Get("From")
	if date := entity.Header.Get("Date"); date != "" {
		if t, err := parseDate(date); err == nil {
			doc.Date = t
		}
	}

	if err := walkEntity(entity, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %s", s)
}

func decodeHeader(s string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

// walkEntity recursively descends multipart structures collecting text
// bodies and attachments.
func walkEntity(entity *message.Entity, doc *MailDocument) error {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read part: %w", err)
			}
			if err := walkEntity(p, doc); err != nil {
				return err
			}
		}
		return nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read part body: %w", err)
	}

	contentType, params, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = "text/plain"
	}

	if filename := partFilename(entity, params); filename != "" || isAttachmentType(contentType) {
		if filename == "" {
			filename = "attachment"
		}
		doc.Attachments = append(doc.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        content,
		})
		return nil
	}

	switch contentType {
	case "text/plain":
		if doc.TextBody == "" {
			doc.TextBody = string(content)
		}
	case "text/html":
		if doc.HTMLBody == "" {
			doc.HTMLBody = string(content)
		}
	}
	return nil
}

func partFilename(entity *message.Entity, ctParams map[string]string) string {
	if disp := entity.Header.Get("Content-Disposition"); disp != "" {
		if _, params, err := mime.ParseMediaType(disp); err == nil {
			if name := params["filename"]; name != "" {
				return decodeHeader(name)
			}
		}
	}
	if name := ctParams["name"]; name != "" {
		return decodeHeader(name)
	}
	return ""
}

func isAttachmentType(contentType string) bool {
	switch {
	case strings.HasPrefix(contentType, "text/"):
		return false
	case strings.HasPrefix(contentType, "multipart/"):
		return false
	case contentType == "message/rfc822":
		return false
	}
	return true
}
