package imapx

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMultipartMail(t *testing.T) []byte {
	t.Helper()
	xml := `<?xml version="1.0"?><rDE><DE Id="0123"></DE></rDE>`
	encoded := base64.StdEncoding.EncodeToString([]byte(xml))

	raw := strings.Join([]string{
		"From: facturacion@proveedor.com.py",
		"To: compras@cliente.com.py",
		"Subject: =?UTF-8?Q?Factura_Electr=C3=B3nica?=",
		"Message-Id: <factura-123@proveedor.com.py>",
		"Date: Mon, 16 Feb 2026 09:15:00 -0300",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="frontier"`,
		"",
		"--frontier",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Adjuntamos su factura electronica.",
		"--frontier",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Adjuntamos su <b>factura</b>.</p>",
		"--frontier",
		`Content-Type: application/xml; name="factura.xml"`,
		`Content-Disposition: attachment; filename="factura.xml"`,
		"Content-Transfer-Encoding: base64",
		"",
		encoded,
		"--frontier--",
		"",
	}, "\r\n")
	return []byte(raw)
}

func TestParseMailMultipart(t *testing.T) {
	doc, err := ParseMail(buildMultipartMail(t), 7)
	require.NoError(t, err)

	assert.Equal(t, uint32(7), doc.UID)
	assert.Equal(t, "<factura-123@proveedor.com.py>", doc.MessageID)
	assert.Equal(t, "Factura Electrónica", doc.Subject)
	assert.Equal(t, 2026, doc.Date.Year())
	assert.Equal(t, time.February, doc.Date.Month())

	assert.Contains(t, doc.TextBody, "Adjuntamos su factura")
	assert.Contains(t, doc.HTMLBody, "<b>factura</b>")

	require.Len(t, doc.Attachments, 1)
	att := doc.Attachments[0]
	assert.Equal(t, "factura.xml", att.Filename)
	assert.True(t, att.IsXML())
	assert.False(t, att.IsImageOrPDF())
	assert.Contains(t, string(att.Data), "<rDE>")
}

func TestParseMailPlainMessage(t *testing.T) {
	raw := []byte("From: a@x\r\nSubject: hola\r\nMessage-Id: <p@x>\r\nContent-Type: text/plain\r\n\r\nsolo texto\r\n")
	doc, err := ParseMail(raw, 1)
	require.NoError(t, err)

	assert.Equal(t, "<p@x>", doc.MessageID)
	assert.Contains(t, doc.TextBody, "solo texto")
	assert.Empty(t, doc.Attachments)
}

func TestAttachmentTypeHelpers(t *testing.T) {
	cases := []struct {
		att      Attachment
		xml      bool
		visual   bool
	}{
		{Attachment{Filename: "doc.XML", ContentType: "application/octet-stream"}, true, false},
		{Attachment{Filename: "factura.pdf", ContentType: "application/pdf"}, false, true},
		{Attachment{Filename: "scan", ContentType: "image/png"}, false, true},
		{Attachment{Filename: "nota.txt", ContentType: "text/plain"}, false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.xml, tc.att.IsXML(), tc.att.Filename)
		assert.Equal(t, tc.visual, tc.att.IsImageOrPDF(), tc.att.Filename)
	}
}
