package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factura-ingest-go/internal/ai"
	"factura-ingest-go/internal/imapx"
	"factura-ingest-go/internal/model"
	"factura-ingest-go/internal/retry"
)

const testCDC = "01800123456001001000012312026021512345678901"

func validSifenXML() []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<rDE>
  <DE Id="` + testCDC + `">
    <gTimb><dEst>001</dEst><dPunExp>001</dPunExp><dNumDoc>0000123</dNumDoc></gTimb>
    <gDatGralOpe>
      <dFeEmiDE>2026-02-15T10:30:00</dFeEmiDE>
      <gOpeCom><cMoneOpe>PYG</cMoneOpe></gOpeCom>
      <gEmis><dRucEm>80012345</dRucEm><dDVEmi>6</dDVEmi><dNomEmi>Ferreteria San Blas S.A.</dNomEmi></gEmis>
    </gDatGralOpe>
    <gDtipDE><gCamItem>
      <dDesProSer>Cemento 50kg</dDesProSer><dCantProSer>10</dCantProSer>
      <gValorItem><dPUniProSer>55000</dPUniProSer><dTotBruOpeItem>550000</dTotBruOpeItem></gValorItem>
      <gCamIVA><dTasaIVA>10</dTasaIVA><dLiqIVAItem>50000</dLiqIVAItem></gCamIVA>
    </gCamItem></gDtipDE>
    <gTotSub><dTotGralOpe>550000</dTotGralOpe><dTotIVA>50000</dTotIVA></gTotSub>
  </DE>
</rDE>`)
}

func brokenSifenXML() []byte {
	// CDC is too short, so native parsing cannot accept the document.
	return []byte(`<?xml version="1.0"?>
<rDE><DE Id="123">
  <gTimb><dEst>001</dEst><dPunExp>001</dPunExp><dNumDoc>0000123</dNumDoc></gTimb>
  <gDatGralOpe><gEmis><dNomEmi>Alguien</dNomEmi></gEmis></gDatGralOpe>
  <gTotSub><dTotGralOpe>1000</dTotGralOpe></gTotSub>
</DE></rDE>`)
}

type fakeExtractor struct {
	invoice *ai.InvoiceData
	err     error
	calls   int
}

func (f *fakeExtractor) ExtractInvoice(ctx context.Context, data []byte, contentType string) (*ai.InvoiceData, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.invoice, nil
}

type fakeQuota struct {
	allowed  bool
	err      error
	reserved int
}

func (f *fakeQuota) Reserve(ctx context.Context, tenant string) (bool, error) {
	f.reserved++
	return f.allowed, f.err
}

func mailWithAttachment(name, contentType string, data []byte) *imapx.MailDocument {
	return &imapx.MailDocument{
		MessageID: "<msg-1@example.com>",
		Subject:   "Factura Electronica",
		Attachments: []imapx.Attachment{
			{Filename: name, ContentType: contentType, Data: data},
		},
	}
}

func TestSelectorNativeWinsForValidXML(t *testing.T) {
	extractor := &fakeExtractor{invoice: &ai.InvoiceData{InvoiceNumber: "should not be used"}}
	quota := &fakeQuota{allowed: true}
	sel := NewSelector(NewNativeStrategy(), NewVisionStrategy(extractor, quota))

	res := sel.Extract(context.Background(), &Request{
		Tenant: "tenant-a",
		Mail:   mailWithAttachment("factura.xml", "application/xml", validSifenXML()),
	})

	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, model.MethodNative, res.Method)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, testCDC, res.Invoice.CDC)
	assert.Equal(t, "001-001-0000123", res.Invoice.InvoiceNumber)
	assert.Zero(t, extractor.calls, "vision must not run when native succeeds")
	assert.Zero(t, quota.reserved, "quota must not be touched on the native path")
}

func TestSelectorFallsThroughToVisionOnIncompleteXML(t *testing.T) {
	extractor := &fakeExtractor{invoice: &ai.InvoiceData{
		CDC:           testCDC,
		InvoiceNumber: "001-001-0000123",
		TotalAmount:   1000,
	}}
	quota := &fakeQuota{allowed: true}
	sel := NewSelector(NewNativeStrategy(), NewVisionStrategy(extractor, quota))

	res := sel.Extract(context.Background(), &Request{
		Tenant: "tenant-a",
		Mail:   mailWithAttachment("factura.xml", "application/xml", brokenSifenXML()),
	})

	require.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, model.MethodAIVision, res.Method)
	assert.Equal(t, 1, extractor.calls)
	assert.Equal(t, 1, quota.reserved)
}

func TestVisionDeferredWhenQuotaExhausted(t *testing.T) {
	extractor := &fakeExtractor{invoice: &ai.InvoiceData{}}
	quota := &fakeQuota{allowed: false}
	sel := NewSelector(NewNativeStrategy(), NewVisionStrategy(extractor, quota))

	res := sel.Extract(context.Background(), &Request{
		Tenant: "tenant-a",
		Mail:   mailWithAttachment("factura.pdf", "application/pdf", []byte("%PDF-1.4")),
	})

	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Zero(t, extractor.calls, "service must not be called without quota")
}

func TestVisionClassifiesExtractionErrors(t *testing.T) {
	quota := &fakeQuota{allowed: true}

	transient := &fakeExtractor{err: retry.Transient(errors.New("service overloaded"))}
	sel := NewSelector(NewVisionStrategy(transient, quota))
	res := sel.Extract(context.Background(), &Request{
		Tenant: "tenant-a",
		Mail:   mailWithAttachment("scan.png", "image/png", []byte{0x89, 'P', 'N', 'G'}),
	})
	assert.Equal(t, OutcomeTransientError, res.Outcome)

	fatal := &fakeExtractor{err: retry.Fatal(errors.New("unsupported document"))}
	sel = NewSelector(NewVisionStrategy(fatal, quota))
	res = sel.Extract(context.Background(), &Request{
		Tenant: "tenant-a",
		Mail:   mailWithAttachment("scan.png", "image/png", []byte{0x89, 'P', 'N', 'G'}),
	})
	assert.Equal(t, OutcomeFatalError, res.Outcome)
}

func TestSelectorMissingMetadataWhenNothingApplies(t *testing.T) {
	sel := NewSelector(NewNativeStrategy())
	res := sel.Extract(context.Background(), &Request{
		Tenant: "tenant-a",
		Mail:   &imapx.MailDocument{MessageID: "<plain@example.com>", TextBody: "hola"},
	})
	assert.Equal(t, OutcomeMissingMetadata, res.Outcome)
}
