// Package sifen parses the Paraguayan SIFEN electronic invoice XML (rDE/DE
// documents). Parsing is deterministic and free: it is always preferred over
// the AI path when a structured attachment exists.
package sifen

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDocument marks an XML payload that parsed but is missing
// required fields; the caller may fall through to vision extraction.
var ErrInvalidDocument = errors.New("invalid SIFEN document")

// Invoice is the parsed content of one DE document.
type Invoice struct {
	CDC           string
	InvoiceNumber string
	IssueDate     time.Time
	IssuerName    string
	IssuerRUC     string
	BuyerName     string
	BuyerRUC      string
	Currency      string
	TotalAmount   float64
	TotalVAT      float64
	Items         []Item
}

// Item is one gCamItem line.
type Item struct {
	Description string
	Quantity    float64
	UnitPrice   float64
	Amount      float64
	VATRate     float64
}

// XML mapping for the subset of the rDE schema the pipeline consumes.
type rDE struct {
	XMLName xml.Name `xml:"rDE"`
	DE      de       `xml:"DE"`
}

type de struct {
	ID         string     `xml:"Id,attr"`
	Timbrado   gTimb      `xml:"gTimb"`
	GeneralOps gDatGral   `xml:"gDatGralOpe"`
	Detail     gDtipDE    `xml:"gDtipDE"`
	Totals     gTotSub    `xml:"gTotSub"`
}

type gTimb struct {
	Establishment string `xml:"dEst"`
	IssuePoint    string `xml:"dPunExp"`
	DocNumber     string `xml:"dNumDoc"`
}

type gDatGral struct {
	IssueDate string `xml:"dFeEmiDE"`
	Operation gOpeCom `xml:"gOpeCom"`
	Issuer    gEmis  `xml:"gEmis"`
	Receiver  gDatRec `xml:"gDatRec"`
}

type gOpeCom struct {
	Currency string `xml:"cMoneOpe"`
}

type gEmis struct {
	RUC  string `xml:"dRucEm"`
	DV   string `xml:"dDVEmi"`
	Name string `xml:"dNomEmi"`
}

type gDatRec struct {
	RUC  string `xml:"dRucRec"`
	DV   string `xml:"dDVRec"`
	Name string `xml:"dNomRec"`
}

type gDtipDE struct {
	Items []gCamItem `xml:"gCamItem"`
}

type gCamItem struct {
	Description string    `xml:"dDesProSer"`
	Quantity    float64   `xml:"dCantProSer"`
	Value       gValorItem `xml:"gValorItem"`
	VAT         gCamIVA   `xml:"gCamIVA"`
}

type gValorItem struct {
	UnitPrice float64 `xml:"dPUniProSer"`
	Amount    float64 `xml:"dTotBruOpeItem"`
}

type gCamIVA struct {
	Rate   float64 `xml:"dTasaIVA"`
	Amount float64 `xml:"dLiqIVAItem"`
}

type gTotSub struct {
	Total    float64 `xml:"dTotGralOpe"`
	TotalVAT float64 `xml:"dTotIVA"`
}

// Parse decodes and validates a SIFEN XML payload. A document without a
// valid CDC, issuer or total is reported as ErrInvalidDocument so the
// selector can fall through to the vision path.
func Parse(data []byte) (*Invoice, error) {
	var doc rDE
	if err := xml.Unmarshal(data, &doc); err != nil {
		// not even XML; also try a bare DE root before giving up
		var bare de
		if err2 := xml.Unmarshal(data, &bare); err2 != nil {
			return nil, fmt.Errorf("failed to decode SIFEN XML: %w", err)
		}
		doc.DE = bare
	}

	inv := &Invoice{
		CDC:        sanitizeCDC(doc.DE.ID),
		IssuerName: strings.TrimSpace(doc.DE.GeneralOps.Issuer.Name),
		BuyerName:  strings.TrimSpace(doc.DE.GeneralOps.Receiver.Name),
		Currency:   strings.TrimSpace(doc.DE.GeneralOps.Operation.Currency),
		TotalAmount: doc.DE.Totals.Total,
		TotalVAT:    doc.DE.Totals.TotalVAT,
	}

	if ruc := doc.DE.GeneralOps.Issuer.RUC; ruc != "" {
		inv.IssuerRUC = composeRUC(ruc, doc.DE.GeneralOps.Issuer.DV)
	}
	if ruc := doc.DE.GeneralOps.Receiver.RUC; ruc != "" {
		inv.BuyerRUC = composeRUC(ruc, doc.DE.GeneralOps.Receiver.DV)
	}
	if inv.Currency == "" {
		inv.Currency = "PYG"
	}

	t := doc.DE.Timbrado
	if t.Establishment != "" && t.IssuePoint != "" && t.DocNumber != "" {
		inv.InvoiceNumber = fmt.Sprintf("%s-%s-%s", t.Establishment, t.IssuePoint, t.DocNumber)
	}

	if raw := doc.DE.GeneralOps.IssueDate; raw != "" {
		for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02"} {
			if d, err := time.Parse(layout, raw); err == nil {
				inv.IssueDate = d
				break
			}
		}
	}

	for _, item := range doc.DE.Detail.Items {
		inv.Items = append(inv.Items, Item{
			Description: strings.TrimSpace(item.Description),
			Quantity:    item.Quantity,
			UnitPrice:   item.Value.UnitPrice,
			Amount:      item.Value.Amount,
			VATRate:     item.VAT.Rate,
		})
	}

	if err := inv.validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

func composeRUC(ruc, dv string) string {
	ruc = strings.TrimSpace(ruc)
	dv = strings.TrimSpace(dv)
	if dv == "" {
		return ruc
	}
	return ruc + "-" + dv
}

func sanitizeCDC(id string) string {
	return strings.TrimSpace(id)
}

// validate enforces the fields the pipeline cannot operate without.
func (inv *Invoice) validate() error {
	if !ValidCDC(inv.CDC) {
		return fmt.Errorf("%w: missing or malformed CDC %q", ErrInvalidDocument, inv.CDC)
	}
	if inv.IssuerName == "" || inv.IssuerRUC == "" {
		return fmt.Errorf("%w: missing issuer identification", ErrInvalidDocument)
	}
	if inv.TotalAmount <= 0 {
		return fmt.Errorf("%w: missing or non-positive total", ErrInvalidDocument)
	}
	return nil
}

// ValidCDC reports whether s is a well-formed 44-digit control code.
func ValidCDC(s string) bool {
	if len(s) != 44 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
