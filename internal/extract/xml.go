package extract

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
)

// xmlStrategy parses machine-readable e-invoices. It walks the element
// tree by local name, which covers both the CII dialect (ZUGFeRD,
// Factur-X, XRechnung) and UBL without binding to either schema.
type xmlStrategy struct {
	cfg Config
}

func (s *xmlStrategy) Name() string  { return StrategyXML }
func (s *xmlStrategy) Priority() int { return 100 }

func (s *xmlStrategy) CanExtract(in *Input) bool {
	if strings.HasSuffix(strings.ToLower(in.Filename), ".xml") {
		return true
	}
	return looksLikeXML(in.Original)
}

func looksLikeXML(blob []byte) bool {
	head := bytes.TrimLeft(bytes.TrimPrefix(blob, []byte("\xef\xbb\xbf")), " \t\r\n")
	if bytes.HasPrefix(head, []byte("<?xml")) {
		return true
	}
	if !bytes.HasPrefix(head, []byte("<")) {
		return false
	}
	if len(head) > 4096 {
		head = head[:4096]
	}
	return bytes.Contains(head, []byte("CrossIndustryInvoice")) ||
		bytes.Contains(head, []byte("urn:oasis:names:specification:ubl"))
}

func (s *xmlStrategy) Extract(ctx context.Context, in *Input) (*canonical.Record, error) {
	w := &xmlWalk{}
	if err := w.run(in.Original); err != nil {
		return nil, fmt.Errorf("extract: parse xml for document %d: %w", in.Document.ID, err)
	}
	return w.record(in, s.cfg), nil
}

// lineAccum collects one trade line while its element is open.
type lineAccum struct {
	desc      string
	quantity  decimal.Decimal
	unitPrice decimal.Decimal
	total     decimal.Decimal
	taxRate   decimal.Decimal
}

// xmlWalk accumulates invoice fields across a single decoder pass.
type xmlWalk struct {
	stack []string

	invoiceID  string
	typeCode   string
	issueDate  string
	dueDate    string
	currency   string
	sellerName string

	payable    decimal.Decimal
	grandTotal decimal.Decimal
	taxTotal   decimal.Decimal
	lineTotal  decimal.Decimal

	line  *lineAccum
	lines []lineAccum
}

func (w *xmlWalk) run(blob []byte) error {
	d := xml.NewDecoder(bytes.NewReader(blob))
	d.Strict = false
	// Pass encodings through untouched; local names survive either way.
	d.CharsetReader = func(charset string, r io.Reader) (io.Reader, error) { return r, nil }

	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t)
		case xml.CharData:
			w.text(strings.TrimSpace(string(t)))
		case xml.EndElement:
			w.end(t)
		}
	}
	return nil
}

func (w *xmlWalk) start(t xml.StartElement) {
	name := t.Name.Local
	w.stack = append(w.stack, name)

	switch name {
	case "IncludedSupplyChainTradeLineItem", "InvoiceLine", "CreditNoteLine":
		w.line = &lineAccum{}
	}
	if w.currency == "" {
		for _, attr := range t.Attr {
			if attr.Name.Local == "currencyID" && attr.Value != "" {
				w.currency = attr.Value
				break
			}
		}
	}
}

func (w *xmlWalk) end(t xml.EndElement) {
	switch t.Name.Local {
	case "IncludedSupplyChainTradeLineItem", "InvoiceLine", "CreditNoteLine":
		if w.line != nil {
			w.lines = append(w.lines, *w.line)
			w.line = nil
		}
	}
	if n := len(w.stack); n > 0 {
		w.stack = w.stack[:n-1]
	}
}

func (w *xmlWalk) text(s string) {
	if s == "" || len(w.stack) == 0 {
		return
	}
	top := w.stack[len(w.stack)-1]

	if w.line != nil {
		w.lineText(top, s)
		return
	}

	switch top {
	case "DuePayableAmount", "PayableAmount":
		w.setAmount(&w.payable, s)
	case "GrandTotalAmount", "TaxInclusiveAmount":
		w.setAmount(&w.grandTotal, s)
	case "TaxTotalAmount":
		w.setAmount(&w.taxTotal, s)
	case "TaxAmount":
		if w.parent() == "TaxTotal" {
			w.setAmount(&w.taxTotal, s)
		}
	case "LineTotalAmount", "LineExtensionAmount":
		w.setAmount(&w.lineTotal, s)
	case "DateTimeString":
		switch {
		case w.within("IssueDateTime"):
			w.setDate(&w.issueDate, s)
		case w.within("DueDateDateTime"):
			w.setDate(&w.dueDate, s)
		}
	case "IssueDate":
		w.setDate(&w.issueDate, s)
	case "DueDate", "PaymentDueDate":
		w.setDate(&w.dueDate, s)
	case "ID":
		if w.invoiceID == "" && (w.parent() == "ExchangedDocument" || len(w.stack) == 2) {
			w.invoiceID = s
		}
	case "TypeCode":
		if w.typeCode == "" && w.parent() == "ExchangedDocument" {
			w.typeCode = s
		}
	case "InvoiceTypeCode", "CreditNoteTypeCode":
		if w.typeCode == "" {
			w.typeCode = s
		}
	case "DocumentCurrencyCode", "InvoiceCurrencyCode":
		if w.currency == "" {
			w.currency = s
		}
	case "Name":
		if w.sellerName == "" && (w.within("SellerTradeParty") || w.within("AccountingSupplierParty")) {
			w.sellerName = s
		}
	}
}

func (w *xmlWalk) lineText(top, s string) {
	switch top {
	case "Name", "Description":
		if w.line.desc == "" {
			w.line.desc = s
		}
	case "BilledQuantity", "InvoicedQuantity", "CreditedQuantity":
		w.setAmount(&w.line.quantity, s)
	case "ChargeAmount", "PriceAmount":
		w.setAmount(&w.line.unitPrice, s)
	case "LineTotalAmount", "LineExtensionAmount":
		w.setAmount(&w.line.total, s)
	case "RateApplicablePercent", "Percent":
		w.setAmount(&w.line.taxRate, s)
	}
}

func (w *xmlWalk) parent() string {
	if len(w.stack) < 2 {
		return ""
	}
	return w.stack[len(w.stack)-2]
}

func (w *xmlWalk) within(name string) bool {
	for _, el := range w.stack {
		if el == name {
			return true
		}
	}
	return false
}

func (w *xmlWalk) setAmount(dst *decimal.Decimal, s string) {
	if !dst.IsZero() {
		return
	}
	if amt, err := decimal.NewFromString(s); err == nil {
		*dst = amt
	}
}

func (w *xmlWalk) setDate(dst *string, s string) {
	if *dst != "" {
		return
	}
	// CII DateTimeString format 102 is YYYYMMDD; UBL uses YYYY-MM-DD.
	if len(s) == 8 {
		s = s[:4] + "-" + s[4:6] + "-" + s[6:]
	}
	if date, ok := firstDate(s); ok {
		*dst = date
	}
}

// creditNoteCodes are the UNTDID 1001 document types that reverse money
// flow back to the buyer.
var creditNoteCodes = map[string]bool{"381": true, "261": true, "396": true, "532": true}

func (w *xmlWalk) record(in *Input, cfg Config) *canonical.Record {
	rec := &canonical.Record{
		Proposal:    canonical.Proposal{Type: canonical.TypeWithdrawal},
		Confidences: canonical.Confidence{},
	}
	p := &rec.Proposal

	if creditNoteCodes[w.typeCode] {
		p.Type = canonical.TypeDeposit
	}

	switch {
	case !w.payable.IsZero():
		p.Amount = w.payable.Round(2)
		rec.Confidences[canonical.FieldAmount] = 0.95
	case !w.grandTotal.IsZero():
		p.Amount = w.grandTotal.Round(2)
		rec.Confidences[canonical.FieldAmount] = 0.95
	case !w.lineTotal.IsZero():
		p.Amount = w.lineTotal.Add(w.taxTotal).Round(2)
		rec.Confidences[canonical.FieldAmount] = 0.75
	}
	if p.Amount.IsNegative() {
		// Credit notes may carry negative totals; direction is ours.
		p.Amount = p.Amount.Abs()
		p.Type = canonical.TypeDeposit
	}

	if w.issueDate != "" {
		p.Date = w.issueDate
		rec.Confidences[canonical.FieldDate] = 0.90
	} else if in.Document.CreatedDate != "" {
		p.Date = in.Document.CreatedDate
		rec.Confidences[canonical.FieldDate] = 0.35
	}

	vendor := w.sellerName
	if vendor == "" {
		vendor = strings.TrimSpace(in.Document.Correspondent)
	}
	if vendor != "" {
		if p.Type == canonical.TypeDeposit {
			p.SourceAccount = vendor
		} else {
			p.DestinationAccount = vendor
		}
		rec.Confidences[canonical.FieldVendor] = 0.90
	}

	if w.currency != "" {
		p.Currency = strings.ToUpper(w.currency)
		rec.Confidences[canonical.FieldCurrency] = 0.95
	} else {
		p.Currency = cfg.DefaultCurrency
		rec.Confidences[canonical.FieldCurrency] = 0.50
	}

	switch {
	case w.invoiceID != "" && vendor != "":
		p.Description = fmt.Sprintf("Invoice %s from %s", w.invoiceID, vendor)
		rec.Confidences[canonical.FieldDescription] = 0.85
	case in.Document.Title != "":
		p.Description = in.Document.Title
		rec.Confidences[canonical.FieldDescription] = 0.70
	}

	p.InvoiceNumber = w.invoiceID
	p.DueDate = w.dueDate
	if !w.taxTotal.IsZero() {
		p.TaxAmount = w.taxTotal.Round(2)
	}

	for i, l := range w.lines {
		rec.LineItems = append(rec.LineItems, canonical.LineItem{
			Description: l.desc,
			Quantity:    l.quantity,
			UnitPrice:   l.unitPrice,
			Total:       l.total,
			TaxRate:     l.taxRate,
			Position:    i + 1,
		})
	}

	rec.Classification = &canonical.Classification{
		DocumentType:  "invoice",
		Correspondent: vendor,
	}
	if p.Type == canonical.TypeDeposit {
		rec.Classification.DocumentType = "credit note"
	}
	return rec
}
