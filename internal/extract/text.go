package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/paperspark/spark/internal/canonical"
)

// textStrategy reads the document's text layer as served by the DMS.
type textStrategy struct {
	cfg Config
}

func (s *textStrategy) Name() string  { return StrategyText }
func (s *textStrategy) Priority() int { return 50 }

func (s *textStrategy) CanExtract(in *Input) bool {
	return len(strings.TrimSpace(in.Document.Content)) >= 20
}

func (s *textStrategy) Extract(ctx context.Context, in *Input) (*canonical.Record, error) {
	return extractFromText(in.Document.Content, in, s.cfg, textConfidences)
}

// ocrStrategy reruns the text engine over a noise-normalized copy of the
// content with lowered confidences. It exists for scans whose raw OCR
// output defeats the stricter text pass.
type ocrStrategy struct {
	cfg Config
}

func (s *ocrStrategy) Name() string  { return StrategyOCR }
func (s *ocrStrategy) Priority() int { return 10 }

func (s *ocrStrategy) CanExtract(in *Input) bool {
	return strings.TrimSpace(in.Document.Content) != ""
}

func (s *ocrStrategy) Extract(ctx context.Context, in *Input) (*canonical.Record, error) {
	return extractFromText(normalizeOCR(in.Document.Content), in, s.cfg, ocrConfidences)
}

// fieldConfidences carries the per-signal scores a text pass assigns.
type fieldConfidences struct {
	amountStrong  float64
	amountWeak    float64
	amountLargest float64
	dateLabelled  float64
	dateAny       float64
	dateMetadata  float64
	vendorDMS     float64
	vendorLine    float64
	titleDesc     float64
	lineDesc      float64
	currencyFound float64
	currencyGuess float64
}

var textConfidences = fieldConfidences{
	amountStrong: 0.90, amountWeak: 0.80, amountLargest: 0.55,
	dateLabelled: 0.85, dateAny: 0.60, dateMetadata: 0.35,
	vendorDMS: 0.80, vendorLine: 0.45,
	titleDesc: 0.75, lineDesc: 0.50,
	currencyFound: 0.90, currencyGuess: 0.50,
}

var ocrConfidences = fieldConfidences{
	amountStrong: 0.70, amountWeak: 0.60, amountLargest: 0.40,
	dateLabelled: 0.65, dateAny: 0.45, dateMetadata: 0.35,
	vendorDMS: 0.80, vendorLine: 0.35,
	titleDesc: 0.75, lineDesc: 0.40,
	currencyFound: 0.85, currencyGuess: 0.50,
}

func extractFromText(text string, in *Input, cfg Config, scores fieldConfidences) (*canonical.Record, error) {
	doc := in.Document
	rec := &canonical.Record{
		Proposal:    canonical.Proposal{Type: canonical.TypeWithdrawal},
		Confidences: canonical.Confidence{},
	}
	if isRefund(text) {
		rec.Proposal.Type = canonical.TypeDeposit
	}

	if amt, found, strong := findLabelledAmount(text); found {
		rec.Proposal.Amount = amt.Round(2)
		if strong {
			rec.Confidences[canonical.FieldAmount] = scores.amountStrong
		} else {
			rec.Confidences[canonical.FieldAmount] = scores.amountWeak
		}
	} else if amt, ok := findLargestAmount(text); ok {
		rec.Proposal.Amount = amt.Round(2)
		rec.Confidences[canonical.FieldAmount] = scores.amountLargest
	}

	switch date, labelled := findInvoiceDate(text); {
	case labelled:
		rec.Proposal.Date = date
		rec.Confidences[canonical.FieldDate] = scores.dateLabelled
	default:
		if date, ok := firstDate(text); ok {
			rec.Proposal.Date = date
			rec.Confidences[canonical.FieldDate] = scores.dateAny
		} else if doc.CreatedDate != "" {
			rec.Proposal.Date = doc.CreatedDate
			rec.Confidences[canonical.FieldDate] = scores.dateMetadata
		}
	}

	vendor, vendorScore := "", 0.0
	if v := strings.TrimSpace(doc.Correspondent); v != "" {
		vendor, vendorScore = v, scores.vendorDMS
	} else if v := firstNonEmptyLine(text); v != "" {
		vendor, vendorScore = v, scores.vendorLine
	}
	if vendor != "" {
		// The counterparty is the destination of a withdrawal but the
		// source of a deposit.
		if rec.Proposal.Type == canonical.TypeDeposit {
			rec.Proposal.SourceAccount = vendor
		} else {
			rec.Proposal.DestinationAccount = vendor
		}
		rec.Confidences[canonical.FieldVendor] = vendorScore
	}

	if t := strings.TrimSpace(doc.Title); t != "" {
		rec.Proposal.Description = t
		rec.Confidences[canonical.FieldDescription] = scores.titleDesc
	} else if l := firstNonEmptyLine(text); l != "" {
		rec.Proposal.Description = l
		rec.Confidences[canonical.FieldDescription] = scores.lineDesc
	}

	if code, ok := detectCurrency(text); ok {
		rec.Proposal.Currency = code
		rec.Confidences[canonical.FieldCurrency] = scores.currencyFound
	} else {
		rec.Proposal.Currency = cfg.DefaultCurrency
		rec.Confidences[canonical.FieldCurrency] = scores.currencyGuess
	}

	if n, ok := findInvoiceNumber(text); ok {
		rec.Proposal.InvoiceNumber = n
	}
	if due, ok := findLabelledDate(text, dueDateLabels); ok {
		rec.Proposal.DueDate = due
	}
	if tax, ok := findTaxAmount(text); ok {
		rec.Proposal.TaxAmount = tax.Round(2)
	}

	if doc.DocumentType != "" || doc.Correspondent != "" {
		rec.Classification = &canonical.Classification{
			DocumentType:  doc.DocumentType,
			Correspondent: doc.Correspondent,
		}
	}
	return rec, nil
}

var (
	spacedThousands = regexp.MustCompile(`(\d)[ \x{a0}](\d{3})\b`)
	letterOInDigits = regexp.MustCompile(`(\d)[oO](\d)`)
)

// normalizeOCR repairs the scan artifacts that defeat the strict pass:
// spaced thousands groups, the letter O standing in for zero, and soft
// hyphens.
func normalizeOCR(text string) string {
	text = strings.ReplaceAll(text, "­", "")
	for i := 0; i < 2; i++ {
		text = spacedThousands.ReplaceAllString(text, "$1$2")
		text = letterOInDigits.ReplaceAllString(text, "${1}0${2}")
	}
	return text
}
