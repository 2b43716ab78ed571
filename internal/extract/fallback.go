package extract

import (
	"context"
	"strings"

	"github.com/paperspark/spark/internal/canonical"
)

// fallbackStrategy builds a minimal record from DMS metadata alone. It
// always claims the document, so every ingested document ends up with an
// extraction row even when its content is unreadable; the low scores put
// the result straight into MANUAL review.
type fallbackStrategy struct {
	cfg Config
}

func (s *fallbackStrategy) Name() string              { return StrategyFallback }
func (s *fallbackStrategy) Priority() int             { return 1 }
func (s *fallbackStrategy) CanExtract(in *Input) bool { return true }

func (s *fallbackStrategy) Extract(ctx context.Context, in *Input) (*canonical.Record, error) {
	doc := in.Document
	rec := &canonical.Record{
		Proposal:    canonical.Proposal{Type: canonical.TypeWithdrawal},
		Confidences: canonical.Confidence{},
	}
	p := &rec.Proposal

	// The title is the only text we may find an amount in.
	if amt, found, _ := findLabelledAmount(doc.Title); found {
		p.Amount = amt.Round(2)
		rec.Confidences[canonical.FieldAmount] = 0.20
	} else if amt, ok := findLargestAmount(doc.Title); ok {
		p.Amount = amt.Round(2)
		rec.Confidences[canonical.FieldAmount] = 0.15
	}

	if doc.CreatedDate != "" {
		p.Date = doc.CreatedDate
		rec.Confidences[canonical.FieldDate] = 0.35
	}

	if v := strings.TrimSpace(doc.Correspondent); v != "" {
		p.DestinationAccount = v
		rec.Confidences[canonical.FieldVendor] = 0.60
	}

	if t := strings.TrimSpace(doc.Title); t != "" {
		p.Description = t
		rec.Confidences[canonical.FieldDescription] = 0.50
	}

	p.Currency = s.cfg.DefaultCurrency
	rec.Confidences[canonical.FieldCurrency] = 0.30

	if doc.DocumentType != "" || doc.Correspondent != "" {
		rec.Classification = &canonical.Classification{
			DocumentType:  doc.DocumentType,
			Correspondent: doc.Correspondent,
		}
	}
	return rec, nil
}
