// Package review assigns review dispositions to extractions and runs the
// human decision workflow over them.
package review

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/extract"
	"github.com/paperspark/spark/internal/logging"
)

// ocrBaseline anchors the strategy rescale: OCR-derived scores pass
// through unchanged, better strategies are boosted, worse ones damped.
const ocrBaseline = 0.50

// suspectAmountCeiling marks amounts implausible for a household ledger.
var suspectAmountCeiling = decimal.NewFromInt(100000)

// Thresholds are the classification cut-offs. AUTO additionally requires
// the amount and date gates; REVIEW requires only the overall bar.
// Vendor is the floor below which a scored counterparty is flagged for
// the reviewer.
type Thresholds struct {
	Auto       float64
	AutoAmount float64
	AutoDate   float64
	Review     float64
	Vendor     float64
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Auto: 0.85, AutoAmount: 0.70, AutoDate: 0.60, Review: 0.60, Vendor: 0.40}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.Auto <= 0 {
		t.Auto = d.Auto
	}
	if t.AutoAmount <= 0 {
		t.AutoAmount = d.AutoAmount
	}
	if t.AutoDate <= 0 {
		t.AutoDate = d.AutoDate
	}
	if t.Review <= 0 {
		t.Review = d.Review
	}
	if t.Vendor <= 0 {
		t.Vendor = d.Vendor
	}
	return t
}

// Scorer classifies extraction records into review states.
type Scorer struct {
	thresholds Thresholds
	logger     logging.Logger
	now        func() time.Time
}

// NewScorer builds a scorer; zero threshold fields fall back to the
// defaults.
func NewScorer(thresholds Thresholds, logger logging.Logger) *Scorer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scorer{
		thresholds: thresholds.withDefaults(),
		logger:     logger,
		now:        time.Now,
	}
}

// multiplier is the strategy rescale factor relative to the OCR baseline.
func multiplier(strategy string) float64 {
	return extract.BaseConfidence(strategy) / ocrBaseline
}

// adjusted returns the field confidences rescaled by the strategy
// multiplier, clamped to [0,1].
func adjusted(rec *canonical.Record) canonical.Confidence {
	m := multiplier(rec.Provenance.Strategy)
	adj := make(canonical.Confidence, len(rec.Confidences))
	for field, score := range rec.Confidences {
		v := score * m
		if v > 1 {
			v = 1
		}
		if v < 0 {
			v = 0
		}
		adj[field] = v
	}
	return adj
}

// Score classifies the record and returns the adjusted overall
// confidence. AUTO requires the overall bar plus the amount and date
// gates; REVIEW requires the overall bar; everything else is MANUAL.
func (s *Scorer) Score(rec *canonical.Record) (canonical.ReviewState, float64) {
	adj := adjusted(rec)
	overall := (&canonical.Record{Confidences: adj}).OverallConfidence()

	t := s.thresholds
	state := canonical.ReviewManual
	switch {
	case overall >= t.Auto &&
		adj.Get(canonical.FieldAmount) >= t.AutoAmount &&
		adj.Get(canonical.FieldDate) >= t.AutoDate:
		state = canonical.ReviewAuto
	case overall >= t.Review:
		state = canonical.ReviewNeeded
	}

	s.logger.Debug("scored extraction",
		"document_id", rec.DocumentID,
		"strategy", rec.Provenance.Strategy,
		"overall", overall,
		"state", string(state))
	return state, overall
}

// Validation flag codes.
const (
	FlagInvalidDate     = "INVALID_DATE"
	FlagMissingField    = "MISSING_FIELD"
	FlagSuspectAmount   = "SUSPECT_AMOUNT"
	FlagInconsistent    = "INCONSISTENT_CONFIDENCE"
	FlagVendorUncertain = "VENDOR_UNCERTAIN"
)

// Flag marks one suspicious aspect of a record for the reviewer.
type Flag struct {
	Code   string
	Field  string
	Detail string
}

// Validate inspects the record for conditions a reviewer should see
// before trusting it. Flags never block persistence.
func (s *Scorer) Validate(rec *canonical.Record) []Flag {
	var flags []Flag
	p := rec.Proposal

	if p.Date == "" {
		flags = append(flags, Flag{Code: FlagMissingField, Field: canonical.FieldDate, Detail: "no date extracted"})
	} else {
		parsed, err := time.Parse(canonical.DateLayout, p.Date)
		switch {
		case err != nil:
			flags = append(flags, Flag{Code: FlagInvalidDate, Field: canonical.FieldDate,
				Detail: fmt.Sprintf("unparseable date %q", p.Date)})
		case parsed.After(s.now().AddDate(1, 0, 0)):
			flags = append(flags, Flag{Code: FlagInvalidDate, Field: canonical.FieldDate,
				Detail: fmt.Sprintf("date %s is more than a year ahead", p.Date)})
		case parsed.Year() < 1990:
			flags = append(flags, Flag{Code: FlagInvalidDate, Field: canonical.FieldDate,
				Detail: fmt.Sprintf("date %s predates any plausible document", p.Date)})
		}
	}

	if !p.Amount.IsPositive() {
		flags = append(flags, Flag{Code: FlagMissingField, Field: canonical.FieldAmount,
			Detail: "no positive amount extracted"})
	} else if p.Amount.GreaterThanOrEqual(suspectAmountCeiling) {
		flags = append(flags, Flag{Code: FlagSuspectAmount, Field: canonical.FieldAmount,
			Detail: fmt.Sprintf("amount %s exceeds the plausibility ceiling", p.Amount.StringFixed(2))})
	}

	if p.Currency == "" {
		flags = append(flags, Flag{Code: FlagMissingField, Field: canonical.FieldCurrency, Detail: "no currency"})
	}
	if p.Description == "" {
		flags = append(flags, Flag{Code: FlagMissingField, Field: canonical.FieldDescription, Detail: "no description"})
	}

	adj := adjusted(rec)

	// A vendor without a score is merely unknown; a scored vendor below
	// the floor is suspect.
	if vendor := rec.Vendor(); vendor != "" {
		if score, ok := adj[canonical.FieldVendor]; ok && score < s.thresholds.Vendor {
			flags = append(flags, Flag{Code: FlagVendorUncertain, Field: canonical.FieldVendor,
				Detail: fmt.Sprintf("counterparty %q carries confidence %.2f", vendor, score)})
		}
	}

	overall := (&canonical.Record{Confidences: adj}).OverallConfidence()
	if overall >= s.thresholds.Review {
		for _, field := range []string{canonical.FieldAmount, canonical.FieldDate} {
			if adj.Get(field) < 0.30 {
				flags = append(flags, Flag{Code: FlagInconsistent, Field: field,
					Detail: fmt.Sprintf("overall %.2f but %s confidence %.2f", overall, field, adj.Get(field))})
			}
		}
	}

	return flags
}
