package review

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/extract"
)

func scoredRecord(strategy string, scores map[string]float64) *canonical.Record {
	return &canonical.Record{
		DocumentID: 5,
		SourceHash: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Proposal: canonical.Proposal{
			Type:               canonical.TypeWithdrawal,
			Date:               "2024-11-18",
			Amount:             decimal.RequireFromString("119.00"),
			Currency:           "EUR",
			Description:        "ACME invoice",
			DestinationAccount: "ACME GmbH",
		},
		Confidences: canonical.Confidence(scores),
		Provenance:  canonical.Provenance{Strategy: strategy},
	}
}

func hasFlag(flags []Flag, code, field string) bool {
	for _, f := range flags {
		if f.Code == code && f.Field == field {
			return true
		}
	}
	return false
}

func TestScoreOCRPassesThroughBaseline(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyOCR, map[string]float64{
		canonical.FieldAmount:      0.90,
		canonical.FieldDate:        0.85,
		canonical.FieldVendor:      0.80,
		canonical.FieldDescription: 0.75,
		canonical.FieldCurrency:    0.90,
	})

	state, overall := s.Score(rec)
	assert.Equal(t, canonical.ReviewAuto, state)
	assert.InDelta(t, 0.8575, overall, 0.0001)
}

func TestScoreAmountGateBlocksAuto(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyOCR, map[string]float64{
		canonical.FieldAmount:      0.68,
		canonical.FieldDate:        1.0,
		canonical.FieldVendor:      1.0,
		canonical.FieldDescription: 1.0,
		canonical.FieldCurrency:    1.0,
	})

	state, overall := s.Score(rec)
	assert.Equal(t, canonical.ReviewNeeded, state)
	assert.Greater(t, overall, 0.85)
}

func TestScoreDateGateBlocksAuto(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyOCR, map[string]float64{
		canonical.FieldAmount:      1.0,
		canonical.FieldDate:        0.55,
		canonical.FieldVendor:      1.0,
		canonical.FieldDescription: 1.0,
		canonical.FieldCurrency:    1.0,
	})

	state, _ := s.Score(rec)
	assert.Equal(t, canonical.ReviewNeeded, state)
}

func TestScoreTextMultiplierBoosts(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	scores := map[string]float64{
		canonical.FieldAmount:      0.62,
		canonical.FieldDate:        0.60,
		canonical.FieldVendor:      0.60,
		canonical.FieldDescription: 0.60,
		canonical.FieldCurrency:    0.60,
	}

	state, overall := s.Score(scoredRecord(extract.StrategyText, scores))
	assert.Equal(t, canonical.ReviewAuto, state)
	assert.InDelta(t, 0.912, overall, 0.0001)

	state, overall = s.Score(scoredRecord(extract.StrategyOCR, scores))
	assert.Equal(t, canonical.ReviewNeeded, state)
	assert.InDelta(t, 0.608, overall, 0.0001)
}

func TestScoreFallbackDamps(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyFallback, map[string]float64{
		canonical.FieldAmount:      0.80,
		canonical.FieldDate:        0.80,
		canonical.FieldVendor:      0.80,
		canonical.FieldDescription: 0.80,
		canonical.FieldCurrency:    0.80,
	})

	state, overall := s.Score(rec)
	assert.Equal(t, canonical.ReviewManual, state)
	assert.InDelta(t, 0.40, overall, 0.0001)
}

func TestScoreClampsBoostedScores(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyXML, map[string]float64{
		canonical.FieldAmount:      0.60,
		canonical.FieldDate:        0.60,
		canonical.FieldVendor:      0.60,
		canonical.FieldDescription: 0.60,
		canonical.FieldCurrency:    0.60,
	})

	state, overall := s.Score(rec)
	assert.Equal(t, canonical.ReviewAuto, state)
	assert.InDelta(t, 1.0, overall, 0.0001)
}

func TestScoreCustomThresholds(t *testing.T) {
	s := NewScorer(Thresholds{Auto: 0.95, Review: 0.80}, nil)
	rec := scoredRecord(extract.StrategyOCR, map[string]float64{
		canonical.FieldAmount:      0.90,
		canonical.FieldDate:        0.85,
		canonical.FieldVendor:      0.80,
		canonical.FieldDescription: 0.75,
		canonical.FieldCurrency:    0.90,
	})

	// 0.8575 clears the stock AUTO bar but not the raised one.
	state, _ := s.Score(rec)
	assert.Equal(t, canonical.ReviewNeeded, state)
}

func TestValidateCleanRecord(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyOCR, map[string]float64{
		canonical.FieldAmount: 0.90,
		canonical.FieldDate:   0.90,
	})

	assert.Empty(t, s.Validate(rec))
}

func TestValidateFlagsBadDates(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	s.now = func() time.Time { return time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC) }

	rec := scoredRecord(extract.StrategyOCR, nil)
	rec.Proposal.Date = ""
	assert.True(t, hasFlag(s.Validate(rec), FlagMissingField, canonical.FieldDate))

	rec.Proposal.Date = "18.11.2024"
	assert.True(t, hasFlag(s.Validate(rec), FlagInvalidDate, canonical.FieldDate))

	rec.Proposal.Date = "2026-06-01"
	assert.True(t, hasFlag(s.Validate(rec), FlagInvalidDate, canonical.FieldDate))

	rec.Proposal.Date = "1987-01-01"
	assert.True(t, hasFlag(s.Validate(rec), FlagInvalidDate, canonical.FieldDate))

	rec.Proposal.Date = "2024-11-18"
	assert.False(t, hasFlag(s.Validate(rec), FlagInvalidDate, canonical.FieldDate))
}

func TestValidateFlagsMissingFields(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyOCR, nil)
	rec.Proposal.Amount = decimal.Zero
	rec.Proposal.Currency = ""
	rec.Proposal.Description = ""

	flags := s.Validate(rec)
	assert.True(t, hasFlag(flags, FlagMissingField, canonical.FieldAmount))
	assert.True(t, hasFlag(flags, FlagMissingField, canonical.FieldCurrency))
	assert.True(t, hasFlag(flags, FlagMissingField, canonical.FieldDescription))
}

func TestValidateFlagsSuspectAmount(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyOCR, nil)
	rec.Proposal.Amount = decimal.RequireFromString("250000.00")

	assert.True(t, hasFlag(s.Validate(rec), FlagSuspectAmount, canonical.FieldAmount))
}

func TestValidateFlagsUncertainVendor(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)

	rec := scoredRecord(extract.StrategyOCR, map[string]float64{
		canonical.FieldAmount: 0.90,
		canonical.FieldDate:   0.90,
		canonical.FieldVendor: 0.25,
	})
	assert.True(t, hasFlag(s.Validate(rec), FlagVendorUncertain, canonical.FieldVendor))

	rec.Confidences[canonical.FieldVendor] = 0.45
	assert.False(t, hasFlag(s.Validate(rec), FlagVendorUncertain, canonical.FieldVendor))

	// An unscored vendor is unknown, not suspect.
	delete(rec.Confidences, canonical.FieldVendor)
	assert.Empty(t, s.Validate(rec))
}

func TestValidateFlagsInconsistentConfidence(t *testing.T) {
	s := NewScorer(Thresholds{}, nil)
	rec := scoredRecord(extract.StrategyOCR, map[string]float64{
		canonical.FieldAmount:      0.10,
		canonical.FieldDate:        1.0,
		canonical.FieldVendor:      1.0,
		canonical.FieldDescription: 1.0,
		canonical.FieldCurrency:    1.0,
	})

	flags := s.Validate(rec)
	require.True(t, hasFlag(flags, FlagInconsistent, canonical.FieldAmount))
	assert.False(t, hasFlag(flags, FlagInconsistent, canonical.FieldDate))
}
