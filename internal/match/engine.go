// Package match scores candidate links between extraction records and
// cached ledger transactions.
package match

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/store"
)

// Signal weights, summing to 1.0.
const (
	weightAmount      = 0.40
	weightDate        = 0.25
	weightDescription = 0.20
	weightVendor      = 0.15
)

// ExactMatchReason tags candidates promoted by the exact-match
// short circuit.
const ExactMatchReason = "EXACT_MATCH (amount+date+account)"

// Config bounds the engine.
type Config struct {
	// DateToleranceDays is the linear-decay window. Default 7.
	DateToleranceDays int
	// MinScore discards weaker candidates. Default 0.20.
	MinScore float64
	// MaxResults caps the ranked output. Default 5.
	MaxResults int
}

func (c Config) withDefaults() Config {
	if c.DateToleranceDays <= 0 {
		c.DateToleranceDays = 7
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.20
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 5
	}
	return c
}

// Signals is the per-field score breakdown of one candidate.
type Signals struct {
	Amount      float64 `json:"amount"`
	Date        float64 `json:"date"`
	Description float64 `json:"description"`
	Vendor      float64 `json:"vendor"`
}

// Candidate is one scored pairing of the record with a cached ledger
// transaction.
type Candidate struct {
	Transaction store.CachedTransaction `json:"transaction"`
	Score       float64                 `json:"score"`
	Signals     Signals                 `json:"signals"`
	ExactMatch  bool                    `json:"is_exact_match"`
	Reasons     []string                `json:"reasons"`
}

// Engine ranks cached transactions against extraction records.
type Engine struct {
	cfg    Config
	logger logging.Logger
}

// NewEngine builds an engine; zero config fields fall back to defaults.
func NewEngine(cfg Config, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Engine{cfg: cfg.withDefaults(), logger: logger}
}

// Rank scores every candidate, discards those below the floor and
// returns the strongest, capped at MaxResults. Ties keep input order.
func (e *Engine) Rank(rec *canonical.Record, candidates []store.CachedTransaction) []Candidate {
	ranked := make([]Candidate, 0, len(candidates))
	for i := range candidates {
		c := e.ScoreCandidate(rec, &candidates[i])
		if c.Score < e.cfg.MinScore {
			continue
		}
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > e.cfg.MaxResults {
		ranked = ranked[:e.cfg.MaxResults]
	}

	e.logger.Debug("ranked candidates",
		"document_id", rec.DocumentID, "considered", len(candidates), "kept", len(ranked))
	return ranked
}

// ScoreCandidate scores one pairing. Exactly equal amount and calendar
// day plus an aligned account promote the candidate to at least 0.99.
func (e *Engine) ScoreCandidate(rec *canonical.Record, txn *store.CachedTransaction) Candidate {
	s := Signals{
		Amount:      amountScore(rec.Proposal.Amount, txn.Amount),
		Date:        dateScore(rec.Proposal.Date, txn.Date, e.cfg.DateToleranceDays),
		Description: descriptionScore(rec.Proposal.Description, txn.Description),
		Vendor:      vendorScore(rec.Vendor(), ledgerVendor(txn)),
	}

	c := Candidate{
		Transaction: *txn,
		Signals:     s,
		Score:       weightAmount*s.Amount + weightDate*s.Date + weightDescription*s.Description + weightVendor*s.Vendor,
	}
	if s.Amount == 1.0 && s.Date == 1.0 && accountsAlign(rec, txn) {
		c.ExactMatch = true
		if c.Score < 0.99 {
			c.Score = 0.99
		}
	}
	c.Reasons = reasons(s, c.ExactMatch)
	return c
}

var ratioBands = []struct {
	limit decimal.Decimal
	score float64
}{
	{decimal.NewFromFloat(0.01), 0.95},
	{decimal.NewFromFloat(0.05), 0.70},
	{decimal.NewFromFloat(0.10), 0.40},
	{decimal.NewFromFloat(0.20), 0.20},
}

// amountScore bands the relative difference against the ledger amount.
func amountScore(extracted, ledger decimal.Decimal) float64 {
	if !extracted.IsPositive() || !ledger.IsPositive() {
		return 0
	}
	if extracted.Equal(ledger) {
		return 1.0
	}
	ratio := extracted.Sub(ledger).Abs().Div(ledger)
	for _, band := range ratioBands {
		if ratio.LessThanOrEqual(band.limit) {
			return band.score
		}
	}
	return 0
}

func dateScore(extracted, ledger string, toleranceDays int) float64 {
	a, errA := time.Parse(canonical.DateLayout, extracted)
	b, errB := time.Parse(canonical.DateLayout, ledger)
	if errA != nil || errB != nil {
		return 0
	}

	days := int(a.Sub(b).Hours() / 24)
	if days < 0 {
		days = -days
	}
	switch {
	case days == 0:
		return 1.0
	case days <= toleranceDays:
		score := 1.0 - float64(days)/float64(toleranceDays)
		if score < 0.3 {
			score = 0.3
		}
		return score
	case days <= 2*toleranceDays:
		return 0.2
	case days <= 30:
		return 0.1
	}
	return 0
}

func descriptionScore(extracted, ledger string) float64 {
	a, b := normalize(extracted), normalize(ledger)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.8
	}
	if j := jaccard(strings.Fields(a), strings.Fields(b)); j > 0.3 {
		return j
	}
	return 0
}

func vendorScore(extracted, ledger string) float64 {
	a, b := normalize(extracted), normalize(ledger)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.85
	}
	if firstToken(a) == firstToken(b) {
		return 0.6
	}
	return 0
}

// ledgerVendor is the counterparty as the ledger sees it.
func ledgerVendor(txn *store.CachedTransaction) string {
	if txn.DestinationName != "" {
		return txn.DestinationName
	}
	return txn.SourceName
}

// accountsAlign reports whether any extracted account name agrees with
// any ledger account name by normalised equality or containment.
func accountsAlign(rec *canonical.Record, txn *store.CachedTransaction) bool {
	ours := []string{rec.Vendor(), rec.Proposal.SourceAccount}
	theirs := []string{txn.SourceName, txn.DestinationName}
	for _, o := range ours {
		a := normalize(o)
		if a == "" {
			continue
		}
		for _, th := range theirs {
			b := normalize(th)
			if b == "" {
				continue
			}
			if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
				return true
			}
		}
	}
	return false
}

func reasons(s Signals, exact bool) []string {
	var r []string
	if exact {
		r = append(r, ExactMatchReason)
	}
	if s.Amount >= 0.70 {
		r = append(r, "amount_match")
	}
	if s.Date >= 0.30 {
		r = append(r, "date_close")
	}
	if s.Description >= 0.30 {
		r = append(r, "description_match")
	}
	if s.Vendor >= 0.60 {
		r = append(r, "vendor_match")
	}
	return r
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstToken(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}

	inter, union := 0, len(set)
	seen := make(map[string]bool, len(b))
	for _, w := range b {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
