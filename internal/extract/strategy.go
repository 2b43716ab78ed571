// Package extract turns DMS documents into canonical extraction records.
// Concrete strategies compete through a priority-ordered registry; the
// router picks the first result whose amount confidence clears the floor
// and otherwise keeps the best attempt seen.
package extract

import (
	"context"
	"sort"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/dms"
	"github.com/paperspark/spark/internal/logging"
)

// ParserVersion is stamped into every record's provenance.
const ParserVersion = "2.1.0"

// Registered strategy names, highest priority first.
const (
	StrategyXML      = "structured_xml"
	StrategyText     = "text_layer"
	StrategyOCR      = "ocr_heuristics"
	StrategyFallback = "metadata_fallback"
)

// BaseConfidence returns the prior reliability of a strategy. The review
// scorer rescales field confidences around the OCR baseline with it.
func BaseConfidence(strategy string) float64 {
	switch strategy {
	case StrategyXML:
		return 0.95
	case StrategyText:
		return 0.75
	case StrategyOCR:
		return 0.50
	case StrategyFallback:
		return 0.25
	}
	return 0.50
}

// Input bundles everything a strategy may consult for one document.
type Input struct {
	Document    *dms.Document
	Original    []byte
	Filename    string
	SourceHash  string
	DocumentURL string
}

// Strategy is one way of reading financial content out of a document.
// Extract fills the proposal, confidences, classification and line items;
// document identity and provenance belong to the router.
type Strategy interface {
	Name() string
	Priority() int
	CanExtract(in *Input) bool
	Extract(ctx context.Context, in *Input) (*canonical.Record, error)
}

// Config carries the extraction defaults shared by all strategies.
type Config struct {
	// DefaultCurrency is assumed when no currency can be detected.
	DefaultCurrency string
	// SourceSystem names the DMS in provenance. Defaults to "paperless".
	SourceSystem string
}

func (c Config) withDefaults() Config {
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "EUR"
	}
	if c.SourceSystem == "" {
		c.SourceSystem = "paperless"
	}
	return c
}

// Registry holds strategies in descending priority order.
type Registry struct {
	strategies []Strategy
}

// NewRegistry builds a registry from the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// DefaultRegistry returns the standard chain: structured XML, text layer,
// OCR heuristics, metadata fallback.
func DefaultRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return NewRegistry(
		&xmlStrategy{cfg: cfg},
		&textStrategy{cfg: cfg},
		&ocrStrategy{cfg: cfg},
		&fallbackStrategy{cfg: cfg},
	)
}

// Register adds a strategy, keeping the order by priority descending with
// the name as tie-break.
func (r *Registry) Register(s Strategy) {
	r.strategies = append(r.strategies, s)
	sort.SliceStable(r.strategies, func(i, j int) bool {
		if r.strategies[i].Priority() != r.strategies[j].Priority() {
			return r.strategies[i].Priority() > r.strategies[j].Priority()
		}
		return r.strategies[i].Name() < r.strategies[j].Name()
	})
}

// Strategies returns the ordered strategy list.
func (r *Registry) Strategies() []Strategy {
	return r.strategies
}

// nopLogger keeps constructors nil-safe.
func orNop(l logging.Logger) logging.Logger {
	if l == nil {
		return logging.Nop()
	}
	return l
}
