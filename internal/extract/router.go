package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/logging"
)

// amountConfidenceFloor is the early-stop bar: a strategy whose amount
// confidence clears it ends the chain.
const amountConfidenceFloor = 0.3

// Router drives a document through the strategy chain and finalises the
// winning record.
type Router struct {
	registry *Registry
	cfg      Config
	logger   logging.Logger
	now      func() time.Time
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, cfg Config, logger logging.Logger) *Router {
	return &Router{
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   orNop(logger),
		now:      time.Now,
	}
}

// Route asks each capable strategy in priority order for a record and
// stops at the first whose amount confidence clears the floor. When no
// strategy clears it, the best attempt wins. The result carries document
// identity, provenance and a freshly derived external id.
func (r *Router) Route(ctx context.Context, in *Input) (*canonical.Record, error) {
	var (
		best     *canonical.Record
		bestName string
		bestConf = -1.0
	)

	for _, s := range r.registry.Strategies() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.CanExtract(in) {
			continue
		}
		rec, err := s.Extract(ctx, in)
		if err != nil {
			r.logger.Warn("extraction strategy failed",
				"strategy", s.Name(), "document_id", in.Document.ID, "error", err)
			continue
		}
		if rec == nil {
			continue
		}
		conf := rec.Confidences.Get(canonical.FieldAmount)
		r.logger.Debug("extraction strategy attempt",
			"strategy", s.Name(), "document_id", in.Document.ID, "amount_confidence", conf)
		if conf > bestConf {
			best, bestName, bestConf = rec, s.Name(), conf
		}
		if conf > amountConfidenceFloor {
			break
		}
	}
	if best == nil {
		return nil, fmt.Errorf("extract: no strategy produced a result for document %d", in.Document.ID)
	}

	r.finalise(best, bestName, in)
	return best, nil
}

// finalise stamps identity, provenance and the structural defaults every
// stored record must carry, then derives the external id.
func (r *Router) finalise(rec *canonical.Record, strategy string, in *Input) {
	rec.DocumentID = in.Document.ID
	rec.SourceHash = in.SourceHash
	rec.DocumentURL = in.DocumentURL
	rec.RawText = in.Document.Content
	rec.Provenance = canonical.Provenance{
		SourceSystem:  r.cfg.SourceSystem,
		ParserVersion: ParserVersion,
		ParsedAt:      r.now().UTC(),
		Strategy:      strategy,
	}

	if !rec.Proposal.Type.Valid() {
		rec.Proposal.Type = canonical.TypeWithdrawal
	}
	if rec.Proposal.Currency == "" {
		rec.Proposal.Currency = r.cfg.DefaultCurrency
	}
	if strings.TrimSpace(rec.Proposal.Description) == "" {
		rec.Proposal.Description = strings.TrimSpace(in.Document.Title)
	}
	if rec.Confidences == nil {
		rec.Confidences = canonical.Confidence{}
	}

	rec.Regenerate()
}
