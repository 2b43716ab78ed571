package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/paperspark/spark/internal/api"
	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/dms"
	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/store"
)

// DocumentSource is the slice of the DMS client the pipeline consumes.
type DocumentSource interface {
	ListDocuments(ctx context.Context, filter dms.Filter) ([]dms.Document, error)
	GetDocument(ctx context.Context, id int64) (*dms.Document, error)
	DownloadOriginal(ctx context.Context, id int64) ([]byte, string, error)
	DocumentURL(id int64) string
}

// BlobCache spares re-downloads of originals we have seen before. Nil is
// a valid cache.
type BlobCache interface {
	Get(hash string) ([]byte, bool)
	Put(hash string, blob []byte) error
}

// Scorer assigns the review disposition for a freshly extracted record.
type Scorer interface {
	Score(rec *canonical.Record) (canonical.ReviewState, float64)
}

// Outcome describes what happened to one document.
type Outcome struct {
	DocumentID  int64
	ExternalID  string
	Strategy    string
	ReviewState canonical.ReviewState
	Confidence  float64
	Skipped     bool
	SkipReason  string
}

// Summary aggregates a filtered ingestion sweep.
type Summary struct {
	Listed    int
	Extracted int
	Skipped   int
	Failed    int
	Errors    []error
}

// Pipeline ingests DMS documents end to end: download, route, score,
// persist.
type Pipeline struct {
	source        DocumentSource
	repos         store.RepositoryManager
	router        *Router
	scorer        Scorer
	blobs         BlobCache
	ownerID       *int64
	minVendorConf float64
	logger        logging.Logger
	metrics       store.Metrics
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithBlobCache attaches a content cache for original document bytes.
func WithBlobCache(c BlobCache) PipelineOption {
	return func(p *Pipeline) { p.blobs = c }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l logging.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithPipelineMetrics sets the metrics sink.
func WithPipelineMetrics(m store.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithVendorConfidenceFloor gates mapping enrichment: below the floor
// the extracted counterparty name is too uncertain to key a lookup.
// Zero disables the gate.
func WithVendorConfidenceFloor(v float64) PipelineOption {
	return func(p *Pipeline) { p.minVendorConf = v }
}

// WithOwner tags every ingested document with an owner id.
func WithOwner(ownerID int64) PipelineOption {
	return func(p *Pipeline) { p.ownerID = &ownerID }
}

// NewPipeline wires an ingestion pipeline.
func NewPipeline(source DocumentSource, repos store.RepositoryManager, router *Router, scorer Scorer, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		source:  source,
		repos:   repos,
		router:  router,
		scorer:  scorer,
		logger:  logging.Nop(),
		metrics: &store.NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IngestDocument processes a single document by DMS id. force re-extracts
// even when the content hash is unchanged.
func (p *Pipeline) IngestDocument(ctx context.Context, id int64, force bool) (*Outcome, error) {
	doc, err := p.source.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("extract: document %d: %w", id, api.ErrNotFound)
	}
	return p.ingest(ctx, doc, force)
}

// IngestAll processes every document matching the filter. Per-document
// failures are collected into the summary instead of aborting the sweep;
// only context cancellation stops it early.
func (p *Pipeline) IngestAll(ctx context.Context, filter dms.Filter, force bool) (*Summary, error) {
	docs, err := p.source.ListDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Listed: len(docs)}
	for i := range docs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		out, err := p.ingest(ctx, &docs[i], force)
		if err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Errorf("document %d: %w", docs[i].ID, err))
			p.logger.Error("document ingestion failed", "document_id", docs[i].ID, "error", err)
			continue
		}
		if out.Skipped {
			sum.Skipped++
		} else {
			sum.Extracted++
		}
	}
	p.logger.Info("ingestion sweep finished",
		"listed", sum.Listed, "extracted", sum.Extracted, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

func (p *Pipeline) ingest(ctx context.Context, doc *dms.Document, force bool) (*Outcome, error) {
	existing, err := p.repos.Documents().Get(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	knownHash := ""
	if existing != nil {
		knownHash = existing.SourceHash
	}

	blob, hash, filename, err := p.fetchOriginal(ctx, doc.ID, knownHash)
	if err != nil {
		return nil, err
	}

	if !force && existing != nil && existing.SourceHash == hash {
		latest, err := p.repos.Extractions().LatestForDocument(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			if err := p.repos.Documents().Upsert(ctx, p.documentRow(doc, hash)); err != nil {
				return nil, err
			}
			p.metrics.IncrementCounter("documents_skipped_unchanged", nil)
			return &Outcome{
				DocumentID:  doc.ID,
				ExternalID:  latest.ExternalID,
				ReviewState: latest.ReviewState,
				Confidence:  latest.OverallConfidence,
				Skipped:     true,
				SkipReason:  "unchanged",
			}, nil
		}
	}

	in := &Input{
		Document:    doc,
		Original:    blob,
		Filename:    filename,
		SourceHash:  hash,
		DocumentURL: p.source.DocumentURL(doc.ID),
	}
	rec, err := p.router.Route(ctx, in)
	if err != nil {
		return nil, err
	}

	// Enrichment may change the destination account, which participates
	// in the external-id hash.
	p.enrichFromVendors(ctx, rec)
	rec.Regenerate()

	state, overall := p.scorer.Score(rec)

	// Identical identity means an extraction with this external id
	// already exists; saving again would only trip the unique index.
	prior, err := p.repos.Extractions().GetByExternalID(ctx, rec.Proposal.ExternalID)
	if err != nil {
		return nil, err
	}
	if prior != nil && prior.DocumentID == doc.ID {
		if err := p.repos.Documents().Upsert(ctx, p.documentRow(doc, hash)); err != nil {
			return nil, err
		}
		return &Outcome{
			DocumentID:  doc.ID,
			ExternalID:  prior.ExternalID,
			ReviewState: prior.ReviewState,
			Confidence:  prior.OverallConfidence,
			Skipped:     true,
			SkipReason:  "identical extraction exists",
		}, nil
	}

	payload, err := rec.Marshal()
	if err != nil {
		return nil, err
	}

	err = p.repos.WithTransaction(ctx, func(tx store.TransactionContext) error {
		if err := tx.Documents().Upsert(ctx, p.documentRow(doc, hash)); err != nil {
			return err
		}
		return tx.Extractions().Save(ctx, &store.Extraction{
			DocumentID:        doc.ID,
			ExternalID:        rec.Proposal.ExternalID,
			ExtractionJSON:    payload,
			OverallConfidence: overall,
			ReviewState:       state,
		})
	})
	if err != nil {
		return nil, err
	}

	p.metrics.IncrementCounter("documents_ingested", map[string]string{"strategy": rec.Provenance.Strategy})
	p.logger.Info("document ingested",
		"document_id", doc.ID,
		"strategy", rec.Provenance.Strategy,
		"review_state", string(state),
		"confidence", overall,
		"external_id", rec.Proposal.ExternalID)

	return &Outcome{
		DocumentID:  doc.ID,
		ExternalID:  rec.Proposal.ExternalID,
		Strategy:    rec.Provenance.Strategy,
		ReviewState: state,
		Confidence:  overall,
	}, nil
}

// fetchOriginal returns the document bytes, their hash and the original
// filename. A cache hit under the previously observed hash skips the
// download; the hash is re-verified so a corrupt cache entry falls back
// to the network.
func (p *Pipeline) fetchOriginal(ctx context.Context, id int64, knownHash string) ([]byte, string, string, error) {
	if p.blobs != nil && knownHash != "" {
		if blob, ok := p.blobs.Get(knownHash); ok {
			sum := sha256.Sum256(blob)
			if hex.EncodeToString(sum[:]) == knownHash {
				return blob, knownHash, "", nil
			}
			p.logger.Warn("blob cache entry failed verification", "hash", knownHash)
		}
	}

	blob, filename, err := p.source.DownloadOriginal(ctx, id)
	if err != nil {
		return nil, "", "", err
	}
	sum := sha256.Sum256(blob)
	hash := hex.EncodeToString(sum[:])
	if p.blobs != nil {
		if err := p.blobs.Put(hash, blob); err != nil {
			p.logger.Warn("blob cache write failed", "hash", hash, "error", err)
		}
	}
	return blob, hash, filename, nil
}

// enrichFromVendors fills account, category and tags from the learned
// vendor mappings when the extraction left them empty.
func (p *Pipeline) enrichFromVendors(ctx context.Context, rec *canonical.Record) {
	vendor := rec.Vendor()
	if vendor == "" {
		return
	}
	if p.minVendorConf > 0 && rec.Confidences.Get(canonical.FieldVendor) < p.minVendorConf {
		p.logger.Debug("vendor too uncertain for mapping lookup",
			"document_id", rec.DocumentID,
			"confidence", rec.Confidences.Get(canonical.FieldVendor))
		return
	}
	vm, err := p.repos.Vendors().Lookup(ctx, store.VendorPattern(vendor))
	if err != nil {
		p.logger.Warn("vendor mapping lookup failed", "vendor", vendor, "error", err)
		return
	}
	if vm == nil {
		return
	}

	if rec.Proposal.DestinationAccount == "" && vm.Account != "" &&
		rec.Proposal.Type != canonical.TypeDeposit {
		rec.Proposal.DestinationAccount = vm.Account
	}
	if rec.Proposal.Category == "" && vm.Category != "" {
		rec.Proposal.Category = vm.Category
	}
	rec.Proposal.Tags = mergeTags(rec.Proposal.Tags, vm.Tags)
}

func (p *Pipeline) documentRow(doc *dms.Document, hash string) *store.Document {
	return &store.Document{
		ID:            doc.ID,
		SourceHash:    hash,
		Title:         doc.Title,
		DocumentType:  doc.DocumentType,
		Correspondent: doc.Correspondent,
		Tags:          doc.Tags,
		OwnerID:       p.ownerID,
	}
}

func mergeTags(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, t := range base {
		seen[t] = true
	}
	for _, t := range extra {
		if t != "" && !seen[t] {
			base = append(base, t)
			seen[t] = true
		}
	}
	return base
}
