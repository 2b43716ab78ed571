package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paperspark/spark/internal/ledger"
	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/metrics"
	"github.com/paperspark/spark/internal/payload"
	"github.com/paperspark/spark/internal/store"
)

// TransactionCreator is the slice of the ledger client the importer
// consumes.
type TransactionCreator interface {
	CreateTransaction(ctx context.Context, group *ledger.TransactionGroup, skipDuplicates bool) (*ledger.CreateResult, error)
}

// Importer pushes extraction records to the ledger as new transactions,
// tracking every attempt on the import row keyed by external id.
type Importer struct {
	creator        TransactionCreator
	builder        *payload.Builder
	repos          store.RepositoryManager
	logger         logging.Logger
	metrics        *metrics.Collector
	skipDuplicates bool
}

type ImporterOption func(*Importer)

// WithImportMetrics counts terminal import outcomes on the collector.
func WithImportMetrics(c *metrics.Collector) ImporterOption {
	return func(im *Importer) { im.metrics = c }
}

func NewImporter(creator TransactionCreator, builder *payload.Builder, repos store.RepositoryManager, logger logging.Logger, skipDuplicates bool, opts ...ImporterOption) *Importer {
	if logger == nil {
		logger = logging.Nop()
	}
	im := &Importer{creator: creator, builder: builder, repos: repos, logger: logger, skipDuplicates: skipDuplicates}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import sends the extraction's record to the ledger. A re-push of an
// external id whose ledger id is already known returns it without a
// network call. A duplicate the ledger reports is skipped silently when
// the importer was built with skipDuplicates, in which case both results
// are nil; otherwise the DuplicateError surfaces to the caller.
func (im *Importer) Import(ctx context.Context, ex *store.Extraction) (*ledger.CreateResult, error) {
	rec, err := ex.Record()
	if err != nil {
		return nil, fmt.Errorf("reconcile: decode extraction %d: %w", ex.ID, err)
	}

	group, err := im.builder.Build(rec, ex.ReviewState, ex.OverallConfidence)
	if err != nil {
		return nil, fmt.Errorf("reconcile: build payload for document %d: %w", ex.DocumentID, err)
	}

	existing, err := im.repos.Imports().GetByExternalID(ctx, ex.ExternalID)
	if err != nil {
		return nil, err
	}
	switch {
	case existing == nil:
		body, merr := json.Marshal(group)
		if merr != nil {
			return nil, fmt.Errorf("reconcile: marshal payload: %w", merr)
		}
		err = im.repos.Imports().Create(ctx, &store.Import{
			ExternalID: ex.ExternalID,
			DocumentID: ex.DocumentID,
			Payload:    body,
		})
		if err != nil {
			return nil, err
		}
	case existing.FireflyID != nil &&
		(existing.Status == store.ImportImported || existing.Status == store.ImportDuplicate):
		im.logger.Debug("import already resolved",
			"external_id", ex.ExternalID, "firefly_id", *existing.FireflyID)
		return &ledger.CreateResult{FireflyID: *existing.FireflyID, Outcome: ledger.OutcomeExisting}, nil
	case existing.Status == store.ImportFailed:
		if err := im.repos.Imports().ResetForRetry(ctx, ex.ExternalID); err != nil {
			return nil, err
		}
	}

	res, err := im.creator.CreateTransaction(ctx, group, im.skipDuplicates)
	if err != nil {
		var dup *ledger.DuplicateError
		if errors.As(err, &dup) {
			if merr := im.repos.Imports().MarkDuplicate(ctx, ex.ExternalID, nil); merr != nil {
				im.logger.Error("failed to record duplicate import", "external_id", ex.ExternalID, "error", merr)
			}
			im.metrics.ImportRecorded(string(store.ImportDuplicate))
			return nil, err
		}
		if merr := im.repos.Imports().MarkFailed(ctx, ex.ExternalID, err.Error()); merr != nil {
			im.logger.Error("failed to record import failure", "external_id", ex.ExternalID, "error", merr)
		}
		im.metrics.ImportRecorded(string(store.ImportFailed))
		return nil, err
	}

	if res.Outcome == ledger.OutcomeSkipped {
		if err := im.repos.Imports().MarkSkipped(ctx, ex.ExternalID, "ledger reported duplicate"); err != nil {
			return nil, err
		}
		im.metrics.ImportRecorded(string(store.ImportSkipped))
		im.logger.Info("import skipped as ledger duplicate", "external_id", ex.ExternalID)
		return nil, nil
	}

	if err := im.repos.Imports().MarkImported(ctx, ex.ExternalID, res.FireflyID); err != nil {
		return nil, err
	}
	im.metrics.ImportRecorded(string(store.ImportImported))
	im.logger.Info("imported transaction",
		"external_id", ex.ExternalID, "firefly_id", res.FireflyID, "outcome", string(res.Outcome))
	return res, nil
}
