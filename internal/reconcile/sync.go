// Package reconcile runs the sync, match, propose and auto-link phases
// that tie extracted documents to ledger transactions, and the manual
// operations that bypass them.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/ledger"
	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/store"
)

// TransactionSource is the slice of the ledger client the synchroniser
// consumes.
type TransactionSource interface {
	ListTransactions(ctx context.Context, opts ledger.ListOptions) ([]ledger.Transaction, error)
	ListCategories(ctx context.Context) ([]ledger.NamedResource, error)
}

// SyncResult summarises one cache refresh.
type SyncResult struct {
	Fetched      int              `json:"fetched"`
	Upserted     int              `json:"upserted"`
	LedgerLinked int              `json:"ledger_linked"`
	SoftDeleted  int64            `json:"soft_deleted"`
	Categories   map[string]int64 `json:"-"`
	FullSync     bool             `json:"full_sync"`
}

// Synchroniser mirrors ledger transactions into the local cache.
type Synchroniser struct {
	source TransactionSource
	repos  store.RepositoryManager
	logger logging.Logger
	now    func() time.Time
}

func NewSynchroniser(source TransactionSource, repos store.RepositoryManager, logger logging.Logger) *Synchroniser {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Synchroniser{source: source, repos: repos, logger: logger, now: time.Now}
}

// Sync fetches the ledger's transactions and upserts them into the
// cache. Rows the ledger no longer reports are tombstoned in the same
// run; the cutoff is captured before any row is stamped so survivors
// are exactly the rows observed this time. Transactions already
// carrying linkage markers are kept out of the matching pool. full
// clears the cache before the rebuild.
func (s *Synchroniser) Sync(ctx context.Context, full bool) (*SyncResult, error) {
	cutoff := s.now().UTC()
	res := &SyncResult{FullSync: full}

	txns, err := s.source.ListTransactions(ctx, ledger.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list ledger transactions: %w", err)
	}
	res.Fetched = len(txns)

	err = s.repos.WithTransaction(ctx, func(tc store.TransactionContext) error {
		if full {
			if err := tc.Cache().Clear(ctx); err != nil {
				return err
			}
		}

		for i := range txns {
			row := s.cacheRow(&txns[i])
			if err := tc.Cache().Upsert(ctx, row); err != nil {
				return err
			}
			res.Upserted++

			if !canonical.IsSparkLinked(row.ExternalID, row.InternalReference, row.Notes) {
				continue
			}
			res.LedgerLinked++
			if err := s.markLedgerLinked(ctx, tc, row); err != nil {
				return err
			}
		}

		n, err := tc.Cache().SoftDeleteMissing(ctx, cutoff)
		if err != nil {
			return err
		}
		res.SoftDeleted = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: refresh cache: %w", err)
	}

	cats, err := s.source.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list categories: %w", err)
	}
	res.Categories = make(map[string]int64, len(cats))
	for _, c := range cats {
		res.Categories[c.Name] = c.ID
	}

	s.logger.Info("ledger cache synced",
		"fetched", res.Fetched, "upserted", res.Upserted,
		"ledger_linked", res.LedgerLinked, "soft_deleted", res.SoftDeleted,
		"categories", len(res.Categories), "full", full)
	return res, nil
}

// markLedgerLinked takes a marker-carrying row out of the matching pool.
// Rows the store already tracks as matched or rejected keep their state.
func (s *Synchroniser) markLedgerLinked(ctx context.Context, tc store.TransactionContext, row *store.CachedTransaction) error {
	current, err := tc.Cache().Get(ctx, row.FireflyID)
	if err != nil {
		return err
	}
	if current == nil || current.MatchStatus != store.MatchUnmatched {
		return nil
	}

	var docPtr *int64
	if docID, ok := canonical.DocIDFromMarkers(row.ExternalID, row.InternalReference, row.Notes); ok {
		docPtr = &docID
	}
	return tc.Cache().UpdateMatchStatus(ctx, row.FireflyID, store.MatchMatched, docPtr, nil)
}

func (s *Synchroniser) cacheRow(t *ledger.Transaction) *store.CachedTransaction {
	amount, err := decimal.NewFromString(t.Amount)
	if err != nil {
		// A zero amount never matches anything, so the row stays a
		// harmless mirror entry.
		s.logger.Warn("unparseable ledger amount", "firefly_id", t.ID, "amount", t.Amount)
		amount = decimal.Zero
	}

	return &store.CachedTransaction{
		FireflyID:         t.ID,
		Type:              t.Type,
		Date:              t.Date,
		Amount:            amount,
		Description:       t.Description,
		SourceName:        t.SourceName,
		DestinationName:   t.DestinationName,
		Notes:             t.Notes,
		Category:          t.CategoryName,
		Tags:              t.Tags,
		ExternalID:        t.ExternalID,
		InternalReference: t.InternalReference,
		SyncedAt:          s.now().UTC(),
	}
}
