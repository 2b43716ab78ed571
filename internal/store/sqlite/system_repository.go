package sqlite

import (
	"context"
	"database/sql"

	"github.com/paperspark/spark/internal/store"
)

// SystemRepository implements store.SystemRepository.
type SystemRepository struct {
	db     *sql.DB
	driver string
	s      *session
}

func NewSystemRepository(db *sql.DB, driver string) *SystemRepository {
	return &SystemRepository{db: db, driver: driver, s: newSession(db, driver)}
}

func (r *SystemRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return store.NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

func (r *SystemRepository) Begin(ctx context.Context) (store.TransactionContext, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.NewTransactionError("begin", "failed to begin transaction", err)
	}
	return NewTransactionContext(tx, r.driver), nil
}

func (r *SystemRepository) Stats(ctx context.Context) (*store.StoreStats, error) {
	stats := &store.StoreStats{}
	counts := []struct {
		dest  *int64
		query string
	}{
		{&stats.Documents, `SELECT COUNT(*) FROM documents`},
		{&stats.Extractions, `SELECT COUNT(*) FROM extractions`},
		{&stats.PendingReview, `SELECT COUNT(*) FROM extractions
			WHERE review_state IN ('REVIEW', 'MANUAL') AND review_decision IS NULL`},
		{&stats.Imports, `SELECT COUNT(*) FROM imports`},
		{&stats.ImportsPending, `SELECT COUNT(*) FROM imports WHERE status = 'PENDING'`},
		{&stats.CachedTxns, `SELECT COUNT(*) FROM ledger_tx_cache WHERE deleted_at IS NULL`},
		{&stats.Unmatched, `SELECT COUNT(*) FROM ledger_tx_cache
			WHERE match_status = 'UNMATCHED' AND deleted_at IS NULL`},
		{&stats.OpenProposals, `SELECT COUNT(*) FROM match_proposals WHERE status = 'PENDING'`},
		{&stats.Runs, `SELECT COUNT(*) FROM interpretation_runs`},
		{&stats.QueuedJobs, `SELECT COUNT(*) FROM ai_jobs WHERE status IN ('PENDING', 'PROCESSING')`},
	}

	for _, c := range counts {
		if err := r.s.queryRow(ctx, c.query).Scan(c.dest); err != nil {
			return nil, store.NewQueryError("store_stats", "failed to count rows", err)
		}
	}
	return stats, nil
}
