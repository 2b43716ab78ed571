package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/store"
)

// CacheRepository implements store.CacheRepository over the ledger
// transaction mirror.
type CacheRepository struct {
	s *session
}

func NewCacheRepository(db *sql.DB, driver string) *CacheRepository {
	return &CacheRepository{s: newSession(db, driver)}
}

func NewCacheRepositoryWithTx(tx *sql.Tx, driver string) *CacheRepository {
	return &CacheRepository{s: newSession(tx, driver)}
}

var cacheColumns = []string{
	"firefly_id", "type", "date", "amount", "description",
	"source_name", "destination_name", "notes", "category", "tags",
	"external_id", "internal_reference", "synced_at",
	"match_status", "matched_document_id", "match_confidence", "deleted_at",
}

func (r *CacheRepository) Upsert(ctx context.Context, txn *store.CachedTransaction) error {
	if txn.SyncedAt.IsZero() {
		txn.SyncedAt = time.Now().UTC()
	}
	if txn.MatchStatus == "" {
		txn.MatchStatus = store.MatchUnmatched
	}

	// Mirror fields refresh on every sync; match columns are only set on
	// insert so review decisions survive. A reappearing transaction loses
	// its tombstone.
	query := `INSERT INTO ledger_tx_cache (firefly_id, type, date, amount, description,
			  source_name, destination_name, notes, category, tags,
			  external_id, internal_reference, synced_at, match_status,
			  matched_document_id, match_confidence, deleted_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
			  ON CONFLICT (firefly_id) DO UPDATE SET
			  type = excluded.type,
			  date = excluded.date,
			  amount = excluded.amount,
			  description = excluded.description,
			  source_name = excluded.source_name,
			  destination_name = excluded.destination_name,
			  notes = excluded.notes,
			  category = excluded.category,
			  tags = excluded.tags,
			  external_id = excluded.external_id,
			  internal_reference = excluded.internal_reference,
			  synced_at = excluded.synced_at,
			  deleted_at = NULL`

	_, err := r.s.exec(ctx, query,
		txn.FireflyID, txn.Type, txn.Date, amountString(txn.Amount), txn.Description,
		txn.SourceName, txn.DestinationName, txn.Notes, txn.Category, encodeStrings(txn.Tags),
		txn.ExternalID, txn.InternalReference, timeString(txn.SyncedAt), string(txn.MatchStatus),
		intArg(txn.MatchedDocumentID), floatArg(txn.MatchConfidence))
	if err != nil {
		return store.NewQueryError("upsert_cache", "failed to upsert cached transaction", err)
	}

	return nil
}

func (r *CacheRepository) Get(ctx context.Context, fireflyID int64) (*store.CachedTransaction, error) {
	query := `SELECT ` + joinColumns(cacheColumns) + ` FROM ledger_tx_cache WHERE firefly_id = ?`

	row := r.s.queryRow(ctx, query, fireflyID)
	txn, err := scanCachedTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("get_cache", "failed to query cached transaction", err)
	}
	return txn, nil
}

func (r *CacheRepository) ListUnmatched(ctx context.Context, q store.UnmatchedQuery) ([]store.CachedTransaction, error) {
	builder := sq.Select(cacheColumns...).
		From("ledger_tx_cache").
		Where(sq.Eq{"match_status": string(store.MatchUnmatched)}).
		Where("deleted_at IS NULL")

	if q.DateFrom != "" {
		builder = builder.Where(sq.GtOrEq{"date": q.DateFrom})
	}
	if q.DateTo != "" {
		builder = builder.Where(sq.LtOrEq{"date": q.DateTo})
	}

	builder = builder.OrderBy("date DESC", "firefly_id DESC")
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, store.NewQueryError("list_unmatched", "failed to build query", err)
	}

	rows, err := r.s.query(ctx, query, args...)
	if err != nil {
		return nil, store.NewQueryError("list_unmatched", "failed to query unmatched transactions", err)
	}
	defer rows.Close()

	return scanCachedTransactions(rows)
}

func (r *CacheRepository) UpdateMatchStatus(ctx context.Context, fireflyID int64, status store.MatchStatus, documentID *int64, confidence *float64) error {
	result, err := r.s.exec(ctx,
		`UPDATE ledger_tx_cache SET match_status = ?, matched_document_id = ?, match_confidence = ?
		 WHERE firefly_id = ?`,
		string(status), intArg(documentID), floatArg(confidence), fireflyID)
	if err != nil {
		return store.NewQueryError("update_match_status", "failed to update match status", err)
	}
	return requireRow(result, store.ErrTransactionNotFound, "update_match_status", "TRANSACTION_NOT_FOUND")
}

func (r *CacheRepository) SoftDeleteMissing(ctx context.Context, syncedBefore time.Time) (int64, error) {
	result, err := r.s.exec(ctx,
		`UPDATE ledger_tx_cache SET deleted_at = ? WHERE deleted_at IS NULL AND synced_at < ?`,
		timeString(time.Now()), timeString(syncedBefore))
	if err != nil {
		return 0, store.NewQueryError("soft_delete_missing", "failed to tombstone missing transactions", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewQueryError("soft_delete_missing", "failed to read affected rows", err)
	}
	return n, nil
}

func (r *CacheRepository) ListLinkedToDocument(ctx context.Context, documentID int64) ([]store.CachedTransaction, error) {
	// Coarse SQL filter over the three marker columns, then an exact
	// marker parse in Go so doc id 12 never matches doc id 123.
	query := `SELECT ` + joinColumns(cacheColumns) + ` FROM ledger_tx_cache
			  WHERE deleted_at IS NULL AND (external_id LIKE ? OR external_id LIKE ?
			  OR internal_reference = ? OR notes LIKE ?)`

	rows, err := r.s.query(ctx, query,
		fmt.Sprintf("%%:pl:%d", documentID),
		fmt.Sprintf("paperless:%d:%%", documentID),
		canonical.InternalReference(documentID),
		fmt.Sprintf("%%%s%d%%", canonical.NotesMarkerPrefix, documentID))
	if err != nil {
		return nil, store.NewQueryError("list_linked", "failed to query linked transactions", err)
	}
	defer rows.Close()

	candidates, err := scanCachedTransactions(rows)
	if err != nil {
		return nil, err
	}

	var results []store.CachedTransaction
	for _, txn := range candidates {
		docID, ok := canonical.DocIDFromMarkers(txn.ExternalID, txn.InternalReference, txn.Notes)
		if ok && docID == documentID {
			results = append(results, txn)
		}
	}
	return results, nil
}

func (r *CacheRepository) HasMatchForDocument(ctx context.Context, documentID int64) (bool, error) {
	var count int64
	err := r.s.queryRow(ctx,
		`SELECT COUNT(*) FROM ledger_tx_cache
		 WHERE matched_document_id = ? AND match_status = 'MATCHED' AND deleted_at IS NULL`,
		documentID).Scan(&count)
	if err != nil {
		return false, store.NewQueryError("has_match_for_document", "failed to query matched transactions", err)
	}
	return count > 0, nil
}

func (r *CacheRepository) UnmatchDocument(ctx context.Context, documentID int64) (int64, error) {
	result, err := r.s.exec(ctx,
		`UPDATE ledger_tx_cache SET match_status = 'UNMATCHED', matched_document_id = NULL, match_confidence = NULL
		 WHERE matched_document_id = ? AND match_status = 'MATCHED'`, documentID)
	if err != nil {
		return 0, store.NewQueryError("unmatch_document", "failed to unmatch cached transactions", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewQueryError("unmatch_document", "failed to read affected rows", err)
	}
	return n, nil
}

func (r *CacheRepository) LatestTransactionDate(ctx context.Context) (*time.Time, error) {
	var latest sql.NullString
	err := r.s.queryRow(ctx,
		`SELECT MAX(date) FROM ledger_tx_cache WHERE deleted_at IS NULL`).Scan(&latest)
	if err != nil {
		return nil, store.NewQueryError("latest_transaction_date", "failed to query latest date", err)
	}
	if !latest.Valid || latest.String == "" {
		return nil, nil
	}

	t, err := time.Parse(canonical.DateLayout, latest.String)
	if err != nil {
		return nil, store.NewDataError("latest_transaction_date", "malformed stored date", err)
	}
	return &t, nil
}

func (r *CacheRepository) Clear(ctx context.Context) error {
	if _, err := r.s.exec(ctx, `DELETE FROM ledger_tx_cache`); err != nil {
		return store.NewQueryError("clear_cache", "failed to clear cache", err)
	}
	return nil
}

func scanCachedTransaction(scan func(...interface{}) error) (*store.CachedTransaction, error) {
	var (
		txn        store.CachedTransaction
		amount     string
		tags       string
		syncedAt   string
		status     string
		docID      sql.NullInt64
		confidence sql.NullFloat64
		deletedAt  sql.NullString
	)

	err := scan(&txn.FireflyID, &txn.Type, &txn.Date, &amount, &txn.Description,
		&txn.SourceName, &txn.DestinationName, &txn.Notes, &txn.Category, &tags,
		&txn.ExternalID, &txn.InternalReference, &syncedAt,
		&status, &docID, &confidence, &deletedAt)
	if err != nil {
		return nil, err
	}

	if txn.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	txn.Tags = decodeStrings(tags)
	if txn.SyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, err
	}
	txn.MatchStatus = store.MatchStatus(status)
	txn.MatchedDocumentID = intPtr(docID)
	txn.MatchConfidence = floatPtr(confidence)
	if txn.DeletedAt, err = timePtr(deletedAt); err != nil {
		return nil, err
	}

	return &txn, nil
}

func scanCachedTransactions(rows *sql.Rows) ([]store.CachedTransaction, error) {
	var results []store.CachedTransaction
	for rows.Next() {
		txn, err := scanCachedTransaction(rows.Scan)
		if err != nil {
			return nil, store.NewQueryError("scan_cache", "failed to scan row", err)
		}
		results = append(results, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewQueryError("scan_cache", "error iterating rows", err)
	}
	return results, nil
}

func joinColumns(cols []string) string {
	return strings.Join(cols, ", ")
}

func floatArg(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
