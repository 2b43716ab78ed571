package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/ledger"
	"github.com/paperspark/spark/internal/store"
)

func ledgerTxn(id int64, amount, date, description, destination string) ledger.Transaction {
	return ledger.Transaction{
		ID:              id,
		Type:            "withdrawal",
		Date:            date,
		Amount:          amount,
		Description:     description,
		SourceName:      "Checking Account",
		DestinationName: destination,
	}
}

func TestSyncMirrorsLedgerAndMapsCategories(t *testing.T) {
	ctx := context.Background()
	rm := openReconcileStore(t)
	fl := &fakeLedger{
		transactions: []ledger.Transaction{
			ledgerTxn(10, "12.34", "2025-01-02", "EDEKA SAGT DANKE", "EDEKA Markt"),
			ledgerTxn(11, "990.00", "2025-01-03", "Miete Januar", "Vermieter"),
		},
		categories: []ledger.NamedResource{{ID: 1, Name: "Groceries"}, {ID: 2, Name: "Rent"}},
	}

	res, err := NewSynchroniser(fl, rm, nil).Sync(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 0, res.LedgerLinked)
	assert.Equal(t, int64(0), res.SoftDeleted)
	assert.False(t, res.FullSync)
	assert.Equal(t, map[string]int64{"Groceries": 1, "Rent": 2}, res.Categories)

	row, err := rm.Cache().Get(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "12.34", row.Amount.StringFixed(2))
	assert.Equal(t, "EDEKA Markt", row.DestinationName)
	assert.Equal(t, store.MatchUnmatched, row.MatchStatus)
	assert.Nil(t, row.DeletedAt)
	assert.False(t, row.SyncedAt.IsZero())
}

func TestSyncMarksMarkerCarryingRows(t *testing.T) {
	ctx := context.Background()
	rm := openReconcileStore(t)

	txn := ledgerTxn(42, "50.00", "2025-02-02", "ACME Rechnung", "ACME GmbH")
	txn.InternalReference = canonical.InternalReference(7)
	fl := &fakeLedger{transactions: []ledger.Transaction{txn}}
	s := NewSynchroniser(fl, rm, nil)

	res, err := s.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.LedgerLinked)

	row, err := rm.Cache().Get(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.MatchMatched, row.MatchStatus)
	require.NotNil(t, row.MatchedDocumentID)
	assert.Equal(t, int64(7), *row.MatchedDocumentID)

	// The row never enters the matching pool.
	pool, err := rm.Cache().ListUnmatched(ctx, store.UnmatchedQuery{})
	require.NoError(t, err)
	assert.Empty(t, pool)

	// Re-observation keeps the match.
	res, err = s.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.LedgerLinked)
	row, err = rm.Cache().Get(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, store.MatchMatched, row.MatchStatus)
}

func TestSyncSoftDeletesVanishedRows(t *testing.T) {
	ctx := context.Background()
	rm := openReconcileStore(t)

	// Row 30 was mirrored an hour ago and no longer appears at the ledger.
	require.NoError(t, rm.Cache().Upsert(ctx, &store.CachedTransaction{
		FireflyID: 30,
		Type:      "withdrawal",
		Date:      "2024-12-01",
		Amount:    decimal.RequireFromString("5.00"),
		SyncedAt:  time.Now().UTC().Add(-time.Hour),
	}))

	fl := &fakeLedger{transactions: []ledger.Transaction{
		ledgerTxn(31, "6.00", "2025-01-05", "Bleibt", "Kiosk"),
	}}
	s := NewSynchroniser(fl, rm, nil)

	res, err := s.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.SoftDeleted)

	gone, err := rm.Cache().Get(ctx, 30)
	require.NoError(t, err)
	require.NotNil(t, gone)
	assert.NotNil(t, gone.DeletedAt)

	kept, err := rm.Cache().Get(ctx, 31)
	require.NoError(t, err)
	assert.Nil(t, kept.DeletedAt)

	pool, err := rm.Cache().ListUnmatched(ctx, store.UnmatchedQuery{})
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, int64(31), pool[0].FireflyID)

	// A reappearing transaction loses its tombstone.
	fl.transactions = append(fl.transactions, ledgerTxn(30, "5.00", "2024-12-01", "Wieder da", "Kiosk"))
	_, err = s.Sync(ctx, false)
	require.NoError(t, err)
	back, err := rm.Cache().Get(ctx, 30)
	require.NoError(t, err)
	assert.Nil(t, back.DeletedAt)
}

func TestSyncFullRebuildsCache(t *testing.T) {
	ctx := context.Background()
	rm := openReconcileStore(t)
	seedCacheRow(t, rm, 800, "10.00", "2025-01-01", "Alt", "Alt AG")

	fl := &fakeLedger{transactions: []ledger.Transaction{
		ledgerTxn(801, "20.00", "2025-01-02", "Neu", "Neu AG"),
	}}

	res, err := NewSynchroniser(fl, rm, nil).Sync(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.FullSync)

	old, err := rm.Cache().Get(ctx, 800)
	require.NoError(t, err)
	assert.Nil(t, old)

	cur, err := rm.Cache().Get(ctx, 801)
	require.NoError(t, err)
	require.NotNil(t, cur)
}

func TestSyncKeepsMatchColumnsOnRefresh(t *testing.T) {
	ctx := context.Background()
	rm := openReconcileStore(t)

	seedCacheRow(t, rm, 60, "15.00", "2025-03-03", "Drogerie", "dm")
	docID := int64(4)
	conf := 0.97
	require.NoError(t, rm.Cache().UpdateMatchStatus(ctx, 60, store.MatchMatched, &docID, &conf))

	fl := &fakeLedger{transactions: []ledger.Transaction{
		ledgerTxn(60, "15.00", "2025-03-03", "dm drogerie markt sagt danke", "dm"),
	}}
	_, err := NewSynchroniser(fl, rm, nil).Sync(ctx, false)
	require.NoError(t, err)

	row, err := rm.Cache().Get(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, store.MatchMatched, row.MatchStatus)
	require.NotNil(t, row.MatchedDocumentID)
	assert.Equal(t, int64(4), *row.MatchedDocumentID)
	assert.Equal(t, "dm drogerie markt sagt danke", row.Description)
}

func TestSyncZeroesUnparseableAmount(t *testing.T) {
	ctx := context.Background()
	rm := openReconcileStore(t)
	fl := &fakeLedger{transactions: []ledger.Transaction{
		ledgerTxn(70, "not-a-number", "2025-04-04", "Kaputt", "K"),
	}}

	_, err := NewSynchroniser(fl, rm, nil).Sync(ctx, false)
	require.NoError(t, err)

	row, err := rm.Cache().Get(ctx, 70)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Amount.IsZero())
}

func TestSyncListFailureLeavesCacheAlone(t *testing.T) {
	ctx := context.Background()
	rm := openReconcileStore(t)
	seedCacheRow(t, rm, 80, "1.00", "2025-05-05", "Bleibt", "Kiosk")

	fl := &fakeLedger{listErr: errors.New("bad gateway")}
	_, err := NewSynchroniser(fl, rm, nil).Sync(ctx, false)
	require.Error(t, err)

	row, err := rm.Cache().Get(ctx, 80)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Nil(t, row.DeletedAt)
}
