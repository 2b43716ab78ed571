package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/extract"
	"github.com/paperspark/spark/internal/ledger"
	"github.com/paperspark/spark/internal/match"
	"github.com/paperspark/spark/internal/payload"
	"github.com/paperspark/spark/internal/store"
	"github.com/paperspark/spark/internal/store/sqlite"
)

func openReconcileStore(t *testing.T) store.RepositoryManager {
	t.Helper()

	rm, err := sqlite.NewRepositoryManager(store.SQLiteConfig(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)
	require.NoError(t, rm.Open(context.Background()))
	t.Cleanup(func() { rm.Close(context.Background()) })

	return rm
}

type linkCall struct {
	fireflyID   int64
	externalID  string
	internalRef string
	notes       string
}

// fakeLedger stands in for the ledger client on all three consumer
// interfaces. listStarted/listRelease let a test hold a sync mid-flight;
// both are single-shot.
type fakeLedger struct {
	mu sync.Mutex

	transactions []ledger.Transaction
	categories   []ledger.NamedResource
	listErr      error
	listStarted  chan struct{}
	listRelease  chan struct{}

	createResult *ledger.CreateResult
	createErr    error
	createCalls  int

	linkErr   error
	linkCalls []linkCall
}

func (f *fakeLedger) ListTransactions(ctx context.Context, opts ledger.ListOptions) ([]ledger.Transaction, error) {
	if f.listStarted != nil {
		close(f.listStarted)
	}
	if f.listRelease != nil {
		<-f.listRelease
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Transaction(nil), f.transactions...), nil
}

func (f *fakeLedger) ListCategories(ctx context.Context) ([]ledger.NamedResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.NamedResource(nil), f.categories...), nil
}

func (f *fakeLedger) CreateTransaction(ctx context.Context, group *ledger.TransactionGroup, skipDuplicates bool) (*ledger.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createResult != nil {
		return f.createResult, nil
	}
	return &ledger.CreateResult{FireflyID: 900, Outcome: ledger.OutcomeCreated}, nil
}

func (f *fakeLedger) UpdateLinkageMarkers(ctx context.Context, id int64, externalID, internalRef, appendNotes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return f.linkErr
	}
	f.linkCalls = append(f.linkCalls, linkCall{
		fireflyID:   id,
		externalID:  externalID,
		internalRef: internalRef,
		notes:       appendNotes,
	})
	return nil
}

type harness struct {
	rm     store.RepositoryManager
	ledger *fakeLedger
	rec    *Reconciler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	rm := openReconcileStore(t)
	fl := &fakeLedger{}
	builder := payload.NewBuilder(payload.Config{DefaultSourceAccount: "Checking Account"}, nil)
	syncer := NewSynchroniser(fl, rm, nil)
	importer := NewImporter(fl, builder, rm, nil, true)
	engine := match.NewEngine(match.Config{}, nil)

	return &harness{
		rm:     rm,
		ledger: fl,
		rec:    NewReconciler(rm, engine, syncer, importer, fl, cfg, nil),
	}
}

func matchableRecord(docID int64, amount, date, vendor string) *canonical.Record {
	rec := &canonical.Record{
		DocumentID: docID,
		SourceHash: strings.Repeat("ab", 32),
		Proposal: canonical.Proposal{
			Type:               canonical.TypeWithdrawal,
			Date:               date,
			Amount:             decimal.RequireFromString(amount),
			Currency:           "EUR",
			Description:        vendor + " Rechnung 4711",
			SourceAccount:      "Checking Account",
			DestinationAccount: vendor,
			Tags:               []string{"invoice"},
		},
		Confidences: canonical.Confidence{
			canonical.FieldAmount: 0.95,
			canonical.FieldDate:   0.90,
			canonical.FieldVendor: 0.85,
		},
		Provenance: canonical.Provenance{
			SourceSystem:  "paperless",
			ParserVersion: "2.1.0",
			Strategy:      extract.StrategyOCR,
		},
	}
	rec.Regenerate()
	return rec
}

// seedMatchable stores a document plus an auto-filed extraction, the
// shape the matching phase picks up.
func seedMatchable(t *testing.T, rm store.RepositoryManager, docID int64, amount, date, vendor string) *store.Extraction {
	t.Helper()
	ctx := context.Background()

	rec := matchableRecord(docID, amount, date, vendor)
	body, err := rec.Marshal()
	require.NoError(t, err)

	require.NoError(t, rm.Documents().Upsert(ctx, &store.Document{
		ID:            docID,
		SourceHash:    rec.SourceHash,
		Title:         vendor + " Rechnung",
		Correspondent: vendor,
	}))

	ex := &store.Extraction{
		DocumentID:        docID,
		ExternalID:        rec.Proposal.ExternalID,
		ExtractionJSON:    body,
		OverallConfidence: 0.93,
		ReviewState:       canonical.ReviewAuto,
	}
	require.NoError(t, rm.Extractions().Save(ctx, ex))
	return ex
}

func seedCacheRow(t *testing.T, rm store.RepositoryManager, fireflyID int64, amount, date, description, destination string) {
	t.Helper()
	require.NoError(t, rm.Cache().Upsert(context.Background(), &store.CachedTransaction{
		FireflyID:       fireflyID,
		Type:            "withdrawal",
		Date:            date,
		Amount:          decimal.RequireFromString(amount),
		Description:     description,
		SourceName:      "Checking Account",
		DestinationName: destination,
	}))
}

func finalStates(t *testing.T, rm store.RepositoryManager, docID int64) []string {
	t.Helper()
	runs, err := rm.Runs().ListForDocument(context.Background(), docID, 0)
	require.NoError(t, err)
	states := make([]string, len(runs))
	for i, run := range runs {
		states[i] = run.FinalState
	}
	return states
}

func TestRunProposesAndAutoLinksExactMatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	ex := seedMatchable(t, h.rm, 1, "99.99", "2025-01-15", "Amazon")
	seedCacheRow(t, h.rm, 100, "99.99", "2025-01-15", "AMZN Mktp DE", "Amazon.com")

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.State)
	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 1, res.Proposals)
	assert.Equal(t, 1, res.AutoLinked)
	assert.Equal(t, 0, res.Ambiguous)
	assert.Empty(t, res.Errors)

	require.Len(t, h.ledger.linkCalls, 1)
	call := h.ledger.linkCalls[0]
	assert.Equal(t, int64(100), call.fireflyID)
	assert.Equal(t, ex.ExternalID, call.externalID)
	assert.Equal(t, canonical.InternalReference(1), call.internalRef)
	assert.Equal(t, canonical.NotesMarker(1), call.notes)

	row, err := h.rm.Cache().Get(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, store.MatchMatched, row.MatchStatus)
	require.NotNil(t, row.MatchedDocumentID)
	assert.Equal(t, int64(1), *row.MatchedDocumentID)
	require.NotNil(t, row.MatchConfidence)
	assert.GreaterOrEqual(t, *row.MatchConfidence, 0.99)

	pending, err := h.rm.Proposals().ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	runs, err := h.rm.Runs().ListForDocument(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	states := finalStates(t, h.rm, 1)
	assert.Contains(t, states, store.RunProposalCreated)
	assert.Contains(t, states, store.RunLinked)
	for _, run := range runs {
		if run.FinalState == store.RunLinked {
			assert.True(t, run.AutoApplied)
			assert.Equal(t, store.SourceAuto, run.DecisionSource)
			assert.Equal(t, "UPDATE", run.WriteAction)
			require.NotNil(t, run.TargetFireflyID)
			assert.Equal(t, int64(100), *run.TargetFireflyID)
			assert.NotEmpty(t, run.LinkageMarkers)
		}
	}
}

func TestRunSecondPassMakesNoNewWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "99.99", "2025-01-15", "Amazon")
	seedCacheRow(t, h.rm, 100, "99.99", "2025-01-15", "AMZN Mktp DE", "Amazon.com")

	_, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)
	require.Len(t, h.ledger.linkCalls, 1)
	firstRuns, err := h.rm.Runs().ListForDocument(ctx, 1, 0)
	require.NoError(t, err)

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.State)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Proposals)
	assert.Equal(t, 0, res.AutoLinked)
	assert.Len(t, h.ledger.linkCalls, 1)

	secondRuns, err := h.rm.Runs().ListForDocument(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, secondRuns, len(firstRuns))
}

func TestRunAmbiguousTransactionLinksNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "45.00", "2025-02-01", "REWE")
	seedMatchable(t, h.rm, 2, "45.00", "2025-02-01", "REWE")
	seedCacheRow(t, h.rm, 200, "45.00", "2025-02-01", "REWE SAGT DANKE", "REWE")

	require.NoError(t, h.rm.Proposals().Create(ctx, &store.MatchProposal{
		FireflyID: 200, DocumentID: 1, Score: 0.95, Reasons: []string{"amount_match"},
	}))
	require.NoError(t, h.rm.Proposals().Create(ctx, &store.MatchProposal{
		FireflyID: 200, DocumentID: 2, Score: 0.93, Reasons: []string{"amount_match"},
	}))

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)

	assert.Equal(t, 0, res.AutoLinked)
	assert.Equal(t, 1, res.Ambiguous)
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, h.ledger.linkCalls)

	pending, err := h.rm.Proposals().ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		assert.Equal(t, store.ProposalPending, p.Status)
	}

	row, err := h.rm.Cache().Get(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, store.MatchUnmatched, row.MatchStatus)
}

func TestRunSkipsHandledDocuments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	// Document 1 is matched in the cache.
	seedMatchable(t, h.rm, 1, "10.00", "2025-03-01", "Netflix")
	seedCacheRow(t, h.rm, 300, "10.00", "2025-03-01", "NETFLIX.COM", "Netflix")
	docID := int64(1)
	require.NoError(t, h.rm.Cache().UpdateMatchStatus(ctx, 300, store.MatchMatched, &docID, nil))

	// Document 2 only carries ledger-side markers on an unmatched row.
	seedMatchable(t, h.rm, 2, "20.00", "2025-03-02", "Spotify")
	require.NoError(t, h.rm.Cache().Upsert(ctx, &store.CachedTransaction{
		FireflyID:         301,
		Type:              "withdrawal",
		Date:              "2025-03-02",
		Amount:            decimal.RequireFromString("20.00"),
		Description:       "SPOTIFY",
		SourceName:        "Checking Account",
		DestinationName:   "Spotify",
		InternalReference: canonical.InternalReference(2),
	}))

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Documents)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Proposals)
	assert.Empty(t, h.ledger.linkCalls)
}

func TestRunBankFirstHoldsUnmatchedDocuments(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	seedMatchable(t, h.rm, 1, "55.00", "2025-04-01", "Obi")

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 0, res.Proposals)
	assert.Equal(t, 0, h.ledger.createCalls)
	assert.Empty(t, finalStates(t, h.rm, 1))
}

func TestRunCreatesUnmatchedWhenBankFirstOff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{AutoMatchThreshold: 0.90, BankFirst: false})
	ex := seedMatchable(t, h.rm, 1, "55.00", "2025-04-01", "Obi")

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 1, h.ledger.createCalls)

	imp, err := h.rm.Imports().GetByExternalID(ctx, ex.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, imp)
	assert.Equal(t, store.ImportImported, imp.Status)
	require.NotNil(t, imp.FireflyID)
	assert.Equal(t, int64(900), *imp.FireflyID)

	assert.Contains(t, finalStates(t, h.rm, 1), store.RunCreated)

	// A second pass resolves from the import row instead of the ledger.
	_, err = h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.createCalls)
}

func TestRunDryRunPersistsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "99.99", "2025-01-15", "Amazon")
	seedCacheRow(t, h.rm, 100, "99.99", "2025-01-15", "AMZN Mktp DE", "Amazon.com")

	res, err := h.rec.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.State)
	assert.Nil(t, res.Sync)
	assert.Equal(t, 1, res.Proposals)
	assert.Equal(t, 1, res.AutoLinked)

	pending, err := h.rm.Proposals().ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, h.ledger.linkCalls)

	row, err := h.rm.Cache().Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, store.MatchUnmatched, row.MatchStatus)

	assert.Empty(t, finalStates(t, h.rm, 1))
}

func TestRunSyncFailureDegradesToCachedData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.ledger.listErr = errors.New("gateway timeout")

	seedMatchable(t, h.rm, 1, "99.99", "2025-01-15", "Amazon")
	seedCacheRow(t, h.rm, 100, "99.99", "2025-01-15", "AMZN Mktp DE", "Amazon.com")

	res, err := h.rec.Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.State)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "gateway timeout")
	assert.Nil(t, res.Sync)
	assert.Equal(t, 1, res.AutoLinked)
}

func TestRunRefusesOverlapForSameOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	h.ledger.listStarted = started
	h.ledger.listRelease = release

	errc := make(chan error, 1)
	go func() {
		_, err := h.rec.Run(ctx, Options{})
		errc <- err
	}()
	<-started

	_, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.ErrorIs(t, err, ErrRunInProgress)

	// A different owner is not blocked.
	owner := int64(7)
	_, err = h.rec.Run(ctx, Options{SkipSync: true, OwnerID: &owner})
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-errc)
}

func TestRunFiltersByOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "99.99", "2025-01-15", "Amazon")
	owner := int64(7)
	require.NoError(t, h.rm.Documents().Upsert(ctx, &store.Document{
		ID:         1,
		SourceHash: strings.Repeat("ab", 32),
		Title:      "Amazon Rechnung",
		OwnerID:    &owner,
	}))
	seedMatchable(t, h.rm, 2, "55.00", "2025-01-20", "Zalando")
	seedCacheRow(t, h.rm, 100, "99.99", "2025-01-15", "AMZN Mktp DE", "Amazon.com")

	res, err := h.rec.Run(ctx, Options{SkipSync: true, OwnerID: &owner})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 1, res.AutoLinked)

	runs, err := h.rm.Runs().ListForDocument(ctx, 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	for _, run := range runs {
		require.NotNil(t, run.OwnerID)
		assert.Equal(t, owner, *run.OwnerID)
	}
}

func TestQualifyByTransaction(t *testing.T) {
	pending := []store.MatchProposal{
		{ID: 1, FireflyID: 10, DocumentID: 1, Score: 0.95},
		{ID: 2, FireflyID: 10, DocumentID: 2, Score: 0.40},
		{ID: 3, FireflyID: 11, DocumentID: 3, Score: 0.91},
		{ID: 4, FireflyID: 11, DocumentID: 4, Score: 0.92},
		{ID: 5, FireflyID: 12, DocumentID: 5, Score: 0.89},
		{ID: 6, FireflyID: 13, DocumentID: 6, Score: 0.90},
	}

	links, ambiguous := qualifyByTransaction(pending, 0.90)

	assert.Equal(t, 1, ambiguous)
	require.Len(t, links, 2)
	assert.Equal(t, int64(1), links[10].DocumentID)
	assert.Equal(t, int64(6), links[13].DocumentID)
}

func TestAcceptProposalLinksAndRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	ex := seedMatchable(t, h.rm, 1, "12.00", "2025-05-01", "Aldi")
	seedCacheRow(t, h.rm, 400, "12.00", "2025-05-01", "ALDI SUED", "Aldi")
	p := &store.MatchProposal{FireflyID: 400, DocumentID: 1, Score: 0.72, Reasons: []string{"amount_match"}}
	require.NoError(t, h.rm.Proposals().Create(ctx, p))

	require.NoError(t, h.rec.AcceptProposal(ctx, p.ID))

	require.Len(t, h.ledger.linkCalls, 1)
	assert.Equal(t, ex.ExternalID, h.ledger.linkCalls[0].externalID)

	got, err := h.rm.Proposals().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalAccepted, got.Status)
	assert.NotNil(t, got.ReviewedAt)

	row, err := h.rm.Cache().Get(ctx, 400)
	require.NoError(t, err)
	assert.Equal(t, store.MatchMatched, row.MatchStatus)
	require.NotNil(t, row.MatchConfidence)
	assert.InDelta(t, 0.72, *row.MatchConfidence, 1e-9)

	runs, err := h.rm.Runs().ListForDocument(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunLinked, runs[0].FinalState)
	assert.Equal(t, store.SourceUser, runs[0].DecisionSource)
	assert.False(t, runs[0].AutoApplied)

	err = h.rec.AcceptProposal(ctx, p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only pending")
}

func TestAcceptProposalRefusesLinkedDocument(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "12.00", "2025-05-01", "Aldi")
	seedCacheRow(t, h.rm, 400, "12.00", "2025-05-01", "ALDI SUED", "Aldi")
	seedCacheRow(t, h.rm, 401, "12.00", "2025-05-02", "ALDI NORD", "Aldi")
	docID := int64(1)
	require.NoError(t, h.rm.Cache().UpdateMatchStatus(ctx, 400, store.MatchMatched, &docID, nil))

	p := &store.MatchProposal{FireflyID: 401, DocumentID: 1, Score: 0.80}
	require.NoError(t, h.rm.Proposals().Create(ctx, p))

	err := h.rec.AcceptProposal(ctx, p.ID)
	require.ErrorIs(t, err, ErrAlreadyLinked)

	assert.Empty(t, h.ledger.linkCalls)
	assert.Contains(t, finalStates(t, h.rm, 1), store.RunSkippedAlreadyDone)

	got, err := h.rm.Proposals().Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalPending, got.Status)
}

func TestRejectProposalBlocksReproposeUntilRerun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	// Amount one percent off keeps the score under the auto threshold.
	seedMatchable(t, h.rm, 1, "100.00", "2025-05-10", "Telekom")
	seedCacheRow(t, h.rm, 420, "101.00", "2025-05-10", "Telekom Deutschland Rechnung", "Telekom")

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Proposals)
	assert.Equal(t, 0, res.AutoLinked)

	pending, err := h.rm.Proposals().ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, h.rec.RejectProposal(ctx, pending[0].ID))

	got, err := h.rm.Proposals().Get(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProposalRejected, got.Status)
	assert.NotNil(t, got.ReviewedAt)
	assert.Contains(t, finalStates(t, h.rm, 1), store.RunRejected)

	row, err := h.rm.Cache().Get(ctx, 420)
	require.NoError(t, err)
	assert.Equal(t, store.MatchUnmatched, row.MatchStatus)

	// The rejected pair is not proposed again by a batch run.
	res, err = h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Proposals)

	// Rerun-interpretation gives it another chance.
	rows, err := h.rec.RerunInterpretation(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(420), rows[0].FireflyID)

	pending, err = h.rm.Proposals().ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestManualLink(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "33.00", "2025-06-06", "IKEA")
	seedCacheRow(t, h.rm, 500, "40.00", "2025-06-06", "IKEA DEUTSCHLAND", "IKEA")

	require.NoError(t, h.rec.ManualLink(ctx, 1, 500))

	require.Len(t, h.ledger.linkCalls, 1)
	row, err := h.rm.Cache().Get(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, store.MatchMatched, row.MatchStatus)
	require.NotNil(t, row.MatchConfidence)
	assert.Equal(t, 1.0, *row.MatchConfidence)

	states := finalStates(t, h.rm, 1)
	assert.Contains(t, states, store.RunLinked)

	// Unknown transactions and already linked documents are refused.
	err = h.rec.ManualLink(ctx, 1, 999)
	require.ErrorIs(t, err, store.ErrTransactionNotFound)

	seedCacheRow(t, h.rm, 501, "41.00", "2025-06-07", "IKEA", "IKEA")
	err = h.rec.ManualLink(ctx, 1, 501)
	require.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestRerunInterpretationResetsAndReproposes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "75.50", "2025-07-01", "Bauhaus")
	seedCacheRow(t, h.rm, 600, "75.50", "2025-07-01", "BAUHAUS", "Bauhaus")
	require.NoError(t, h.rec.ManualLink(ctx, 1, 600))

	rows, err := h.rec.RerunInterpretation(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(600), rows[0].FireflyID)

	// The old match is gone, a fresh pending proposal replaces it.
	row, err := h.rm.Cache().Get(ctx, 600)
	require.NoError(t, err)
	assert.Equal(t, store.MatchUnmatched, row.MatchStatus)
	assert.Nil(t, row.MatchedDocumentID)

	pending, err := h.rm.Proposals().ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(600), pending[0].FireflyID)
}

func TestRerunInterpretationRecordsNoMatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 1, "75.50", "2025-07-01", "Bauhaus")

	rows, err := h.rec.RerunInterpretation(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Contains(t, finalStates(t, h.rm, 1), store.RunNoMatch)
}

func TestLinkageWriteFailureAuditsAndPreservesState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())
	h.ledger.linkErr = errors.New("500 internal server error")

	seedMatchable(t, h.rm, 1, "99.99", "2025-01-15", "Amazon")
	seedCacheRow(t, h.rm, 100, "99.99", "2025-01-15", "AMZN Mktp DE", "Amazon.com")

	res, err := h.rec.Run(ctx, Options{SkipSync: true})
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, res.State)
	assert.Equal(t, 0, res.AutoLinked)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "500 internal server error")

	// Nothing else mutated: proposal pending, cache untouched.
	pending, err := h.rm.Proposals().ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	row, err := h.rm.Cache().Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, store.MatchUnmatched, row.MatchStatus)

	assert.Contains(t, finalStates(t, h.rm, 1), store.RunLinkageWriteFailed)
}

func TestCreateManualTransaction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	ex := seedMatchable(t, h.rm, 1, "88.00", "2025-08-01", "Hornbach")

	cres, err := h.rec.CreateManualTransaction(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, cres)
	assert.Equal(t, ledger.OutcomeCreated, cres.Outcome)
	assert.Equal(t, int64(900), cres.FireflyID)
	assert.Equal(t, 1, h.ledger.createCalls)

	imp, err := h.rm.Imports().GetByExternalID(ctx, ex.ExternalID)
	require.NoError(t, err)
	require.NotNil(t, imp)
	assert.Equal(t, store.ImportImported, imp.Status)

	runs, err := h.rm.Runs().ListForDocument(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunManualCreated, runs[0].FinalState)
	assert.Equal(t, store.SourceUser, runs[0].DecisionSource)
	assert.Equal(t, "CREATE", runs[0].WriteAction)
	require.NotNil(t, runs[0].TargetFireflyID)
	assert.Equal(t, int64(900), *runs[0].TargetFireflyID)
}

func TestCreateManualTransactionRefusesOpenProposal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultConfig())

	seedMatchable(t, h.rm, 2, "21.00", "2025-08-02", "Lidl")
	seedCacheRow(t, h.rm, 700, "21.00", "2025-08-02", "LIDL SAGT DANKE", "Lidl")
	require.NoError(t, h.rm.Proposals().Create(ctx, &store.MatchProposal{
		FireflyID: 700, DocumentID: 2, Score: 0.85,
	}))

	_, err := h.rec.CreateManualTransaction(ctx, 2)
	require.ErrorIs(t, err, ErrPendingProposal)
	assert.Equal(t, 0, h.ledger.createCalls)
	assert.Contains(t, finalStates(t, h.rm, 2), store.RunSkippedPendingMatch)
}
