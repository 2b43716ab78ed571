package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/match"
	"github.com/paperspark/spark/internal/store"
)

// Version strings stamped into every audit run.
const (
	PipelineVersion  = "spark/2"
	AlgorithmVersion = "match-rules/1"
)

// Phase names the stage a reconciliation run is in. A run ends in
// COMPLETED or FAILED.
type Phase string

const (
	PhaseSyncing     Phase = "SYNCING"
	PhaseMatching    Phase = "MATCHING"
	PhaseProposing   Phase = "PROPOSING"
	PhaseAutoLinking Phase = "AUTO_LINKING"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseFailed      Phase = "FAILED"
)

var (
	// ErrRunInProgress fast-fails a run invoked while another run for
	// the same owner is still active.
	ErrRunInProgress = errors.New("reconcile: run already in progress for this owner")
	// ErrAlreadyLinked refuses an operation on a document that already
	// has a ledger link. Rerun-interpretation is the way to undo one.
	ErrAlreadyLinked = errors.New("reconcile: document is already linked to a ledger transaction")
	// ErrPendingProposal refuses a manual creation while open proposals
	// exist for the document.
	ErrPendingProposal = errors.New("reconcile: document has a pending proposal")
)

// Config tunes the orchestrator.
type Config struct {
	// AutoMatchThreshold is the minimum score an unambiguous proposal
	// needs before it is linked without review.
	AutoMatchThreshold float64
	// BankFirst keeps unmatched documents out of the ledger: nothing is
	// created for them until a user submits a manual transaction.
	BankFirst bool
}

func DefaultConfig() Config {
	return Config{AutoMatchThreshold: 0.90, BankFirst: true}
}

// Options select the behaviour of one run. DryRun implies cache-only:
// no sync, no persistence, no ledger writes.
type Options struct {
	FullSync bool   `json:"full_sync"`
	DryRun   bool   `json:"dry_run"`
	SkipSync bool   `json:"skip_sync"`
	OwnerID  *int64 `json:"owner_id,omitempty"`
}

// RunResult reports one reconciliation run.
type RunResult struct {
	RunID      string        `json:"run_id"`
	State      Phase         `json:"state"`
	Options    Options       `json:"options"`
	Sync       *SyncResult   `json:"sync,omitempty"`
	Documents  int           `json:"documents"`
	Skipped    int           `json:"skipped"`
	Proposals  int           `json:"proposals"`
	AutoLinked int           `json:"auto_linked"`
	Ambiguous  int           `json:"ambiguous"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Reconciler drives the sync, match, propose and auto-link phases and
// the manual operations around them.
type Reconciler struct {
	repos    store.RepositoryManager
	engine   *match.Engine
	syncer   *Synchroniser
	importer *Importer
	linker   LinkWriter
	cfg      Config
	logger   logging.Logger

	mu     sync.Mutex
	owners map[int64]*semaphore.Weighted

	now   func() time.Time
	newID func() string
}

func NewReconciler(repos store.RepositoryManager, engine *match.Engine, syncer *Synchroniser, importer *Importer, linker LinkWriter, cfg Config, logger logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.AutoMatchThreshold <= 0 {
		cfg.AutoMatchThreshold = DefaultConfig().AutoMatchThreshold
	}
	return &Reconciler{
		repos:    repos,
		engine:   engine,
		syncer:   syncer,
		importer: importer,
		linker:   linker,
		cfg:      cfg,
		logger:   logger,
		owners:   make(map[int64]*semaphore.Weighted),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Run executes one reconciliation. Runs for the same owner never
// overlap; a second invocation fails immediately with ErrRunInProgress.
// A failed sync degrades the run to cached data; failures on single
// documents are collected in the result and the run continues.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*RunResult, error) {
	sem := r.ownerSem(opts.OwnerID)
	if !sem.TryAcquire(1) {
		return nil, ErrRunInProgress
	}
	defer sem.Release(1)

	res := &RunResult{RunID: r.newID(), Options: opts, StartedAt: r.now().UTC()}
	defer func() { res.Duration = r.now().Sub(res.StartedAt) }()

	r.logger.Info("reconciliation run started", "run_id", res.RunID,
		"full_sync", opts.FullSync, "dry_run", opts.DryRun, "skip_sync", opts.SkipSync)

	res.State = PhaseSyncing
	if !opts.SkipSync && !opts.DryRun {
		sync, err := r.syncer.Sync(ctx, opts.FullSync)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			r.logger.Warn("sync failed, continuing on cached data", "run_id", res.RunID, "error", err)
		} else {
			res.Sync = sync
		}
	}

	res.State = PhaseMatching
	matches, err := r.matchPhase(ctx, opts, res)
	if err != nil {
		return r.fail(res, err)
	}

	res.State = PhaseProposing
	dryPending := r.proposePhase(ctx, opts, res, matches)

	res.State = PhaseAutoLinking
	if err := r.autoLinkPhase(ctx, opts, res, dryPending); err != nil {
		return r.fail(res, err)
	}

	res.State = PhaseCompleted
	r.logger.Info("reconciliation run completed", "run_id", res.RunID,
		"documents", res.Documents, "skipped", res.Skipped, "proposals", res.Proposals,
		"auto_linked", res.AutoLinked, "ambiguous", res.Ambiguous, "errors", len(res.Errors))
	return res, nil
}

type docMatch struct {
	ex         store.Extraction
	candidates []match.Candidate
}

// matchPhase ranks the unmatched cache pool against every matchable
// document that is not already handled.
func (r *Reconciler) matchPhase(ctx context.Context, opts Options, res *RunResult) ([]docMatch, error) {
	exs, err := r.repos.Extractions().ListMatchable(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list matchable extractions: %w", err)
	}
	pool, err := r.repos.Cache().ListUnmatched(ctx, store.UnmatchedQuery{})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list unmatched cache rows: %w", err)
	}
	r.logger.Debug("matching pool loaded", "run_id", res.RunID,
		"documents", len(exs), "transactions", len(pool))

	var out []docMatch
	for i := range exs {
		ex := exs[i]

		if opts.OwnerID != nil {
			owned, oerr := r.ownedBy(ctx, ex.DocumentID, *opts.OwnerID)
			if oerr != nil {
				res.Errors = append(res.Errors, oerr.Error())
				continue
			}
			if !owned {
				continue
			}
		}
		res.Documents++

		handled, herr := r.alreadyHandled(ctx, ex.DocumentID)
		if herr != nil {
			res.Errors = append(res.Errors, herr.Error())
			continue
		}
		if handled {
			res.Skipped++
			continue
		}

		rec, rerr := ex.Record()
		if rerr != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("document %d: %v", ex.DocumentID, rerr))
			continue
		}

		out = append(out, docMatch{ex: ex, candidates: r.engine.Rank(rec, pool)})
	}
	return out, nil
}

// proposePhase persists proposals for matched documents. With bank-first
// off, a document with no candidate is pushed to the ledger instead. In
// a dry run nothing is written; the would-be proposals are returned for
// the auto-link preview.
func (r *Reconciler) proposePhase(ctx context.Context, opts Options, res *RunResult, matches []docMatch) []store.MatchProposal {
	var dryPending []store.MatchProposal
	for i := range matches {
		m := &matches[i]

		if len(m.candidates) == 0 {
			if r.cfg.BankFirst || opts.DryRun {
				r.logger.Debug("no candidates for document", "document_id", m.ex.DocumentID)
				continue
			}
			if err := r.createForDocument(ctx, &m.ex, opts.OwnerID); err != nil {
				res.Errors = append(res.Errors, err.Error())
			}
			continue
		}

		rows, err := r.candidateRows(ctx, &m.ex, m.candidates, true)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if len(rows) == 0 {
			continue
		}

		if opts.DryRun {
			dryPending = append(dryPending, rows...)
			res.Proposals += len(rows)
			continue
		}
		if err := r.persistProposals(ctx, &m.ex, rows, opts.OwnerID); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Proposals += len(rows)
	}
	return dryPending
}

// autoLinkPhase applies the auto-link policy over all pending proposals,
// current and previous runs alike.
func (r *Reconciler) autoLinkPhase(ctx context.Context, opts Options, res *RunResult, dryPending []store.MatchProposal) error {
	pending, err := r.repos.Proposals().ListPending(ctx, pendingBatch)
	if err != nil {
		return fmt.Errorf("reconcile: list pending proposals: %w", err)
	}
	if opts.DryRun {
		pending = append(pending, dryPending...)
	}

	links, ambiguous := qualifyByTransaction(pending, r.cfg.AutoMatchThreshold)
	res.Ambiguous = ambiguous

	ids := make([]int64, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// The pending list was snapshotted before any link landed, so a
	// document qualifying against two transactions would link twice
	// without this guard.
	linkedDocs := make(map[int64]bool)
	for _, fid := range ids {
		p := links[fid]
		if linkedDocs[p.DocumentID] {
			continue
		}
		if opts.DryRun {
			res.AutoLinked++
			linkedDocs[p.DocumentID] = true
			continue
		}
		if err := r.autoLink(ctx, p, opts.OwnerID); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.AutoLinked++
		linkedDocs[p.DocumentID] = true
	}
	return nil
}

// pendingBatch bounds one auto-link pass. Leftovers are picked up by the
// next run.
const pendingBatch = 5000

// qualifyByTransaction applies the auto-link policy: a transaction is
// promoted exactly when a single pending proposal for it clears the
// threshold. Two or more clearing it leave the transaction ambiguous
// for a user to resolve.
func qualifyByTransaction(pending []store.MatchProposal, threshold float64) (map[int64]store.MatchProposal, int) {
	groups := make(map[int64][]store.MatchProposal)
	for _, p := range pending {
		groups[p.FireflyID] = append(groups[p.FireflyID], p)
	}

	links := make(map[int64]store.MatchProposal)
	ambiguous := 0
	for fid, group := range groups {
		var qualifying []store.MatchProposal
		for _, p := range group {
			if p.Score >= threshold {
				qualifying = append(qualifying, p)
			}
		}
		switch len(qualifying) {
		case 0:
		case 1:
			links[fid] = qualifying[0]
		default:
			ambiguous++
		}
	}
	return links, ambiguous
}

func (r *Reconciler) autoLink(ctx context.Context, p store.MatchProposal, ownerID *int64) error {
	ex, err := r.repos.Extractions().LatestForDocument(ctx, p.DocumentID)
	if err != nil {
		return err
	}
	if ex == nil {
		return fmt.Errorf("reconcile: no extraction for document %d", p.DocumentID)
	}

	score := p.Score
	pid := p.ID
	return r.executeLink(ctx, linkInput{
		documentID:     p.DocumentID,
		fireflyID:      p.FireflyID,
		externalID:     ex.ExternalID,
		confidence:     &score,
		proposalID:     &pid,
		proposalStatus: store.ProposalAutoMatched,
		source:         store.SourceAuto,
		autoApplied:    true,
		ownerID:        ownerID,
	})
}

// candidateRows converts ranked candidates into proposal rows, dropping
// pairs a user rejected before when skipRejectedPairs is set.
func (r *Reconciler) candidateRows(ctx context.Context, ex *store.Extraction, candidates []match.Candidate, skipRejectedPairs bool) ([]store.MatchProposal, error) {
	var rows []store.MatchProposal
	for _, c := range candidates {
		if skipRejectedPairs {
			rejected, err := r.repos.Proposals().HasRejectedForPair(ctx, c.Transaction.FireflyID, ex.DocumentID)
			if err != nil {
				return nil, err
			}
			if rejected {
				continue
			}
		}
		rows = append(rows, store.MatchProposal{
			FireflyID:  c.Transaction.FireflyID,
			DocumentID: ex.DocumentID,
			Score:      c.Score,
			Reasons:    c.Reasons,
		})
	}
	return rows, nil
}

// persistProposals writes the document's proposals and its audit run in
// one transaction.
func (r *Reconciler) persistProposals(ctx context.Context, ex *store.Extraction, rows []store.MatchProposal, ownerID *int64) error {
	started := r.now()
	err := r.repos.WithTransaction(ctx, func(tc store.TransactionContext) error {
		for i := range rows {
			if err := tc.Proposals().Create(ctx, &rows[i]); err != nil {
				return err
			}
		}
		run := &store.InterpretationRun{
			DocumentID:       ex.DocumentID,
			ExternalID:       &ex.ExternalID,
			PipelineVersion:  PipelineVersion,
			AlgorithmVersion: AlgorithmVersion,
			InputsSummary:    proposalSummary(rows),
			RulesApplied:     rows[0].Reasons,
			FinalState:       store.RunProposalCreated,
			DecisionSource:   store.SourceRules,
			OwnerID:          ownerID,
			DurationMS:       r.sinceMS(started),
		}
		_, err := tc.Runs().Create(ctx, run)
		return err
	})
	if err != nil {
		return fmt.Errorf("reconcile: propose for document %d: %w", ex.DocumentID, err)
	}
	r.logger.Info("proposals created", "document_id", ex.DocumentID,
		"count", len(rows), "top_score", rows[0].Score)
	return nil
}

// createForDocument pushes an unmatched document to the ledger. Only
// reachable with bank-first off.
func (r *Reconciler) createForDocument(ctx context.Context, ex *store.Extraction, ownerID *int64) error {
	imp, err := r.repos.Imports().GetByExternalID(ctx, ex.ExternalID)
	if err != nil {
		return err
	}
	if imp != nil && imp.FireflyID != nil &&
		(imp.Status == store.ImportImported || imp.Status == store.ImportDuplicate) {
		r.logger.Debug("document already imported", "document_id", ex.DocumentID, "firefly_id", *imp.FireflyID)
		return nil
	}

	started := r.now()
	cres, err := r.importer.Import(ctx, ex)
	run := &store.InterpretationRun{
		DocumentID:       ex.DocumentID,
		ExternalID:       &ex.ExternalID,
		PipelineVersion:  PipelineVersion,
		AlgorithmVersion: AlgorithmVersion,
		FinalState:       store.RunCreated,
		DecisionSource:   store.SourceRules,
		AutoApplied:      true,
		WriteAction:      "CREATE",
		OwnerID:          ownerID,
		DurationMS:       r.sinceMS(started),
	}
	if err != nil {
		run.FinalState = store.RunLinkError
		run.InputsSummary = errorSummary(err)
		r.audit(ctx, run)
		return fmt.Errorf("reconcile: create transaction for document %d: %w", ex.DocumentID, err)
	}
	if cres == nil {
		r.logger.Info("creation skipped as ledger duplicate", "document_id", ex.DocumentID)
		return nil
	}

	run.FireflyID = &cres.FireflyID
	run.TargetFireflyID = &cres.FireflyID
	r.audit(ctx, run)
	return nil
}

// alreadyHandled applies the skip rules: a linked document (matched in
// cache or carrying our markers at the ledger) and a document with an
// open proposal are both left alone.
func (r *Reconciler) alreadyHandled(ctx context.Context, documentID int64) (bool, error) {
	linked, err := r.alreadyLinked(ctx, documentID)
	if err != nil || linked {
		return linked, err
	}
	return r.repos.Proposals().HasPendingForDocument(ctx, documentID)
}

func (r *Reconciler) alreadyLinked(ctx context.Context, documentID int64) (bool, error) {
	matched, err := r.repos.Cache().HasMatchForDocument(ctx, documentID)
	if err != nil || matched {
		return matched, err
	}
	rows, err := r.repos.Cache().ListLinkedToDocument(ctx, documentID)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (r *Reconciler) ownedBy(ctx context.Context, documentID, ownerID int64) (bool, error) {
	doc, err := r.repos.Documents().Get(ctx, documentID)
	if err != nil {
		return false, err
	}
	return doc != nil && doc.OwnerID != nil && *doc.OwnerID == ownerID, nil
}

func (r *Reconciler) ownerSem(ownerID *int64) *semaphore.Weighted {
	key := int64(0)
	if ownerID != nil {
		key = *ownerID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.owners[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.owners[key] = sem
	}
	return sem
}

func (r *Reconciler) fail(res *RunResult, err error) (*RunResult, error) {
	res.State = PhaseFailed
	res.Errors = append(res.Errors, err.Error())
	r.logger.Error("reconciliation run failed", "run_id", res.RunID, "error", err)
	return res, err
}

func (r *Reconciler) audit(ctx context.Context, run *store.InterpretationRun) {
	if _, err := r.repos.Runs().Create(ctx, run); err != nil {
		r.logger.Error("failed to record interpretation run",
			"document_id", run.DocumentID, "final_state", run.FinalState, "error", err)
	}
}

func (r *Reconciler) sinceMS(started time.Time) int64 {
	return r.now().Sub(started).Milliseconds()
}

func proposalSummary(rows []store.MatchProposal) []byte {
	type entry struct {
		FireflyID int64   `json:"firefly_id"`
		Score     float64 `json:"score"`
	}
	entries := make([]entry, len(rows))
	for i, p := range rows {
		entries[i] = entry{FireflyID: p.FireflyID, Score: p.Score}
	}
	b, _ := json.Marshal(map[string]interface{}{"candidates": entries})
	return b
}

func errorSummary(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
