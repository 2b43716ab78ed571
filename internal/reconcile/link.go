package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/ledger"
	"github.com/paperspark/spark/internal/store"
)

// LinkWriter is the slice of the ledger client that writes linkage
// markers.
type LinkWriter interface {
	UpdateLinkageMarkers(ctx context.Context, id int64, externalID, internalRef, appendNotes string) error
}

type linkInput struct {
	documentID     int64
	fireflyID      int64
	externalID     string
	confidence     *float64
	proposalID     *int64
	proposalStatus store.ProposalStatus
	source         store.DecisionSource
	autoApplied    bool
	ownerID        *int64
}

// executeLink writes the three linkage markers to the ledger, then
// persists the local consequences in one transaction: the cache row
// becomes MATCHED, the driving proposal (if any) moves to its terminal
// status, and the document's remaining pending proposals are swept.
// Exactly one audit run is appended whatever the outcome; when the
// ledger write fails nothing else mutates.
func (r *Reconciler) executeLink(ctx context.Context, in linkInput) error {
	started := r.now()
	internalRef := canonical.InternalReference(in.documentID)
	notes := canonical.NotesMarker(in.documentID)
	markers, _ := json.Marshal(map[string]string{
		"external_id":        in.externalID,
		"internal_reference": internalRef,
		"notes":              notes,
	})

	run := &store.InterpretationRun{
		DocumentID:       in.documentID,
		FireflyID:        &in.fireflyID,
		ExternalID:       &in.externalID,
		PipelineVersion:  PipelineVersion,
		AlgorithmVersion: AlgorithmVersion,
		DecisionSource:   in.source,
		AutoApplied:      in.autoApplied,
		WriteAction:      "UPDATE",
		TargetFireflyID:  &in.fireflyID,
		LinkageMarkers:   markers,
		OwnerID:          in.ownerID,
	}

	if err := r.linker.UpdateLinkageMarkers(ctx, in.fireflyID, in.externalID, internalRef, notes); err != nil {
		run.FinalState = store.RunLinkageWriteFailed
		run.InputsSummary = errorSummary(err)
		run.DurationMS = r.sinceMS(started)
		r.audit(ctx, run)
		return fmt.Errorf("reconcile: write linkage markers to transaction %d: %w", in.fireflyID, err)
	}

	err := r.repos.WithTransaction(ctx, func(tc store.TransactionContext) error {
		if err := tc.Cache().UpdateMatchStatus(ctx, in.fireflyID, store.MatchMatched, &in.documentID, in.confidence); err != nil {
			return err
		}
		if in.proposalID != nil {
			if err := tc.Proposals().UpdateStatus(ctx, *in.proposalID, in.proposalStatus); err != nil {
				return err
			}
		}
		if _, err := tc.Proposals().PurgePendingForDocument(ctx, in.documentID); err != nil {
			return err
		}
		run.FinalState = store.RunLinked
		run.DurationMS = r.sinceMS(started)
		_, err := tc.Runs().Create(ctx, run)
		return err
	})
	if err != nil {
		// The ledger write landed but local state did not follow;
		// record the divergence so the next sync can repair it.
		fail := *run
		fail.FinalState = store.RunLinkError
		fail.InputsSummary = errorSummary(err)
		fail.DurationMS = r.sinceMS(started)
		r.audit(ctx, &fail)
		return fmt.Errorf("reconcile: persist link for document %d: %w", in.documentID, err)
	}

	r.logger.Info("linked document to ledger transaction",
		"document_id", in.documentID, "firefly_id", in.fireflyID,
		"source", string(in.source), "auto_applied", in.autoApplied)
	return nil
}

// AcceptProposal links the proposal's document to its transaction on a
// user's decision. A document that got linked elsewhere in the meantime
// is refused with ErrAlreadyLinked.
func (r *Reconciler) AcceptProposal(ctx context.Context, proposalID int64) error {
	p, err := r.repos.Proposals().Get(ctx, proposalID)
	if err != nil {
		return err
	}
	if p == nil {
		return store.ErrProposalNotFound
	}
	if p.Status != store.ProposalPending {
		return fmt.Errorf("reconcile: proposal %d is %s, only pending proposals can be accepted", proposalID, p.Status)
	}

	linked, err := r.alreadyLinked(ctx, p.DocumentID)
	if err != nil {
		return err
	}
	if linked {
		r.audit(ctx, r.skipRun(p.DocumentID, &p.FireflyID, store.RunSkippedAlreadyDone))
		return ErrAlreadyLinked
	}

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
		proposalStatus: store.ProposalAccepted,
		source:         store.SourceUser,
	})
}

// RejectProposal marks the proposal REJECTED and records the decision.
// The pair is never proposed again by batch runs; the cache row stays
// available for other documents.
func (r *Reconciler) RejectProposal(ctx context.Context, proposalID int64) error {
	p, err := r.repos.Proposals().Get(ctx, proposalID)
	if err != nil {
		return err
	}
	if p == nil {
		return store.ErrProposalNotFound
	}
	if p.Status != store.ProposalPending {
		return fmt.Errorf("reconcile: proposal %d is %s, only pending proposals can be rejected", proposalID, p.Status)
	}

	started := r.now()
	err = r.repos.WithTransaction(ctx, func(tc store.TransactionContext) error {
		if err := tc.Proposals().UpdateStatus(ctx, proposalID, store.ProposalRejected); err != nil {
			return err
		}
		run := &store.InterpretationRun{
			DocumentID:       p.DocumentID,
			FireflyID:        &p.FireflyID,
			PipelineVersion:  PipelineVersion,
			AlgorithmVersion: AlgorithmVersion,
			FinalState:       store.RunRejected,
			DecisionSource:   store.SourceUser,
			TargetFireflyID:  &p.FireflyID,
			DurationMS:       r.sinceMS(started),
		}
		_, err := tc.Runs().Create(ctx, run)
		return err
	})
	if err != nil {
		return fmt.Errorf("reconcile: reject proposal %d: %w", proposalID, err)
	}
	r.logger.Info("proposal rejected", "proposal_id", proposalID,
		"document_id", p.DocumentID, "firefly_id", p.FireflyID)
	return nil
}

// ManualLink links a document to a cached transaction directly, without
// a proposal. The target must be present in the cache; an already
// linked document is refused.
func (r *Reconciler) ManualLink(ctx context.Context, documentID, fireflyID int64) error {
	txn, err := r.repos.Cache().Get(ctx, fireflyID)
	if err != nil {
		return err
	}
	if txn == nil {
		return store.ErrTransactionNotFound
	}

	linked, err := r.alreadyLinked(ctx, documentID)
	if err != nil {
		return err
	}
	if linked {
		r.audit(ctx, r.skipRun(documentID, &fireflyID, store.RunSkippedAlreadyDone))
		return ErrAlreadyLinked
	}

	ex, err := r.repos.Extractions().LatestForDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if ex == nil {
		return fmt.Errorf("reconcile: no extraction for document %d", documentID)
	}

	confidence := 1.0
	return r.executeLink(ctx, linkInput{
		documentID: documentID,
		fireflyID:  fireflyID,
		externalID: ex.ExternalID,
		confidence: &confidence,
		source:     store.SourceUser,
	})
}

// RerunInterpretation wipes the document's pending proposals and cache
// matches, then ranks and proposes afresh. Unlike batch runs it gives
// previously rejected pairs another chance. Returns the new proposals.
func (r *Reconciler) RerunInterpretation(ctx context.Context, documentID int64) ([]store.MatchProposal, error) {
	ex, err := r.repos.Extractions().LatestForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, fmt.Errorf("reconcile: no extraction for document %d", documentID)
	}
	rec, err := ex.Record()
	if err != nil {
		return nil, fmt.Errorf("reconcile: decode extraction %d: %w", ex.ID, err)
	}

	err = r.repos.WithTransaction(ctx, func(tc store.TransactionContext) error {
		if _, err := tc.Proposals().PurgePendingForDocument(ctx, documentID); err != nil {
			return err
		}
		_, err := tc.Cache().UnmatchDocument(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: reset document %d: %w", documentID, err)
	}

	pool, err := r.repos.Cache().ListUnmatched(ctx, store.UnmatchedQuery{})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list unmatched cache rows: %w", err)
	}
	ranked := r.engine.Rank(rec, pool)

	rows, err := r.candidateRows(ctx, ex, ranked, false)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		run := r.skipRun(documentID, nil, store.RunNoMatch)
		run.ExternalID = &ex.ExternalID
		r.audit(ctx, run)
		r.logger.Info("rerun found no candidates", "document_id", documentID)
		return nil, nil
	}

	if err := r.persistProposals(ctx, ex, rows, nil); err != nil {
		return nil, err
	}
	return rows, nil
}

// CreateManualTransaction pushes the document to the ledger as a new
// transaction on an explicit user decision, bypassing the bank-first
// guard. Open proposals must be resolved first.
func (r *Reconciler) CreateManualTransaction(ctx context.Context, documentID int64) (*ledger.CreateResult, error) {
	ex, err := r.repos.Extractions().LatestForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, fmt.Errorf("reconcile: no extraction for document %d", documentID)
	}

	linked, err := r.alreadyLinked(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if linked {
		r.audit(ctx, r.skipRun(documentID, nil, store.RunSkippedAlreadyDone))
		return nil, ErrAlreadyLinked
	}
	pending, err := r.repos.Proposals().HasPendingForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if pending {
		r.audit(ctx, r.skipRun(documentID, nil, store.RunSkippedPendingMatch))
		return nil, ErrPendingProposal
	}

	started := r.now()
	cres, err := r.importer.Import(ctx, ex)
	run := &store.InterpretationRun{
		DocumentID:       documentID,
		ExternalID:       &ex.ExternalID,
		PipelineVersion:  PipelineVersion,
		AlgorithmVersion: AlgorithmVersion,
		FinalState:       store.RunManualCreated,
		DecisionSource:   store.SourceUser,
		WriteAction:      "CREATE",
		DurationMS:       r.sinceMS(started),
	}
	if err != nil {
		run.FinalState = store.RunLinkError
		run.InputsSummary = errorSummary(err)
		r.audit(ctx, run)
		return nil, fmt.Errorf("reconcile: manual create for document %d: %w", documentID, err)
	}
	if cres == nil {
		r.logger.Info("manual creation skipped as ledger duplicate", "document_id", documentID)
		return nil, nil
	}

	run.FireflyID = &cres.FireflyID
	run.TargetFireflyID = &cres.FireflyID
	r.audit(ctx, run)
	r.logger.Info("manual transaction created",
		"document_id", documentID, "firefly_id", cres.FireflyID, "outcome", string(cres.Outcome))
	return cres, nil
}

// skipRun builds the audit row for a refused user operation.
func (r *Reconciler) skipRun(documentID int64, fireflyID *int64, state string) *store.InterpretationRun {
	return &store.InterpretationRun{
		DocumentID:       documentID,
		FireflyID:        fireflyID,
		PipelineVersion:  PipelineVersion,
		AlgorithmVersion: AlgorithmVersion,
		FinalState:       state,
		DecisionSource:   store.SourceUser,
	}
}
