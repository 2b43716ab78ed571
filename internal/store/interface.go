package store

import (
	"context"
	"time"

	"github.com/paperspark/spark/internal/canonical"
)

// DocumentRepository handles DMS document mirror rows.
type DocumentRepository interface {
	// Upsert creates the row on first sight and refreshes title, type,
	// correspondent, tags and last_seen on re-observation. first_seen is
	// never overwritten.
	Upsert(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id int64) (*Document, error)
	GetBySourceHash(ctx context.Context, hash string) (*Document, error)
}

// ExtractionRepository handles canonical extraction rows.
type ExtractionRepository interface {
	// Save inserts a new extraction. The external-id must be unique
	// across all extractions.
	Save(ctx context.Context, ex *Extraction) error
	Get(ctx context.Context, id int64) (*Extraction, error)
	GetByExternalID(ctx context.Context, externalID string) (*Extraction, error)
	LatestForDocument(ctx context.Context, documentID int64) (*Extraction, error)
	// ListPendingReview returns extractions in REVIEW or MANUAL state
	// with no recorded decision, oldest first.
	ListPendingReview(ctx context.Context, limit int) ([]Extraction, error)
	// ListMatchable returns each document's latest extraction where the
	// review gate passed: AUTO with no decision, or a decision of
	// ACCEPTED or EDITED. limit <= 0 returns all.
	ListMatchable(ctx context.Context, limit int) ([]Extraction, error)
	// RecordDecision applies a review outcome. When the update carries a
	// rewritten record it also replaces extraction_json, external_id and
	// overall_confidence in the same statement.
	RecordDecision(ctx context.Context, id int64, update ReviewUpdate) error
	// ResetForReview clears the decision and moves the extraction back
	// to REVIEW state.
	ResetForReview(ctx context.Context, id int64) error
	SetLLMOptOut(ctx context.Context, id int64, optOut bool) error
}

// ImportRepository tracks pushes to the ledger, keyed by external-id.
type ImportRepository interface {
	Create(ctx context.Context, imp *Import) error
	GetByExternalID(ctx context.Context, externalID string) (*Import, error)
	// Exists reports whether the external-id has a row in any status.
	Exists(ctx context.Context, externalID string) (bool, error)
	MarkImported(ctx context.Context, externalID string, fireflyID int64) error
	MarkFailed(ctx context.Context, externalID, message string) error
	MarkSkipped(ctx context.Context, externalID, reason string) error
	// MarkDuplicate records a collision; fireflyID is set when the
	// existing ledger id could be recovered.
	MarkDuplicate(ctx context.Context, externalID string, fireflyID *int64) error
	// ResetForRetry moves a FAILED row back to PENDING and clears the
	// error message.
	ResetForRetry(ctx context.Context, externalID string) error
	ListByStatus(ctx context.Context, status ImportStatus, limit int) ([]Import, error)
}

// CacheRepository mirrors ledger transactions for matching.
type CacheRepository interface {
	Upsert(ctx context.Context, txn *CachedTransaction) error
	Get(ctx context.Context, fireflyID int64) (*CachedTransaction, error)
	// ListUnmatched returns live UNMATCHED rows; tombstoned rows never
	// appear.
	ListUnmatched(ctx context.Context, q UnmatchedQuery) ([]CachedTransaction, error)
	UpdateMatchStatus(ctx context.Context, fireflyID int64, status MatchStatus, documentID *int64, confidence *float64) error
	// SoftDeleteMissing tombstones live rows whose synced_at predates
	// the given sync and returns the count. The synchroniser stamps
	// synced_at on every row it observes, so survivors are exactly the
	// rows the ledger still reports.
	SoftDeleteMissing(ctx context.Context, syncedBefore time.Time) (int64, error)
	// ListLinkedToDocument returns live rows whose linkage markers
	// reference the document.
	ListLinkedToDocument(ctx context.Context, documentID int64) ([]CachedTransaction, error)
	// HasMatchForDocument reports whether a live MATCHED row references
	// the document.
	HasMatchForDocument(ctx context.Context, documentID int64) (bool, error)
	// UnmatchDocument reverts MATCHED rows for the document back to
	// UNMATCHED and returns the count.
	UnmatchDocument(ctx context.Context, documentID int64) (int64, error)
	LatestTransactionDate(ctx context.Context) (*time.Time, error)
	// Clear removes all rows. Used by full sync before a rebuild.
	Clear(ctx context.Context) error
}

// ProposalRepository handles match proposals.
type ProposalRepository interface {
	// Create inserts a PENDING proposal. Any previous non-terminal
	// proposal for the same (firefly_id, document_id) pair is replaced.
	Create(ctx context.Context, p *MatchProposal) error
	Get(ctx context.Context, id int64) (*MatchProposal, error)
	ListPending(ctx context.Context, limit int) ([]MatchProposal, error)
	UpdateStatus(ctx context.Context, id int64, status ProposalStatus) error
	// PurgePending deletes all PENDING proposals and returns the count.
	PurgePending(ctx context.Context) (int64, error)
	PurgePendingForDocument(ctx context.Context, documentID int64) (int64, error)
	ActiveForPair(ctx context.Context, fireflyID, documentID int64) (*MatchProposal, error)
	HasPendingForDocument(ctx context.Context, documentID int64) (bool, error)
	// HasRejectedForPair reports whether the pair carries a REJECTED
	// proposal. Batch reconciliation never re-proposes a rejected pair;
	// rerun-interpretation is the explicit path back.
	HasRejectedForPair(ctx context.Context, fireflyID, documentID int64) (bool, error)
}

// RunRepository records interpretation runs. The interface is
// append-only: there is no update path.
type RunRepository interface {
	Create(ctx context.Context, run *InterpretationRun) (int64, error)
	ListForDocument(ctx context.Context, documentID int64, limit int) ([]InterpretationRun, error)
	LatestForDocument(ctx context.Context, documentID int64) (*InterpretationRun, error)
}

// LLMRepository covers the response cache and the feedback log.
type LLMRepository interface {
	// CacheGet returns the entry and bumps its hit count; entries past
	// expiry return (nil, nil).
	CacheGet(ctx context.Context, key string, now time.Time) (*LLMCacheEntry, error)
	CacheSet(ctx context.Context, entry *LLMCacheEntry) error
	// SweepExpired deletes entries past expiry and returns the count.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
	RecordFeedback(ctx context.Context, fb *LLMFeedback) error
	// FeedbackStats aggregates the trailing lastN rows; lastN <= 0 means
	// all rows.
	FeedbackStats(ctx context.Context, lastN int) (*FeedbackStats, error)
}

// JobRepository is the AI job queue.
type JobRepository interface {
	// Schedule inserts a PENDING job. It fails with a constraint error
	// when the document already has a non-terminal job.
	Schedule(ctx context.Context, job *Job) (int64, error)
	Get(ctx context.Context, id int64) (*Job, error)
	// GetNext returns up to limit ready jobs: PENDING, scheduled_for
	// absent or <= now, highest priority first, then oldest.
	GetNext(ctx context.Context, limit int, now time.Time) ([]Job, error)
	// Start transitions PENDING to PROCESSING; starting a job in any
	// other state fails.
	Start(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64, suggestions []byte) error
	// FailWithRetry requeues the job with an incremented retry count
	// while retries remain, otherwise marks it FAILED.
	FailWithRetry(ctx context.Context, id int64, message string, retryAt time.Time) error
	Cancel(ctx context.Context, id int64) error
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	Stats(ctx context.Context) (*JobStats, error)
	// Cleanup deletes terminal jobs older than the cutoff.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	// CountCompletedSuggestions counts COMPLETED jobs that produced a
	// suggestion payload. Seeds the calibration counter on startup.
	CountCompletedSuggestions(ctx context.Context) (int64, error)
}

// VendorRepository is the vendor-to-account learning cache.
type VendorRepository interface {
	// Upsert saves the mapping and increments use_count on re-save.
	Upsert(ctx context.Context, vm *VendorMapping) error
	Lookup(ctx context.Context, pattern string) (*VendorMapping, error)
}

// SystemRepository handles cross-cutting database operations.
type SystemRepository interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (TransactionContext, error)
	Stats(ctx context.Context) (*StoreStats, error)
}

// TransactionContext scopes repository access to one open transaction.
// Commit or Rollback must be called exactly once.
type TransactionContext interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Documents() DocumentRepository
	Extractions() ExtractionRepository
	Imports() ImportRepository
	Cache() CacheRepository
	Proposals() ProposalRepository
	Runs() RunRepository
	LLM() LLMRepository
	Jobs() JobRepository
	Vendors() VendorRepository
}

// RepositoryManager provides access to all repositories and owns the
// connection lifecycle.
type RepositoryManager interface {
	Documents() DocumentRepository
	Extractions() ExtractionRepository
	Imports() ImportRepository
	Cache() CacheRepository
	Proposals() ProposalRepository
	Runs() RunRepository
	LLM() LLMRepository
	Jobs() JobRepository
	Vendors() VendorRepository
	System() SystemRepository

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// WithTransaction begins a transaction, runs fn, commits on nil and
	// rolls back on error or panic.
	WithTransaction(ctx context.Context, fn func(TransactionContext) error) error
}

// ValidReviewState reports whether s is a known review state.
func ValidReviewState(s canonical.ReviewState) bool {
	switch s {
	case canonical.ReviewAuto, canonical.ReviewNeeded, canonical.ReviewManual:
		return true
	}
	return false
}
