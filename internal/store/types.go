package store

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
)

// ImportStatus tracks the lifecycle of a push to the ledger.
type ImportStatus string

const (
	ImportPending   ImportStatus = "PENDING"
	ImportImported  ImportStatus = "IMPORTED"
	ImportFailed    ImportStatus = "FAILED"
	ImportSkipped   ImportStatus = "SKIPPED"
	ImportDuplicate ImportStatus = "DUPLICATE"
)

// MatchStatus is the linkage state of a cached ledger transaction.
type MatchStatus string

const (
	MatchUnmatched MatchStatus = "UNMATCHED"
	MatchMatched   MatchStatus = "MATCHED"
	MatchRejected  MatchStatus = "REJECTED"
)

// ProposalStatus is the decision state of a match proposal.
type ProposalStatus string

const (
	ProposalPending     ProposalStatus = "PENDING"
	ProposalAccepted    ProposalStatus = "ACCEPTED"
	ProposalRejected    ProposalStatus = "REJECTED"
	ProposalAutoMatched ProposalStatus = "AUTO_MATCHED"
)

// JobStatus is the state of a queued AI job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// DecisionSource identifies what produced a reconciliation decision.
type DecisionSource string

const (
	SourceRules DecisionSource = "RULES"
	SourceLLM   DecisionSource = "LLM"
	SourceUser  DecisionSource = "USER"
	SourceAuto  DecisionSource = "AUTO"
)

// Final states recorded on interpretation runs.
const (
	RunProposalCreated     = "PROPOSAL_CREATED"
	RunLinked              = "LINKED"
	RunCreated             = "CREATED"
	RunRejected            = "REJECTED"
	RunLinkageWriteFailed  = "LINKAGE_WRITE_FAILED"
	RunManualCreated       = "MANUAL_CREATED"
	RunLinkError           = "LINK_ERROR"
	RunNoMatch             = "NO_MATCH"
	RunSkippedAlreadyDone  = "SKIPPED_ALREADY_LINKED"
	RunSkippedPendingMatch = "SKIPPED_PENDING_PROPOSAL"
)

// FeedbackKind classifies user feedback on an LLM suggestion.
type FeedbackKind string

const (
	FeedbackCorrect FeedbackKind = "CORRECT"
	FeedbackWrong   FeedbackKind = "WRONG"
)

// Document mirrors a DMS document as observed by the pipeline. Rows are
// created on first sight and refreshed on re-observation; the core never
// deletes them.
type Document struct {
	ID            int64     `json:"id"`
	SourceHash    string    `json:"source_hash"`
	Title         string    `json:"title"`
	DocumentType  string    `json:"document_type"`
	Correspondent string    `json:"correspondent"`
	Tags          []string  `json:"tags"`
	OwnerID       *int64    `json:"owner_id,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Extraction is one canonical record produced for a document.
type Extraction struct {
	ID                int64                     `json:"id"`
	DocumentID        int64                     `json:"document_id"`
	ExternalID        string                    `json:"external_id"`
	ExtractionJSON    []byte                    `json:"extraction_json"`
	OverallConfidence float64                   `json:"overall_confidence"`
	ReviewState       canonical.ReviewState     `json:"review_state"`
	LLMOptOut         bool                      `json:"llm_opt_out"`
	CreatedAt         time.Time                 `json:"created_at"`
	ReviewedAt        *time.Time                `json:"reviewed_at,omitempty"`
	ReviewDecision    *canonical.ReviewDecision `json:"review_decision,omitempty"`
}

// Record decodes the embedded canonical record.
func (e *Extraction) Record() (*canonical.Record, error) {
	return canonical.UnmarshalRecord(e.ExtractionJSON)
}

// ReviewUpdate carries the mutable fields of a review decision. Nil or
// empty members leave the stored value untouched.
type ReviewUpdate struct {
	Decision          canonical.ReviewDecision
	ReviewedAt        time.Time
	ExtractionJSON    []byte
	ExternalID        string
	OverallConfidence *float64
}

// Import tracks one attempt to push an extraction to the ledger. A row
// in IMPORTED state is the proof that its external-id has been resolved.
type Import struct {
	ID           int64        `json:"id"`
	ExternalID   string       `json:"external_id"`
	DocumentID   int64        `json:"document_id"`
	FireflyID    *int64       `json:"firefly_id,omitempty"`
	Status       ImportStatus `json:"status"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	Payload      []byte       `json:"payload,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ImportedAt   *time.Time   `json:"imported_at,omitempty"`
}

// CachedTransaction mirrors one ledger transaction. Rows with a
// non-nil DeletedAt are tombstones and excluded from matching.
type CachedTransaction struct {
	FireflyID         int64           `json:"firefly_id"`
	Type              string          `json:"type"`
	Date              string          `json:"date"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	SourceName        string          `json:"source_name,omitempty"`
	DestinationName   string          `json:"destination_name,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	Category          string          `json:"category,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	ExternalID        string          `json:"external_id,omitempty"`
	InternalReference string          `json:"internal_reference,omitempty"`
	SyncedAt          time.Time       `json:"synced_at"`
	MatchStatus       MatchStatus     `json:"match_status"`
	MatchedDocumentID *int64          `json:"matched_document_id,omitempty"`
	MatchConfidence   *float64        `json:"match_confidence,omitempty"`
	DeletedAt         *time.Time      `json:"deleted_at,omitempty"`
}

// DateTime parses the transaction's calendar date.
func (t *CachedTransaction) DateTime() (time.Time, error) {
	return time.Parse(canonical.DateLayout, t.Date)
}

// MatchProposal is a scored candidate link between a document and a
// cached ledger transaction. At most one non-terminal proposal exists
// per (firefly_id, document_id) pair.
type MatchProposal struct {
	ID         int64          `json:"id"`
	FireflyID  int64          `json:"firefly_id"`
	DocumentID int64          `json:"document_id"`
	Score      float64        `json:"match_score"`
	Reasons    []string       `json:"match_reasons"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ReviewedAt *time.Time     `json:"reviewed_at,omitempty"`
}

// InterpretationRun is the append-only audit record of one decision on
// one document. Rows are never updated.
type InterpretationRun struct {
	ID               int64          `json:"id"`
	DocumentID       int64          `json:"document_id"`
	FireflyID        *int64         `json:"firefly_id,omitempty"`
	ExternalID       *string        `json:"external_id,omitempty"`
	RunTimestamp     time.Time      `json:"run_timestamp"`
	DurationMS       int64          `json:"duration_ms"`
	PipelineVersion  string         `json:"pipeline_version"`
	AlgorithmVersion string         `json:"algorithm_version"`
	InputsSummary    []byte         `json:"inputs_summary,omitempty"`
	RulesApplied     []string       `json:"rules_applied,omitempty"`
	LLMResult        string         `json:"llm_result,omitempty"`
	FinalState       string         `json:"final_state"`
	DecisionSource   DecisionSource `json:"decision_source"`
	AutoApplied      bool           `json:"auto_applied"`
	WriteAction      string         `json:"firefly_write_action,omitempty"`
	TargetFireflyID  *int64         `json:"firefly_target_id,omitempty"`
	LinkageMarkers   []byte         `json:"linkage_marker_written,omitempty"`
	OwnerID          *int64         `json:"owner_id,omitempty"`
}

// LLMCacheEntry is one cached model response, keyed by the SHA-256 of
// the prompt inputs. Reads past ExpiresAt return nothing.
type LLMCacheEntry struct {
	Key             string    `json:"key"`
	Model           string    `json:"model"`
	PromptVersion   string    `json:"prompt_version"`
	TaxonomyVersion string    `json:"taxonomy_version"`
	Response        string    `json:"response"`
	HitCount        int64     `json:"hit_count"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// LLMFeedback binds an interpretation run to a correctness outcome.
type LLMFeedback struct {
	ID                int64        `json:"id"`
	RunID             int64        `json:"run_id"`
	SuggestedCategory string       `json:"suggested_category"`
	ActualCategory    string       `json:"actual_category"`
	Kind              FeedbackKind `json:"kind"`
	Notes             string       `json:"notes,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// FeedbackStats aggregates recorded feedback.
type FeedbackStats struct {
	Total   int64 `json:"total"`
	Correct int64 `json:"correct"`
	Wrong   int64 `json:"wrong"`
}

// Accuracy returns the correct share, or 0 with no feedback.
func (s FeedbackStats) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}

// Job is one queued LLM suggestion request for a document. At most one
// job per document may be in a non-terminal state.
type Job struct {
	ID           int64      `json:"id"`
	DocumentID   int64      `json:"document_id"`
	ExtractionID *int64     `json:"extraction_id,omitempty"`
	ExternalID   *string    `json:"external_id,omitempty"`
	Priority     int        `json:"priority"`
	Status       JobStatus  `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Suggestions  []byte     `json:"suggestions_json,omitempty"`
}

// JobStats counts jobs per status.
type JobStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// JobFilter narrows job listings. Zero values mean "any".
type JobFilter struct {
	DocumentID int64
	Status     JobStatus
	Limit      int
}

// VendorMapping remembers how a vendor was booked so later documents
// from the same vendor inherit the mapping.
type VendorMapping struct {
	ID        int64     `json:"id"`
	Pattern   string    `json:"pattern"`
	Account   string    `json:"account"`
	Category  string    `json:"category,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	UseCount  int64     `json:"use_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VendorPattern normalizes a vendor name into the lookup key used by
// VendorRepository. Writers and readers must agree on this form.
func VendorPattern(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// UnmatchedQuery narrows the candidate set for matching. Zero values
// mean "no bound".
type UnmatchedQuery struct {
	DateFrom string
	DateTo   string
	Limit    int
}

// StoreStats summarises table populations for status reporting.
type StoreStats struct {
	Documents      int64 `json:"documents"`
	Extractions    int64 `json:"extractions"`
	PendingReview  int64 `json:"pending_review"`
	Imports        int64 `json:"imports"`
	ImportsPending int64 `json:"imports_pending"`
	CachedTxns     int64 `json:"cached_transactions"`
	Unmatched      int64 `json:"unmatched_transactions"`
	OpenProposals  int64 `json:"open_proposals"`
	Runs           int64 `json:"interpretation_runs"`
	QueuedJobs     int64 `json:"queued_jobs"`
}
