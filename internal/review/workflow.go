package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/store"
)

// Workflow is the persistence-facing side of review: it enumerates
// pending extractions, records decisions and feeds the vendor learning
// cache from confirmed records.
type Workflow struct {
	repos  store.RepositoryManager
	scorer *Scorer
	logger logging.Logger
	now    func() time.Time
}

// NewWorkflow wires a review workflow.
func NewWorkflow(repos store.RepositoryManager, scorer *Scorer, logger logging.Logger) *Workflow {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Workflow{repos: repos, scorer: scorer, logger: logger, now: time.Now}
}

// Item is one extraction prepared for a reviewer: the stored row, the
// decoded record and the validation flags.
type Item struct {
	Extraction store.Extraction
	Record     *canonical.Record
	Flags      []Flag
}

// Pending returns extractions awaiting a decision, oldest first. Rows
// whose payload no longer decodes are logged and dropped rather than
// blocking the queue.
func (w *Workflow) Pending(ctx context.Context, limit int) ([]Item, error) {
	exs, err := w.repos.Extractions().ListPendingReview(ctx, limit)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(exs))
	for i := range exs {
		rec, err := exs[i].Record()
		if err != nil {
			w.logger.Warn("skipping undecodable extraction", "extraction_id", exs[i].ID, "error", err)
			continue
		}
		items = append(items, Item{Extraction: exs[i], Record: rec, Flags: w.scorer.Validate(rec)})
	}
	return items, nil
}

// Load returns a single extraction prepared for review.
func (w *Workflow) Load(ctx context.Context, id int64) (*Item, error) {
	ex, err := w.repos.Extractions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, fmt.Errorf("review: extraction %d not found", id)
	}
	rec, err := ex.Record()
	if err != nil {
		return nil, err
	}
	return &Item{Extraction: *ex, Record: rec, Flags: w.scorer.Validate(rec)}, nil
}

// Decide records a review decision. EDITED requires the rewritten
// record; for the other decisions rewritten is optional and, when
// present, replaces the stored payload as well. ACCEPTED and EDITED
// feed the vendor learning cache from the final record.
func (w *Workflow) Decide(ctx context.Context, id int64, decision canonical.ReviewDecision, rewritten *canonical.Record) error {
	if !validDecision(decision) {
		return fmt.Errorf("review: unknown decision %q", decision)
	}
	if decision == canonical.DecisionEdited && rewritten == nil {
		return fmt.Errorf("review: EDITED requires the rewritten record")
	}

	ex, err := w.repos.Extractions().Get(ctx, id)
	if err != nil {
		return err
	}
	if ex == nil {
		return fmt.Errorf("review: extraction %d not found", id)
	}

	update := store.ReviewUpdate{Decision: decision, ReviewedAt: w.now().UTC()}
	final := rewritten
	if rewritten != nil {
		if err := rewritten.Validate(); err != nil {
			return fmt.Errorf("review: rewritten record: %w", err)
		}
		if rewritten.Proposal.ExternalID == "" {
			rewritten.Regenerate()
		}
		payload, err := rewritten.Marshal()
		if err != nil {
			return err
		}
		_, overall := w.scorer.Score(rewritten)
		update.ExtractionJSON = payload
		update.ExternalID = rewritten.Proposal.ExternalID
		update.OverallConfidence = &overall
	}

	if err := w.repos.Extractions().RecordDecision(ctx, id, update); err != nil {
		return err
	}

	if decision == canonical.DecisionAccepted || decision == canonical.DecisionEdited {
		if final == nil {
			if final, err = ex.Record(); err != nil {
				w.logger.Warn("cannot decode accepted record for vendor learning",
					"extraction_id", id, "error", err)
			}
		}
		if final != nil {
			w.learnVendor(ctx, final)
		}
	}

	w.logger.Info("review decision recorded",
		"extraction_id", id,
		"document_id", ex.DocumentID,
		"decision", string(decision))
	return nil
}

// Reset clears a decision and returns the extraction to the pending
// queue.
func (w *Workflow) Reset(ctx context.Context, id int64) error {
	return w.repos.Extractions().ResetForReview(ctx, id)
}

// learnVendor stores the confirmed counterparty mapping. Failures are
// logged only; learning is advisory and must never fail a decision.
func (w *Workflow) learnVendor(ctx context.Context, rec *canonical.Record) {
	vendor := rec.Vendor()
	if vendor == "" {
		return
	}
	account := rec.Proposal.DestinationAccount
	if rec.Proposal.Type == canonical.TypeDeposit {
		account = rec.Proposal.SourceAccount
	}
	if account == "" {
		account = vendor
	}

	vm := &store.VendorMapping{
		Pattern:  store.VendorPattern(vendor),
		Account:  account,
		Category: rec.Proposal.Category,
		Tags:     rec.Proposal.Tags,
	}
	if err := w.repos.Vendors().Upsert(ctx, vm); err != nil {
		w.logger.Warn("vendor mapping update failed", "pattern", vm.Pattern, "error", err)
	}
}

func validDecision(d canonical.ReviewDecision) bool {
	switch d {
	case canonical.DecisionAccepted, canonical.DecisionEdited,
		canonical.DecisionRejected, canonical.DecisionSkipped:
		return true
	}
	return false
}

// ApplyEdit sets one proposal field from its textual form. Edited fields
// are treated as ground truth and get confidence 1.0. Amount and date
// edits change the identity tuple, so they regenerate the external id;
// account edits deliberately do not, keeping the stored id stable
// against re-extraction.
func ApplyEdit(rec *canonical.Record, field, value string) error {
	value = strings.TrimSpace(value)

	switch field {
	case canonical.FieldAmount:
		amt, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("review: bad amount %q: %w", value, err)
		}
		if !amt.IsPositive() {
			return fmt.Errorf("review: amount must be positive, got %s", amt)
		}
		rec.Proposal.Amount = amt
		setConfidence(rec, canonical.FieldAmount)
		rec.Regenerate()

	case canonical.FieldDate:
		if _, err := time.Parse(canonical.DateLayout, value); err != nil {
			return fmt.Errorf("review: bad date %q, want YYYY-MM-DD", value)
		}
		rec.Proposal.Date = value
		setConfidence(rec, canonical.FieldDate)
		rec.Regenerate()

	case canonical.FieldDescription:
		rec.Proposal.Description = value
		setConfidence(rec, canonical.FieldDescription)

	case canonical.FieldVendor, "destination_account":
		rec.Proposal.DestinationAccount = value
		setConfidence(rec, canonical.FieldVendor)

	case "source_account":
		rec.Proposal.SourceAccount = value

	case canonical.FieldCategory:
		rec.Proposal.Category = value
		setConfidence(rec, canonical.FieldCategory)

	case canonical.FieldCurrency:
		if value == "" {
			return fmt.Errorf("review: currency cannot be empty")
		}
		rec.Proposal.Currency = strings.ToUpper(value)
		setConfidence(rec, canonical.FieldCurrency)

	case "invoice_number":
		rec.Proposal.InvoiceNumber = value

	default:
		return fmt.Errorf("review: unknown field %q", field)
	}
	return nil
}

func setConfidence(rec *canonical.Record, field string) {
	if rec.Confidences == nil {
		rec.Confidences = canonical.Confidence{}
	}
	rec.Confidences[field] = 1.0
}

// CategoryAmount is one categorised amount contribution.
type CategoryAmount struct {
	Category string
	Amount   decimal.Decimal
}

// WeightedCategory returns the category carrying the largest summed
// amount, ties broken by first occurrence. Parts without a category are
// ignored; the empty string means no category won.
func WeightedCategory(parts []CategoryAmount) string {
	sums := map[string]decimal.Decimal{}
	var order []string
	for _, part := range parts {
		if part.Category == "" {
			continue
		}
		if _, seen := sums[part.Category]; !seen {
			order = append(order, part.Category)
		}
		sums[part.Category] = sums[part.Category].Add(part.Amount)
	}

	best := ""
	for _, category := range order {
		if best == "" || sums[category].GreaterThan(sums[best]) {
			best = category
		}
	}
	return best
}
