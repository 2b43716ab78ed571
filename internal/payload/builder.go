// Package payload maps canonical records onto the ledger's wire shape.
// The builder is deterministic: the same record always produces
// byte-identical output, which is what makes retries and idempotency
// checks trustworthy downstream.
package payload

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/ledger"
	"github.com/paperspark/spark/internal/logging"
)

// UnknownMerchant is the destination used when neither the proposal nor
// the classification names a counterparty.
const UnknownMerchant = "Unknown Merchant"

// ErrNoUsableLineItems is returned when a multi-line record has no line
// item with a positive amount left after quantisation.
var ErrNoUsableLineItems = errors.New("payload: no usable line items")

// absorbLimit bounds the rounding difference the last split may absorb.
// At or beyond one whole unit the mismatch is a data problem, not
// rounding drift.
var absorbLimit = decimal.NewFromInt(1)

// RoundingError reports a split sum too far from the proposal total to
// absorb into the last split.
type RoundingError struct {
	Total    decimal.Decimal
	SplitSum decimal.Decimal
}

func (e *RoundingError) Error() string {
	return fmt.Sprintf("payload: split sum %s differs from proposal total %s beyond the absorbable limit",
		e.SplitSum.StringFixed(2), e.Total.StringFixed(2))
}

// Config configures the builder.
type Config struct {
	// DefaultSourceAccount is the asset account used when a proposal
	// does not name one.
	DefaultSourceAccount string
}

// Builder turns canonical records into ledger transaction groups.
type Builder struct {
	cfg    Config
	logger logging.Logger
}

// NewBuilder creates a builder.
func NewBuilder(cfg Config, logger logging.Logger) *Builder {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Build produces the wire payload for a record. state and confidence are
// the extraction's current review state and overall confidence; both go
// into the mandatory notes line. The record is not mutated.
func (b *Builder) Build(rec *canonical.Record, state canonical.ReviewState, confidence float64) (*ledger.TransactionGroup, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	source, destination := b.accounts(rec)
	splits, err := b.splits(rec, source, destination)
	if err != nil {
		return nil, err
	}

	externalID := rec.Proposal.ExternalID
	if externalID == "" {
		externalID = canonical.ExternalID(rec.DocumentID, rec.Proposal.Amount,
			rec.Proposal.Date, rec.Proposal.SourceAccount, rec.Proposal.DestinationAccount)
	}

	// Linkage fields live on the first split only.
	first := &splits[0]
	first.ExternalID = externalID
	first.InternalReference = canonical.InternalReference(rec.DocumentID)
	first.Notes = b.notes(rec, state, confidence, len(splits))
	first.ExternalURL = rec.DocumentURL
	first.DueDate = rec.Proposal.DueDate

	group := &ledger.TransactionGroup{
		ErrorIfDuplicateHash: false,
		ApplyRules:           true,
		FireWebhooks:         true,
		Transactions:         splits,
	}
	if len(splits) > 1 {
		group.GroupTitle = rec.Proposal.Description
	}
	return group, nil
}

// splits builds the split list. Fewer than two line items degrade to a
// single split carrying the proposal amount; otherwise each usable line
// item becomes one split and the last split absorbs sub-unit rounding
// drift against the proposal total.
func (b *Builder) splits(rec *canonical.Record, source, destination string) ([]ledger.TransactionSplit, error) {
	base := ledger.TransactionSplit{
		Type:            string(rec.Proposal.Type),
		Date:            rec.Proposal.Date,
		Description:     rec.Proposal.Description,
		CurrencyCode:    rec.Proposal.Currency,
		SourceName:      source,
		DestinationName: destination,
		CategoryName:    rec.Proposal.Category,
		Tags:            rec.Proposal.Tags,
	}

	total := rec.Proposal.Amount.Round(2)
	if len(rec.LineItems) < 2 {
		s := base
		s.Amount = total.StringFixed(2)
		return []ledger.TransactionSplit{s}, nil
	}

	items := make([]canonical.LineItem, len(rec.LineItems))
	copy(items, rec.LineItems)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })

	type part struct {
		desc   string
		amount decimal.Decimal
	}
	parts := make([]part, 0, len(items))
	for _, li := range items {
		amount := li.EffectiveAmount().Round(2)
		if !amount.IsPositive() {
			continue
		}
		desc := strings.TrimSpace(li.Description)
		if desc == "" {
			desc = rec.Proposal.Description
		}
		parts = append(parts, part{desc: desc, amount: amount})
	}
	if len(parts) == 0 {
		return nil, ErrNoUsableLineItems
	}

	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p.amount)
	}
	diff := total.Sub(sum)
	if diff.Abs().GreaterThanOrEqual(absorbLimit) {
		return nil, &RoundingError{Total: total, SplitSum: sum}
	}
	if !diff.IsZero() {
		last := &parts[len(parts)-1]
		last.amount = last.amount.Add(diff)
		if !last.amount.IsPositive() {
			return nil, &RoundingError{Total: total, SplitSum: sum}
		}
		b.logger.Debug("absorbed rounding difference into last split",
			"document_id", rec.DocumentID, "difference", diff.StringFixed(2))
	}

	out := make([]ledger.TransactionSplit, 0, len(parts))
	for i, p := range parts {
		s := base
		s.Description = p.desc
		s.Amount = p.amount.StringFixed(2)
		s.Order = i
		out = append(out, s)
	}
	return out, nil
}

// accounts resolves the source and destination names per direction.
func (b *Builder) accounts(rec *canonical.Record) (source, destination string) {
	p := &rec.Proposal
	correspondent := ""
	if rec.Classification != nil {
		correspondent = strings.TrimSpace(rec.Classification.Correspondent)
	}

	switch p.Type {
	case canonical.TypeDeposit:
		source = firstNonEmpty(p.SourceAccount, correspondent, UnknownMerchant)
		destination = firstNonEmpty(p.DestinationAccount, b.cfg.DefaultSourceAccount)
	case canonical.TypeTransfer:
		source = firstNonEmpty(p.SourceAccount, b.cfg.DefaultSourceAccount)
		destination = firstNonEmpty(p.DestinationAccount, b.cfg.DefaultSourceAccount)
	default: // withdrawal
		source = firstNonEmpty(p.SourceAccount, b.cfg.DefaultSourceAccount)
		destination = firstNonEmpty(p.DestinationAccount, correspondent, UnknownMerchant)
	}
	return source, destination
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// notes assembles the mandatory notes line. The document marker leads so
// the cache synchroniser can recognise our transactions; free-form user
// notes go on their own line below.
func (b *Builder) notes(rec *canonical.Record, state canonical.ReviewState, confidence float64, splitCount int) string {
	parts := []string{
		canonical.NotesMarker(rec.DocumentID),
		"source_hash=" + rec.SourceHash[:16],
		fmt.Sprintf("confidence=%.2f", confidence),
		"review_state=" + string(state),
	}
	if splitCount > 1 {
		parts = append(parts, fmt.Sprintf("splits=%d", splitCount))
	}
	if v := strings.TrimSpace(rec.Provenance.ParserVersion); v != "" {
		parts = append(parts, "parser_version="+v)
	}

	out := strings.Join(parts, "; ")
	if user := strings.TrimSpace(rec.Proposal.Notes); user != "" {
		out += "\n" + user
	}
	return out
}

// Validate checks a built group against the hard requirements: every
// split fully populated with a positive amount, linkage fields on the
// first split. For multi-split groups the sum is recomputed against the
// proposal total for diagnostics only; the builder already rejected
// anything beyond tolerance.
func (b *Builder) Validate(rec *canonical.Record, group *ledger.TransactionGroup) error {
	if group == nil || len(group.Transactions) == 0 {
		return errors.New("payload: empty transaction group")
	}

	sum := decimal.Zero
	for i := range group.Transactions {
		s := &group.Transactions[i]
		if s.Type == "" || s.Date == "" || s.Description == "" {
			return fmt.Errorf("payload: split %d is missing required fields", i)
		}
		amount, err := decimal.NewFromString(s.Amount)
		if err != nil {
			return fmt.Errorf("payload: split %d has malformed amount %q", i, s.Amount)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("payload: split %d amount must be positive, got %s", i, s.Amount)
		}
		sum = sum.Add(amount)
	}

	first := &group.Transactions[0]
	if first.ExternalID == "" {
		return errors.New("payload: first split is missing the external id")
	}
	if first.Notes == "" {
		return errors.New("payload: first split is missing the notes line")
	}

	if len(group.Transactions) > 1 {
		total := rec.Proposal.Amount.Round(2)
		if !sum.Equal(total) {
			b.logger.Warn("split sum deviates from proposal total",
				"document_id", rec.DocumentID,
				"total", total.StringFixed(2),
				"split_sum", sum.StringFixed(2))
		}
	}
	return nil
}
