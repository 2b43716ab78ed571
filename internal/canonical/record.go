// Package canonical defines the single schema for everything the pipeline
// knows about one document's financial content, together with the
// deterministic external identifier that makes the whole pipeline
// idempotent. Every other component consumes these types; this package
// depends on nothing above the standard library and the decimal type.
package canonical

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction of a proposed ledger transaction.
type TransactionType string

const (
	TypeWithdrawal TransactionType = "withdrawal"
	TypeDeposit    TransactionType = "deposit"
	TypeTransfer   TransactionType = "transfer"
)

// Valid reports whether t is one of the three known directions.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeWithdrawal, TypeDeposit, TypeTransfer:
		return true
	}
	return false
}

// ReviewState classifies how much human attention an extraction needs.
type ReviewState string

const (
	ReviewAuto   ReviewState = "AUTO"
	ReviewNeeded ReviewState = "REVIEW"
	ReviewManual ReviewState = "MANUAL"
)

// ReviewDecision records the outcome of a human review.
type ReviewDecision string

const (
	DecisionAccepted ReviewDecision = "ACCEPTED"
	DecisionEdited   ReviewDecision = "EDITED"
	DecisionRejected ReviewDecision = "REJECTED"
	DecisionSkipped  ReviewDecision = "SKIPPED"
)

// DateLayout is the wire layout for all calendar dates in the pipeline.
const DateLayout = "2006-01-02"

// Proposal is the transaction the pipeline proposes to create or link in
// the ledger. Amount is always strictly positive; direction is carried by
// Type.
type Proposal struct {
	Type               TransactionType `json:"transaction_type"`
	Date               string          `json:"date"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Description        string          `json:"description"`
	SourceAccount      string          `json:"source_account,omitempty"`
	DestinationAccount string          `json:"destination_account,omitempty"`
	Category           string          `json:"category,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	ExternalID         string          `json:"external_id,omitempty"`
	InvoiceNumber      string          `json:"invoice_number,omitempty"`
	DueDate            string          `json:"due_date,omitempty"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
}

// DateTime parses the proposal date. The zero time is returned for an
// empty or malformed date.
func (p *Proposal) DateTime() time.Time {
	t, err := time.Parse(DateLayout, p.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Vendor returns the best available counterparty name: the destination
// account when set, otherwise the classified correspondent.
func (r *Record) Vendor() string {
	if v := strings.TrimSpace(r.Proposal.DestinationAccount); v != "" {
		return v
	}
	if r.Classification != nil {
		return strings.TrimSpace(r.Classification.Correspondent)
	}
	return ""
}

// LineItem is one positional line of an invoice or receipt.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
	Position    int             `json:"position"`
}

// EffectiveAmount returns the amount a split derived from this line should
// carry: the explicit total when present, otherwise the unit price.
func (li *LineItem) EffectiveAmount() decimal.Decimal {
	if !li.Total.IsZero() {
		return li.Total
	}
	return li.UnitPrice
}

// Classification carries what the extractor inferred about the document
// itself, as opposed to the transaction inside it.
type Classification struct {
	DocumentType  string `json:"document_type,omitempty"`
	Correspondent string `json:"correspondent,omitempty"`
	Language      string `json:"language,omitempty"`
}

// Provenance records which extractor produced the record and when.
type Provenance struct {
	SourceSystem  string    `json:"source_system"`
	ParserVersion string    `json:"parser_version"`
	ParsedAt      time.Time `json:"parsed_at"`
	Strategy      string    `json:"extraction_strategy"`
}

// Confidence holds per-field confidence scores in [0,1]. Field names match
// the JSON keys of Proposal.
type Confidence map[string]float64

// Well-known confidence field keys.
const (
	FieldAmount      = "amount"
	FieldDate        = "date"
	FieldVendor      = "vendor"
	FieldDescription = "description"
	FieldCurrency    = "currency"
	FieldCategory    = "category"
)

// Get returns the score for a field, zero when absent.
func (c Confidence) Get(field string) float64 {
	if c == nil {
		return 0
	}
	return c[field]
}

// Record is the canonical extraction record: the full knowledge the
// pipeline has about one document's financial content. It is persisted as
// a JSON text payload on the extraction row.
type Record struct {
	DocumentID     int64                      `json:"document_id"`
	SourceHash     string                     `json:"source_hash"`
	DocumentURL    string                     `json:"document_url,omitempty"`
	RawText        string                     `json:"raw_text,omitempty"`
	Proposal       Proposal                   `json:"proposal"`
	Confidences    Confidence                 `json:"confidences"`
	Provenance     Provenance                 `json:"provenance"`
	Classification *Classification            `json:"classification,omitempty"`
	LineItems      []LineItem                 `json:"line_items,omitempty"`
	Structured     map[string]json.RawMessage `json:"structured_payloads,omitempty"`
}

// Validate checks the structural invariants every persisted record must
// satisfy. Violations are programmer or extractor errors, never retried.
func (r *Record) Validate() error {
	if r.DocumentID <= 0 {
		return fmt.Errorf("canonical record: document_id must be positive, got %d", r.DocumentID)
	}
	if len(r.SourceHash) != 64 {
		return fmt.Errorf("canonical record: source_hash must be 64 hex chars, got %d", len(r.SourceHash))
	}
	if !r.Proposal.Type.Valid() {
		return fmt.Errorf("canonical record: invalid transaction type %q", r.Proposal.Type)
	}
	if _, err := time.Parse(DateLayout, r.Proposal.Date); err != nil {
		return fmt.Errorf("canonical record: malformed date %q", r.Proposal.Date)
	}
	if !r.Proposal.Amount.IsPositive() {
		return fmt.Errorf("canonical record: amount must be positive, got %s", r.Proposal.Amount)
	}
	if r.Proposal.Currency == "" {
		return fmt.Errorf("canonical record: currency is required")
	}
	return nil
}

// OverallConfidence computes the weighted mean the router uses: amount
// 0.40, date 0.30, vendor 0.20, and 0.10 for the mean of all remaining
// fields.
func (r *Record) OverallConfidence() float64 {
	c := r.Confidences
	rest := 0.0
	n := 0
	for field, score := range c {
		switch field {
		case FieldAmount, FieldDate, FieldVendor:
			continue
		}
		rest += score
		n++
	}
	restMean := 0.0
	if n > 0 {
		restMean = rest / float64(n)
	}
	return 0.40*c.Get(FieldAmount) + 0.30*c.Get(FieldDate) + 0.20*c.Get(FieldVendor) + 0.10*restMean
}

// Marshal serialises the record to its persisted JSON form. Decimal values
// serialise as dot-decimal strings, so a marshal/unmarshal round trip is
// value-stable.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalRecord parses a persisted canonical record payload.
func UnmarshalRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("canonical record: %w", err)
	}
	return &r, nil
}

// Regenerate recomputes the external id from the record's current amount
// and date and writes it back into the proposal. It must be called after
// any edit to amount or date, before the record is stored.
func (r *Record) Regenerate() string {
	id := ExternalID(r.DocumentID, r.Proposal.Amount, r.Proposal.Date,
		r.Proposal.SourceAccount, r.Proposal.DestinationAccount)
	r.Proposal.ExternalID = id
	return id
}
