package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paperspark/spark/internal/api"
)

// CreateOutcome classifies what a create call actually did.
type CreateOutcome string

const (
	// OutcomeCreated means the ledger stored a new transaction.
	OutcomeCreated CreateOutcome = "CREATED"
	// OutcomeExisting means the ledger reported a duplicate and the
	// existing transaction was recovered through the external id.
	OutcomeExisting CreateOutcome = "EXISTING"
	// OutcomeSkipped means the ledger reported a duplicate, no existing
	// id was recoverable, and the caller asked for duplicates to be
	// skipped rather than surfaced.
	OutcomeSkipped CreateOutcome = "SKIPPED"
)

// CreateResult is the outcome of CreateTransaction. FireflyID is zero
// only for OutcomeSkipped.
type CreateResult struct {
	FireflyID int64
	Outcome   CreateOutcome
}

// CreateTransaction posts a transaction group. A validation rejection
// that mentions a duplicate is resolved by looking the external id up;
// when that fails, skipDuplicates decides between a silent skip and a
// DuplicateError.
func (c *Client) CreateTransaction(ctx context.Context, group *TransactionGroup, skipDuplicates bool) (*CreateResult, error) {
	var env wireEnvelope
	err := c.postJSON(ctx, "/api/v1/transactions", group, &env)
	if err == nil {
		id, perr := parseID(env.Data.ID)
		if perr != nil {
			return nil, perr
		}
		return &CreateResult{FireflyID: id, Outcome: OutcomeCreated}, nil
	}

	var apiErr *api.Error
	if !errors.As(err, &apiErr) || !apiErr.Mentions("duplicate") {
		return nil, fmt.Errorf("ledger: create transaction: %w", err)
	}

	if extID := group.ExternalID(); extID != "" {
		existing, ferr := c.FindByExternalID(ctx, extID)
		if ferr == nil && existing != nil {
			c.logger.Info("duplicate create resolved to existing transaction",
				"external_id", extID, "firefly_id", existing.ID)
			return &CreateResult{FireflyID: existing.ID, Outcome: OutcomeExisting}, nil
		}
	}

	if skipDuplicates {
		c.logger.Warn("ledger reported duplicate, skipping", "detail", apiErr.Message)
		return &CreateResult{Outcome: OutcomeSkipped}, nil
	}
	return nil, &DuplicateError{Message: apiErr.Message}
}

// FindByExternalID searches the ledger for a transaction carrying the
// exact external id. Absent → (nil, nil).
func (c *Client) FindByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	query := url.Values{}
	query.Set("query", fmt.Sprintf("external_id_is:%q", externalID))
	query.Set("limit", "1")

	var list wireListEnvelope
	if err := c.getJSON(ctx, "/api/v1/search/transactions", query, &list); err != nil {
		return nil, fmt.Errorf("ledger: find by external id: %w", err)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return flattenTransaction(list.Data[0])
}

// GetTransaction fetches one transaction group by id. Absent → (nil, nil).
func (c *Client) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	var env wireEnvelope
	err := c.getJSON(ctx, fmt.Sprintf("/api/v1/transactions/%d", id), nil, &env)
	if errors.Is(err, api.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get transaction %d: %w", id, err)
	}
	return flattenTransaction(env.Data)
}

// ListOptions narrows a transaction listing. Dates are YYYY-MM-DD; zero
// values are ignored.
type ListOptions struct {
	Start string
	End   string
	Type  string
}

// ListTransactions fetches all transactions matching the options,
// following pagination.
func (c *Client) ListTransactions(ctx context.Context, opts ListOptions) ([]Transaction, error) {
	var out []Transaction
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		if opts.Start != "" {
			query.Set("start", opts.Start)
		}
		if opts.End != "" {
			query.Set("end", opts.End)
		}
		if opts.Type != "" {
			query.Set("type", opts.Type)
		}

		var list wireListEnvelope
		if err := c.getJSON(ctx, "/api/v1/transactions", query, &list); err != nil {
			return nil, fmt.Errorf("ledger: list transactions: %w", err)
		}
		for _, w := range list.Data {
			tx, err := flattenTransaction(w)
			if err != nil {
				return nil, err
			}
			out = append(out, *tx)
		}
		if list.Meta.Pagination.CurrentPage >= list.Meta.Pagination.TotalPages {
			break
		}
	}
	return out, nil
}

// UpdateLinkageMarkers writes the linkage fields onto an existing
// transaction: external id, internal reference, and a note line appended
// to whatever notes the transaction already carries. Writing the same
// markers twice is a no-op on the notes side. Returns api.ErrNotFound
// when the transaction does not exist.
func (c *Client) UpdateLinkageMarkers(ctx context.Context, id int64, externalID, internalRef, appendNotes string) error {
	current, err := c.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return api.ErrNotFound
	}

	split := map[string]interface{}{}
	if current.JournalID != 0 {
		split["transaction_journal_id"] = strconv.FormatInt(current.JournalID, 10)
	}
	if externalID != "" {
		split["external_id"] = externalID
	}
	if internalRef != "" {
		split["internal_reference"] = internalRef
	}
	if appendNotes != "" {
		notes := current.Notes
		if !strings.Contains(notes, appendNotes) {
			if notes != "" {
				notes += "\n\n"
			}
			notes += appendNotes
		}
		split["notes"] = notes
	}

	body := map[string]interface{}{
		"transactions": []map[string]interface{}{split},
	}
	if err := c.putJSON(ctx, fmt.Sprintf("/api/v1/transactions/%d", id), body, nil); err != nil {
		return fmt.Errorf("ledger: update linkage markers on %d: %w", id, err)
	}
	return nil
}

// flattenTransaction collapses a wire transaction group onto its first
// split, which carries everything the pipeline mirrors locally.
func flattenTransaction(w wireTransaction) (*Transaction, error) {
	id, err := parseID(w.ID)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{
		ID:         id,
		GroupTitle: w.Attributes.GroupTitle,
		SplitCount: len(w.Attributes.Transactions),
	}
	if len(w.Attributes.Transactions) == 0 {
		return tx, nil
	}

	first := w.Attributes.Transactions[0]
	tx.Type = first.Type
	tx.Date = dateOnly(first.Date)
	tx.Amount = first.Amount
	tx.Description = first.Description
	tx.SourceName = first.SourceName
	tx.DestinationName = first.DestinationName
	tx.CategoryName = first.CategoryName
	tx.Tags = first.Tags
	tx.Notes = first.Notes
	tx.ExternalID = first.ExternalID
	tx.InternalReference = first.InternalReference
	if first.TransactionJournalID != "" {
		if jid, err := strconv.ParseInt(first.TransactionJournalID, 10, 64); err == nil {
			tx.JournalID = jid
		}
	}
	return tx, nil
}

// dateOnly truncates the ledger's RFC3339 timestamps to the calendar
// date the pipeline works with.
func dateOnly(s string) string {
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}
