package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// ProposalRepository implements store.ProposalRepository.
type ProposalRepository struct {
	s *session
}

func NewProposalRepository(db *sql.DB, driver string) *ProposalRepository {
	return &ProposalRepository{s: newSession(db, driver)}
}

func NewProposalRepositoryWithTx(tx *sql.Tx, driver string) *ProposalRepository {
	return &ProposalRepository{s: newSession(tx, driver)}
}

const proposalColumns = `id, firefly_id, document_id, match_score, match_reasons, status, created_at, reviewed_at`

func (r *ProposalRepository) Create(ctx context.Context, p *store.MatchProposal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = store.ProposalPending
	}

	// One active proposal per pair: drop any stale PENDING row before
	// inserting the fresh one.
	if _, err := r.s.exec(ctx,
		`DELETE FROM match_proposals WHERE firefly_id = ? AND document_id = ? AND status = 'PENDING'`,
		p.FireflyID, p.DocumentID); err != nil {
		return store.NewQueryError("create_proposal", "failed to purge stale proposal", err)
	}

	result, err := r.s.exec(ctx,
		`INSERT INTO match_proposals (firefly_id, document_id, match_score, match_reasons, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.FireflyID, p.DocumentID, p.Score, encodeStrings(p.Reasons),
		string(p.Status), timeString(p.CreatedAt))
	if err != nil {
		return store.NewQueryError("create_proposal", "failed to create proposal", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		p.ID = id
	}

	return nil
}

func (r *ProposalRepository) Get(ctx context.Context, id int64) (*store.MatchProposal, error) {
	row := r.s.queryRow(ctx, `SELECT `+proposalColumns+` FROM match_proposals WHERE id = ?`, id)
	p, err := scanProposal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("get_proposal", "failed to query proposal", err)
	}
	return p, nil
}

func (r *ProposalRepository) ListPending(ctx context.Context, limit int) ([]store.MatchProposal, error) {
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.s.query(ctx,
		`SELECT `+proposalColumns+` FROM match_proposals WHERE status = 'PENDING'
		 ORDER BY match_score DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, store.NewQueryError("list_pending_proposals", "failed to query proposals", err)
	}
	defer rows.Close()

	return scanProposals(rows)
}

func (r *ProposalRepository) UpdateStatus(ctx context.Context, id int64, status store.ProposalStatus) error {
	result, err := r.s.exec(ctx,
		`UPDATE match_proposals SET status = ?, reviewed_at = ? WHERE id = ?`,
		string(status), timeString(time.Now()), id)
	if err != nil {
		return store.NewQueryError("update_proposal_status", "failed to update proposal", err)
	}
	return requireRow(result, store.ErrProposalNotFound, "update_proposal_status", "PROPOSAL_NOT_FOUND")
}

func (r *ProposalRepository) PurgePending(ctx context.Context) (int64, error) {
	result, err := r.s.exec(ctx, `DELETE FROM match_proposals WHERE status = 'PENDING'`)
	if err != nil {
		return 0, store.NewQueryError("purge_pending", "failed to purge pending proposals", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewQueryError("purge_pending", "failed to read affected rows", err)
	}
	return n, nil
}

func (r *ProposalRepository) PurgePendingForDocument(ctx context.Context, documentID int64) (int64, error) {
	result, err := r.s.exec(ctx,
		`DELETE FROM match_proposals WHERE status = 'PENDING' AND document_id = ?`, documentID)
	if err != nil {
		return 0, store.NewQueryError("purge_pending_for_document", "failed to purge pending proposals", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewQueryError("purge_pending_for_document", "failed to read affected rows", err)
	}
	return n, nil
}

func (r *ProposalRepository) ActiveForPair(ctx context.Context, fireflyID, documentID int64) (*store.MatchProposal, error) {
	row := r.s.queryRow(ctx,
		`SELECT `+proposalColumns+` FROM match_proposals
		 WHERE firefly_id = ? AND document_id = ? AND status = 'PENDING'
		 ORDER BY id DESC LIMIT 1`, fireflyID, documentID)
	p, err := scanProposal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("active_for_pair", "failed to query proposal", err)
	}
	return p, nil
}

func (r *ProposalRepository) HasPendingForDocument(ctx context.Context, documentID int64) (bool, error) {
	var count int64
	err := r.s.queryRow(ctx,
		`SELECT COUNT(*) FROM match_proposals WHERE document_id = ? AND status = 'PENDING'`,
		documentID).Scan(&count)
	if err != nil {
		return false, store.NewQueryError("has_pending_for_document", "failed to query proposals", err)
	}
	return count > 0, nil
}

func (r *ProposalRepository) HasRejectedForPair(ctx context.Context, fireflyID, documentID int64) (bool, error) {
	var count int64
	err := r.s.queryRow(ctx,
		`SELECT COUNT(*) FROM match_proposals WHERE firefly_id = ? AND document_id = ? AND status = 'REJECTED'`,
		fireflyID, documentID).Scan(&count)
	if err != nil {
		return false, store.NewQueryError("has_rejected_for_pair", "failed to query proposals", err)
	}
	return count > 0, nil
}

func scanProposal(scan func(...interface{}) error) (*store.MatchProposal, error) {
	var (
		p          store.MatchProposal
		reasons    string
		status     string
		createdAt  string
		reviewedAt sql.NullString
	)

	err := scan(&p.ID, &p.FireflyID, &p.DocumentID, &p.Score, &reasons, &status, &createdAt, &reviewedAt)
	if err != nil {
		return nil, err
	}

	p.Reasons = decodeStrings(reasons)
	p.Status = store.ProposalStatus(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.ReviewedAt, err = timePtr(reviewedAt); err != nil {
		return nil, err
	}

	return &p, nil
}

func scanProposals(rows *sql.Rows) ([]store.MatchProposal, error) {
	var results []store.MatchProposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, store.NewQueryError("scan_proposal", "failed to scan row", err)
		}
		results = append(results, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewQueryError("scan_proposal", "error iterating rows", err)
	}
	return results, nil
}
