package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/store"
)

// ExtractionRepository implements store.ExtractionRepository.
type ExtractionRepository struct {
	s *session
}

func NewExtractionRepository(db *sql.DB, driver string) *ExtractionRepository {
	return &ExtractionRepository{s: newSession(db, driver)}
}

func NewExtractionRepositoryWithTx(tx *sql.Tx, driver string) *ExtractionRepository {
	return &ExtractionRepository{s: newSession(tx, driver)}
}

const extractionColumns = `id, document_id, external_id, extraction_json, overall_confidence,
	review_state, llm_opt_out, created_at, reviewed_at, review_decision`

func (r *ExtractionRepository) Save(ctx context.Context, ex *store.Extraction) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO extractions (document_id, external_id, extraction_json, overall_confidence,
			  review_state, llm_opt_out, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := r.s.exec(ctx, query,
		ex.DocumentID, ex.ExternalID, string(ex.ExtractionJSON), ex.OverallConfidence,
		string(ex.ReviewState), boolInt(ex.LLMOptOut), timeString(ex.CreatedAt))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return store.NewConstraintError("save_extraction", "external id already exists", err).
				WithCode("DUPLICATE_EXTERNAL_ID").WithDetail("external_id", ex.ExternalID)
		}
		return store.NewQueryError("save_extraction", "failed to save extraction", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		ex.ID = id
	}

	return nil
}

func (r *ExtractionRepository) Get(ctx context.Context, id int64) (*store.Extraction, error) {
	return r.getOne(ctx, `SELECT `+extractionColumns+` FROM extractions WHERE id = ?`, id)
}

func (r *ExtractionRepository) GetByExternalID(ctx context.Context, externalID string) (*store.Extraction, error) {
	return r.getOne(ctx, `SELECT `+extractionColumns+` FROM extractions WHERE external_id = ?`, externalID)
}

func (r *ExtractionRepository) LatestForDocument(ctx context.Context, documentID int64) (*store.Extraction, error) {
	return r.getOne(ctx,
		`SELECT `+extractionColumns+` FROM extractions WHERE document_id = ? ORDER BY id DESC LIMIT 1`,
		documentID)
}

func (r *ExtractionRepository) ListPendingReview(ctx context.Context, limit int) ([]store.Extraction, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + extractionColumns + ` FROM extractions
			  WHERE review_state IN ('REVIEW', 'MANUAL') AND review_decision IS NULL
			  ORDER BY created_at ASC LIMIT ?`

	rows, err := r.s.query(ctx, query, limit)
	if err != nil {
		return nil, store.NewQueryError("list_pending_review", "failed to query pending extractions", err)
	}
	defer rows.Close()

	return scanExtractions(rows)
}

func (r *ExtractionRepository) ListMatchable(ctx context.Context, limit int) ([]store.Extraction, error) {
	query := `SELECT e.id, e.document_id, e.external_id, e.extraction_json, e.overall_confidence,
			  e.review_state, e.llm_opt_out, e.created_at, e.reviewed_at, e.review_decision
			  FROM extractions e
			  JOIN (SELECT document_id, MAX(id) AS latest_id FROM extractions GROUP BY document_id) l
			    ON e.id = l.latest_id
			  WHERE (e.review_state = 'AUTO' AND e.review_decision IS NULL)
			     OR e.review_decision IN ('ACCEPTED', 'EDITED')
			  ORDER BY e.document_id ASC`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.s.query(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = r.s.query(ctx, query)
	}
	if err != nil {
		return nil, store.NewQueryError("list_matchable", "failed to query matchable extractions", err)
	}
	defer rows.Close()

	return scanExtractions(rows)
}

func (r *ExtractionRepository) RecordDecision(ctx context.Context, id int64, update store.ReviewUpdate) error {
	reviewedAt := update.ReviewedAt
	if reviewedAt.IsZero() {
		reviewedAt = time.Now().UTC()
	}

	var (
		result sql.Result
		err    error
	)

	if update.ExtractionJSON != nil {
		conf := 0.0
		if update.OverallConfidence != nil {
			conf = *update.OverallConfidence
		}
		result, err = r.s.exec(ctx,
			`UPDATE extractions SET review_decision = ?, reviewed_at = ?,
			 extraction_json = ?, external_id = ?, overall_confidence = ?
			 WHERE id = ?`,
			string(update.Decision), timeString(reviewedAt),
			string(update.ExtractionJSON), update.ExternalID, conf, id)
	} else {
		result, err = r.s.exec(ctx,
			`UPDATE extractions SET review_decision = ?, reviewed_at = ? WHERE id = ?`,
			string(update.Decision), timeString(reviewedAt), id)
	}
	if err != nil {
		return store.NewQueryError("record_decision", "failed to record review decision", err)
	}

	return requireRow(result, store.ErrExtractionNotFound, "record_decision", "EXTRACTION_NOT_FOUND")
}

func (r *ExtractionRepository) ResetForReview(ctx context.Context, id int64) error {
	result, err := r.s.exec(ctx,
		`UPDATE extractions SET review_decision = NULL, reviewed_at = NULL, review_state = 'REVIEW'
		 WHERE id = ?`, id)
	if err != nil {
		return store.NewQueryError("reset_for_review", "failed to reset extraction", err)
	}

	return requireRow(result, store.ErrExtractionNotFound, "reset_for_review", "EXTRACTION_NOT_FOUND")
}

func (r *ExtractionRepository) SetLLMOptOut(ctx context.Context, id int64, optOut bool) error {
	result, err := r.s.exec(ctx,
		`UPDATE extractions SET llm_opt_out = ? WHERE id = ?`, boolInt(optOut), id)
	if err != nil {
		return store.NewQueryError("set_llm_opt_out", "failed to update opt-out flag", err)
	}

	return requireRow(result, store.ErrExtractionNotFound, "set_llm_opt_out", "EXTRACTION_NOT_FOUND")
}

func (r *ExtractionRepository) getOne(ctx context.Context, query string, arg interface{}) (*store.Extraction, error) {
	row := r.s.queryRow(ctx, query, arg)
	ex, err := scanExtraction(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("get_extraction", "failed to query extraction", err)
	}
	return ex, nil
}

func scanExtraction(scan func(...interface{}) error) (*store.Extraction, error) {
	var (
		ex        store.Extraction
		payload   string
		state     string
		optOut    int
		createdAt string
		reviewed  sql.NullString
		decision  sql.NullString
	)

	err := scan(&ex.ID, &ex.DocumentID, &ex.ExternalID, &payload, &ex.OverallConfidence,
		&state, &optOut, &createdAt, &reviewed, &decision)
	if err != nil {
		return nil, err
	}

	ex.ExtractionJSON = []byte(payload)
	ex.ReviewState = canonical.ReviewState(state)
	ex.LLMOptOut = optOut != 0
	if ex.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ex.ReviewedAt, err = timePtr(reviewed); err != nil {
		return nil, err
	}
	if decision.Valid {
		d := canonical.ReviewDecision(decision.String)
		ex.ReviewDecision = &d
	}

	return &ex, nil
}

func scanExtractions(rows *sql.Rows) ([]store.Extraction, error) {
	var results []store.Extraction
	for rows.Next() {
		ex, err := scanExtraction(rows.Scan)
		if err != nil {
			return nil, store.NewQueryError("scan_extraction", "failed to scan row", err)
		}
		results = append(results, *ex)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewQueryError("scan_extraction", "error iterating rows", err)
	}
	return results, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow converts a zero-row update into a typed not-found error.
func requireRow(result sql.Result, sentinel error, operation, code string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return store.NewQueryError(operation, "failed to read affected rows", err)
	}
	if n == 0 {
		return store.NewDataError(operation, sentinel.Error(), nil).WithCode(code)
	}
	return nil
}
