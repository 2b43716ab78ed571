package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// ImportRepository implements store.ImportRepository.
type ImportRepository struct {
	s *session
}

func NewImportRepository(db *sql.DB, driver string) *ImportRepository {
	return &ImportRepository{s: newSession(db, driver)}
}

func NewImportRepositoryWithTx(tx *sql.Tx, driver string) *ImportRepository {
	return &ImportRepository{s: newSession(tx, driver)}
}

const importColumns = `id, external_id, document_id, firefly_id, status, error_message, payload, created_at, imported_at`

func (r *ImportRepository) Create(ctx context.Context, imp *store.Import) error {
	if imp.CreatedAt.IsZero() {
		imp.CreatedAt = time.Now().UTC()
	}
	if imp.Status == "" {
		imp.Status = store.ImportPending
	}

	query := `INSERT INTO imports (external_id, document_id, firefly_id, status, error_message, payload, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := r.s.exec(ctx, query,
		imp.ExternalID, imp.DocumentID, intArg(imp.FireflyID), string(imp.Status),
		strArg(imp.ErrorMessage), string(imp.Payload), timeString(imp.CreatedAt))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return store.NewConstraintError("create_import", "external id already exists", err).
				WithCode("DUPLICATE_EXTERNAL_ID").WithDetail("external_id", imp.ExternalID)
		}
		return store.NewQueryError("create_import", "failed to create import", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		imp.ID = id
	}

	return nil
}

func (r *ImportRepository) GetByExternalID(ctx context.Context, externalID string) (*store.Import, error) {
	row := r.s.queryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE external_id = ?`, externalID)
	imp, err := scanImport(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("get_import", "failed to query import", err)
	}
	return imp, nil
}

func (r *ImportRepository) Exists(ctx context.Context, externalID string) (bool, error) {
	var count int64
	err := r.s.queryRow(ctx, `SELECT COUNT(*) FROM imports WHERE external_id = ?`, externalID).Scan(&count)
	if err != nil {
		return false, store.NewQueryError("import_exists", "failed to query import", err)
	}
	return count > 0, nil
}

func (r *ImportRepository) MarkImported(ctx context.Context, externalID string, fireflyID int64) error {
	result, err := r.s.exec(ctx,
		`UPDATE imports SET status = 'IMPORTED', firefly_id = ?, error_message = NULL, imported_at = ?
		 WHERE external_id = ?`,
		fireflyID, timeString(time.Now()), externalID)
	if err != nil {
		return store.NewQueryError("mark_imported", "failed to mark import as imported", err)
	}
	return requireRow(result, store.ErrImportNotFound, "mark_imported", "IMPORT_NOT_FOUND")
}

func (r *ImportRepository) MarkFailed(ctx context.Context, externalID, message string) error {
	result, err := r.s.exec(ctx,
		`UPDATE imports SET status = 'FAILED', error_message = ? WHERE external_id = ?`,
		message, externalID)
	if err != nil {
		return store.NewQueryError("mark_failed", "failed to mark import as failed", err)
	}
	return requireRow(result, store.ErrImportNotFound, "mark_failed", "IMPORT_NOT_FOUND")
}

func (r *ImportRepository) MarkSkipped(ctx context.Context, externalID, reason string) error {
	result, err := r.s.exec(ctx,
		`UPDATE imports SET status = 'SKIPPED', error_message = ? WHERE external_id = ?`,
		reason, externalID)
	if err != nil {
		return store.NewQueryError("mark_skipped", "failed to mark import as skipped", err)
	}
	return requireRow(result, store.ErrImportNotFound, "mark_skipped", "IMPORT_NOT_FOUND")
}

func (r *ImportRepository) MarkDuplicate(ctx context.Context, externalID string, fireflyID *int64) error {
	result, err := r.s.exec(ctx,
		`UPDATE imports SET status = 'DUPLICATE', firefly_id = COALESCE(?, firefly_id) WHERE external_id = ?`,
		intArg(fireflyID), externalID)
	if err != nil {
		return store.NewQueryError("mark_duplicate", "failed to mark import as duplicate", err)
	}
	return requireRow(result, store.ErrImportNotFound, "mark_duplicate", "IMPORT_NOT_FOUND")
}

func (r *ImportRepository) ResetForRetry(ctx context.Context, externalID string) error {
	result, err := r.s.exec(ctx,
		`UPDATE imports SET status = 'PENDING', error_message = NULL
		 WHERE external_id = ? AND status = 'FAILED'`, externalID)
	if err != nil {
		return store.NewQueryError("reset_for_retry", "failed to reset import", err)
	}
	return requireRow(result, store.ErrImportNotFound, "reset_for_retry", "IMPORT_NOT_FOUND")
}

func (r *ImportRepository) ListByStatus(ctx context.Context, status store.ImportStatus, limit int) ([]store.Import, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.s.query(ctx,
		`SELECT `+importColumns+` FROM imports WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, store.NewQueryError("list_imports", "failed to query imports", err)
	}
	defer rows.Close()

	var results []store.Import
	for rows.Next() {
		imp, err := scanImport(rows.Scan)
		if err != nil {
			return nil, store.NewQueryError("list_imports", "failed to scan row", err)
		}
		results = append(results, *imp)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewQueryError("list_imports", "error iterating rows", err)
	}

	return results, nil
}

func scanImport(scan func(...interface{}) error) (*store.Import, error) {
	var (
		imp        store.Import
		fireflyID  sql.NullInt64
		status     string
		errMsg     sql.NullString
		payload    sql.NullString
		createdAt  string
		importedAt sql.NullString
	)

	err := scan(&imp.ID, &imp.ExternalID, &imp.DocumentID, &fireflyID, &status,
		&errMsg, &payload, &createdAt, &importedAt)
	if err != nil {
		return nil, err
	}

	imp.FireflyID = intPtr(fireflyID)
	imp.Status = store.ImportStatus(status)
	imp.ErrorMessage = strPtr(errMsg)
	if payload.Valid {
		imp.Payload = []byte(payload.String)
	}
	if imp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if imp.ImportedAt, err = timePtr(importedAt); err != nil {
		return nil, err
	}

	return &imp, nil
}
