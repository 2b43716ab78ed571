package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/paperspark/spark/internal/store"
)

// JobRepository implements the AI job queue on store.JobRepository.
type JobRepository struct {
	s *session
}

func NewJobRepository(db *sql.DB, driver string) *JobRepository {
	return &JobRepository{s: newSession(db, driver)}
}

func NewJobRepositoryWithTx(tx *sql.Tx, driver string) *JobRepository {
	return &JobRepository{s: newSession(tx, driver)}
}

var jobColumns = []string{
	"id", "document_id", "extraction_id", "external_id", "priority", "status",
	"retry_count", "max_retries", "scheduled_for", "created_by", "created_at",
	"started_at", "completed_at", "error_message", "suggestions_json",
}

func (r *JobRepository) Schedule(ctx context.Context, job *store.Job) (int64, error) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = store.JobPending
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}

	query := `INSERT INTO ai_jobs (document_id, extraction_id, external_id, priority, status,
			  retry_count, max_retries, scheduled_for, created_by, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.s.exec(ctx, query,
		job.DocumentID, intArg(job.ExtractionID), strArg(job.ExternalID), job.Priority,
		string(job.Status), job.RetryCount, job.MaxRetries,
		nullTimeArg(job.ScheduledFor), job.CreatedBy, timeString(job.CreatedAt))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return 0, store.NewConstraintError("schedule_job", "document already has a non-terminal job", err).
				WithCode("JOB_ALREADY_QUEUED").WithDetail("document_id", job.DocumentID)
		}
		return 0, store.NewQueryError("schedule_job", "failed to schedule job", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, nil
	}
	job.ID = id
	return id, nil
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*store.Job, error) {
	row := r.s.queryRow(ctx,
		`SELECT `+joinColumns(jobColumns)+` FROM ai_jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("get_job", "failed to query job", err)
	}
	return job, nil
}

func (r *JobRepository) GetNext(ctx context.Context, limit int, now time.Time) ([]store.Job, error) {
	if limit <= 0 {
		limit = 1
	}

	query := `SELECT ` + joinColumns(jobColumns) + ` FROM ai_jobs
			  WHERE status = 'PENDING' AND (scheduled_for IS NULL OR scheduled_for <= ?)
			  ORDER BY priority DESC, created_at ASC LIMIT ?`

	rows, err := r.s.query(ctx, query, timeString(now), limit)
	if err != nil {
		return nil, store.NewQueryError("get_next_jobs", "failed to query ready jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *JobRepository) Start(ctx context.Context, id int64) error {
	// The status guard makes the transition atomic: a second worker
	// starting the same job affects zero rows.
	result, err := r.s.exec(ctx,
		`UPDATE ai_jobs SET status = 'PROCESSING', started_at = ? WHERE id = ? AND status = 'PENDING'`,
		timeString(time.Now()), id)
	if err != nil {
		return store.NewQueryError("start_job", "failed to start job", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return store.NewQueryError("start_job", "failed to read affected rows", err)
	}
	if n == 0 {
		return store.NewConstraintError("start_job", store.ErrJobNotPending.Error(), nil).
			WithCode("JOB_NOT_PENDING").WithDetail("job_id", id)
	}
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, id int64, suggestions []byte) error {
	result, err := r.s.exec(ctx,
		`UPDATE ai_jobs SET status = 'COMPLETED', completed_at = ?, suggestions_json = ?, error_message = NULL
		 WHERE id = ? AND status = 'PROCESSING'`,
		timeString(time.Now()), string(suggestions), id)
	if err != nil {
		return store.NewQueryError("complete_job", "failed to complete job", err)
	}
	return requireRow(result, store.ErrJobNotFound, "complete_job", "JOB_NOT_FOUND")
}

func (r *JobRepository) FailWithRetry(ctx context.Context, id int64, message string, retryAt time.Time) error {
	// Requeue while retries remain, otherwise park as FAILED. Done as a
	// single statement so the decision and the transition cannot race.
	result, err := r.s.exec(ctx,
		`UPDATE ai_jobs SET
		 status = CASE WHEN retry_count + 1 < max_retries THEN 'PENDING' ELSE 'FAILED' END,
		 scheduled_for = CASE WHEN retry_count + 1 < max_retries THEN ? ELSE scheduled_for END,
		 completed_at = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE ? END,
		 retry_count = retry_count + 1,
		 error_message = ?
		 WHERE id = ? AND status = 'PROCESSING'`,
		timeString(retryAt), timeString(time.Now()), message, id)
	if err != nil {
		return store.NewQueryError("fail_job", "failed to fail job", err)
	}
	return requireRow(result, store.ErrJobNotFound, "fail_job", "JOB_NOT_FOUND")
}

func (r *JobRepository) Cancel(ctx context.Context, id int64) error {
	result, err := r.s.exec(ctx,
		`UPDATE ai_jobs SET status = 'CANCELLED', completed_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		timeString(time.Now()), id)
	if err != nil {
		return store.NewQueryError("cancel_job", "failed to cancel job", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return store.NewQueryError("cancel_job", "failed to read affected rows", err)
	}
	if n == 0 {
		return store.NewConstraintError("cancel_job", store.ErrJobTerminal.Error(), nil).
			WithCode("JOB_TERMINAL").WithDetail("job_id", id)
	}
	return nil
}

func (r *JobRepository) List(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	builder := sq.Select(jobColumns...).From("ai_jobs")

	if filter.DocumentID != 0 {
		builder = builder.Where(sq.Eq{"document_id": filter.DocumentID})
	}
	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}

	builder = builder.OrderBy("created_at DESC", "id DESC")
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	builder = builder.Limit(uint64(limit))

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, store.NewQueryError("list_jobs", "failed to build query", err)
	}

	rows, err := r.s.query(ctx, query, args...)
	if err != nil {
		return nil, store.NewQueryError("list_jobs", "failed to query jobs", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *JobRepository) Stats(ctx context.Context) (*store.JobStats, error) {
	rows, err := r.s.query(ctx, `SELECT status, COUNT(*) FROM ai_jobs GROUP BY status`)
	if err != nil {
		return nil, store.NewQueryError("job_stats", "failed to query job stats", err)
	}
	defer rows.Close()

	var stats store.JobStats
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, store.NewQueryError("job_stats", "failed to scan row", err)
		}
		switch store.JobStatus(status) {
		case store.JobPending:
			stats.Pending = count
		case store.JobProcessing:
			stats.Processing = count
		case store.JobCompleted:
			stats.Completed = count
		case store.JobFailed:
			stats.Failed = count
		case store.JobCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewQueryError("job_stats", "error iterating rows", err)
	}

	return &stats, nil
}

func (r *JobRepository) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.s.exec(ctx,
		`DELETE FROM ai_jobs WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND created_at < ?`,
		timeString(olderThan))
	if err != nil {
		return 0, store.NewQueryError("cleanup_jobs", "failed to clean up jobs", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewQueryError("cleanup_jobs", "failed to read affected rows", err)
	}
	return n, nil
}

func (r *JobRepository) CountCompletedSuggestions(ctx context.Context) (int64, error) {
	var count int64
	err := r.s.queryRow(ctx,
		`SELECT COUNT(*) FROM ai_jobs
		 WHERE status = 'COMPLETED' AND suggestions_json IS NOT NULL AND suggestions_json != ''`).Scan(&count)
	if err != nil {
		return 0, store.NewQueryError("count_suggestions", "failed to count completed suggestions", err)
	}
	return count, nil
}

func scanJob(scan func(...interface{}) error) (*store.Job, error) {
	var (
		job          store.Job
		extractionID sql.NullInt64
		externalID   sql.NullString
		status       string
		scheduledFor sql.NullString
		createdAt    string
		startedAt    sql.NullString
		completedAt  sql.NullString
		errMsg       sql.NullString
		suggestions  sql.NullString
	)

	err := scan(&job.ID, &job.DocumentID, &extractionID, &externalID, &job.Priority, &status,
		&job.RetryCount, &job.MaxRetries, &scheduledFor, &job.CreatedBy, &createdAt,
		&startedAt, &completedAt, &errMsg, &suggestions)
	if err != nil {
		return nil, err
	}

	job.ExtractionID = intPtr(extractionID)
	job.ExternalID = strPtr(externalID)
	job.Status = store.JobStatus(status)
	if job.ScheduledFor, err = timePtr(scheduledFor); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = timePtr(startedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = timePtr(completedAt); err != nil {
		return nil, err
	}
	job.ErrorMessage = strPtr(errMsg)
	if suggestions.Valid && suggestions.String != "" {
		job.Suggestions = []byte(suggestions.String)
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]store.Job, error) {
	var results []store.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, store.NewQueryError("scan_job", "failed to scan row", err)
		}
		results = append(results, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewQueryError("scan_job", "error iterating rows", err)
	}
	return results, nil
}
