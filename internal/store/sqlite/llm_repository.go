package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// LLMRepository implements store.LLMRepository over the response cache
// and the feedback log.
type LLMRepository struct {
	s *session
}

func NewLLMRepository(db *sql.DB, driver string) *LLMRepository {
	return &LLMRepository{s: newSession(db, driver)}
}

func NewLLMRepositoryWithTx(tx *sql.Tx, driver string) *LLMRepository {
	return &LLMRepository{s: newSession(tx, driver)}
}

func (r *LLMRepository) CacheGet(ctx context.Context, key string, now time.Time) (*store.LLMCacheEntry, error) {
	var (
		entry     store.LLMCacheEntry
		expiresAt string
		createdAt string
	)

	err := r.s.queryRow(ctx,
		`SELECT key, model, prompt_version, taxonomy_version, response, hit_count, expires_at, created_at
		 FROM llm_cache WHERE key = ?`, key).Scan(
		&entry.Key, &entry.Model, &entry.PromptVersion, &entry.TaxonomyVersion,
		&entry.Response, &entry.HitCount, &expiresAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("llm_cache_get", "failed to query llm cache", err)
	}

	if entry.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if !entry.ExpiresAt.After(now.UTC()) {
		return nil, nil
	}

	if _, err := r.s.exec(ctx,
		`UPDATE llm_cache SET hit_count = hit_count + 1 WHERE key = ?`, key); err != nil {
		return nil, store.NewQueryError("llm_cache_get", "failed to bump hit count", err)
	}
	entry.HitCount++

	return &entry, nil
}

func (r *LLMRepository) CacheSet(ctx context.Context, entry *store.LLMCacheEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO llm_cache (key, model, prompt_version, taxonomy_version, response, hit_count, expires_at, created_at)
			  VALUES (?, ?, ?, ?, ?, 0, ?, ?)
			  ON CONFLICT (key) DO UPDATE SET
			  model = excluded.model,
			  prompt_version = excluded.prompt_version,
			  taxonomy_version = excluded.taxonomy_version,
			  response = excluded.response,
			  expires_at = excluded.expires_at`

	_, err := r.s.exec(ctx, query,
		entry.Key, entry.Model, entry.PromptVersion, entry.TaxonomyVersion,
		entry.Response, timeString(entry.ExpiresAt), timeString(entry.CreatedAt))
	if err != nil {
		return store.NewQueryError("llm_cache_set", "failed to write llm cache", err)
	}

	return nil
}

func (r *LLMRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.s.exec(ctx, `DELETE FROM llm_cache WHERE expires_at <= ?`, timeString(now))
	if err != nil {
		return 0, store.NewQueryError("llm_cache_sweep", "failed to sweep llm cache", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, store.NewQueryError("llm_cache_sweep", "failed to read affected rows", err)
	}
	return n, nil
}

func (r *LLMRepository) RecordFeedback(ctx context.Context, fb *store.LLMFeedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	result, err := r.s.exec(ctx,
		`INSERT INTO llm_feedback (run_id, suggested_category, actual_category, kind, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fb.RunID, fb.SuggestedCategory, fb.ActualCategory, string(fb.Kind), fb.Notes, timeString(fb.CreatedAt))
	if err != nil {
		return store.NewQueryError("record_feedback", "failed to record llm feedback", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		fb.ID = id
	}

	return nil
}

func (r *LLMRepository) FeedbackStats(ctx context.Context, lastN int) (*store.FeedbackStats, error) {
	query := `SELECT
			  COUNT(*),
			  COALESCE(SUM(CASE WHEN kind = 'CORRECT' THEN 1 ELSE 0 END), 0),
			  COALESCE(SUM(CASE WHEN kind = 'WRONG' THEN 1 ELSE 0 END), 0)
			  FROM llm_feedback`
	args := []interface{}{}

	if lastN > 0 {
		query = `SELECT
				 COUNT(*),
				 COALESCE(SUM(CASE WHEN kind = 'CORRECT' THEN 1 ELSE 0 END), 0),
				 COALESCE(SUM(CASE WHEN kind = 'WRONG' THEN 1 ELSE 0 END), 0)
				 FROM (SELECT kind FROM llm_feedback ORDER BY id DESC LIMIT ?) recent`
		args = append(args, lastN)
	}

	var stats store.FeedbackStats
	err := r.s.queryRow(ctx, query, args...).Scan(&stats.Total, &stats.Correct, &stats.Wrong)
	if err != nil {
		return nil, store.NewQueryError("feedback_stats", "failed to aggregate llm feedback", err)
	}

	return &stats, nil
}
