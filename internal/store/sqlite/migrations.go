package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// migration is one named schema step. The postgres variant is only set
// where the SQLite statement is not portable (surrogate-id columns).
type migration struct {
	name     string
	sqlite   []string
	postgres []string
}

func (m migration) statements(driver string) []string {
	if driver == "postgres" && m.postgres != nil {
		return m.postgres
	}
	return m.sqlite
}

// migrations run in order; each statement is idempotent so a re-run of
// an already-recorded migration is a no-op.
var migrations = []migration{
	{
		name: "001_documents",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				id INTEGER PRIMARY KEY,
				source_hash TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				document_type TEXT NOT NULL DEFAULT '',
				correspondent TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				owner_id INTEGER,
				first_seen TEXT NOT NULL,
				last_seen TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_source_hash ON documents(source_hash)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS documents (
				id BIGINT PRIMARY KEY,
				source_hash TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				document_type TEXT NOT NULL DEFAULT '',
				correspondent TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				owner_id BIGINT,
				first_seen TEXT NOT NULL,
				last_seen TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_source_hash ON documents(source_hash)`,
		},
	},
	{
		name: "002_extractions",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS extractions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				document_id INTEGER NOT NULL REFERENCES documents(id),
				external_id TEXT NOT NULL UNIQUE,
				extraction_json TEXT NOT NULL,
				overall_confidence REAL NOT NULL DEFAULT 0,
				review_state TEXT NOT NULL,
				llm_opt_out INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				reviewed_at TEXT,
				review_decision TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_extractions_document ON extractions(document_id)`,
			`CREATE INDEX IF NOT EXISTS idx_extractions_state ON extractions(review_state)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS extractions (
				id BIGSERIAL PRIMARY KEY,
				document_id BIGINT NOT NULL REFERENCES documents(id),
				external_id TEXT NOT NULL UNIQUE,
				extraction_json TEXT NOT NULL,
				overall_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
				review_state TEXT NOT NULL,
				llm_opt_out SMALLINT NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				reviewed_at TEXT,
				review_decision TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_extractions_document ON extractions(document_id)`,
			`CREATE INDEX IF NOT EXISTS idx_extractions_state ON extractions(review_state)`,
		},
	},
	{
		name: "003_imports",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS imports (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				external_id TEXT NOT NULL UNIQUE,
				document_id INTEGER NOT NULL,
				firefly_id INTEGER,
				status TEXT NOT NULL DEFAULT 'PENDING',
				error_message TEXT,
				payload TEXT,
				created_at TEXT NOT NULL,
				imported_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_imports_status ON imports(status)`,
			`CREATE INDEX IF NOT EXISTS idx_imports_document ON imports(document_id)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS imports (
				id BIGSERIAL PRIMARY KEY,
				external_id TEXT NOT NULL UNIQUE,
				document_id BIGINT NOT NULL,
				firefly_id BIGINT,
				status TEXT NOT NULL DEFAULT 'PENDING',
				error_message TEXT,
				payload TEXT,
				created_at TEXT NOT NULL,
				imported_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_imports_status ON imports(status)`,
			`CREATE INDEX IF NOT EXISTS idx_imports_document ON imports(document_id)`,
		},
	},
	{
		name: "004_ledger_tx_cache",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS ledger_tx_cache (
				firefly_id INTEGER PRIMARY KEY,
				type TEXT NOT NULL DEFAULT '',
				date TEXT NOT NULL DEFAULT '',
				amount TEXT NOT NULL DEFAULT '0',
				description TEXT NOT NULL DEFAULT '',
				source_name TEXT NOT NULL DEFAULT '',
				destination_name TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				external_id TEXT NOT NULL DEFAULT '',
				internal_reference TEXT NOT NULL DEFAULT '',
				synced_at TEXT NOT NULL,
				match_status TEXT NOT NULL DEFAULT 'UNMATCHED',
				matched_document_id INTEGER,
				match_confidence REAL,
				deleted_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_match_status ON ledger_tx_cache(match_status)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_date ON ledger_tx_cache(date)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_external_id ON ledger_tx_cache(external_id)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS ledger_tx_cache (
				firefly_id BIGINT PRIMARY KEY,
				type TEXT NOT NULL DEFAULT '',
				date TEXT NOT NULL DEFAULT '',
				amount TEXT NOT NULL DEFAULT '0',
				description TEXT NOT NULL DEFAULT '',
				source_name TEXT NOT NULL DEFAULT '',
				destination_name TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				external_id TEXT NOT NULL DEFAULT '',
				internal_reference TEXT NOT NULL DEFAULT '',
				synced_at TEXT NOT NULL,
				match_status TEXT NOT NULL DEFAULT 'UNMATCHED',
				matched_document_id BIGINT,
				match_confidence DOUBLE PRECISION,
				deleted_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_match_status ON ledger_tx_cache(match_status)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_date ON ledger_tx_cache(date)`,
			`CREATE INDEX IF NOT EXISTS idx_cache_external_id ON ledger_tx_cache(external_id)`,
		},
	},
	{
		name: "005_match_proposals",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS match_proposals (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				firefly_id INTEGER NOT NULL,
				document_id INTEGER NOT NULL,
				match_score REAL NOT NULL DEFAULT 0,
				match_reasons TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL DEFAULT 'PENDING',
				created_at TEXT NOT NULL,
				reviewed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_proposals_pair ON match_proposals(firefly_id, document_id)`,
			`CREATE INDEX IF NOT EXISTS idx_proposals_status ON match_proposals(status)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS match_proposals (
				id BIGSERIAL PRIMARY KEY,
				firefly_id BIGINT NOT NULL,
				document_id BIGINT NOT NULL,
				match_score DOUBLE PRECISION NOT NULL DEFAULT 0,
				match_reasons TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL DEFAULT 'PENDING',
				created_at TEXT NOT NULL,
				reviewed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_proposals_pair ON match_proposals(firefly_id, document_id)`,
			`CREATE INDEX IF NOT EXISTS idx_proposals_status ON match_proposals(status)`,
		},
	},
	{
		name: "006_interpretation_runs",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS interpretation_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				document_id INTEGER NOT NULL,
				firefly_id INTEGER,
				external_id TEXT,
				run_timestamp TEXT NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				pipeline_version TEXT NOT NULL DEFAULT '',
				algorithm_version TEXT NOT NULL DEFAULT '',
				inputs_summary TEXT,
				rules_applied TEXT NOT NULL DEFAULT '[]',
				llm_result TEXT NOT NULL DEFAULT '',
				final_state TEXT NOT NULL,
				decision_source TEXT NOT NULL,
				auto_applied INTEGER NOT NULL DEFAULT 0,
				firefly_write_action TEXT NOT NULL DEFAULT '',
				firefly_target_id INTEGER,
				linkage_marker_written TEXT,
				owner_id INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_document ON interpretation_runs(document_id, run_timestamp)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS interpretation_runs (
				id BIGSERIAL PRIMARY KEY,
				document_id BIGINT NOT NULL,
				firefly_id BIGINT,
				external_id TEXT,
				run_timestamp TEXT NOT NULL,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				pipeline_version TEXT NOT NULL DEFAULT '',
				algorithm_version TEXT NOT NULL DEFAULT '',
				inputs_summary TEXT,
				rules_applied TEXT NOT NULL DEFAULT '[]',
				llm_result TEXT NOT NULL DEFAULT '',
				final_state TEXT NOT NULL,
				decision_source TEXT NOT NULL,
				auto_applied SMALLINT NOT NULL DEFAULT 0,
				firefly_write_action TEXT NOT NULL DEFAULT '',
				firefly_target_id BIGINT,
				linkage_marker_written TEXT,
				owner_id BIGINT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_document ON interpretation_runs(document_id, run_timestamp)`,
		},
	},
	{
		name: "007_llm_cache",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS llm_cache (
				key TEXT PRIMARY KEY,
				model TEXT NOT NULL DEFAULT '',
				prompt_version TEXT NOT NULL DEFAULT '',
				taxonomy_version TEXT NOT NULL DEFAULT '',
				response TEXT NOT NULL DEFAULT '',
				hit_count INTEGER NOT NULL DEFAULT 0,
				expires_at TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_llm_cache_expires ON llm_cache(expires_at)`,
		},
	},
	{
		name: "008_llm_feedback",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS llm_feedback (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id INTEGER NOT NULL,
				suggested_category TEXT NOT NULL DEFAULT '',
				actual_category TEXT NOT NULL DEFAULT '',
				kind TEXT NOT NULL,
				notes TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_llm_feedback_run ON llm_feedback(run_id)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS llm_feedback (
				id BIGSERIAL PRIMARY KEY,
				run_id BIGINT NOT NULL,
				suggested_category TEXT NOT NULL DEFAULT '',
				actual_category TEXT NOT NULL DEFAULT '',
				kind TEXT NOT NULL,
				notes TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_llm_feedback_run ON llm_feedback(run_id)`,
		},
	},
	{
		name: "009_ai_jobs",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS ai_jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				document_id INTEGER NOT NULL,
				extraction_id INTEGER,
				external_id TEXT,
				priority INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'PENDING',
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				scheduled_for TEXT,
				created_by TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				error_message TEXT,
				suggestions_json TEXT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_ai_jobs_active ON ai_jobs(document_id)
				WHERE status IN ('PENDING', 'PROCESSING')`,
			`CREATE INDEX IF NOT EXISTS idx_ai_jobs_ready ON ai_jobs(status, priority, created_at)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS ai_jobs (
				id BIGSERIAL PRIMARY KEY,
				document_id BIGINT NOT NULL,
				extraction_id BIGINT,
				external_id TEXT,
				priority INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'PENDING',
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				scheduled_for TEXT,
				created_by TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				error_message TEXT,
				suggestions_json TEXT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uq_ai_jobs_active ON ai_jobs(document_id)
				WHERE status IN ('PENDING', 'PROCESSING')`,
			`CREATE INDEX IF NOT EXISTS idx_ai_jobs_ready ON ai_jobs(status, priority, created_at)`,
		},
	},
	{
		name: "010_vendor_mappings",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS vendor_mappings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				pattern TEXT NOT NULL UNIQUE,
				account TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				use_count INTEGER NOT NULL DEFAULT 1,
				updated_at TEXT NOT NULL
			)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS vendor_mappings (
				id BIGSERIAL PRIMARY KEY,
				pattern TEXT NOT NULL UNIQUE,
				account TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				use_count INTEGER NOT NULL DEFAULT 1,
				updated_at TEXT NOT NULL
			)`,
		},
	},
}

// runMigrations applies pending migrations in order, recording each
// applied name in schema_migrations.
func runMigrations(ctx context.Context, db *sql.DB, driver string) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return store.NewSchemaError("migrate", "failed to create schema_migrations table", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations`)
	if err != nil {
		return store.NewSchemaError("migrate", "failed to read applied migrations", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return store.NewSchemaError("migrate", "failed to scan migration name", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return store.NewSchemaError("migrate", "error iterating migrations", err)
	}
	rows.Close()

	s := newSession(db, driver)
	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		for _, stmt := range m.statements(driver) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return store.NewSchemaError("migrate", "migration "+m.name+" failed", err)
			}
		}
		if _, err := s.exec(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name, timeString(time.Now())); err != nil {
			return store.NewSchemaError("migrate", "failed to record migration "+m.name, err)
		}
	}

	return nil
}
