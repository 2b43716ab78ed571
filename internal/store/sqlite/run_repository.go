package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/paperspark/spark/internal/store"
)

// RunRepository implements store.RunRepository. Interpretation runs are
// append-only; this type deliberately has no update or delete methods.
type RunRepository struct {
	s *session
}

func NewRunRepository(db *sql.DB, driver string) *RunRepository {
	return &RunRepository{s: newSession(db, driver)}
}

func NewRunRepositoryWithTx(tx *sql.Tx, driver string) *RunRepository {
	return &RunRepository{s: newSession(tx, driver)}
}

const runColumns = `id, document_id, firefly_id, external_id, run_timestamp, duration_ms,
	pipeline_version, algorithm_version, inputs_summary, rules_applied, llm_result,
	final_state, decision_source, auto_applied, firefly_write_action, firefly_target_id,
	linkage_marker_written, owner_id`

func (r *RunRepository) Create(ctx context.Context, run *store.InterpretationRun) (int64, error) {
	if run.RunTimestamp.IsZero() {
		run.RunTimestamp = time.Now().UTC()
	}

	query := `INSERT INTO interpretation_runs (document_id, firefly_id, external_id, run_timestamp,
			  duration_ms, pipeline_version, algorithm_version, inputs_summary, rules_applied,
			  llm_result, final_state, decision_source, auto_applied, firefly_write_action,
			  firefly_target_id, linkage_marker_written, owner_id)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.s.exec(ctx, query,
		run.DocumentID, intArg(run.FireflyID), strArg(run.ExternalID), timeString(run.RunTimestamp),
		run.DurationMS, run.PipelineVersion, run.AlgorithmVersion,
		string(run.InputsSummary), encodeStrings(run.RulesApplied),
		run.LLMResult, run.FinalState, string(run.DecisionSource), boolInt(run.AutoApplied),
		run.WriteAction, intArg(run.TargetFireflyID), string(run.LinkageMarkers), intArg(run.OwnerID))
	if err != nil {
		return 0, store.NewQueryError("create_run", "failed to record interpretation run", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		// lib/pq does not surface insert ids; 0 means unknown.
		return 0, nil
	}
	run.ID = id
	return id, nil
}

func (r *RunRepository) ListForDocument(ctx context.Context, documentID int64, limit int) ([]store.InterpretationRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.s.query(ctx,
		`SELECT `+runColumns+` FROM interpretation_runs
		 WHERE document_id = ? ORDER BY run_timestamp DESC, id DESC LIMIT ?`,
		documentID, limit)
	if err != nil {
		return nil, store.NewQueryError("list_runs", "failed to query interpretation runs", err)
	}
	defer rows.Close()

	var results []store.InterpretationRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, store.NewQueryError("list_runs", "failed to scan row", err)
		}
		results = append(results, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewQueryError("list_runs", "error iterating rows", err)
	}

	return results, nil
}

func (r *RunRepository) LatestForDocument(ctx context.Context, documentID int64) (*store.InterpretationRun, error) {
	row := r.s.queryRow(ctx,
		`SELECT `+runColumns+` FROM interpretation_runs
		 WHERE document_id = ? ORDER BY run_timestamp DESC, id DESC LIMIT 1`, documentID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.NewQueryError("latest_run", "failed to query interpretation run", err)
	}
	return run, nil
}

func scanRun(scan func(...interface{}) error) (*store.InterpretationRun, error) {
	var (
		run           store.InterpretationRun
		fireflyID     sql.NullInt64
		externalID    sql.NullString
		runTimestamp  string
		inputsSummary sql.NullString
		rules         string
		autoApplied   int
		source        string
		targetID      sql.NullInt64
		markers       sql.NullString
		ownerID       sql.NullInt64
	)

	err := scan(&run.ID, &run.DocumentID, &fireflyID, &externalID, &runTimestamp,
		&run.DurationMS, &run.PipelineVersion, &run.AlgorithmVersion, &inputsSummary,
		&rules, &run.LLMResult, &run.FinalState, &source, &autoApplied,
		&run.WriteAction, &targetID, &markers, &ownerID)
	if err != nil {
		return nil, err
	}

	run.FireflyID = intPtr(fireflyID)
	run.ExternalID = strPtr(externalID)
	if run.RunTimestamp, err = parseTime(runTimestamp); err != nil {
		return nil, err
	}
	if inputsSummary.Valid {
		run.InputsSummary = []byte(inputsSummary.String)
	}
	run.RulesApplied = decodeStrings(rules)
	run.DecisionSource = store.DecisionSource(source)
	run.AutoApplied = autoApplied != 0
	run.TargetFireflyID = intPtr(targetID)
	if markers.Valid {
		run.LinkageMarkers = []byte(markers.String)
	}
	run.OwnerID = intPtr(ownerID)

	return &run, nil
}
