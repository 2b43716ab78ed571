package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	return rr.Body.String()
}

func TestCollectorCountsThroughHandler(t *testing.T) {
	c := NewCollector()

	c.ImportRecorded("IMPORTED")
	c.ProposalsCreated(3)
	c.AutoLinked(1)
	c.ReconcileFinished("COMPLETED", 1.5)
	c.LLMCacheHit()
	c.LLMCacheMiss()
	c.SetLLMActive(2)
	c.JobFinished("completed")
	c.JobRetried()

	// The extraction pipeline counts through the store.Metrics port;
	// its families land on the same handler.
	c.Sink().IncrementCounter("documents_ingested", map[string]string{"strategy": "text"})
	c.Sink().IncrementCounter("documents_ingested", map[string]string{"strategy": "text"})
	c.Sink().IncrementCounter("documents_skipped_unchanged", nil)

	body := scrape(t, c)
	assert.Contains(t, body, `spark_documents_ingested_total{strategy="text"} 2`)
	assert.Contains(t, body, "spark_documents_skipped_unchanged_total 1")
	assert.Contains(t, body, `spark_imports_total{status="IMPORTED"} 1`)
	assert.Contains(t, body, "spark_match_proposals_total 3")
	assert.Contains(t, body, "spark_auto_links_total 1")
	assert.Contains(t, body, `spark_reconcile_runs_total{state="COMPLETED"} 1`)
	assert.Contains(t, body, "spark_llm_active_requests 2")
	assert.Contains(t, body, `spark_ai_jobs_finished_total{outcome="completed"} 1`)
	assert.Contains(t, body, "spark_ai_job_retries_total 1")
}

func TestNilCollectorIsInert(t *testing.T) {
	var c *Collector

	c.ProposalsCreated(1)
	c.ImportRecorded("FAILED")
	c.ReconcileFinished("FAILED", 0.1)
	c.SetLLMActive(1)

	body := scrape(t, c)
	assert.NotContains(t, body, "spark_")

	var s *Sink
	require.Nil(t, c.Sink())
	s.IncrementCounter("db.connection.opened", nil)
	s.RecordDuration("db.operation.duration", time.Second, nil)
	s.SetGauge("db.documents", 1, nil)
}

func TestSinkCreatesInstrumentsOnFirstUse(t *testing.T) {
	c := NewCollector()
	s := c.Sink()

	tags := map[string]string{"driver": "sqlite"}
	s.IncrementCounter("db.operation.retryable_error", tags)
	s.IncrementCounter("db.operation.retryable_error", tags)
	s.RecordDuration("db.operation.duration", 250*time.Millisecond,
		map[string]string{"driver": "sqlite", "attempt": "1"})
	s.SetGauge("db.documents", 42, tags)

	body := scrape(t, c)
	assert.Contains(t, body, `spark_db_operation_retryable_error_total{driver="sqlite"} 2`)
	assert.Contains(t, body, `spark_db_operation_duration_seconds_count{attempt="1",driver="sqlite"} 1`)
	assert.Contains(t, body, `spark_db_documents{driver="sqlite"} 42`)
}

func TestSinkDropsNameCollisions(t *testing.T) {
	c := NewCollector()
	s := c.Sink()

	// spark_imports_total is owned by the typed instrument with a
	// different label schema, so the sink drops these samples rather
	// than failing inside an instrumented path.
	s.IncrementCounter("imports", map[string]string{"driver": "sqlite"})
	s.IncrementCounter("imports", map[string]string{"driver": "sqlite"})
	c.ImportRecorded("IMPORTED")

	body := scrape(t, c)
	assert.NotContains(t, body, `spark_imports_total{driver=`)
	assert.Contains(t, body, `spark_imports_total{status="IMPORTED"} 1`)
}

func TestSinkProjectsMissingTags(t *testing.T) {
	c := NewCollector()
	s := c.Sink()

	// The first call fixes the key set; a later call without tags lands
	// on the empty label value instead of being lost.
	s.IncrementCounter("db.health_check.failed", map[string]string{"driver": "sqlite"})
	s.IncrementCounter("db.health_check.failed", nil)

	body := scrape(t, c)
	assert.Contains(t, body, `spark_db_health_check_failed_total{driver="sqlite"} 1`)
	assert.Contains(t, body, `spark_db_health_check_failed_total{driver=""} 1`)
}
