// Package metrics gathers the pipeline's Prometheus instruments behind a
// single registry. A nil *Collector is a no-op, so components accept one
// without caring whether metrics are wired.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the pipeline's metric instruments and their registry.
// Components that count through the store.Metrics port (the extraction
// pipeline, the state store) reach the same registry via Sink, so their
// families appear on the handler alongside the typed ones here.
type Collector struct {
	registry *prometheus.Registry

	importsByStatus   *prometheus.CounterVec
	proposalsCreated  prometheus.Counter
	autoLinks         prometheus.Counter
	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	llmCacheHits      prometheus.Counter
	llmCacheMisses    prometheus.Counter
	llmActive         prometheus.Gauge
	jobsFinished      *prometheus.CounterVec
	jobRetries        prometheus.Counter
}

// NewCollector builds the instrument set on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		importsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spark_imports_total",
			Help: "Ledger import attempts, by resulting status",
		}, []string{"status"}),
		proposalsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spark_match_proposals_total",
			Help: "Match proposals created",
		}),
		autoLinks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spark_auto_links_total",
			Help: "Proposals promoted to links without review",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spark_reconcile_runs_total",
			Help: "Reconciliation runs, by final phase",
		}, []string{"state"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spark_reconcile_duration_seconds",
			Help:    "Wall time of one reconciliation run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		llmCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spark_llm_cache_hits_total",
			Help: "LLM requests answered from the response cache",
		}),
		llmCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spark_llm_cache_misses_total",
			Help: "LLM requests that went to the model",
		}),
		llmActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spark_llm_active_requests",
			Help: "In-flight LLM calls holding the semaphore",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spark_ai_jobs_finished_total",
			Help: "AI jobs leaving the queue, by outcome",
		}, []string{"outcome"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spark_ai_job_retries_total",
			Help: "AI jobs requeued after a failure",
		}),
	}

	c.registry.MustRegister(
		c.importsByStatus, c.proposalsCreated, c.autoLinks,
		c.reconcileRuns, c.reconcileDuration,
		c.llmCacheHits, c.llmCacheMisses, c.llmActive,
		c.jobsFinished, c.jobRetries,
	)
	return c
}

func (c *Collector) ImportRecorded(status string) {
	if c == nil {
		return
	}
	c.importsByStatus.WithLabelValues(status).Inc()
}

func (c *Collector) ProposalsCreated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.proposalsCreated.Add(float64(n))
}

func (c *Collector) AutoLinked(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.autoLinks.Add(float64(n))
}

func (c *Collector) ReconcileFinished(state string, seconds float64) {
	if c == nil {
		return
	}
	c.reconcileRuns.WithLabelValues(state).Inc()
	c.reconcileDuration.Observe(seconds)
}

func (c *Collector) LLMCacheHit() {
	if c == nil {
		return
	}
	c.llmCacheHits.Inc()
}

func (c *Collector) LLMCacheMiss() {
	if c == nil {
		return
	}
	c.llmCacheMisses.Inc()
}

func (c *Collector) SetLLMActive(n int64) {
	if c == nil {
		return
	}
	c.llmActive.Set(float64(n))
}

func (c *Collector) JobFinished(outcome string) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(outcome).Inc()
}

func (c *Collector) JobRetried() {
	if c == nil {
		return
	}
	c.jobRetries.Inc()
}

// Handler serves the registry in exposition format. A nil collector
// serves an empty page so the endpoint stays wirable either way.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
