package llm

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/metrics"
	"github.com/paperspark/spark/internal/store"
)

// optOutPayload is the terminal payload for refused jobs. Completing
// the job keeps the one-active-job-per-document invariant instead of
// leaving a permanently pending row.
var optOutPayload = []byte(`{"skipped": true, "reason": "AI opted out for this document"}`)

const maxRetryDelay = 15 * time.Minute

// WorkerConfig tunes the queue loop.
type WorkerConfig struct {
	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration

	// BatchSize bounds how many ready jobs one pass claims.
	BatchSize int

	// RetryDelay is the base backoff; the delay doubles per attempt up
	// to maxRetryDelay.
	RetryDelay time.Duration

	// CleanupAge is how long terminal jobs are kept.
	CleanupAge time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    4,
		RetryDelay:   30 * time.Second,
		CleanupAge:   14 * 24 * time.Hour,
	}
}

// Worker drains the AI job queue. Every job goes through the service,
// which enforces the opt-out gates; the worker's own responsibility is
// the PENDING→PROCESSING→terminal lifecycle.
type Worker struct {
	svc     *Service
	repos   store.RepositoryManager
	logger  logging.Logger
	metrics *metrics.Collector
	cfg     WorkerConfig
	now     func() time.Time
}

func NewWorker(svc *Service, repos store.RepositoryManager, logger logging.Logger, collector *metrics.Collector, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = logging.Nop()
	}
	def := DefaultWorkerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = def.CleanupAge
	}
	return &Worker{
		svc:     svc,
		repos:   repos,
		logger:  logger,
		metrics: collector,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run polls until the context ends. A disabled service refuses to run
// rather than silently draining the queue.
func (w *Worker) Run(ctx context.Context) error {
	if !w.svc.Enabled() {
		return ErrDisabled
	}
	if err := w.svc.SeedCalibration(ctx); err != nil {
		w.logger.Warn("calibration seed failed", "error", err)
	}
	w.CleanupOnce(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	lastCleanup := w.now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := w.ProcessOnce(ctx)
		if err != nil {
			w.logger.Error("job poll failed", "error", err)
		}
		if w.now().Sub(lastCleanup) > time.Hour {
			w.CleanupOnce(ctx)
			lastCleanup = w.now()
		}
		if n > 0 {
			// Drain the backlog before sleeping.
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch of ready jobs and works through it
// sequentially. The semaphore inside the service is what bounds model
// concurrency when several workers run.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	jobs, err := w.repos.Jobs().GetNext(ctx, w.cfg.BatchSize, w.now())
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		w.process(ctx, &jobs[i])
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job *store.Job) {
	if err := w.repos.Jobs().Start(ctx, job.ID); err != nil {
		// Another worker claimed it between GetNext and Start.
		w.logger.Debug("job no longer pending", "job_id", job.ID)
		return
	}

	ex, err := w.extraction(ctx, job)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}
	if ex == nil {
		w.logger.Warn("cancelling job without extraction",
			"job_id", job.ID, "document_id", job.DocumentID)
		if cerr := w.repos.Jobs().Cancel(ctx, job.ID); cerr != nil {
			w.logger.Error("cancel failed", "job_id", job.ID, "error", cerr)
			return
		}
		w.metrics.JobFinished("cancelled")
		return
	}

	suggestion, err := w.svc.SuggestReview(ctx, ex, false)
	if errors.Is(err, ErrOptedOut) {
		if cerr := w.repos.Jobs().Complete(ctx, job.ID, optOutPayload); cerr != nil {
			w.logger.Error("complete failed", "job_id", job.ID, "error", cerr)
			return
		}
		w.metrics.JobFinished("skipped")
		w.logger.Info("job skipped by opt-out", "job_id", job.ID, "document_id", job.DocumentID)
		return
	}
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	payload, err := json.Marshal(suggestion)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}
	if err := w.repos.Jobs().Complete(ctx, job.ID, payload); err != nil {
		w.logger.Error("complete failed", "job_id", job.ID, "error", err)
		return
	}
	w.metrics.JobFinished("completed")
	w.logger.Info("job completed",
		"job_id", job.ID, "document_id", job.DocumentID, "from_cache", suggestion.FromCache)
}

func (w *Worker) extraction(ctx context.Context, job *store.Job) (*store.Extraction, error) {
	if job.ExtractionID != nil {
		return w.repos.Extractions().Get(ctx, *job.ExtractionID)
	}
	return w.repos.Extractions().LatestForDocument(ctx, job.DocumentID)
}

// fail requeues the job with doubled backoff, or parks it as FAILED
// once retries run out. The repository makes that decision atomically;
// the mirrored condition here only drives logging and metrics.
func (w *Worker) fail(ctx context.Context, job *store.Job, cause error) {
	delay := w.cfg.RetryDelay << job.RetryCount
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	retryAt := w.now().Add(delay)

	if err := w.repos.Jobs().FailWithRetry(ctx, job.ID, cause.Error(), retryAt); err != nil {
		w.logger.Error("fail transition failed", "job_id", job.ID, "error", err)
		return
	}
	if job.RetryCount+1 < job.MaxRetries {
		w.metrics.JobRetried()
		w.logger.Warn("job requeued",
			"job_id", job.ID, "retry", job.RetryCount+1, "retry_at", retryAt, "error", cause)
	} else {
		w.metrics.JobFinished("failed")
		w.logger.Error("job failed permanently", "job_id", job.ID, "error", cause)
	}
}

// CleanupOnce sweeps terminal jobs past the retention age and expired
// cache entries.
func (w *Worker) CleanupOnce(ctx context.Context) {
	cutoff := w.now().Add(-w.cfg.CleanupAge)
	if n, err := w.repos.Jobs().Cleanup(ctx, cutoff); err != nil {
		w.logger.Warn("job cleanup failed", "error", err)
	} else if n > 0 {
		w.logger.Info("cleaned up old jobs", "deleted", n)
	}
	if n, err := w.repos.LLM().SweepExpired(ctx, w.now()); err != nil {
		w.logger.Warn("cache sweep failed", "error", err)
	} else if n > 0 {
		w.logger.Info("swept expired cache entries", "deleted", n)
	}
}
