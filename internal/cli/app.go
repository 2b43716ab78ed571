package cli

import (
	"context"
	"fmt"

	"github.com/paperspark/spark/internal/blobcache"
	"github.com/paperspark/spark/internal/config"
	"github.com/paperspark/spark/internal/dms"
	"github.com/paperspark/spark/internal/extract"
	"github.com/paperspark/spark/internal/ledger"
	"github.com/paperspark/spark/internal/llm"
	"github.com/paperspark/spark/internal/logging"
	"github.com/paperspark/spark/internal/match"
	"github.com/paperspark/spark/internal/metrics"
	"github.com/paperspark/spark/internal/payload"
	"github.com/paperspark/spark/internal/reconcile"
	"github.com/paperspark/spark/internal/review"
	"github.com/paperspark/spark/internal/store"
	"github.com/paperspark/spark/internal/store/sqlite"
)

// app is the composition root shared by every command: configuration,
// logging, metrics, the state store and the optional blob cache.
type app struct {
	cfg       *config.Config
	logger    *logging.ZapLogger
	collector *metrics.Collector
	manager   *store.Manager
	repos     store.RepositoryManager
	blobs     *blobcache.Store
}

// openApp loads the configuration and opens the state store. Failures
// here block the command before it has touched anything.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, blocked(err)
	}

	logger, err := logging.New(logging.Options{Debug: debug || verbose, Quiet: quiet})
	if err != nil {
		return nil, blocked(err)
	}

	collector := metrics.NewCollector()

	sc := cfg.StoreConfig()
	repoMgr, err := sqlite.NewRepositoryManager(sc)
	if err != nil {
		return nil, blocked(err)
	}
	manager := store.NewManager(repoMgr, sc,
		store.WithLogger(logger),
		store.WithMetrics(collector.Sink()),
	)
	if err := manager.Open(ctx); err != nil {
		return nil, blocked(err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		manager:   manager,
		repos:     manager.GetRepositoryManager(),
	}

	if cfg.BlobCache.Enabled() {
		blobs, err := blobcache.Open(blobcache.Config{
			Path:       cfg.BlobCache.Path,
			HotEntries: cfg.BlobCache.HotEntries,
		}, logger)
		if err != nil {
			a.Close(ctx)
			return nil, blocked(err)
		}
		a.blobs = blobs
	}

	return a, nil
}

func (a *app) Close(ctx context.Context) {
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("failed to close blob cache", "error", err)
		}
	}
	if err := a.manager.Close(ctx); err != nil {
		a.logger.Warn("failed to close state store", "error", err)
	}
	_ = a.logger.Sync()
}

func (a *app) dmsClient() (*dms.Client, error) {
	c, err := dms.NewClient(dms.Config{
		BaseURL:     a.cfg.DMS.BaseURL,
		Token:       a.cfg.DMS.Token,
		ReadTimeout: a.cfg.DMS.Timeout(),
		Logger:      a.logger,
	})
	if err != nil {
		return nil, blocked(fmt.Errorf("dms: %w", err))
	}
	return c, nil
}

func (a *app) ledgerClient() (*ledger.Client, error) {
	c, err := ledger.NewClient(ledger.Config{
		BaseURL:     a.cfg.Ledger.BaseURL,
		Token:       a.cfg.Ledger.Token,
		ReadTimeout: a.cfg.Ledger.Timeout(),
		Logger:      a.logger,
	})
	if err != nil {
		return nil, blocked(fmt.Errorf("ledger: %w", err))
	}
	return c, nil
}

func (a *app) thresholds() review.Thresholds {
	return review.Thresholds{
		Auto:       a.cfg.Confidence.AutoThreshold,
		Review:     a.cfg.Confidence.ReviewThreshold,
		AutoAmount: a.cfg.Confidence.MinAmountConfidence,
		AutoDate:   a.cfg.Confidence.MinDateConfidence,
		Vendor:     a.cfg.Confidence.MinVendorConfidence,
	}
}

func (a *app) scorer() *review.Scorer {
	return review.NewScorer(a.thresholds(), a.logger)
}

func (a *app) workflow() *review.Workflow {
	return review.NewWorkflow(a.repos, a.scorer(), a.logger)
}

// pipeline wires the extraction stages against the given document
// source.
func (a *app) pipeline(source extract.DocumentSource) *extract.Pipeline {
	ecfg := extract.Config{
		DefaultCurrency: a.cfg.Extraction.DefaultCurrency,
		SourceSystem:    a.cfg.Extraction.SourceSystem,
	}
	router := extract.NewRouter(extract.DefaultRegistry(ecfg), ecfg, a.logger)
	opts := []extract.PipelineOption{
		extract.WithPipelineLogger(a.logger),
		extract.WithPipelineMetrics(a.collector.Sink()),
		extract.WithVendorConfidenceFloor(a.cfg.Confidence.MinVendorConfidence),
	}
	if a.blobs != nil {
		opts = append(opts, extract.WithBlobCache(a.blobs))
	}
	return extract.NewPipeline(source, a.repos, router, a.scorer(), opts...)
}

// reconciler assembles the matching engine, synchroniser and importer
// around one ledger client.
func (a *app) reconciler(lc *ledger.Client) *reconcile.Reconciler {
	engine := match.NewEngine(match.Config{
		DateToleranceDays: a.cfg.Reconciliation.DateToleranceDays,
	}, a.logger)
	builder := payload.NewBuilder(payload.Config{
		DefaultSourceAccount: a.cfg.Ledger.DefaultSourceAccount,
	}, a.logger)
	importer := reconcile.NewImporter(lc, builder, a.repos, a.logger, true, reconcile.WithImportMetrics(a.collector))
	syncer := reconcile.NewSynchroniser(lc, a.repos, a.logger)
	return reconcile.NewReconciler(a.repos, engine, syncer, importer, lc, reconcile.Config{
		AutoMatchThreshold: a.cfg.Reconciliation.AutoMatchThreshold,
		BankFirst:          !a.cfg.Reconciliation.AutoCreate(),
	}, a.logger)
}

// llmService builds the suggestion service. With llm.enabled false the
// service is still constructed; its calls return ErrDisabled.
func (a *app) llmService() *llm.Service {
	return llm.NewService(llm.Config{
		Enabled:          a.cfg.LLM.Enabled,
		BaseURL:          a.cfg.LLM.OllamaURL,
		ModelFast:        a.cfg.LLM.ModelFast,
		ModelFallback:    a.cfg.LLM.ModelFallback,
		Timeout:          a.cfg.LLM.Timeout(),
		MaxConcurrent:    a.cfg.LLM.MaxConcurrent,
		MaxRetries:       a.cfg.LLM.MaxRetries,
		GreenThreshold:   a.cfg.LLM.GreenThreshold,
		CalibrationCount: a.cfg.LLM.CalibrationCount,
		AuthHeader:       a.cfg.LLM.AuthHeader,
		CacheTTL:         a.cfg.LLM.CacheTTL(),
	}, a.repos, a.logger, a.collector)
}
