package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperspark/spark/internal/llm"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the suggestion job worker",
	Long: `Worker drains the AI job queue: it claims scheduled jobs, asks the
local model for category suggestions on the extracted records and stores
the results for review. It also serves Prometheus metrics and a health
endpoint while running. Stop with SIGINT or SIGTERM.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	svc := a.llmService()
	if !svc.Enabled() {
		return blocked(fmt.Errorf("%w; set llm.enabled in the configuration", llm.ErrDisabled))
	}
	loadTaxonomy(ctx, a, svc)

	worker := llm.NewWorker(svc, a.repos, a.logger, a.collector, llm.WorkerConfig{
		PollInterval: a.cfg.Worker.PollInterval(),
		BatchSize:    a.cfg.Worker.BatchSize,
		RetryDelay:   a.cfg.Worker.RetryDelay(),
		CleanupAge:   a.cfg.Worker.CleanupAge(),
	})

	var srv *http.Server
	httpErr := make(chan error, 1)
	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.collector.Handler())
		mux.HandleFunc("/health", a.healthHandler)
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() { httpErr <- srv.ListenAndServe() }()
		a.logger.Info("serving metrics", "addr", addr)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- worker.Run(ctx) }()

	select {
	case err = <-runErr:
	case herr := <-httpErr:
		stop()
		err = <-runErr
		if herr != nil && !errors.Is(herr, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", herr)
			err = herr
		}
	}

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return err
}

// loadTaxonomy primes the suggestion service with the ledger's category
// names. The worker runs without a taxonomy when the ledger is not
// reachable; suggestions are then unconstrained.
func loadTaxonomy(ctx context.Context, a *app, svc *llm.Service) {
	lc, err := a.ledgerClient()
	if err != nil {
		a.logger.Warn("ledger not configured; suggestions run without a taxonomy")
		return
	}
	cats, err := lc.ListCategories(ctx)
	if err != nil {
		a.logger.Warn("cannot load category taxonomy", "error", err)
		return
	}
	names := make([]string, 0, len(cats))
	for _, c := range cats {
		names = append(names, c.Name)
	}
	svc.SetCategories(names)
	a.logger.Info("category taxonomy loaded", "count", len(names))
}

func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	stats, err := a.repos.System().Stats(ctx)
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "stats": stats})
}
