package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperspark/spark/internal/reconcile"
)

var (
	reconcileFullSync bool
	reconcileDryRun   bool
	reconcileSkipSync bool
	reconcileJSON     bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Match extracted records against ledger transactions",
	Long: `Reconcile refreshes the local transaction cache from the ledger,
matches every matchable extraction against it, persists scored proposals
and links or imports what clears the auto-match threshold. Only one run
may be active at a time.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().BoolVar(&reconcileFullSync, "full-sync", false, "refresh the whole transaction cache instead of the recent window")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report what would happen without writing links or proposals")
	reconcileCmd.Flags().BoolVar(&reconcileSkipSync, "skip-sync", false, "match against the cache as it stands")
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "print the full run result as JSON")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	lc, err := a.ledgerClient()
	if err != nil {
		return err
	}
	if !reconcileSkipSync {
		if err := lc.Ping(ctx); err != nil {
			return blocked(fmt.Errorf("ledger unreachable: %w", err))
		}
	}

	rec := a.reconciler(lc)
	rr, err := rec.Run(ctx, reconcile.Options{
		FullSync: reconcileFullSync,
		DryRun:   reconcileDryRun,
		SkipSync: reconcileSkipSync,
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrRunInProgress) {
			return blocked(err)
		}
		return err
	}

	a.collector.ProposalsCreated(rr.Proposals)
	a.collector.AutoLinked(rr.AutoLinked)
	a.collector.ReconcileFinished(string(rr.State), rr.Duration.Seconds())

	if reconcileJSON {
		buf, err := json.MarshalIndent(rr, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(buf))
	} else {
		printRunResult(rr)
	}

	if len(rr.Errors) > 0 {
		return partial(fmt.Errorf("run %s finished with %d errors", rr.RunID, len(rr.Errors)))
	}
	return nil
}

func printRunResult(rr *reconcile.RunResult) {
	fmt.Printf("Run %s %s in %s\n", rr.RunID, rr.State, rr.Duration.Round(time.Millisecond))
	if rr.Sync != nil {
		fmt.Printf("  sync: %d fetched, %d upserted, %d soft-deleted\n",
			rr.Sync.Fetched, rr.Sync.Upserted, rr.Sync.SoftDeleted)
	}
	fmt.Printf("  documents: %d matched, %d skipped\n", rr.Documents, rr.Skipped)
	fmt.Printf("  proposals: %d created, %d auto-linked, %d ambiguous\n",
		rr.Proposals, rr.AutoLinked, rr.Ambiguous)
	for _, msg := range rr.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
}
