package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the state store and every configured dependency",
	Long: `Status opens the state store, probes the DMS, the ledger and the
LLM backend, and prints the queue counters. A configured but unreachable
dependency makes the command exit non-zero.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if path := a.cfg.ConfigPath(); path != "" {
		fmt.Printf("config:  %s\n", path)
	} else {
		fmt.Println("config:  built-in defaults")
	}

	failures := 0
	failures += probe(ctx, "store", true, func(ctx context.Context) error {
		return a.repos.System().Ping(ctx)
	})
	failures += probe(ctx, "dms", a.cfg.DMS.Configured(), func(ctx context.Context) error {
		dc, err := a.dmsClient()
		if err != nil {
			return err
		}
		return dc.Ping(ctx)
	})
	failures += probe(ctx, "ledger", a.cfg.Ledger.Configured(), func(ctx context.Context) error {
		lc, err := a.ledgerClient()
		if err != nil {
			return err
		}
		return lc.Ping(ctx)
	})
	failures += probe(ctx, "llm", a.cfg.LLM.Enabled, func(ctx context.Context) error {
		return a.llmService().Ping(ctx)
	})

	stats, err := a.repos.System().Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\ndocuments %d, extractions %d (%d pending review)\n",
		stats.Documents, stats.Extractions, stats.PendingReview)
	fmt.Printf("cached transactions %d (%d unmatched), open proposals %d\n",
		stats.CachedTxns, stats.Unmatched, stats.OpenProposals)
	fmt.Printf("imports %d (%d pending), queued jobs %d\n",
		stats.Imports, stats.ImportsPending, stats.QueuedJobs)

	if failures > 0 {
		return blocked(fmt.Errorf("%d dependencies unreachable", failures))
	}
	return nil
}

// probe runs one connectivity check and prints its line. Dependencies
// that are not configured count as informational, not as failures.
func probe(ctx context.Context, name string, configured bool, check func(context.Context) error) int {
	if !configured {
		fmt.Printf("%-7s not configured\n", name+":")
		return 0
	}
	if err := check(ctx); err != nil {
		fmt.Printf("%-7s FAILED: %v\n", name+":", err)
		return 1
	}
	fmt.Printf("%-7s ok\n", name+":")
	return 0
}
