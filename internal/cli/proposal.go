package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paperspark/spark/internal/reconcile"
)

var proposalLimit int

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Work the match proposal queue",
	Long: `Proposal lists and decides pending matches between documents and
ledger transactions that scored below the auto-link threshold. Accepting
a proposal links the document to the transaction in the ledger; sibling
proposals for the same pair are superseded. Rejected pairs are never
proposed again by batch runs.`,
}

var proposalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending proposals, best score first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		rows, err := a.repos.Proposals().ListPending(ctx, proposalLimit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No pending proposals")
			return nil
		}
		fmt.Printf("%-6s %-6s %-10s %-6s %s\n", "ID", "DOC", "FIREFLY", "SCORE", "REASONS")
		for _, p := range rows {
			fmt.Printf("%-6d %-6d %-10d %-6.2f %s\n",
				p.ID, p.DocumentID, p.FireflyID, p.Score, strings.Join(p.Reasons, ", "))
		}
		return nil
	},
}

var proposalAcceptCmd = &cobra.Command{
	Use:   "accept <proposal-id>",
	Short: "Link the proposed document and transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return blocked(err)
		}
		ctx := cmd.Context()
		a, rec, err := openReconciler(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if err := rec.AcceptProposal(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Proposal %d accepted\n", id)
		return nil
	},
}

var proposalRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject the proposal; the pair is not proposed again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return blocked(err)
		}
		ctx := cmd.Context()
		a, rec, err := openReconciler(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if err := rec.RejectProposal(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Proposal %d rejected\n", id)
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:   "link <document-id> <firefly-id>",
	Short: "Link a document to a ledger transaction by hand",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return blocked(err)
		}
		ctx := cmd.Context()
		a, rec, err := openReconciler(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if err := rec.ManualLink(ctx, ids[0], ids[1]); err != nil {
			return err
		}
		fmt.Printf("Document %d linked to transaction %d\n", ids[0], ids[1])
		return nil
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun <document-id>",
	Short: "Regenerate match proposals for one document",
	Long: `Rerun discards the document's pending proposals and matches its
latest extraction against the transaction cache again, including pairs a
previous run rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return blocked(err)
		}
		ctx := cmd.Context()
		a, rec, err := openReconciler(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		rows, err := rec.RerunInterpretation(ctx, id)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Printf("Document %d: no candidates\n", id)
			return nil
		}
		fmt.Printf("Document %d: %d proposals\n", id, len(rows))
		for _, p := range rows {
			fmt.Printf("  firefly %d score %.2f (%s)\n", p.FireflyID, p.Score, strings.Join(p.Reasons, ", "))
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <document-id>",
	Short: "Create a ledger transaction from the document's record",
	Long: `Import builds a transaction from the document's latest accepted
extraction and posts it to the ledger. Duplicates reported by the ledger
resolve to the existing transaction instead of failing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return blocked(err)
		}
		ctx := cmd.Context()
		a, rec, err := openReconciler(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		res, err := rec.CreateManualTransaction(ctx, id)
		if err != nil {
			return err
		}
		if res == nil {
			fmt.Printf("Document %d: skipped, the ledger reported a duplicate\n", id)
			return nil
		}
		fmt.Printf("Document %d: %s, transaction %d\n", id, res.Outcome, res.FireflyID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(proposalCmd, linkCmd, rerunCmd, importCmd)
	proposalCmd.AddCommand(proposalListCmd, proposalAcceptCmd, proposalRejectCmd)

	proposalListCmd.Flags().IntVar(&proposalLimit, "limit", 0, "maximum rows to list (0 uses the store default)")
}

// openReconciler opens the app plus a reconciler for the manual
// operations. pingLedger is set for operations that write to the
// ledger, so an unreachable ledger blocks instead of half-completing.
func openReconciler(cmd *cobra.Command, pingLedger bool) (*app, *reconcile.Reconciler, error) {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	lc, err := a.ledgerClient()
	if err != nil {
		a.Close(ctx)
		return nil, nil, err
	}
	if pingLedger {
		if err := lc.Ping(ctx); err != nil {
			a.Close(ctx)
			return nil, nil, blocked(fmt.Errorf("ledger unreachable: %w", err))
		}
	}
	return a, a.reconciler(lc), nil
}
