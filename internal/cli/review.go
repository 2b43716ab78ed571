package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/review"
)

var (
	reviewLimit int
	reviewSets  []string
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the extraction review queue",
	Long: `Review lists and decides extractions that did not clear the
auto-accept thresholds. Accepted and edited records become matchable;
rejected records leave the pipeline. Every decision is final until the
extraction is reset.`,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extractions awaiting a decision, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		items, err := a.workflow().Pending(ctx, reviewLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Review queue is empty")
			return nil
		}
		fmt.Printf("%-6s %-6s %-8s %-6s %-12s %12s %-4s %s\n",
			"ID", "DOC", "STATE", "CONF", "DATE", "AMOUNT", "CUR", "DESCRIPTION")
		for _, it := range items {
			printReviewRow(it)
		}
		return nil
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <extraction-id>",
	Short: "Show one extraction with its record and review flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return blocked(err)
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		item, err := a.workflow().Load(ctx, id)
		if err != nil {
			return err
		}
		buf, err := json.MarshalIndent(item.Record, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("Extraction %d (document %d), state %s, confidence %.2f\n",
			item.Extraction.ID, item.Extraction.DocumentID,
			item.Extraction.ReviewState, item.Extraction.OverallConfidence)
		fmt.Println(string(buf))
		for _, f := range item.Flags {
			fmt.Printf("  flag %s [%s]: %s\n", f.Code, f.Field, f.Detail)
		}
		return nil
	},
}

var reviewAcceptCmd = &cobra.Command{
	Use:   "accept <extraction-id>",
	Short: "Accept the record as extracted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], canonical.DecisionAccepted)
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <extraction-id>",
	Short: "Reject the record; the document leaves the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], canonical.DecisionRejected)
	},
}

var reviewSkipCmd = &cobra.Command{
	Use:   "skip <extraction-id>",
	Short: "Set the extraction aside; reset brings it back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], canonical.DecisionSkipped)
	},
}

var reviewEditCmd = &cobra.Command{
	Use:   "edit <extraction-id> --set field=value [--set field=value...]",
	Short: "Correct fields and accept the edited record",
	Long: `Edit applies field corrections to the extracted record and stores
it as the EDITED decision. Editable fields: amount, date, description,
vendor, source_account, category, currency, invoice_number. Edited
fields are treated as ground truth.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return blocked(err)
		}
		if len(reviewSets) == 0 {
			return blocked(fmt.Errorf("edit requires at least one --set field=value"))
		}

		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		wf := a.workflow()
		item, err := wf.Load(ctx, id)
		if err != nil {
			return err
		}
		for _, set := range reviewSets {
			field, value, ok := strings.Cut(set, "=")
			if !ok {
				return blocked(fmt.Errorf("bad --set %q, want field=value", set))
			}
			if err := review.ApplyEdit(item.Record, strings.TrimSpace(field), value); err != nil {
				return err
			}
		}
		if err := wf.Decide(ctx, id, canonical.DecisionEdited, item.Record); err != nil {
			return err
		}
		fmt.Printf("Extraction %d edited and accepted\n", id)
		return nil
	},
}

var reviewResetCmd = &cobra.Command{
	Use:   "reset <extraction-id>",
	Short: "Clear a decision and put the extraction back in the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return blocked(err)
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if err := a.workflow().Reset(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Extraction %d reset for review\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd, reviewShowCmd, reviewAcceptCmd,
		reviewRejectCmd, reviewSkipCmd, reviewEditCmd, reviewResetCmd)

	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 0, "maximum rows to list (0 uses the store default)")
	reviewEditCmd.Flags().StringArrayVar(&reviewSets, "set", nil, "field=value correction, repeatable")
}

func decide(cmd *cobra.Command, arg string, decision canonical.ReviewDecision) error {
	id, err := parseID(arg)
	if err != nil {
		return blocked(err)
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := a.workflow().Decide(ctx, id, decision, nil); err != nil {
		return err
	}
	fmt.Printf("Extraction %d: %s\n", id, decision)
	return nil
}

func printReviewRow(it review.Item) {
	date, amount, currency, desc := "-", "-", "-", "-"
	if it.Record != nil {
		p := it.Record.Proposal
		date, amount, currency = p.Date, p.Amount.StringFixed(2), p.Currency
		desc = p.Description
		if len(desc) > 48 {
			desc = desc[:45] + "..."
		}
	}
	fmt.Printf("%-6d %-6d %-8s %-6.2f %-12s %12s %-4s %s\n",
		it.Extraction.ID, it.Extraction.DocumentID, it.Extraction.ReviewState,
		it.Extraction.OverallConfidence, date, amount, currency, desc)
}

func parseID(arg string) (int64, error) {
	ids, err := parseIDs([]string{arg})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}
