package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/paperspark/spark/internal/canonical"
	"github.com/paperspark/spark/internal/dms"
	"github.com/paperspark/spark/internal/extract"
	"github.com/paperspark/spark/internal/llm"
	"github.com/paperspark/spark/internal/store"
)

var (
	ingestForce bool
	ingestTag   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [document-id...]",
	Short: "Pull documents from the DMS and extract transaction records",
	Long: `Ingest downloads original documents from the DMS, extracts a
canonical transaction record from each (embedded invoice XML, native
text, OCR layer or filename fallback), scores the result and stores it
for automatic matching or human review.

Without arguments every document matching the configured filter tag is
swept; documents whose content is unchanged since the last extraction
are skipped unless --force is given.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-extract documents whose content is unchanged")
	ingestCmd.Flags().StringVar(&ingestTag, "tag", "", "override the configured filter tag (empty sweeps all documents)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return blocked(err)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	dc, err := a.dmsClient()
	if err != nil {
		return err
	}
	if err := dc.Ping(ctx); err != nil {
		return blocked(fmt.Errorf("dms unreachable: %w", err))
	}

	pipe := a.pipeline(dc)
	svc := a.llmService()

	if len(ids) > 0 {
		return ingestByID(ctx, a, pipe, svc, ids)
	}

	filter := dms.Filter{}
	tag := a.cfg.DMS.FilterTag
	if cmd.Flags().Changed("tag") {
		tag = ingestTag
	}
	if tag != "" {
		filter.Tags = []string{tag}
	}

	sum, err := pipe.IngestAll(ctx, filter, ingestForce)
	if err != nil {
		return err
	}
	queueSuggestions(ctx, a, svc)

	fmt.Printf("Listed %d documents: %d extracted, %d skipped, %d failed\n",
		sum.Listed, sum.Extracted, sum.Skipped, sum.Failed)
	for _, e := range sum.Errors {
		fmt.Printf("  error: %v\n", e)
	}
	if sum.Failed > 0 {
		return partial(fmt.Errorf("%d of %d documents failed", sum.Failed, sum.Listed))
	}
	return nil
}

func ingestByID(ctx context.Context, a *app, pipe *extract.Pipeline, svc *llm.Service, ids []int64) error {
	failed := 0
	for _, id := range ids {
		out, err := pipe.IngestDocument(ctx, id, ingestForce)
		if err != nil {
			failed++
			fmt.Printf("document %d: failed: %v\n", id, err)
			continue
		}
		printOutcome(out)
		if out.Skipped || out.ReviewState == canonical.ReviewAuto {
			continue
		}
		scheduleSuggestion(ctx, a, svc, id)
	}
	if failed > 0 {
		return partial(fmt.Errorf("%d of %d documents failed", failed, len(ids)))
	}
	return nil
}

func printOutcome(out *extract.Outcome) {
	if out.Skipped {
		fmt.Printf("document %d: skipped (%s)\n", out.DocumentID, out.SkipReason)
		return
	}
	fmt.Printf("document %d: %s via %s, confidence %.2f\n",
		out.DocumentID, out.ReviewState, out.Strategy, out.Confidence)
}

// scheduleSuggestion queues a category suggestion job for the latest
// extraction of one document. An already queued job is not an error.
func scheduleSuggestion(ctx context.Context, a *app, svc *llm.Service, documentID int64) {
	if !svc.Enabled() {
		return
	}
	ex, err := a.repos.Extractions().LatestForDocument(ctx, documentID)
	if err != nil || ex == nil {
		return
	}
	if _, err := svc.ScheduleJob(ctx, ex, 1, "ingest"); err != nil && !store.IsConstraintError(err) {
		a.logger.Warn("failed to schedule suggestion job", "document_id", documentID, "error", err)
	}
}

// queueSuggestions schedules suggestion jobs for everything awaiting
// review after a sweep.
func queueSuggestions(ctx context.Context, a *app, svc *llm.Service) {
	if !svc.Enabled() {
		return
	}
	pending, err := a.repos.Extractions().ListPendingReview(ctx, 200)
	if err != nil {
		a.logger.Warn("failed to list pending extractions", "error", err)
		return
	}
	queued := 0
	for i := range pending {
		if _, err := svc.ScheduleJob(ctx, &pending[i], 0, "ingest"); err != nil {
			if !store.IsConstraintError(err) {
				a.logger.Warn("failed to schedule suggestion job",
					"document_id", pending[i].DocumentID, "error", err)
			}
			continue
		}
		queued++
	}
	if queued > 0 {
		a.logger.Info("queued suggestion jobs", "count", queued)
	}
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid document id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
