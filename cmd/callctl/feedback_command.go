package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"voice-jobs-go/internal/actionable"
	"voice-jobs-go/internal/aggregator"
	"voice-jobs-go/internal/store"
)

func newFeedbackSummaryCommand(cc *commandContext) *cobra.Command {
	var (
		tenant string
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "feedback-summary",
		Short: "Aggregate reviewer feedback and suggest the next fix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			f := store.FeedbackFilter{TenantID: tenant}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			recs, err := a.Store.ListFeedback(commandCtx(cmd), f)
			if err != nil {
				return err
			}
			sum := aggregator.Aggregate(recs)
			out := cmd.OutOrStdout()

			if sum.Total > 0 {
				fmt.Fprintf(out, "%d reviews, average rating %.2f, average confidence delta %+.4f\n",
					sum.Total, sum.AverageRating, sum.AverageDelta)
				fmt.Fprintf(out, "model improvements %d, manual overrides %d\n", sum.ModelImprovements, sum.ManualOverrides)
				rows := make([][]string, 0, len(sum.ByType))
				for _, ts := range sum.ByType {
					rows = append(rows, []string{
						label(string(ts.Type)),
						strconv.Itoa(ts.Count),
						strconv.Itoa(ts.Negative),
						fmt.Sprintf("%.0f%%", ts.NegativeRate()*100),
						fmt.Sprintf("%.2f", ts.AverageRating),
						fmt.Sprintf("%+.4f", ts.AverageDelta),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Field", "Reviews", "Negative", "Rate", "Avg Rating", "Avg Delta"}, rows, 2, 3, 4, 5, 6))
			}

			card := actionable.Generate(sum)
			fmt.Fprintf(out, "Insight: %s\nAction:  %s\nImpact:  %s\n", card.Insight, card.Action, card.Impact)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Only feedback on this tenant's calls")
	cmd.Flags().DurationVar(&since, "since", 0, "Only feedback newer than this, e.g. 168h")
	return cmd
}

func newImprovementsCommand(cc *commandContext) *cobra.Command {
	var (
		limit int
		mark  []string
	)
	cmd := &cobra.Command{
		Use:   "improvements",
		Short: "List queued model improvements, or mark them processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			ctx := commandCtx(cmd)
			out := cmd.OutOrStdout()
			if len(mark) > 0 {
				for _, id := range mark {
					ok, err := a.Feedback.MarkProcessed(ctx, id)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("model improvement %s is unknown or already processed", id)
					}
					fmt.Fprintf(out, "Marked %s processed\n", id)
				}
				return nil
			}

			items, err := a.Feedback.PendingImprovements(ctx, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(out, "No pending model improvements")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, it := range items {
				rows = append(rows, []string{
					it.ID,
					it.CallID,
					label(string(it.Type)),
					label(it.Rating.String()),
					orDash(it.OriginalValue),
					orDash(it.CorrectedValue),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"ID", "Call", "Field", "Rating", "Extracted", "Corrected"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().StringSliceVar(&mark, "mark", nil, "Improvement ids to mark processed")
	return cmd
}
