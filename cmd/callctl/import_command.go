package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"voice-jobs-go/internal/dataset"
)

func newImportCommand(cc *commandContext) *cobra.Command {
	var (
		sheet   string
		tenant  string
		workers int
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "import [workbook.xlsx]",
		Short: "Load calls from a spreadsheet export",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			path := a.Config.Dataset.Path
			if len(args) == 1 {
				path = args[0]
			}
			calls, rep, err := dataset.Load(path, dataset.Options{Sheet: sheet, TenantID: tenant})
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			out := cmd.OutOrStdout()

			sum := dataset.Summarize(calls)
			fmt.Fprintf(out, "%s: %d rows, %d usable calls, %d skipped\n", path, rep.Rows, rep.Calls, len(rep.Skipped))
			fmt.Fprintf(out, "transcripts %d, recordings %d (%ds), dropped %d\n",
				sum.WithTranscript, sum.WithRecording, sum.RecordingSeconds, sum.Dropped)
			if len(sum.ByTenant) > 0 {
				rows := make([][]string, 0, len(sum.ByTenant))
				for _, tc := range sum.ByTenant {
					rows = append(rows, []string{tc.TenantID, strconv.Itoa(tc.Calls)})
				}
				fmt.Fprintln(out, renderTable([]string{"Tenant", "Calls"}, rows, 2))
			}
			if len(rep.Skipped) > 0 {
				rows := make([][]string, 0, len(rep.Skipped))
				for _, s := range rep.Skipped {
					rows = append(rows, []string{strconv.Itoa(s.Row), s.Reason})
				}
				fmt.Fprintln(out, renderTable([]string{"Row", "Skipped Because"}, rows, 1))
			}
			if dryRun {
				fmt.Fprintln(out, "Dry run; nothing written")
				return nil
			}

			res, err := dataset.Import(commandCtx(cmd), a.Store, calls, workers, a.Log)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Imported %d calls\n", len(res.Created))
			if len(res.Failed) > 0 {
				rows := make([][]string, 0, len(res.Failed))
				for _, f := range res.Failed {
					rows = append(rows, []string{orDash(f.CallID), f.Error})
				}
				fmt.Fprintln(out, renderTable([]string{"Call", "Error"}, rows))
				return fmt.Errorf("%d calls failed to import", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "Sheet name (defaults to the first sheet)")
	cmd.Flags().StringVar(&tenant, "tenant", "default", "Tenant for rows without a tenant column")
	cmd.Flags().IntVar(&workers, "workers", 4, "Concurrent inserts")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report what would be imported")
	return cmd
}
