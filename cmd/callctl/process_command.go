package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"voice-jobs-go/internal/notify"
	"voice-jobs-go/internal/pipeline"
	"voice-jobs-go/internal/store"
	"voice-jobs-go/internal/types"
)

func newProcessCommand(cc *commandContext) *cobra.Command {
	var (
		pending bool
		tenant  string
		limit   int
		workers int
		events  bool
	)
	cmd := &cobra.Command{
		Use:   "process [call-id...]",
		Short: "Run calls through extraction, dedup and job creation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !pending {
				return errors.New("name at least one call id or pass --pending")
			}
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			ctx := commandCtx(cmd)
			ids := append([]string(nil), args...)
			if pending {
				calls, err := a.Store.ListCalls(ctx, store.CallFilter{TenantID: tenant, Status: types.StatusPending, Limit: limit})
				if err != nil {
					return err
				}
				for _, c := range calls {
					ids = append(ids, c.ID)
				}
			}
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintln(out, "Nothing to process")
				return nil
			}

			var feed <-chan notify.Event
			if events {
				feed = a.Bus.Subscribe()
			}
			items := a.Pipeline.ProcessBatch(ctx, ids, workers)

			rows := make([][]string, 0, len(items))
			failed := 0
			for _, it := range items {
				rows = append(rows, resultRow(it))
				if it.Error != "" {
					failed++
				}
			}
			fmt.Fprintln(out, renderTable([]string{"Call", "Status", "Confidence", "Customer", "Job", "Error"}, rows, 3))
			if feed != nil {
				printEvents(out, drain(feed))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d calls could not be processed", failed, len(items))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "Process every PENDING call")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Restrict --pending to one tenant")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum calls picked by --pending")
	cmd.Flags().IntVar(&workers, "workers", 4, "Calls processed concurrently")
	cmd.Flags().BoolVar(&events, "events", false, "Print the events emitted while processing")
	return cmd
}

func resultRow(it pipeline.BatchItem) []string {
	if it.Result == nil {
		return []string{it.CallID, "-", "-", "-", "-", orDash(it.Error)}
	}
	r := it.Result
	conf, customer, job := "-", "-", "-"
	if r.Extraction != nil {
		conf = fmt.Sprintf("%.2f", r.Extraction.ConfidenceScore)
	}
	if r.Customer != nil && r.Customer.Customer != nil {
		customer = r.Customer.Customer.ID
		if r.Customer.Created {
			customer += " (new)"
		}
	}
	if r.Job != nil {
		job = r.Job.ID
	}
	errText := it.Error
	if errText == "" {
		errText = r.Error
	}
	if r.Reused {
		errText = "already processed"
	}
	return []string{it.CallID, label(string(r.Status)), conf, customer, job, orDash(errText)}
}
