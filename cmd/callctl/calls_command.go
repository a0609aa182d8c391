package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"voice-jobs-go/internal/store"
	"voice-jobs-go/internal/types"
)

func newCallsCommand(cc *commandContext) *cobra.Command {
	var (
		tenant string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List calls, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			calls, err := a.Store.ListCalls(commandCtx(cmd), store.CallFilter{
				TenantID: tenant,
				Status:   types.CallStatus(strings.ToUpper(status)),
				Limit:    limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(calls) == 0 {
				fmt.Fprintln(out, "No calls")
				return nil
			}
			rows := make([][]string, 0, len(calls))
			for _, c := range calls {
				rows = append(rows, []string{
					c.ID,
					c.TenantID,
					label(string(c.Status)),
					orDash(c.CallerPhone),
					strconv.Itoa(len([]rune(c.Transcript))),
					yesNo(c.Dropped),
					clock(&c.CreatedAt),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Call", "Tenant", "Status", "Phone", "Chars", "Dropped", "Created"}, rows, 5))
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "Only this tenant")
	cmd.Flags().StringVar(&status, "status", "", "Only this status, e.g. requires_review")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newErrorsCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "errors <call-id>",
		Short: "Show the processing error history of a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			recs, err := a.Store.ListProcessingErrors(commandCtx(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintf(out, "No processing errors for %s\n", args[0])
				return nil
			}
			rows := make([][]string, 0, len(recs))
			for _, r := range recs {
				state := "open"
				switch {
				case r.ResolvedAt != nil:
					state = "resolved " + clock(r.ResolvedAt)
				case r.Terminal:
					state = "terminal"
				case r.NextRetryAt != nil:
					state = "retry at " + clock(r.NextRetryAt)
				}
				rows = append(rows, []string{
					label(string(r.Kind)),
					label(string(r.Severity)),
					orDash(r.Stage),
					fmt.Sprintf("%d/%d", r.RetryCount, r.MaxRetries),
					state,
					orDash(r.Message),
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Kind", "Severity", "Stage", "Retries", "State", "Message"}, rows, 4))
			return nil
		},
	}
}

func newCancelCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <call-id>",
		Short: "Cancel the scheduled retries of an interrupted call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			if err := a.Pipeline.Cancel(commandCtx(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
			return nil
		},
	}
}
