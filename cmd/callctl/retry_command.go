package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryDueCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-due",
		Short: "Resume every interrupted call whose retry is due, once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := cc.ensureApp(cmd)
			if err != nil {
				return err
			}
			n, err := a.Scheduler.RunOnce(commandCtx(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d calls resumed\n", n)
			return nil
		},
	}
}
