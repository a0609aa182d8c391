package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() (*cobra.Command, *commandContext) {
	cc := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "callctl",
		Short:         "Operate the voice jobs pipeline from the shell",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cc.configDir, "config", "c", "", "Directory holding config.yaml")
	flags.StringVar(&cc.dbPath, "db", "", "SQLite database path (overrides database.path)")
	flags.BoolVar(&cc.mock, "mock", false, "Use the local heuristic extractor and canned transcripts")
	flags.BoolVarP(&cc.verbose, "verbose", "v", false, "Log at debug level to stderr")

	rootCmd.AddCommand(newImportCommand(cc))
	rootCmd.AddCommand(newProcessCommand(cc))
	rootCmd.AddCommand(newCallsCommand(cc))
	rootCmd.AddCommand(newErrorsCommand(cc))
	rootCmd.AddCommand(newCancelCommand(cc))
	rootCmd.AddCommand(newFeedbackSummaryCommand(cc))
	rootCmd.AddCommand(newImprovementsCommand(cc))
	rootCmd.AddCommand(newRetryDueCommand(cc))
	rootCmd.AddCommand(newWatchCommand(cc))

	return rootCmd, cc
}
