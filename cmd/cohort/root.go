package main

import (
	"os"

	"github.com/spf13/cobra"
)

var debugLogging bool

var rootCmd = &cobra.Command{
	Use:   "cohort",
	Short: "Plan a goal and run it with a team of role-bound workers",
	Long: `Cohort asks a reasoning backend to split a goal into a small team of roles
and an ordered plan, starts one worker process per role, and dispatches the
plan one step at a time through a shared mailbox.

Workers build on each other through a shared project state: any JSON object a
worker returns is merged into it and shown to every later step.

Core commands:
  cohort init            Prepare the current directory
  cohort plan <goal>     Show the plan a goal would produce
  cohort run <goal>      Plan and execute a goal
  cohort status          Show recent runs from the ledger
  cohort cleanup         Clear mailbox leftovers and interrupted runs`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Log at debug level (overrides logging.level)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
