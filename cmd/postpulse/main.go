package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/postpulse/cmd/postpulse/commands"
	"github.com/teranos/postpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "postpulse",
	Short: "postpulse - scheduled social publishing engine",
	Long: `postpulse - schedules posts and publishes them through a browser driver.

Jobs are kept in date-partitioned JSON files; the Pulse daemon runs one
ready job at a time, retries failures with exponential backoff and
verifies every post before calling it published.

Available commands:
  jobs   - Add, list, cancel and inspect scheduled posts
  pulse  - Run the scheduler daemon
  am     - Show or initialise configuration ("I am")

Examples:
  postpulse jobs add --account brand --at 2026-03-14T09:00:00Z "Launch day"
  postpulse jobs ls --status scheduled
  postpulse pulse start
  postpulse am where`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		commands.PrintError(err)
		os.Exit(1)
	}
}
