package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/onair/cmd/onair/commands"
	"github.com/teranos/onair/logger"
)

var rootCmd = &cobra.Command{
	Use:   "onair",
	Short: "onair - scheduled radio recording daemon",
	Long: `onair - records scheduled broadcasts to disk.

Jobs are stored in SQLite and picked up by the daemon shortly before their
fire time. Each job resolves a stream through the configured source, captures
it with ffmpeg and moves the finished file into the recording directory.

Available commands:
  run        - Start the recording daemon and its control server
  job        - Add, list, import and cancel recording jobs
  recording  - List recording attempts
  am         - Show and edit configuration
  db         - Migrate the database and show statistics
  version    - Show build information

Examples:
  onair run                          # Start the daemon
  onair job add --service radiko --station TBS --program p1 \
      --title "Morning" --start 2026-11-02T06:00:00+09:00 --end 2026-11-02T08:30:00+09:00
  onair job ls --state pending       # Pending jobs
  onair am set recording.record_dir /srv/radio`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
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
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.JobCmd)
	rootCmd.AddCommand(commands.RecordingCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
