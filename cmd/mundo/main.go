package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/mundo/cmd/mundo/commands"
	"github.com/teranos/mundo/logger"
)

var rootCmd = &cobra.Command{
	Use:   "mundo",
	Short: "mundo - world archive upload and compression service",
	Long: `mundo - accepts uploaded world archives, compresses them one at a time
through an external transform and serves the result until it expires.

Available commands:
  server  - Start the HTTP API with the worker and the sweeper
  pulse   - Run the worker and sweeper without the HTTP API
  sweep   - Run one expiration sweep or show sweep history
  jobs    - Inspect world jobs
  db      - Manage the mundo database
  am      - Show, create and check configuration
  version - Show build information

Examples:
  mundo server               # Serve on the configured port
  mundo jobs ls --state ready
  mundo sweep history
  mundo am check ./mundo.toml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Quiet commands print machine-readable output
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if cmd.Name() == "server" && verbosity == 0 {
			verbosity = logger.VerbosityInfo
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
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
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.SweepCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
