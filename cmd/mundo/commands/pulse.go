package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/sym"
)

// PulseCmd groups the headless worker commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run the world worker without the HTTP API",
	Long: sym.Pulse + ` Pulse - the single-flight world worker and the expiration sweeper.

Useful when uploads arrive through another process sharing the same
database and storage directories.

Examples:
  mundo pulse start      # Work the queue until interrupted
  mundo pulse run-once   # Process at most one pending world and exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker and sweeper in the foreground",
	RunE:  runPulseStart,
}

var pulseRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process at most one pending world",
	Long: `Claim the oldest pending world, transform it and record the outcome.
Exits without doing anything when the queue is empty or the slot is busy.`,
	RunE: runPulseRunOnce,
}

func init() {
	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseRunOnceCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, database, appOptions{RequireTransform: true}, logger.Logger)
	if err != nil {
		return err
	}

	a.webhook.Start()
	a.worker.Start()
	a.ticker.Start()

	fmt.Printf("%s Pulse started\n", sym.Pulse)
	fmt.Printf("  Poll interval:  %v\n", cfg.Pulse.PollInterval())
	fmt.Printf("  Job timeout:    %v\n", cfg.Pulse.JobTimeout())
	fmt.Printf("  Sweep interval: %v\n", cfg.Sweep.Interval())
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Printf("\n%s Shutting down...\n", sym.PulseClose)

	// Reverse start order; the webhook drains last
	a.ticker.Stop()
	a.worker.Stop()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Notify.Timeout()*2)
	defer stopCancel()
	if err := a.webhook.Stop(stopCtx); err != nil {
		logger.Logger.Warnw("Webhook queue not fully drained", logger.FieldError, err)
	}

	fmt.Printf("%s Pulse stopped\n", sym.PulseClose)
	return nil
}

func runPulseRunOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, database, appOptions{RequireTransform: true}, logger.Logger)
	if err != nil {
		return err
	}
	a.webhook.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Notify.Timeout()*2)
		defer stopCancel()
		a.webhook.Stop(stopCtx)
	}()

	outcome, err := a.worker.RunOnce(ctx)
	printOutcome(outcome)
	return err
}

func printOutcome(outcome async.Outcome) {
	switch outcome {
	case async.OutcomeReady:
		pterm.Success.Println("World compressed")
	case async.OutcomeIdle:
		pterm.Info.Println("No pending worlds")
	case async.OutcomeDeferred:
		pterm.Info.Println("Another job holds the processing slot")
	case async.OutcomeFailed, async.OutcomeTimedOut, async.OutcomeError:
		pterm.Error.Printf("Run ended: %s\n", outcome)
	default:
		pterm.Warning.Printf("Run ended: %s\n", outcome)
	}
}
