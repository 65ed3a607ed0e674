package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/pulse/schedule"
	"github.com/teranos/mundo/sym"
)

// SweepCmd runs one expiration sweep
var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: sym.Pulse + " Run one expiration sweep",
	Long: `Expire pending and ready worlds past their expiry, reclaim jobs stuck
in processing and remove abandoned chunk sessions. Safe to run while the
server is up; a second sweep over the same rows changes nothing.

Examples:
  mundo sweep                  # Sweep now
  mundo sweep history          # Recent sweeps
  mundo sweep history --status failed`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var sweepHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sweeps",
	RunE:  runSweepHistory,
}

var (
	sweepHistoryLimit  int
	sweepHistoryStatus string
)

func init() {
	SweepCmd.AddCommand(sweepHistoryCmd)
	sweepHistoryCmd.Flags().IntVar(&sweepHistoryLimit, "limit", 20, "Number of runs to show")
	sweepHistoryCmd.Flags().StringVar(&sweepHistoryStatus, "status", "", "Only show runs with this status (running, completed, failed)")
}

func runSweep(cmd *cobra.Command, args []string) error {
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

	a, err := newApp(ctx, cfg, database, appOptions{}, logger.Logger)
	if err != nil {
		return err
	}
	a.webhook.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Notify.Timeout()*2)
		defer stopCancel()
		a.webhook.Stop(stopCtx)
	}()

	run, err := a.sweeper.Run(ctx)
	if run != nil {
		printRunSummary(os.Stdout, run)
	}
	return err
}

func printRunSummary(w io.Writer, run *schedule.Run) {
	fmt.Fprintf(w, "%s Sweep %s: %s\n", sym.Pulse, run.ID, run.Status)
	fmt.Fprintf(w, "  Expired:          %d\n", run.Expired)
	fmt.Fprintf(w, "  Stuck reclaimed:  %d\n", run.Stuck)
	fmt.Fprintf(w, "  Sessions removed: %d\n", run.SessionsRemoved)
	fmt.Fprintf(w, "  Failures:         %d\n", run.Failures)
	if run.Error != "" {
		fmt.Fprintf(w, "  Error:            %s\n", run.Error)
	}
}

func runSweepHistory(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	runs, total, err := schedule.NewRunStore(database).ListRuns(cmd.Context(), sweepHistoryLimit, 0, sweepHistoryStatus)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		pterm.Info.Println("No sweeps recorded")
		return nil
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(runTable(runs)).Render(); err != nil {
		return err
	}
	fmt.Printf("\nShowing %d of %d runs\n", len(runs), total)
	return nil
}

// runTable renders runs as table rows, header first
func runTable(runs []*schedule.Run) pterm.TableData {
	data := pterm.TableData{{"STARTED", "STATUS", "DURATION", "EXPIRED", "STUCK", "SESSIONS", "FAILURES"}}
	for _, r := range runs {
		duration := "-"
		if r.DurationMs != nil {
			duration = (time.Duration(*r.DurationMs) * time.Millisecond).String()
		}
		data = append(data, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			duration,
			strconv.Itoa(r.Expired),
			strconv.Itoa(r.Stuck),
			strconv.Itoa(r.SessionsRemoved),
			strconv.Itoa(r.Failures),
		})
	}
	return data
}
