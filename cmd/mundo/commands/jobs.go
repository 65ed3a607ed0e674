package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/pulse/async"
)

// JobsCmd inspects world jobs
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect world jobs",
	Long: `List and inspect world jobs.

Examples:
  mundo jobs ls                  # Most recent jobs
  mundo jobs ls --state pending  # Queue contents, oldest first
  mundo jobs show <job-id>       # One job as JSON`,
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs",
	RunE:    runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var (
	jobsState string
	jobsLimit int
)

func init() {
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	jobsLsCmd.Flags().StringVar(&jobsState, "state", "", "Only list jobs in this state ("+stateList()+")")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs")
}

func stateList() string {
	states := make([]string, 0, len(async.AllStates()))
	for _, s := range async.AllStates() {
		states = append(states, string(s))
	}
	return strings.Join(states, ", ")
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	var filter *async.JobState
	if jobsState != "" {
		if !async.IsValidState(jobsState) {
			return errors.NewInvalidRequestError("unknown state %q (one of %s)", jobsState, stateList())
		}
		s := async.JobState(jobsState)
		filter = &s
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := async.NewStore(database).ListJobs(cmd.Context(), filter, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(jobTable(jobs, time.Now())).Render()
}

// jobTable renders jobs as table rows, header first
func jobTable(jobs []*async.Job, now time.Time) pterm.TableData {
	data := pterm.TableData{{"ID", "STATE", "NAME", "SIZE MB", "FINAL MB", "AGE", "EXPIRES"}}
	for _, j := range jobs {
		data = append(data, []string{
			j.ID,
			string(j.State),
			j.OriginalName,
			formatMB(j.SizeMB),
			formatMB(j.SizeFinalMB),
			now.Sub(j.CreatedAt).Round(time.Second).String(),
			expiresIn(j, now),
		})
	}
	return data
}

func formatMB(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func expiresIn(j *async.Job, now time.Time) string {
	if j.State != async.StatePending && j.State != async.StateReady {
		return "-"
	}
	d := j.ExpiresAt.Sub(now).Round(time.Second)
	if d <= 0 {
		return "due"
	}
	return d.String()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := async.NewStore(database)
	job, err := store.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeJob(os.Stdout, job)
}

func writeJob(w io.Writer, job *async.Job) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return errors.Wrap(err, "failed to encode job")
	}
	return nil
}
