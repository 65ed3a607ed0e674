// Package schedule runs periodic maintenance on the world job table.
//
// The Ticker fires registered tasks on their own intervals. The Sweeper is
// the main task: it retires expired jobs, reclaims stuck ones, removes
// abandoned chunk sessions and records each pass in sweep_runs.
package schedule

import "time"

// Run is one recorded sweep.
//
// Counts are filled in as the passes complete, so a failed run still
// shows how far it got.
type Run struct {
	// Identity
	ID     string `json:"id"`
	Status string `json:"status"` // "running", "completed", "failed"

	// Timing
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  *int       `json:"duration_ms,omitempty"`

	// Pass results
	Expired         int `json:"expired"`          // pass 1
	Stuck           int `json:"stuck"`            // pass 2
	SessionsRemoved int `json:"sessions_removed"` // pass 3
	Failures        int `json:"failures"`         // per-job failures, all passes

	Error string `json:"error,omitempty"`
}

// Run status constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Changed reports whether the run modified any job or session
func (r *Run) Changed() bool {
	return r.Expired+r.Stuck+r.SessionsRemoved > 0
}
