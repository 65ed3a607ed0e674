// Package async provides the world job lifecycle: persistence, the
// single-flight claim and the worker that drives a claimed job to a
// terminal state.
package async

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the current state of a world job
type JobState string

const (
	StatePending              JobState = "pending"
	StateProcessing           JobState = "processing"
	StateReady                JobState = "ready"
	StateErrorProcessing      JobState = "error_processing"
	StateErrorTimeout         JobState = "error_timeout"
	StateErrorTimeoutOrFailed JobState = "error_timeout_or_failed"
	StateExpired              JobState = "expired"
)

// AllStates returns every job state in lifecycle order.
func AllStates() []JobState {
	return []JobState{
		StatePending, StateProcessing, StateReady,
		StateErrorProcessing, StateErrorTimeout, StateErrorTimeoutOrFailed,
		StateExpired,
	}
}

// IsValidState returns true if the string is a valid JobState
func IsValidState(s string) bool {
	for _, st := range AllStates() {
		if string(st) == s {
			return true
		}
	}
	return false
}

// IsError reports whether the state is one of the failure states.
// Error states are terminal and never revisited by the sweeper.
func (s JobState) IsError() bool {
	switch s {
	case StateErrorProcessing, StateErrorTimeout, StateErrorTimeoutOrFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is expected,
// other than ready -> expired.
func (s JobState) IsTerminal() bool {
	return s.IsError() || s == StateExpired
}

// HoldsBlob reports whether a job in this state references a stored blob.
func (s JobState) HoldsBlob() bool {
	return s == StatePending || s == StateProcessing || s == StateReady
}

// Job is one submitted world archive and its processing record.
//
// StoredPath is empty (NULL in the table) in every error and expired state.
type Job struct {
	ID           string     `json:"id"`
	StoredPath   string     `json:"stored_path,omitempty"`
	OriginalName string     `json:"original_name,omitempty"`
	State        JobState   `json:"state"`
	SizeMB       *float64   `json:"size_mb,omitempty"`
	SizeFinalMB  *float64   `json:"size_final_mb,omitempty"`
	ClientIP     string     `json:"client_ip,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewJob creates a pending job for a blob that has already been stored.
// The job expires after pendingTTL unless a worker picks it up.
func NewJob(storedPath, originalName, clientIP string, sizeBytes int64, pendingTTL time.Duration) *Job {
	now := time.Now().UTC()
	size := BytesToMB(sizeBytes)
	return &Job{
		ID:           uuid.NewString(),
		StoredPath:   storedPath,
		OriginalName: originalName,
		State:        StatePending,
		SizeMB:       &size,
		ClientIP:     clientIP,
		CreatedAt:    now,
		ExpiresAt:    now.Add(pendingTTL),
		UpdatedAt:    now,
	}
}

// BytesToMB converts a byte count to megabytes rounded to two decimals.
func BytesToMB(n int64) float64 {
	mb := float64(n) / (1024 * 1024)
	return float64(int64(mb*100+0.5)) / 100
}

// Start marks the job as processing
func (j *Job) Start() {
	now := time.Now().UTC()
	j.State = StateProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkReady records a successful transformation. The job now points at the
// output archive and expires after resultTTL.
func (j *Job) MarkReady(outputPath string, sizeBytes int64, resultTTL time.Duration) {
	now := time.Now().UTC()
	size := BytesToMB(sizeBytes)
	j.State = StateReady
	j.StoredPath = outputPath
	j.SizeFinalMB = &size
	j.Error = ""
	j.ExpiresAt = now.Add(resultTTL)
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail moves the job into an error state and drops its blob reference.
func (j *Job) Fail(state JobState, err error) {
	now := time.Now().UTC()
	j.State = state
	j.StoredPath = ""
	if err != nil {
		j.Error = err.Error()
	}
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Expire retires the job after its expiry passed.
func (j *Job) Expire() {
	now := time.Now().UTC()
	j.State = StateExpired
	j.StoredPath = ""
	j.UpdatedAt = now
}

// IsExpiredAt reports whether the job's expiry is at or before t.
func (j *Job) IsExpiredAt(t time.Time) bool {
	return !j.ExpiresAt.After(t)
}
