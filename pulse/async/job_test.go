package async

import (
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Steve's World Lifecycle Test Universe
// ============================================================================
//
// Characters:
//   - Steve: Builder who uploads worlds and watches them move through states
//
// Theme: a world is pending until Steve's turn comes, processing while it is
// pruned, then ready, failed or expired.
// ============================================================================

func TestSteveCreatesPendingWorld(t *testing.T) {
	before := time.Now().UTC()
	job := NewJob("mundos_pendientes/castle_ab12cd34ef.zip", "castle.zip", "10.0.0.7", 5*1024*1024, 24*time.Hour)

	if job.ID == "" || len(job.ID) != 36 {
		t.Errorf("Job ID = %q, want a UUID", job.ID)
	}
	if job.State != StatePending {
		t.Errorf("State = %s, want pending", job.State)
	}
	if job.SizeMB == nil || *job.SizeMB != 5 {
		t.Errorf("SizeMB = %v, want 5", job.SizeMB)
	}
	if job.SizeFinalMB != nil {
		t.Errorf("SizeFinalMB should be unset on a new job")
	}
	if job.CreatedAt.Before(before) {
		t.Errorf("CreatedAt %v is before test start %v", job.CreatedAt, before)
	}
	if got := job.ExpiresAt.Sub(job.CreatedAt); got != 24*time.Hour {
		t.Errorf("ExpiresAt - CreatedAt = %s, want 24h", got)
	}
}

func TestSteveWorldReachesReady(t *testing.T) {
	job := NewJob("mundos_pendientes/castle_ab12cd34ef.zip", "castle.zip", "", 1024, 24*time.Hour)

	job.Start()
	if job.State != StateProcessing || job.StartedAt == nil {
		t.Fatalf("Start() left state=%s started=%v", job.State, job.StartedAt)
	}

	job.MarkReady("mundos_procesados/castle_comprimido.zip", 2*1024*1024, time.Hour)
	if job.State != StateReady {
		t.Errorf("State = %s, want ready", job.State)
	}
	if job.StoredPath != "mundos_procesados/castle_comprimido.zip" {
		t.Errorf("StoredPath = %q, want the output archive", job.StoredPath)
	}
	if job.SizeFinalMB == nil || *job.SizeFinalMB != 2 {
		t.Errorf("SizeFinalMB = %v, want 2", job.SizeFinalMB)
	}
	if remaining := time.Until(job.ExpiresAt); remaining < 59*time.Minute || remaining > time.Hour {
		t.Errorf("ready expiry in %s, want about 1h", remaining)
	}
}

func TestSteveWorldFailsAndLosesPath(t *testing.T) {
	states := []JobState{StateErrorProcessing, StateErrorTimeout, StateErrorTimeoutOrFailed}
	for _, st := range states {
		t.Run(string(st), func(t *testing.T) {
			job := NewJob("mundos_pendientes/broken.zip", "broken.zip", "", 1, time.Hour)
			job.Start()
			job.Fail(st, errors.New("no level.dat"))

			if job.State != st {
				t.Errorf("State = %s, want %s", job.State, st)
			}
			if job.StoredPath != "" {
				t.Errorf("StoredPath = %q, want empty in error state", job.StoredPath)
			}
			if job.Error != "no level.dat" {
				t.Errorf("Error = %q", job.Error)
			}
			if !job.State.IsError() || !job.State.IsTerminal() || job.State.HoldsBlob() {
				t.Errorf("%s should be a terminal error state without a blob", st)
			}
		})
	}
}

func TestSteveWorldExpires(t *testing.T) {
	job := NewJob("mundos_procesados/castle_comprimido.zip", "castle.zip", "", 1, -time.Minute)
	if !job.IsExpiredAt(time.Now()) {
		t.Fatalf("job with past expiry should be expired")
	}

	job.Expire()
	if job.State != StateExpired || job.StoredPath != "" {
		t.Errorf("Expire() left state=%s path=%q", job.State, job.StoredPath)
	}
	if job.State.IsError() {
		t.Errorf("expired is not an error state")
	}
}

func TestStateHelpers(t *testing.T) {
	for _, st := range AllStates() {
		if !IsValidState(string(st)) {
			t.Errorf("IsValidState(%q) = false", st)
		}
	}
	if IsValidState("queued") {
		t.Errorf("queued is not a world job state")
	}

	holders := map[JobState]bool{StatePending: true, StateProcessing: true, StateReady: true}
	for _, st := range AllStates() {
		if st.HoldsBlob() != holders[st] {
			t.Errorf("%s.HoldsBlob() = %v", st, st.HoldsBlob())
		}
	}
}

func TestBytesToMB(t *testing.T) {
	tests := []struct {
		bytes int64
		want  float64
	}{
		{0, 0},
		{1024 * 1024, 1},
		{1536 * 1024, 1.5},
		{123456789, 117.74},
	}
	for _, tt := range tests {
		if got := BytesToMB(tt.bytes); got != tt.want {
			t.Errorf("BytesToMB(%d) = %v, want %v", tt.bytes, got, tt.want)
		}
	}
}
