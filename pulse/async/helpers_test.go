package async

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"
)

// insertJob stores a pending job created at the given time.
func insertJob(t *testing.T, db *sql.DB, storedPath string, createdAt time.Time) *Job {
	t.Helper()

	job := NewJob(storedPath, "world.zip", "127.0.0.1", 3*1024*1024, 24*time.Hour)
	job.CreatedAt = createdAt.UTC()
	job.UpdatedAt = createdAt.UTC()
	job.ExpiresAt = createdAt.Add(24 * time.Hour).UTC()

	if err := NewStore(db).CreateJob(context.Background(), job); err != nil {
		t.Fatalf("Failed to insert job %s: %v", storedPath, err)
	}
	return job
}

// loadJob re-reads a job from the database.
func loadJob(t *testing.T, db *sql.DB, id string) *Job {
	t.Helper()

	job, err := NewStore(db).GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load job %s: %v", id, err)
	}
	return job
}

// fakeExecutor runs a configurable function and records cleanups.
type fakeExecutor struct {
	mu      sync.Mutex
	execute func(ctx context.Context, job *Job) (*ExecuteResult, error)
	cleaned []string
}

func (f *fakeExecutor) Execute(ctx context.Context, job *Job) (*ExecuteResult, error) {
	return f.execute(ctx, job)
}

func (f *fakeExecutor) Cleanup(job *Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, job.ID)
	return nil
}

func (f *fakeExecutor) cleanups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

// recordingBlobs records deleted keys.
type recordingBlobs struct {
	mu      sync.Mutex
	deleted []string
}

func (r *recordingBlobs) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, key)
	return nil
}

func (r *recordingBlobs) wasDeleted(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.deleted {
		if k == key {
			return true
		}
	}
	return false
}

// waitForState polls until the job reaches want or the deadline passes.
func waitForState(t *testing.T, db *sql.DB, id string, want JobState, within time.Duration) *Job {
	t.Helper()

	deadline := time.Now().Add(within)
	for {
		job := loadJob(t, db, id)
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job %s state = %s, want %s after %s", id, job.State, want, within)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testNow() time.Time {
	return time.Now().UTC()
}
