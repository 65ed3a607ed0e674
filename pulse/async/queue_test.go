package async

import (
	"context"
	"testing"
	"time"

	mundotest "github.com/teranos/mundo/internal/testing"
)

// ============================================================================
// Villager Queue Watch Test Universe
// ============================================================================
//
// Characters:
//   - Steve: Enqueues worlds
//   - The Librarian: A villager subscribed to every job update
//
// Theme: the Librarian records every change the queue announces and never
// slows the queue down.
// ============================================================================

func TestLibrarianSeesEveryTransition(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	queue := NewQueue(db)

	updates := queue.Subscribe()
	defer queue.Unsubscribe(updates)

	job := NewJob("mundos_pendientes/library_0123456789.zip", "library.zip", "", 2048, time.Hour)
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Steve failed to enqueue: %v", err)
	}

	claimed, err := queue.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim = (%v, %v)", claimed, err)
	}

	claimed.MarkReady("mundos_procesados/library_comprimido.zip", 1024, time.Hour)
	ok, err := queue.Transition(ctx, claimed, StateProcessing)
	if err != nil || !ok {
		t.Fatalf("Transition = (%v, %v)", ok, err)
	}

	want := []JobState{StatePending, StateProcessing, StateReady}
	for i, st := range want {
		select {
		case got := <-updates:
			if got.State != st {
				t.Errorf("update %d state = %s, want %s", i, got.State, st)
			}
		case <-time.After(time.Second):
			t.Fatalf("Librarian missed update %d (%s)", i, st)
		}
	}
}

func TestLibrarianSnapshotsAreIndependent(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	queue := NewQueue(db)

	updates := queue.Subscribe()
	defer queue.Unsubscribe(updates)

	job := NewJob("mundos_pendientes/a.zip", "a.zip", "", 1, time.Hour)
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job.State = StateExpired

	got := <-updates
	if got.State != StatePending {
		t.Errorf("subscriber saw %s, want the pending snapshot", got.State)
	}
}

func TestSlowLibrarianDoesNotBlockQueue(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	queue := NewQueue(db)

	// Never read from this subscriber.
	stalled := queue.Subscribe()
	defer queue.Unsubscribe(stalled)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < SubscriberChannelBufferSize+20; i++ {
			job := NewJob("mundos_pendientes/a.zip", "a.zip", "", 1, time.Hour)
			if err := queue.Enqueue(ctx, job); err != nil {
				t.Errorf("Enqueue %d: %v", i, err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue blocked on a full subscriber channel")
	}
}

func TestQueueStatsGroupErrors(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	queue := NewQueue(db)

	for _, st := range []JobState{StateErrorProcessing, StateErrorTimeout, StateErrorTimeoutOrFailed} {
		job := NewJob("mundos_pendientes/a.zip", "a.zip", "", 1, time.Hour)
		if err := queue.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		job.Fail(st, ErrExtraction)
		if err := queue.UpdateJob(ctx, job); err != nil {
			t.Fatalf("UpdateJob: %v", err)
		}
	}
	if err := queue.Enqueue(ctx, NewJob("mundos_pendientes/b.zip", "b.zip", "", 1, time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stats, err := queue.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Failed != 3 || stats.Pending != 1 || stats.Processing != 0 {
		t.Errorf("stats = %+v", stats)
	}
}
