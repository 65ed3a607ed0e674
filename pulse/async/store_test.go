package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/teranos/mundo/errors"
	mundotest "github.com/teranos/mundo/internal/testing"
)

// ============================================================================
// Alex's Processing Slot Test Universe
// ============================================================================
//
// Characters:
//   - Steve: Uploads worlds into the pending line
//   - Alex: Owns the single processing slot and claims worlds in order
//   - Herobrine: Tries to sneak into the slot at the same instant as Alex
//
// Theme: only one world may be processing at a time, no matter how many
// claimers race for it.
// ============================================================================

func TestSteveStoresAndLoadsWorld(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()

	job := insertJob(t, db, "mundos_pendientes/village_a1b2c3d4e5.zip", time.Now())

	got := loadJob(t, db, job.ID)
	if got.StoredPath != job.StoredPath || got.OriginalName != "world.zip" || got.ClientIP != "127.0.0.1" {
		t.Errorf("loaded job = %+v", got)
	}
	if got.State != StatePending {
		t.Errorf("State = %s, want pending", got.State)
	}
	if got.SizeMB == nil || *got.SizeMB != 3 {
		t.Errorf("SizeMB = %v, want 3", got.SizeMB)
	}
	if got.StartedAt != nil || got.SizeFinalMB != nil {
		t.Errorf("nullable columns should load as nil")
	}

	_, err := NewStore(db).GetJob(ctx, "missing")
	if !errors.IsNotFoundError(err) {
		t.Errorf("GetJob(missing) error = %v, want not found", err)
	}
}

func TestSteveErrorStateStoresNullPath(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	job := insertJob(t, db, "mundos_pendientes/bad.zip", time.Now())
	job.Fail(StateErrorProcessing, errors.New("corrupt archive"))
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	var isNull bool
	if err := db.QueryRow(`SELECT stored_path IS NULL FROM world_jobs WHERE id = ?`, job.ID).Scan(&isNull); err != nil {
		t.Fatalf("query: %v", err)
	}
	if !isNull {
		t.Errorf("stored_path should be NULL in error state")
	}
	if got := loadJob(t, db, job.ID); got.Error != "corrupt archive" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestAlexClaimsOldestFirst(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	base := time.Now().Add(-time.Hour)
	second := insertJob(t, db, "mundos_pendientes/second.zip", base.Add(2*time.Minute))
	first := insertJob(t, db, "mundos_pendientes/first.zip", base)
	insertJob(t, db, "mundos_pendientes/third.zip", base.Add(5*time.Minute))

	claimed, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("Alex failed to claim: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("Alex claimed %v, want the oldest world %s", claimed, first.ID)
	}
	if claimed.State != StateProcessing || claimed.StartedAt == nil {
		t.Errorf("claimed job state=%s started=%v", claimed.State, claimed.StartedAt)
	}

	// The slot is taken until the first world leaves processing.
	if _, err := store.ClaimNext(ctx); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("second claim error = %v, want ErrSlotBusy", err)
	}
	if !errors.Is(ErrSlotBusy, errors.ErrConflict) {
		t.Errorf("ErrSlotBusy should be a conflict")
	}

	claimed.MarkReady("mundos_procesados/first_comprimido.zip", 10, time.Hour)
	if err := store.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	next, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Errorf("next claim = %v, want %s", next, second.ID)
	}
}

func TestAlexFindsNothingPending(t *testing.T) {
	db := mundotest.CreateTestDB(t)

	job, err := NewStore(db).ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext on empty store: %v", err)
	}
	if job != nil {
		t.Errorf("ClaimNext returned %v, want nil", job)
	}
}

func TestHerobrineCannotShareTheSlot(t *testing.T) {
	db := mundotest.CreateFileTestDB(t)
	for i := 0; i < 5; i++ {
		insertJob(t, db, "mundos_pendientes/race.zip", time.Now().Add(time.Duration(i)*time.Second))
	}

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []*Job
		busy    int
		other   []error
	)
	start := make(chan struct{})

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate stores share only the database, like separate processes.
			store := NewStore(db)
			<-start
			job, err := store.ClaimNext(context.Background())

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSlotBusy):
				busy++
			case err != nil:
				other = append(other, err)
			case job != nil:
				claimed = append(claimed, job)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected claim errors: %v", other)
	}
	if len(claimed) != 1 {
		t.Fatalf("%d claimers won the slot, want exactly 1", len(claimed))
	}
	if busy != claimers-1 {
		t.Errorf("busy = %d, want %d", busy, claimers-1)
	}

	var processing int
	if err := db.QueryRow(`SELECT COUNT(*) FROM world_jobs WHERE state = 'processing'`).Scan(&processing); err != nil {
		t.Fatalf("count: %v", err)
	}
	if processing != 1 {
		t.Errorf("%d rows processing, want 1", processing)
	}
}

func TestClaimRollsBackOnFailure(t *testing.T) {
	t.Run("slot check fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock: %v", err)
		}
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM world_jobs WHERE state = \?`).
			WillReturnError(errors.New("disk I/O error"))
		mock.ExpectRollback()

		job, err := NewStore(db).ClaimNext(context.Background())
		if err == nil || job != nil {
			t.Fatalf("ClaimNext = (%v, %v), want error", job, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
	})

	t.Run("flip fails", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock: %v", err)
		}
		defer db.Close()

		now := time.Now().UTC()
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM world_jobs WHERE state = \?`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(`SELECT id, stored_path`).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "stored_path", "original_name", "state", "size_mb", "size_final_mb",
				"client_ip", "error", "created_at", "expires_at", "started_at", "completed_at", "updated_at",
			}).AddRow("job-1", "mundos_pendientes/a.zip", "a.zip", "pending", 1.0, nil,
				"", "", now, now.Add(time.Hour), nil, nil, now))
		mock.ExpectExec(`UPDATE world_jobs`).WillReturnError(errors.New("database is locked"))
		mock.ExpectRollback()

		if _, err := NewStore(db).ClaimNext(context.Background()); err == nil {
			t.Fatalf("ClaimNext should fail when the update fails")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
	})
}

func TestTransitionRequiresExpectedState(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)

	job := insertJob(t, db, "mundos_pendientes/a.zip", time.Now())
	job.Fail(StateErrorTimeoutOrFailed, ErrStuckJob)

	ok, err := store.TransitionJob(ctx, job, StateProcessing)
	if err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	if ok {
		t.Errorf("transition from processing should not apply to a pending row")
	}
	if got := loadJob(t, db, job.ID); got.State != StatePending {
		t.Errorf("state = %s, want pending untouched", got.State)
	}
}

func TestListExpiredSkipsProcessingAndErrors(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	past := time.Now().Add(-2 * time.Hour)

	pending := insertJob(t, db, "mundos_pendientes/p.zip", past)
	pending.ExpiresAt = past
	mustUpdate(t, store, pending)

	ready := insertJob(t, db, "mundos_pendientes/r.zip", past)
	ready.MarkReady("mundos_procesados/r_comprimido.zip", 1, -time.Minute)
	mustUpdate(t, store, ready)

	failed := insertJob(t, db, "mundos_pendientes/f.zip", past)
	failed.Fail(StateErrorProcessing, errors.New("boom"))
	failed.ExpiresAt = past
	mustUpdate(t, store, failed)

	processing := insertJob(t, db, "mundos_pendientes/x.zip", past)
	processing.Start()
	processing.ExpiresAt = past
	mustUpdate(t, store, processing)

	insertJob(t, db, "mundos_pendientes/fresh.zip", time.Now())

	expired, err := store.ListExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	got := map[string]bool{}
	for _, j := range expired {
		got[j.ID] = true
	}
	if len(got) != 2 || !got[pending.ID] || !got[ready.ID] {
		t.Errorf("ListExpired = %v, want pending and ready only", got)
	}
}

func TestListStuckUsesThreshold(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	cutoff := time.Now().Add(-15 * time.Minute)

	old := insertJob(t, db, "mundos_pendientes/old.zip", time.Now().Add(-30*time.Minute))
	old.Start()
	started := time.Now().Add(-20 * time.Minute)
	old.StartedAt = &started
	mustUpdate(t, store, old)

	stuck, err := store.ListStuck(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListStuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != old.ID {
		t.Fatalf("ListStuck = %v, want only %s", stuck, old.ID)
	}

	old.Fail(StateErrorTimeout, ErrStuckJob)
	mustUpdate(t, store, old)

	// Waited long in the queue but was claimed just now.
	late := insertJob(t, db, "mundos_pendientes/late.zip", time.Now().Add(-40*time.Minute))
	late.Start()
	mustUpdate(t, store, late)

	stuck, err = store.ListStuck(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListStuck: %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("ListStuck = %v, want none for a freshly claimed job", stuck)
	}
}

func TestCountsAndQueuePosition(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	base := time.Now().Add(-time.Hour)

	insertJob(t, db, "mundos_pendientes/a.zip", base)
	b := insertJob(t, db, "mundos_pendientes/b.zip", base.Add(time.Minute))
	c := insertJob(t, db, "mundos_pendientes/c.zip", base.Add(2*time.Minute))

	pos, length, err := store.QueuePosition(ctx, c)
	if err != nil {
		t.Fatalf("QueuePosition: %v", err)
	}
	if pos != 3 || length != 3 {
		t.Errorf("position = %d/%d, want 3/3", pos, length)
	}

	if _, err := store.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	pos, length, _ = store.QueuePosition(ctx, b)
	if pos != 1 || length != 2 {
		t.Errorf("after claim position = %d/%d, want 1/2", pos, length)
	}

	counts, err := store.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[StatePending] != 2 || counts[StateProcessing] != 1 || counts[StateExpired] != 0 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := counts[StateErrorTimeout]; !ok {
		t.Errorf("every state should be present in counts")
	}
}

func TestQueuePositionWhileOneProcesses(t *testing.T) {
	db := mundotest.CreateTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	base := time.Now().Add(-time.Hour)

	insertJob(t, db, "mundos_pendientes/first.zip", base)
	first, err := store.ClaimNext(ctx)
	if err != nil || first == nil {
		t.Fatalf("ClaimNext = %v, %v", first, err)
	}

	// Two more uploads arrive while the first is processing.
	one := insertJob(t, db, "mundos_pendientes/one.zip", base.Add(time.Minute))
	two := insertJob(t, db, "mundos_pendientes/two.zip", base.Add(2*time.Minute))

	pos, length, err := store.QueuePosition(ctx, two)
	if err != nil {
		t.Fatalf("QueuePosition: %v", err)
	}
	if pos != 2 || length != 2 {
		t.Errorf("second upload position = %d/%d, want 2/2", pos, length)
	}
	if _, err := store.ClaimNext(ctx); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("ClaimNext while processing = %v, want ErrSlotBusy", err)
	}

	first.MarkReady("mundos_procesados/first_comprimido.zip", 1024, time.Hour)
	if ok, err := store.TransitionJob(ctx, first, StateProcessing); err != nil || !ok {
		t.Fatalf("TransitionJob = %v, %v", ok, err)
	}
	next, err := store.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if next == nil || next.ID != one.ID {
		t.Fatalf("claimed %v, want the oldest pending upload %s", next, one.ID)
	}

	pos, length, err = store.QueuePosition(ctx, two)
	if err != nil {
		t.Fatalf("QueuePosition: %v", err)
	}
	if pos != 1 || length != 1 {
		t.Errorf("second upload position = %d/%d, want 1/1", pos, length)
	}
}

func mustUpdate(t *testing.T, store *Store, job *Job) {
	t.Helper()
	if err := store.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob(%s): %v", job.ID, err)
	}
}
