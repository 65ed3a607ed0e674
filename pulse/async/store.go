package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/mundo/errors"
)

// ErrSlotBusy is returned by ClaimNext when another job already holds the
// processing slot.
var ErrSlotBusy = errors.Mark(errors.New("processing slot busy"), errors.ErrConflict)

// Store handles persistence of world jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new world job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO world_jobs (
			id, stored_path, original_name, state,
			size_mb, size_final_mb,
			client_ip, error,
			created_at, expires_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		nullString(job.StoredPath),
		job.OriginalName,
		job.State,
		nullFloat(job.SizeMB),
		nullFloat(job.SizeFinalMB),
		job.ClientIP,
		job.Error,
		job.CreatedAt.UTC(),
		job.ExpiresAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM world_jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}

	return job, nil
}

// UpdateJob writes every mutable column of the job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	_, err := s.updateJob(ctx, s.db, job, "")
	return err
}

// TransitionJob writes the job only if its stored state still equals from.
// Returns false when another writer moved the job first.
func (s *Store) TransitionJob(ctx context.Context, job *Job, from JobState) (bool, error) {
	return s.updateJob(ctx, s.db, job, from)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) updateJob(ctx context.Context, ex execer, job *Job, from JobState) (bool, error) {
	query := `
		UPDATE world_jobs
		SET stored_path = ?,
		    state = ?,
		    size_mb = ?,
		    size_final_mb = ?,
		    error = ?,
		    expires_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`
	args := []interface{}{
		nullString(job.StoredPath),
		job.State,
		nullFloat(job.SizeMB),
		nullFloat(job.SizeFinalMB),
		job.Error,
		job.ExpiresAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.UpdatedAt.UTC(),
		job.ID,
	}
	if from != "" {
		query += ` AND state = ?`
		args = append(args, from)
	}

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 && from == "" {
		return false, errors.NewNotFoundError("job not found: %s", job.ID)
	}

	return rows > 0, nil
}

// ClaimNext moves the oldest pending job to processing and returns it.
//
// The admission check, the FIFO select and the state flip run in one
// transaction. The connection DSN opens write transactions with
// BEGIN IMMEDIATE, so two claimers are serialized by SQLite's write lock
// and the second one observes the first one's processing row.
// Returns ErrSlotBusy when a job is already processing and (nil, nil)
// when nothing is pending.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	var holder string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM world_jobs WHERE state = ? LIMIT 1`, StateProcessing,
	).Scan(&holder)
	switch {
	case err == nil:
		return nil, errors.WithDetail(ErrSlotBusy, "Processing job ID: "+holder)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, errors.Wrap(err, "failed to check processing slot")
	}

	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM world_jobs
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`

	job, err := scanJob(tx.QueryRowContext(ctx, query, StatePending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select pending job")
	}

	job.Start()
	ok, err := s.updateJob(ctx, tx, job, StatePending)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	if !ok {
		return nil, errors.WithDetail(ErrSlotBusy, "Job ID: "+job.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	return job, nil
}

// ListJobs returns jobs newest first, optionally filtered by state
func (s *Store) ListJobs(ctx context.Context, state *JobState, limit int) ([]*Job, error) {
	var query string
	var args []interface{}

	baseQuery := `SELECT ` + StandardJobSelectColumns() + ` FROM world_jobs`
	if state != nil {
		query = baseQuery + ` WHERE state = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{*state, limit}
	} else {
		query = baseQuery + ` ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListExpired returns jobs whose expiry is at or before now and that are
// still pending or ready. Processing rows are left to the stuck-job pass
// and error rows are never revisited.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM world_jobs
		WHERE expires_at <= ?
		  AND state IN (?, ?)
		ORDER BY expires_at ASC`

	rows, err := s.db.QueryContext(ctx, query, now.UTC(), StatePending, StateReady)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "expired jobs")
}

// ListStuck returns processing jobs created before cutoff. A job claimed
// after cutoff is never reported, however long it waited in the queue.
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM world_jobs
		WHERE state = ?
		  AND created_at < ?
		  AND COALESCE(started_at, created_at) < ?
		ORDER BY created_at ASC`

	cutoff = cutoff.UTC()
	rows, err := s.db.QueryContext(ctx, query, StateProcessing, cutoff, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stuck jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "stuck jobs")
}

// CountByState returns the number of jobs in each state. States with no
// jobs are present with a zero count.
func (s *Store) CountByState(ctx context.Context) (map[JobState]int, error) {
	counts := make(map[JobState]int, len(AllStates()))
	for _, st := range AllStates() {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM world_jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var st JobState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}

// QueuePosition returns the 1-based FIFO position of a pending job and the
// number of pending jobs.
func (s *Store) QueuePosition(ctx context.Context, job *Job) (position int, length int, err error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN created_at < ? OR (created_at = ? AND id <= ?) THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM world_jobs
		WHERE state = ?`

	err = s.db.QueryRowContext(ctx, query, job.CreatedAt.UTC(), job.CreatedAt.UTC(), job.ID, StatePending).Scan(&position, &length)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to compute queue position")
	}

	return position, length, nil
}

// scanJobs scans every job from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}
