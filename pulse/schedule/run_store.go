package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/mundo/errors"
)

// RunStore handles persistence of sweep history
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, status, started_at, completed_at, duration_ms,
	expired_count, stuck_count, sessions_removed, failures, error`

// CreateRun inserts a new run record
func (s *RunStore) CreateRun(ctx context.Context, run *Run) error {
	query := `INSERT INTO sweep_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.StartedAt.UTC(),
		nullTime(run.CompletedAt),
		nullInt(run.DurationMs),
		run.Expired,
		run.Stuck,
		run.SessionsRemoved,
		run.Failures,
		run.Error,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create sweep run")
	}

	return nil
}

// UpdateRun writes the run's status, timing and counts
func (s *RunStore) UpdateRun(ctx context.Context, run *Run) error {
	query := `
		UPDATE sweep_runs
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    expired_count = ?,
		    stuck_count = ?,
		    sessions_removed = ?,
		    failures = ?,
		    error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		run.Status,
		nullTime(run.CompletedAt),
		nullInt(run.DurationMs),
		run.Expired,
		run.Stuck,
		run.SessionsRemoved,
		run.Failures,
		run.Error,
		run.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update sweep run")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("sweep run not found: %s", run.ID)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM sweep_runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("sweep run not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sweep run")
	}

	return run, nil
}

// ListRuns returns runs newest first with pagination and an optional
// status filter, plus the total number of matching runs.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int, statusFilter string) ([]*Run, int, error) {
	baseQuery := ` FROM sweep_runs`
	var args []interface{}
	if statusFilter != "" {
		baseQuery += ` WHERE status = ?`
		args = append(args, statusFilter)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count sweep runs")
	}

	query := `SELECT ` + runColumns + baseQuery + ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list sweep runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan sweep run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating sweep runs")
	}

	return runs, total, nil
}

// CleanupOldRuns deletes runs started before cutoff.
// Returns the number of runs deleted.
func (s *RunStore) CleanupOldRuns(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sweep_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old sweep runs")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(deleted), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var durationMs sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.Status,
		&run.StartedAt,
		&completedAt,
		&durationMs,
		&run.Expired,
		&run.Stuck,
		&run.SessionsRemoved,
		&run.Failures,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if durationMs.Valid {
		d := int(durationMs.Int64)
		run.DurationMs = &d
	}

	return &run, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
