package schedule

import (
	"context"
	"time"

	"github.com/teranos/mundo/errors"
)

// Leftover is a blob that outlived its job because deleting it failed
type Leftover struct {
	Key       string    `json:"blob_key"`
	JobID     string    `json:"job_id"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxLeftoversPerSweep bounds how many leftovers one sweep retries
const MaxLeftoversPerSweep = 500

// RecordLeftover remembers a blob whose delete failed. Recording the same
// key again bumps its attempt count.
func (s *RunStore) RecordLeftover(ctx context.Context, key, jobID string, cause error) error {
	now := time.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leftover_blobs (blob_key, job_id, error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(blob_key) DO UPDATE SET
			error = excluded.error,
			attempts = leftover_blobs.attempts + 1,
			updated_at = excluded.updated_at`,
		key, jobID, msg, now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to record leftover blob %s", key)
	}
	return nil
}

// ListLeftovers returns recorded leftovers, oldest first
func (s *RunStore) ListLeftovers(ctx context.Context, limit int) ([]*Leftover, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_key, job_id, error, attempts, created_at, updated_at
		FROM leftover_blobs
		ORDER BY created_at ASC, blob_key ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list leftover blobs")
	}
	defer rows.Close()

	var leftovers []*Leftover
	for rows.Next() {
		var l Leftover
		if err := rows.Scan(&l.Key, &l.JobID, &l.Error, &l.Attempts, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan leftover blob")
		}
		leftovers = append(leftovers, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating leftover blobs")
	}
	return leftovers, nil
}

// DropLeftover forgets a leftover once its blob is gone
func (s *RunStore) DropLeftover(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leftover_blobs WHERE blob_key = ?`, key); err != nil {
		return errors.Wrapf(err, "failed to drop leftover blob %s", key)
	}
	return nil
}
