package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/teranos/mundo/errors"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue serializes job mutations within one process and fans job updates
// out to subscribers. Cross-process exclusion is the claim transaction's job.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Job, 0),
	}
}

// Store returns the backing job store
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue persists a new pending job
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.CreateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Stored path: %s", job.StoredPath))
		return err
	}

	q.notifySubscribers(job)

	return nil
}

// Claim takes the processing slot for the oldest pending job.
// See Store.ClaimNext for the return contract.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.ClaimNext(ctx)
	if err != nil {
		if errors.Is(err, ErrSlotBusy) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to claim next job")
	}
	if job == nil {
		return nil, nil
	}

	q.notifySubscribers(job)

	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetJob(ctx, id)
}

// UpdateJob writes a job unconditionally
func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("State: %s", job.State))
		return err
	}

	q.notifySubscribers(job)

	return nil
}

// Transition writes a job only if its stored state still equals from.
func (q *Queue) Transition(ctx context.Context, job *Job, from JobState) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ok, err := q.store.TransitionJob(ctx, job, from)
	if err != nil {
		err = errors.Wrapf(err, "failed to move job from %s to %s", from, job.State)
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		return false, err
	}
	if ok {
		q.notifySubscribers(job)
	}

	return ok, nil
}

// ListJobs returns jobs, optionally filtered by state
func (q *Queue) ListJobs(ctx context.Context, state *JobState, limit int) ([]*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListJobs(ctx, state, limit)
}

// Position returns a pending job's 1-based queue position and the queue length
func (q *Queue) Position(ctx context.Context, job *Job) (int, int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.QueuePosition(ctx, job)
}

// Subscribe returns a channel that receives job updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is not closed; the caller owns it.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a copy of the job to every subscriber.
// REQUIRES: q.mu held. Slow subscribers miss updates rather than block.
func (q *Queue) notifySubscribers(job *Job) {
	for _, ch := range q.subscribers {
		snapshot := *job
		select {
		case ch <- &snapshot:
		default:
		}
	}
}

// QueueStats summarizes the queue for status endpoints
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Ready      int `json:"ready"`
	Failed     int `json:"failed"`
	Expired    int `json:"expired"`
}

// GetStats returns job counts grouped for display
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByState(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue stats")
	}

	return &QueueStats{
		Pending:    counts[StatePending],
		Processing: counts[StateProcessing],
		Ready:      counts[StateReady],
		Failed:     counts[StateErrorProcessing] + counts[StateErrorTimeout] + counts[StateErrorTimeoutOrFailed],
		Expired:    counts[StateExpired],
	}, nil
}
