package schedule

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/mundo/am"
	"github.com/teranos/mundo/blob"
	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
)

// SweepTaskName is the registry name of the sweep task
const SweepTaskName = "sweep"

// BlobStore is the subset of blob.Store the sweeper needs
type BlobStore interface {
	Exists(key string) (bool, error)
	Delete(key string) error
}

// ScratchCleaner removes a job's scratch directories. world.Pipeline satisfies it.
type ScratchCleaner interface {
	Cleanup(job *async.Job) error
}

// SessionJanitor removes abandoned chunk sessions. upload.Assembler satisfies it.
type SessionJanitor interface {
	SweepStaleSessions(ctx context.Context, maxAge time.Duration) (int, error)
}

// SweepConfig controls the sweep passes
type SweepConfig struct {
	Interval         time.Duration
	StuckThreshold   time.Duration
	ChunkSessionTTL  time.Duration // 0 disables pass 3
	HistoryRetention time.Duration // 0 keeps every run
}

// SweepConfigFrom extracts sweep settings from the application config
func SweepConfigFrom(cfg *am.Config) SweepConfig {
	return SweepConfig{
		Interval:         cfg.Sweep.Interval(),
		StuckThreshold:   cfg.Sweep.StuckThreshold(),
		ChunkSessionTTL:  cfg.Sweep.ChunkSessionTTL(),
		HistoryRetention: cfg.Sweep.HistoryRetention(),
	}
}

// Sweeper retires expired jobs and reclaims stuck ones.
//
// Pass 1 expires pending and ready jobs whose expires_at has passed,
// deleting their blob. Pass 2 moves jobs processing since before the stuck
// threshold to error_timeout, deleting their staged input. Pass 3 removes
// chunk sessions with no recent activity. A failure on one job is logged,
// notified and counted; the sweep moves on. Re-running a sweep over the
// same rows changes nothing.
type Sweeper struct {
	queue    *async.Queue
	blobs    BlobStore
	scratch  ScratchCleaner // optional
	janitor  SessionJanitor // optional
	runs     *RunStore
	notifier notify.Notifier
	cfg      SweepConfig
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger
	now      func() time.Time
}

// NewSweeper creates a sweeper. scratch and janitor may be nil.
func NewSweeper(queue *async.Queue, blobs BlobStore, scratch ScratchCleaner, janitor SessionJanitor, notifier notify.Notifier, cfg SweepConfig, log *zap.SugaredLogger) *Sweeper {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("sweep")
	return &Sweeper{
		queue:    queue,
		blobs:    blobs,
		scratch:  scratch,
		janitor:  janitor,
		runs:     NewRunStore(queue.Store().DB()),
		notifier: notifier,
		cfg:      cfg,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Runs returns the sweep history store
func (s *Sweeper) Runs() *RunStore {
	return s.runs
}

// Task returns the sweep as a registry task
func (s *Sweeper) Task() Task {
	return Task{
		Name:     SweepTaskName,
		Interval: s.cfg.Interval,
		Run: func(ctx context.Context) error {
			_, err := s.Run(ctx)
			return err
		},
	}
}

// Run performs one sweep and records it in sweep_runs.
// The returned error covers infrastructure failures only; per-job
// failures are counted in Run.Failures.
func (s *Sweeper) Run(ctx context.Context) (*Run, error) {
	start := s.now()
	run := &Run{
		ID:        uuid.NewString(),
		Status:    RunStatusRunning,
		StartedAt: start,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		// History is nice-to-have; the sweep itself still runs
		s.pulseLog.Warnw("Failed to record sweep run", logger.FieldError, err)
	}

	err := s.sweep(ctx, run, start)

	completed := s.now()
	durationMs := int(completed.Sub(start).Milliseconds())
	run.CompletedAt = &completed
	run.DurationMs = &durationMs
	run.Status = RunStatusCompleted
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err.Error()
	}

	// Record the outcome even if ctx was cancelled mid-sweep
	if uerr := s.runs.UpdateRun(context.WithoutCancel(ctx), run); uerr != nil {
		s.pulseLog.Warnw("Failed to update sweep run", logger.FieldError, uerr)
	}

	if s.cfg.HistoryRetention > 0 {
		if n, cerr := s.runs.CleanupOldRuns(ctx, start.Add(-s.cfg.HistoryRetention)); cerr != nil {
			s.pulseLog.Warnw("Failed to prune sweep history", logger.FieldError, cerr)
		} else if n > 0 {
			s.pulseLog.Debugw("Pruned sweep history", logger.FieldCount, n)
		}
	}

	fields := []interface{}{
		"expired", run.Expired,
		"stuck", run.Stuck,
		"sessions_removed", run.SessionsRemoved,
		"failures", run.Failures,
		logger.FieldDurationMS, durationMs,
	}
	switch {
	case err != nil:
		s.pulseLog.Errorw("Sweep FAILED", append(fields, logger.FieldError, err)...)
	case run.Changed() || run.Failures > 0:
		s.pulseLog.Infow("Sweep complete", fields...)
	default:
		s.pulseLog.Debugw("Sweep complete, nothing to do", fields...)
	}

	return run, err
}

func (s *Sweeper) sweep(ctx context.Context, run *Run, now time.Time) error {
	s.retryLeftovers(ctx)

	// Pass 1: expiry
	expired, err := s.queue.Store().ListExpired(ctx, now)
	if err != nil {
		return errors.Wrap(err, "expiry pass")
	}
	for _, job := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.expire(ctx, job)
		if ok {
			run.Expired++
		}
		if err != nil {
			s.jobFailed(job, "expire", err)
			run.Failures++
		}
	}

	// Pass 2: stuck jobs
	if s.cfg.StuckThreshold > 0 {
		stuck, err := s.queue.Store().ListStuck(ctx, now.Add(-s.cfg.StuckThreshold))
		if err != nil {
			return errors.Wrap(err, "stuck-job pass")
		}
		for _, job := range stuck {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := s.reclaim(ctx, job)
			if err != nil {
				s.jobFailed(job, "reclaim", err)
				run.Failures++
				continue
			}
			if ok {
				run.Stuck++
			}
		}
	}

	// Pass 3: abandoned chunk sessions
	if s.janitor != nil && s.cfg.ChunkSessionTTL > 0 {
		n, err := s.janitor.SweepStaleSessions(ctx, s.cfg.ChunkSessionTTL)
		run.SessionsRemoved = n
		if err != nil {
			return errors.Wrap(err, "chunk session pass")
		}
	}

	return nil
}

// expire moves the job to expired and deletes its blob. The state flips
// first so a pending job claimed concurrently never loses its input.
// Returns false when the job changed state under the sweep. A blob that
// cannot be deleted is recorded as a leftover and retried by later sweeps.
func (s *Sweeper) expire(ctx context.Context, job *async.Job) (bool, error) {
	from := job.State
	stored := job.StoredPath

	job.Expire()
	ok, err := s.queue.Transition(ctx, job, from)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debugw("Job moved before it could expire", logger.FieldJobID, job.ID)
		return false, nil
	}

	s.notifier.Deliver(notify.Expired(job.ID))
	s.logger.Infow("World expired", logger.FieldJobID, job.ID, "previous_state", from)

	if err := s.deleteIfExists(stored); err != nil {
		s.keepLeftover(ctx, job.ID, stored, err)
		return true, errors.Wrapf(err, "job %s expired but its blob remains", job.ID)
	}
	return true, nil
}

// reclaim moves a stuck processing job to error_timeout.
// Returns false when the job left processing under the sweep.
func (s *Sweeper) reclaim(ctx context.Context, job *async.Job) (bool, error) {
	input := job.StoredPath
	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}

	cause := errors.Mark(
		errors.Newf("job stuck in processing since %s", started.UTC().Format(time.RFC3339)),
		async.ErrStuckJob)
	job.Fail(async.StateErrorTimeout, cause)

	ok, err := s.queue.Transition(ctx, job, async.StateProcessing)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// Only staged inputs are removed; anything else is not ours to touch
	if strings.HasPrefix(input, blob.PendingPrefix+"/") {
		if err := s.deleteIfExists(input); err != nil {
			s.logger.Warnw("Failed to delete stuck job input", logger.FieldJobID, job.ID, logger.FieldBlob, input, logger.FieldError, err)
			s.keepLeftover(ctx, job.ID, input, err)
		}
	}
	if s.scratch != nil {
		if err := s.scratch.Cleanup(job); err != nil {
			s.logger.Warnw("Failed to remove scratch directories", logger.FieldJobID, job.ID, logger.FieldError, err)
		}
	}

	s.notifier.Deliver(notify.Failed(job.ID, job.Error, string(async.ErrorCodeStuck)))
	s.logger.Warnw("Stuck job reclaimed", logger.FieldJobID, job.ID, logger.FieldState, job.State)
	return true, nil
}

// keepLeftover records a blob whose job has moved on but whose delete
// failed, so later sweeps retry it.
func (s *Sweeper) keepLeftover(ctx context.Context, jobID, key string, cause error) {
	if key == "" {
		return
	}
	if err := s.runs.RecordLeftover(context.WithoutCancel(ctx), key, jobID, cause); err != nil {
		s.logger.Errorw("Blob left behind and could not be recorded, remove it manually",
			logger.FieldJobID, jobID, logger.FieldBlob, key, logger.FieldError, err)
		return
	}
	s.logger.Warnw("Blob left behind, will retry next sweep",
		logger.FieldJobID, jobID, logger.FieldBlob, key, logger.FieldError, cause)
}

// retryLeftovers deletes blobs earlier sweeps failed to remove
func (s *Sweeper) retryLeftovers(ctx context.Context) {
	leftovers, err := s.runs.ListLeftovers(ctx, MaxLeftoversPerSweep)
	if err != nil {
		s.logger.Warnw("Failed to list leftover blobs", logger.FieldError, err)
		return
	}
	for _, l := range leftovers {
		if ctx.Err() != nil {
			return
		}
		if err := s.deleteIfExists(l.Key); err != nil {
			s.keepLeftover(ctx, l.JobID, l.Key, err)
			continue
		}
		if err := s.runs.DropLeftover(ctx, l.Key); err != nil {
			s.logger.Warnw("Failed to drop leftover record", logger.FieldBlob, l.Key, logger.FieldError, err)
			continue
		}
		s.logger.Infow("Leftover blob removed", logger.FieldJobID, l.JobID, logger.FieldBlob, l.Key, "attempts", l.Attempts)
	}
}

func (s *Sweeper) deleteIfExists(key string) error {
	if key == "" {
		return nil
	}
	exists, err := s.blobs.Exists(key)
	if err != nil {
		return errors.Wrapf(err, "failed to check blob %s", key)
	}
	if !exists {
		return nil
	}
	return s.blobs.Delete(key)
}

func (s *Sweeper) jobFailed(job *async.Job, stage string, err error) {
	ec := async.ClassifyError(stage, err)
	s.logger.Errorw("Sweep failed for job",
		logger.FieldJobID, job.ID,
		logger.FieldStage, stage,
		logger.FieldErrorCode, ec.Code,
		logger.FieldError, err)
	s.notifier.Deliver(notify.Failed(job.ID, "Error durante la limpieza: "+err.Error(), string(ec.Code)))
}
