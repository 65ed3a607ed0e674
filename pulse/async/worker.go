package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/mundo/am"
	"github.com/teranos/mundo/db"
	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/sym"
)

// MaxOrphanedJobsToRecover limits how many processing rows startup recovery inspects
const MaxOrphanedJobsToRecover = 1000

// OrphanGracePeriod is added to the job budget before startup recovery
// treats a processing row as abandoned
const OrphanGracePeriod = time.Minute

// Outcome describes what one worker invocation did
type Outcome string

const (
	OutcomeIdle     Outcome = "idle"      // nothing pending
	OutcomeDeferred Outcome = "deferred"  // another job holds the slot
	OutcomeReady    Outcome = "ready"     // job finished successfully
	OutcomeFailed   Outcome = "failed"    // job moved to error_processing
	OutcomeTimedOut Outcome = "timed_out" // safety net moved the job to error_timeout_or_failed
	OutcomeRequeued Outcome = "requeued"  // worker stopped mid-job, job returned to pending
	OutcomeError    Outcome = "error"     // infrastructure failure before or after execution
)

// ExecuteResult is what an executor produced for a job
type ExecuteResult struct {
	OutputPath string // blob key of the output archive
	SizeBytes  int64
}

// JobExecutor performs the expensive part of a claimed job.
// Cleanup removes per-job scratch space; it must be idempotent.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) (*ExecuteResult, error)
	Cleanup(job *Job) error
}

// BlobDeleter removes stored blobs by key. A missing key is not an error.
type BlobDeleter interface {
	Delete(key string) error
}

// pulseLogger wraps zap.SugaredLogger with the worker's lifecycle markers
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// WorkerConfig contains timing configuration for the worker
type WorkerConfig struct {
	PollInterval time.Duration `json:"poll_interval"` // 0 = only run when woken
	RequeueDelay time.Duration `json:"requeue_delay"` // retry delay after a deferred run
	JobTimeout   time.Duration `json:"job_timeout"`   // wall-clock budget per job, 0 = none
	ResultTTL    time.Duration `json:"result_ttl"`    // expiry of ready results
}

// DefaultWorkerConfig returns the production timings
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 30 * time.Second,
		RequeueDelay: 60 * time.Second,
		JobTimeout:   5 * time.Minute,
		ResultTTL:    time.Hour,
	}
}

// WorkerConfigFrom builds the worker timings from loaded configuration
func WorkerConfigFrom(cfg *am.Config) WorkerConfig {
	return WorkerConfig{
		PollInterval: cfg.Pulse.PollInterval(),
		RequeueDelay: cfg.Pulse.RequeueDelay(),
		JobTimeout:   cfg.Pulse.JobTimeout(),
		ResultTTL:    cfg.Pulse.ResultTTL(),
	}
}

// Worker is the single-flight driver: it claims at most one job at a time,
// runs it through the executor and records the terminal state.
type Worker struct {
	queue     *Queue
	executor  JobExecutor
	blobs     BlobDeleter
	notifier  notify.Notifier
	cfg       WorkerConfig
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	wake      chan struct{}
	logger    pulseLogger

	mu            sync.Mutex
	running       bool
	currentJobID  string
	jobsProcessed int
	lastOutcome   Outcome
	startTime     time.Time
}

// NewWorker creates a worker bound to ctx. Cancelling ctx stops the worker.
func NewWorker(ctx context.Context, db *sql.DB, executor JobExecutor, blobs BlobDeleter, notifier notify.Notifier, cfg WorkerConfig, log *zap.SugaredLogger) *Worker {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	workerCtx, cancel := context.WithCancel(ctx)

	return &Worker{
		queue:     NewQueue(db),
		executor:  executor,
		blobs:     blobs,
		notifier:  notifier,
		cfg:       cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		logger:    pulseLogger{log.Named("pulse")},
	}
}

// Queue returns the job queue (useful for enqueuing jobs)
func (w *Worker) Queue() *Queue {
	return w.queue
}

// Start recovers jobs orphaned by a previous process, then begins the
// processing loop. A pending job is picked up immediately.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.ctx.Done():
		w.ctx, w.cancel = context.WithCancel(w.parentCtx)
		w.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	w.running = true
	w.startTime = time.Now()
	w.mu.Unlock()

	if n, err := w.RecoverOrphans(w.ctx); err != nil {
		w.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if n > 0 {
		w.logger.Starting("Recovered orphaned jobs from previous process", logger.FieldCount, n)
	}

	if warning := w.checkMemoryPressure(); warning != "" {
		w.logger.Warnw("Memory pressure warning", "warning", warning)
	}

	w.wg.Add(1)
	go w.loop()
	w.Wake()
}

// Stop cancels the loop and waits for the current job to settle.
// A job interrupted by Stop is returned to pending.
func (w *Worker) Stop() {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		w.logger.Closing("Worker stopped cleanly")
	case <-time.After(timeout):
		w.logger.Closing("Worker stop timed out, job may still be settling", "timeout", timeout)
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Wake requests a run without waiting for the next poll. Never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()

	var poll <-chan time.Time
	if w.cfg.PollInterval > 0 {
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		case <-poll:
		case <-retry.C:
		}

		// Drain the queue: keep going while jobs finish.
		for {
			outcome, err := w.RunOnce(w.ctx)
			if w.ctx.Err() != nil {
				return
			}

			if outcome == OutcomeError {
				if errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				w.logger.Errorw("Worker error processing job",
					logger.FieldError, err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					w.logger.Warnw("Worker backing off due to consecutive errors",
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-w.ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				w.logger.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if outcome == OutcomeDeferred {
				if w.cfg.RequeueDelay > 0 {
					retry.Reset(w.cfg.RequeueDelay)
				}
				break
			}
			if outcome == OutcomeIdle || outcome == OutcomeRequeued {
				break
			}
		}
	}
}

// RunOnce performs one worker invocation: admission, claim, execution and
// the terminal transition. A processing failure is reported as
// (OutcomeFailed, err); the job is already recorded as failed.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	job, err := w.queue.Claim(ctx)
	if errors.Is(err, ErrSlotBusy) {
		w.logger.Debugw("Processing slot busy, deferring", "requeue_delay", w.cfg.RequeueDelay)
		w.recordOutcome(OutcomeDeferred)
		return OutcomeDeferred, nil
	}
	if db.IsBusy(err) {
		w.logger.Debugw("Database locked by another process, deferring", "requeue_delay", w.cfg.RequeueDelay)
		w.recordOutcome(OutcomeDeferred)
		return OutcomeDeferred, nil
	}
	if err != nil {
		return OutcomeError, err
	}
	if job == nil {
		return OutcomeIdle, nil
	}

	outcome, err := w.process(ctx, job)
	w.recordOutcome(outcome)
	return outcome, err
}

func (w *Worker) process(parent context.Context, job *Job) (outcome Outcome, err error) {
	log := w.logger.With(logger.FieldJobID, job.ID)
	// Post-execution writes must land even when the job budget or the
	// worker context has run out.
	settleCtx := context.WithoutCancel(parent)

	w.setCurrent(job.ID)
	defer w.setCurrent("")

	defer func() {
		if cerr := w.executor.Cleanup(job); cerr != nil {
			log.Warnw("Failed to remove scratch directories", logger.FieldError, cerr)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			cause := errors.Mark(errors.Newf("panic during processing: %v", r), ErrStuckJob)
			log.Errorw("Job panicked", logger.FieldError, cause)
			w.handleTerminalFailure(settleCtx, job.ID, cause)
			outcome, err = OutcomeTimedOut, cause
		}
	}()

	log.Infow(sym.Pulse+" Processing world", "original_name", job.OriginalName, logger.FieldBlob, job.StoredPath)
	w.notifier.Deliver(notify.Processing(job.ID, job.OriginalName))

	ctx, cancel := parent, context.CancelFunc(func() {})
	if w.cfg.JobTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, w.cfg.JobTimeout)
	}
	defer cancel()

	started := time.Now()
	result, execErr := w.executor.Execute(ctx, job)

	if execErr != nil {
		switch {
		case parent.Err() != nil:
			return w.requeue(settleCtx, job, log)

		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			cause := errors.Mark(errors.Wrapf(execErr, "job exceeded its %s budget", w.cfg.JobTimeout), ErrStuckJob)
			log.Warnw("Job timed out", logger.FieldError, execErr, "timeout", w.cfg.JobTimeout)
			w.handleTerminalFailure(settleCtx, job.ID, cause)
			return OutcomeTimedOut, cause
		}

		return w.fail(settleCtx, job, execErr, log)
	}

	input := job.StoredPath
	job.MarkReady(result.OutputPath, result.SizeBytes, w.cfg.ResultTTL)

	ok, err := w.queue.Transition(settleCtx, job, StateProcessing)
	if err != nil || !ok {
		// The row moved under us (or could not be written): the output
		// has no owner.
		w.deleteBlob(result.OutputPath, log)
		if err != nil {
			return OutcomeError, err
		}
		err = errors.Mark(errors.Newf("job %s left processing before completion", job.ID), ErrStuckJob)
		log.Warnw("Job was reclaimed while processing, discarding output", logger.FieldBlob, result.OutputPath)
		return OutcomeTimedOut, err
	}

	w.deleteBlob(input, log)

	size := 0.0
	if job.SizeMB != nil {
		size = *job.SizeMB
	}
	w.notifier.Deliver(notify.Ready(job.ID, job.OriginalName, size, *job.SizeFinalMB, job.ExpiresAt))

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Infow(sym.Pulse+" World ready",
		logger.FieldBlob, job.StoredPath,
		"size_final_mb", *job.SizeFinalMB,
		logger.FieldDurationMS, time.Since(started).Milliseconds())

	return OutcomeReady, nil
}

// fail records a processing failure: error_processing, path cleared,
// input deleted, error notification emitted.
func (w *Worker) fail(ctx context.Context, job *Job, cause error, log *zap.SugaredLogger) (Outcome, error) {
	ec := ClassifyError("execute", cause)
	input := job.StoredPath
	job.Fail(ec.State, cause)

	ok, err := w.queue.Transition(ctx, job, StateProcessing)
	if err != nil {
		return OutcomeError, errors.WithSecondaryError(err, cause)
	}
	if ok {
		w.deleteBlob(input, log)
		w.notifier.Deliver(notify.Failed(job.ID, ec.Message, string(ec.Code)))
	}

	log.Warnw("World processing failed",
		logger.FieldError, cause,
		logger.FieldErrorCode, ec.Code,
		logger.FieldState, ec.State)

	err = errors.WithDetail(cause, fmt.Sprintf("Job ID: %s", job.ID))
	return OutcomeFailed, err
}

// requeue returns a job interrupted by shutdown to pending. Its input blob
// is untouched, so the next worker starts it from scratch.
func (w *Worker) requeue(ctx context.Context, job *Job, log *zap.SugaredLogger) (Outcome, error) {
	job.State = StatePending
	job.StartedAt = nil
	job.UpdatedAt = time.Now().UTC()

	ok, err := w.queue.Transition(ctx, job, StateProcessing)
	if err != nil {
		log.Errorw("Failed to re-queue interrupted job", logger.FieldError, err)
		return OutcomeError, err
	}
	if ok {
		w.logger.Closing("Job interrupted by shutdown, re-queued", logger.FieldJobID, job.ID)
	}
	return OutcomeRequeued, nil
}

// handleTerminalFailure is the safety net for runs that did not finish
// normally. If the job is still processing it becomes
// error_timeout_or_failed, its input is deleted and scratch space removed.
// Jobs already in another state are left alone.
func (w *Worker) handleTerminalFailure(ctx context.Context, jobID string, cause error) {
	log := w.logger.With(logger.FieldJobID, jobID)

	job, err := w.queue.GetJob(ctx, jobID)
	if err != nil {
		log.Errorw("Safety net could not load job", logger.FieldError, err)
		return
	}
	if job.State != StateProcessing {
		return
	}

	input := job.StoredPath
	job.Fail(StateErrorTimeoutOrFailed, cause)

	ok, err := w.queue.Transition(ctx, job, StateProcessing)
	if err != nil {
		log.Errorw("Safety net could not record failure", logger.FieldError, err)
		return
	}
	if !ok {
		return
	}

	w.deleteBlob(input, log)
	if cerr := w.executor.Cleanup(job); cerr != nil {
		log.Warnw("Failed to remove scratch directories", logger.FieldError, cerr)
	}

	w.notifier.Deliver(notify.Failed(job.ID, job.Error, string(ErrorCodeStuck)))
	log.Warnw("Job marked "+string(StateErrorTimeoutOrFailed), logger.FieldError, cause)
}

// RecoverOrphans runs the safety net for processing jobs whose worker is
// gone. Other processes may share the database, so a job only counts as
// orphaned once it has been running longer than the job budget plus
// OrphanGracePeriod: a live worker would have settled it by then. Without
// a job budget nothing is recovered here and the sweeper's stuck-job pass
// is the only reclaimer.
func (w *Worker) RecoverOrphans(ctx context.Context) (int, error) {
	if w.cfg.JobTimeout <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-(w.cfg.JobTimeout + OrphanGracePeriod))
	orphans, err := w.queue.Store().ListStuck(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list orphaned jobs")
	}
	if len(orphans) > MaxOrphanedJobsToRecover {
		orphans = orphans[:MaxOrphanedJobsToRecover]
	}

	for _, job := range orphans {
		cause := errors.Mark(errors.Newf("job %s outlived its %s budget, its worker is gone", job.ID, w.cfg.JobTimeout), ErrStuckJob)
		w.handleTerminalFailure(ctx, job.ID, cause)
	}

	return len(orphans), nil
}

func (w *Worker) deleteBlob(key string, log *zap.SugaredLogger) {
	if key == "" || w.blobs == nil {
		return
	}
	if err := w.blobs.Delete(key); err != nil {
		log.Warnw("Failed to delete blob", logger.FieldBlob, key, logger.FieldError, err)
	}
}

func (w *Worker) setCurrent(jobID string) {
	w.mu.Lock()
	w.currentJobID = jobID
	w.mu.Unlock()
}

func (w *Worker) recordOutcome(o Outcome) {
	w.mu.Lock()
	w.lastOutcome = o
	w.mu.Unlock()
}
