package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/pulse/async"
	"github.com/teranos/mundo/sym"
)

// MetricsSource reports worker and host metrics for the ticker log line.
// *async.Worker satisfies it.
type MetricsSource interface {
	GetSystemMetrics(ctx context.Context) async.SystemMetrics
}

// Ticker drives registered tasks. It wakes every Interval, runs each task
// whose next run time has passed, and logs queue activity when it changes.
// Tasks run one at a time on the ticker goroutine.
type Ticker struct {
	registry        *TaskRegistry
	queue           *async.Queue
	metrics         MetricsSource // optional
	interval        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	logger          *zap.SugaredLogger
	pulseLog        *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	mu              sync.Mutex
	nextRun         map[string]time.Time
	lastTickAt      time.Time
	ticksSinceStart int64
	lastActiveWork  int
}

// TickerConfig contains configuration for the ticker
type TickerConfig struct {
	Interval time.Duration // How often to check for due tasks (default: 1 second)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval: 1 * time.Second,
	}
}

// NewTicker creates a ticker over the registry's tasks
func NewTicker(registry *TaskRegistry, queue *async.Queue, metrics MetricsSource, cfg TickerConfig, logger *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), registry, queue, metrics, cfg, logger)
}

// NewTickerWithContext creates a ticker with a parent context
func NewTickerWithContext(ctx context.Context, registry *TaskRegistry, queue *async.Queue, metrics MetricsSource, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	return &Ticker{
		registry: registry,
		queue:    queue,
		metrics:  metrics,
		interval: cfg.Interval,
		ctx:      tickerCtx,
		cancel:   cancel,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
		nextRun:  make(map[string]time.Time),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	now := time.Now()
	t.mu.Lock()
	for _, task := range t.registry.Tasks() {
		if task.RunAtStart {
			t.nextRun[task.Name] = now
		} else {
			t.nextRun[task.Name] = now.Add(task.Interval)
		}
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval, "tasks", len(t.registry.Tasks()))
}

// Stop gracefully stops the ticker, waiting for a running task to return
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			t.mu.Unlock()

			t.logActivity()

			if err := t.runDueTasks(tickTime); err != nil && !errors.Is(err, context.Canceled) {
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", t.ticksSinceStart)
			}
		}
	}
}

// runDueTasks runs every task whose next run time is at or before now.
// A failing task is logged and rescheduled like a successful one.
func (t *Ticker) runDueTasks(now time.Time) error {
	for _, task := range t.registry.Tasks() {
		if err := t.ctx.Err(); err != nil {
			return err
		}

		t.mu.Lock()
		next, ok := t.nextRun[task.Name]
		if !ok {
			// registered after Start
			next = now.Add(task.Interval)
			t.nextRun[task.Name] = next
		}
		t.mu.Unlock()

		if next.After(now) {
			continue
		}

		t.execute(task)

		t.mu.Lock()
		t.nextRun[task.Name] = time.Now().Add(task.Interval)
		t.mu.Unlock()
	}
	return nil
}

// RunTask runs a registered task immediately on the caller's goroutine
func (t *Ticker) RunTask(name string) error {
	task, ok := t.registry.Get(name)
	if !ok {
		return errors.NewNotFoundError("task not found: %s", name)
	}
	return t.execute(task)
}

func (t *Ticker) execute(task Task) error {
	start := time.Now()
	err := task.Run(t.ctx)
	duration := time.Since(start)

	if err != nil {
		t.pulseLog.Errorw("Pulse task FAILED",
			"task", task.Name,
			logger.FieldDurationMS, duration.Milliseconds(),
			logger.FieldError, err)
		return err
	}

	t.pulseLog.Debugw("Pulse task OK",
		"task", task.Name,
		logger.FieldDurationMS, duration.Milliseconds(),
		"next_in", task.Interval)
	return nil
}

// logActivity logs queue activity when the pending+processing count changes
func (t *Ticker) logActivity() {
	if t.queue == nil {
		return
	}

	stats, err := t.queue.GetStats(t.ctx)
	if err != nil {
		t.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		return
	}

	activeWork := stats.Pending + stats.Processing

	t.mu.Lock()
	hasChanged := activeWork != t.lastActiveWork
	t.lastActiveWork = activeWork
	t.mu.Unlock()

	if !hasChanged {
		return
	}

	t.pulseLog.Infow(t.activityMessage(stats))
}

func (t *Ticker) activityMessage(stats *async.QueueStats) string {
	activeWork := stats.Pending + stats.Processing

	// One pulse per 5 active jobs, capped at 60
	pulseIndicator := ""
	if activeWork > 0 {
		numSymbols := (activeWork / 5) + 1
		if numSymbols > 60 {
			numSymbols = 60
		}
		pulseIndicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", numSymbols)) + " "
	}

	var msg string
	if activeWork == 0 {
		msg = "Pulse - queue idle"
	} else {
		msg = fmt.Sprintf("%sPulse - %d pending, %d processing", pulseIndicator, stats.Pending, stats.Processing)
	}

	if t.metrics != nil {
		m := t.metrics.GetSystemMetrics(t.ctx)
		worker := "stopped"
		if m.WorkerRunning {
			worker = "running"
		}
		msg += fmt.Sprintf(" │ Worker: %s │ Mem: %.1f/%.1fGB (%.0f%%)",
			worker, m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent)
	}

	return msg
}

// NextRun returns when the named task is next due
func (t *Ticker) NextRun(name string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next, ok := t.nextRun[name]
	return next, ok
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return map[string]interface{}{
		"last_tick_at":      t.lastTickAt,
		"ticks_since_start": t.ticksSinceStart,
		"interval":          t.interval,
	}
}
