package async

import (
	"context"
	"fmt"
	"time"
)

// minTransformMemoryGB is the free memory below which a transform run is
// likely to swap on a large world.
const minTransformMemoryGB = 2.0

// SystemMetrics reports worker activity and host memory
type SystemMetrics struct {
	WorkerRunning  bool    `json:"worker_running"`
	CurrentJobID   string  `json:"current_job_id,omitempty"`
	LastOutcome    Outcome `json:"last_outcome,omitempty"`
	JobsProcessed  int     `json:"jobs_processed"`
	UptimeSeconds  int64   `json:"uptime_seconds"`
	MemoryUsedGB   float64 `json:"memory_used_gb"`
	MemoryTotalGB  float64 `json:"memory_total_gb"`
	MemoryPercent  float64 `json:"memory_percent"`
	JobsPending    int     `json:"jobs_pending"`
	JobsProcessing int     `json:"jobs_processing"`
}

// getMemoryStats is implemented in platform-specific files:
// - system_metrics_linux.go
// - system_metrics_other.go (macOS, BSD)
// - system_metrics_windows.go

// GetSystemMetrics returns current worker and memory state
func (w *Worker) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	var pending, processing int
	if stats, err := w.queue.GetStats(ctx); err == nil {
		pending, processing = stats.Pending, stats.Processing
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var uptime int64
	if w.running {
		uptime = int64(time.Since(w.startTime).Seconds())
	}

	return SystemMetrics{
		WorkerRunning:  w.running,
		CurrentJobID:   w.currentJobID,
		LastOutcome:    w.lastOutcome,
		JobsProcessed:  w.jobsProcessed,
		UptimeSeconds:  uptime,
		MemoryUsedGB:   memUsedGB,
		MemoryTotalGB:  memTotalGB,
		MemoryPercent:  memPercent,
		JobsPending:    pending,
		JobsProcessing: processing,
	}
}

// checkMemoryPressure returns a warning when free memory is low, empty if OK
func (w *Worker) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	if availableGB < minTransformMemoryGB {
		return fmt.Sprintf(
			"Only %.1f of %.1fGB memory available; world transforms may be slow.",
			availableGB, totalGB)
	}

	return ""
}
