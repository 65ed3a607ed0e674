package server

import (
	"time"

	"github.com/teranos/mundo/notify"
	"github.com/teranos/mundo/pulse/async"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds how long Stop waits for goroutines.
	// The worker may need the rest of a transform's grace period to requeue.
	ShutdownTimeout = 60 * time.Second
	// chunkFormMemory is how much of a chunk form is held in memory before spilling to disk
	chunkFormMemory = 32 << 20
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// UploadResponse acknowledges a stored world
type UploadResponse struct {
	Message    string         `json:"message"`
	JobID      string         `json:"job_id"`
	StoredPath string         `json:"stored_path"`
	State      async.JobState `json:"state"`
}

// ChunkResponse acknowledges one chunk. The job fields are set once the
// final chunk completes the upload.
type ChunkResponse struct {
	UploadID   string         `json:"upload_id"`
	Received   int            `json:"chunks_received"`
	Total      int            `json:"total_chunks"`
	Progress   float64        `json:"progress"`
	Complete   bool           `json:"complete"`
	Message    string         `json:"message,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	StoredPath string         `json:"stored_path,omitempty"`
	State      async.JobState `json:"state,omitempty"`
}

// SessionResponse returns a new chunk session id
type SessionResponse struct {
	UploadID string `json:"upload_id"`
}

// StatusResponse describes a job. Which fields are set depends on the state.
type StatusResponse struct {
	JobID        string         `json:"job_id"`
	State        async.JobState `json:"state"`
	OriginalName string         `json:"original_name,omitempty"`
	StoredPath   string         `json:"stored_path,omitempty"`
	DownloadURL  string         `json:"download_url,omitempty"`
	Position     int            `json:"position,omitempty"`
	QueueLength  int            `json:"queue_length,omitempty"`
	SizeMB       *float64       `json:"size_mb,omitempty"`
	SizeFinalMB  *float64       `json:"size_final_mb,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// StatusErrorResponse reports a job that ended in an error state
type StatusErrorResponse struct {
	Error string         `json:"error"`
	JobID string         `json:"job_id"`
	State async.JobState `json:"state"`
}

// QueueResponse is the public queue summary
type QueueResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

// SystemResponse combines worker metrics and queue counts
type SystemResponse struct {
	Worker  *async.SystemMetrics `json:"worker,omitempty"`
	Queue   *async.QueueStats    `json:"queue"`
	Clients int                  `json:"clients"`
	Version string               `json:"version"`
	Uptime  int64                `json:"uptime_seconds"`
}

// EventMessage carries a notification event to websocket clients
type EventMessage struct {
	Type  string       `json:"type"` // "event"
	Event notify.Event `json:"event"`
}

// JobUpdateMessage carries a job state change to websocket clients
type JobUpdateMessage struct {
	Type  string         `json:"type"` // "job_update"
	JobID string         `json:"job_id"`
	State async.JobState `json:"state"`
	Error string         `json:"error,omitempty"`
	At    time.Time      `json:"at"`
}

// ClientMessage is a message sent by a websocket client
type ClientMessage struct {
	Type  string `json:"type"`   // "ping", "subscribe"
	JobID string `json:"job_id"` // for subscribe: only receive events for this job
}
