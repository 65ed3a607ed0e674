// Package am loads and validates mundo configuration.
//
// Settings are merged from built-in defaults, TOML files (system, user,
// project) and MUNDO_* environment variables, in that order of precedence.
package am

import "time"

// Config represents the complete mundo configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database" yaml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" toml:"storage" yaml:"storage"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse" yaml:"pulse"`
	Sweep     SweepConfig     `mapstructure:"sweep" toml:"sweep" yaml:"sweep"`
	Transform TransformConfig `mapstructure:"transform" toml:"transform" yaml:"transform"`
	Notify    NotifyConfig    `mapstructure:"notify" toml:"notify" yaml:"notify"`
	Upload    UploadConfig    `mapstructure:"upload" toml:"upload" yaml:"upload"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port,omitempty" yaml:"port,omitempty"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins" yaml:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort  = 8877
	FallbackServerPort = 8878
)

// StorageConfig configures the two blob areas.
// Public holds pending inputs and processed outputs, local holds chunk
// staging and extraction scratch space.
type StorageConfig struct {
	PublicDir string `mapstructure:"public_dir" toml:"public_dir" yaml:"public_dir"`
	LocalDir  string `mapstructure:"local_dir" toml:"local_dir" yaml:"local_dir"`
}

// PulseConfig configures the single-flight world worker
type PulseConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds" yaml:"poll_interval_seconds"` // 0 = only wake on upload
	RequeueDelaySeconds int `mapstructure:"requeue_delay_seconds" toml:"requeue_delay_seconds" yaml:"requeue_delay_seconds"` // retry delay when the slot is busy
	JobTimeoutSeconds   int `mapstructure:"job_timeout_seconds" toml:"job_timeout_seconds" yaml:"job_timeout_seconds"`       // wall-clock budget per job
	ResultTTLSeconds    int `mapstructure:"result_ttl_seconds" toml:"result_ttl_seconds" yaml:"result_ttl_seconds"`          // how long a ready archive stays downloadable
}

// SweepConfig configures the expiration sweeper
type SweepConfig struct {
	IntervalSeconds         int `mapstructure:"interval_seconds" toml:"interval_seconds" yaml:"interval_seconds"` // 0 = disabled
	StuckThresholdSeconds   int `mapstructure:"stuck_threshold_seconds" toml:"stuck_threshold_seconds" yaml:"stuck_threshold_seconds"`
	ChunkSessionTTLSeconds  int `mapstructure:"chunk_session_ttl_seconds" toml:"chunk_session_ttl_seconds" yaml:"chunk_session_ttl_seconds"`
	HistoryRetentionSeconds int `mapstructure:"history_retention_seconds" toml:"history_retention_seconds" yaml:"history_retention_seconds"` // 0 = keep forever
}

// TransformConfig configures the external world transform.
// Command is split with shell quoting rules; {input} and {output} are
// replaced with the content root and output directory. When neither
// placeholder appears both paths are appended as trailing arguments.
type TransformConfig struct {
	Command string   `mapstructure:"command" toml:"command" yaml:"command"`
	Dir     string   `mapstructure:"dir" toml:"dir" yaml:"dir"`
	Env     []string `mapstructure:"env" toml:"env" yaml:"env"`
}

// NotifyConfig configures outbound notifications
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url" toml:"webhook_url" yaml:"webhook_url"` // empty = webhook disabled
	Username       string `mapstructure:"username" toml:"username" yaml:"username"`
	AppName        string `mapstructure:"app_name" toml:"app_name" yaml:"app_name"`
	RatePerMinute  int    `mapstructure:"rate_per_minute" toml:"rate_per_minute" yaml:"rate_per_minute"`
	MaxRetries     int    `mapstructure:"max_retries" toml:"max_retries" yaml:"max_retries"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" toml:"timeout_seconds" yaml:"timeout_seconds"`
	AllowPrivate   bool   `mapstructure:"allow_private" toml:"allow_private" yaml:"allow_private"` // permit webhooks on private networks
	QueueSize      int    `mapstructure:"queue_size" toml:"queue_size" yaml:"queue_size"`
}

// UploadConfig configures upload acceptance and extraction limits
type UploadConfig struct {
	PendingTTLSeconds    int      `mapstructure:"pending_ttl_seconds" toml:"pending_ttl_seconds" yaml:"pending_ttl_seconds"`
	MaxUploadMB          int      `mapstructure:"max_upload_mb" toml:"max_upload_mb" yaml:"max_upload_mb"`
	MaxChunkMB           int      `mapstructure:"max_chunk_mb" toml:"max_chunk_mb" yaml:"max_chunk_mb"`
	MaxChunks            int      `mapstructure:"max_chunks" toml:"max_chunks" yaml:"max_chunks"`
	AllowedExtensions    []string `mapstructure:"allowed_extensions" toml:"allowed_extensions" yaml:"allowed_extensions"`
	ExtractMaxFiles      int      `mapstructure:"extract_max_files" toml:"extract_max_files" yaml:"extract_max_files"`             // 0 = unlimited
	ExtractMaxFileSizeMB int      `mapstructure:"extract_max_file_size_mb" toml:"extract_max_file_size_mb" yaml:"extract_max_file_size_mb"` // 0 = unlimited
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// PollInterval returns the worker polling interval
func (c PulseConfig) PollInterval() time.Duration { return seconds(c.PollIntervalSeconds) }

// RequeueDelay returns the delay before retrying a busy slot
func (c PulseConfig) RequeueDelay() time.Duration { return seconds(c.RequeueDelaySeconds) }

// JobTimeout returns the per-job wall-clock budget
func (c PulseConfig) JobTimeout() time.Duration { return seconds(c.JobTimeoutSeconds) }

// ResultTTL returns how long ready results stay available
func (c PulseConfig) ResultTTL() time.Duration { return seconds(c.ResultTTLSeconds) }

// Interval returns the sweep period
func (c SweepConfig) Interval() time.Duration { return seconds(c.IntervalSeconds) }

// StuckThreshold returns how long a job may stay processing before it is reclaimed
func (c SweepConfig) StuckThreshold() time.Duration { return seconds(c.StuckThresholdSeconds) }

// ChunkSessionTTL returns the age after which abandoned chunk sessions are removed
func (c SweepConfig) ChunkSessionTTL() time.Duration { return seconds(c.ChunkSessionTTLSeconds) }

// HistoryRetention returns how long sweep run history is kept
func (c SweepConfig) HistoryRetention() time.Duration { return seconds(c.HistoryRetentionSeconds) }

// PendingTTL returns the expiry assigned to freshly uploaded jobs
func (c UploadConfig) PendingTTL() time.Duration { return seconds(c.PendingTTLSeconds) }

// Timeout returns the per-request webhook timeout
func (c NotifyConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }
