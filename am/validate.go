package am

import (
	"net/url"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/mundo/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	if c.Storage.PublicDir == "" {
		return errors.New("storage.public_dir cannot be empty")
	}
	if c.Storage.LocalDir == "" {
		return errors.New("storage.local_dir cannot be empty")
	}

	// Worker: poll 0 = wake-only, the rest must be positive
	if c.Pulse.PollIntervalSeconds < 0 {
		return errors.Newf("pulse.poll_interval_seconds must be >= 0, got %d", c.Pulse.PollIntervalSeconds)
	}
	if c.Pulse.RequeueDelaySeconds <= 0 {
		return errors.Newf("pulse.requeue_delay_seconds must be > 0, got %d", c.Pulse.RequeueDelaySeconds)
	}
	if c.Pulse.JobTimeoutSeconds <= 0 {
		return errors.Newf("pulse.job_timeout_seconds must be > 0, got %d", c.Pulse.JobTimeoutSeconds)
	}
	if c.Pulse.ResultTTLSeconds <= 0 {
		return errors.Newf("pulse.result_ttl_seconds must be > 0, got %d", c.Pulse.ResultTTLSeconds)
	}

	// Sweeper: interval 0 = disabled
	if c.Sweep.IntervalSeconds < 0 {
		return errors.Newf("sweep.interval_seconds must be >= 0, got %d", c.Sweep.IntervalSeconds)
	}
	if c.Sweep.StuckThresholdSeconds <= 0 {
		return errors.Newf("sweep.stuck_threshold_seconds must be > 0, got %d", c.Sweep.StuckThresholdSeconds)
	}
	if c.Sweep.StuckThresholdSeconds < c.Pulse.JobTimeoutSeconds {
		return errors.WithHint(
			errors.Newf("sweep.stuck_threshold_seconds (%d) is shorter than pulse.job_timeout_seconds (%d)",
				c.Sweep.StuckThresholdSeconds, c.Pulse.JobTimeoutSeconds),
			"the sweeper would reclaim jobs the worker is still allowed to run")
	}
	if c.Sweep.ChunkSessionTTLSeconds <= 0 {
		return errors.Newf("sweep.chunk_session_ttl_seconds must be > 0, got %d", c.Sweep.ChunkSessionTTLSeconds)
	}
	if c.Sweep.HistoryRetentionSeconds < 0 {
		return errors.Newf("sweep.history_retention_seconds must be >= 0, got %d", c.Sweep.HistoryRetentionSeconds)
	}

	if c.Transform.Command != "" {
		args, err := shellquote.Split(c.Transform.Command)
		if err != nil {
			return errors.Wrap(err, "transform.command is not a valid command line")
		}
		if len(args) == 0 {
			return errors.New("transform.command has no program")
		}
	}

	if c.Notify.WebhookURL != "" {
		u, err := url.Parse(c.Notify.WebhookURL)
		if err != nil {
			return errors.Wrap(err, "notify.webhook_url is not a valid URL")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Newf("notify.webhook_url must use http or https, got %q", u.Scheme)
		}
	}
	if c.Notify.RatePerMinute < 0 {
		return errors.Newf("notify.rate_per_minute must be >= 0, got %d", c.Notify.RatePerMinute)
	}
	if c.Notify.MaxRetries < 0 {
		return errors.Newf("notify.max_retries must be >= 0, got %d", c.Notify.MaxRetries)
	}
	if c.Notify.TimeoutSeconds <= 0 {
		return errors.Newf("notify.timeout_seconds must be > 0, got %d", c.Notify.TimeoutSeconds)
	}

	if c.Upload.PendingTTLSeconds <= 0 {
		return errors.Newf("upload.pending_ttl_seconds must be > 0, got %d", c.Upload.PendingTTLSeconds)
	}
	if c.Upload.MaxUploadMB <= 0 {
		return errors.Newf("upload.max_upload_mb must be > 0, got %d", c.Upload.MaxUploadMB)
	}
	if c.Upload.MaxChunkMB <= 0 {
		return errors.Newf("upload.max_chunk_mb must be > 0, got %d", c.Upload.MaxChunkMB)
	}
	if c.Upload.MaxChunks <= 0 {
		return errors.Newf("upload.max_chunks must be > 0, got %d", c.Upload.MaxChunks)
	}
	for _, ext := range c.Upload.AllowedExtensions {
		if !isSupportedExtension(ext) {
			return errors.Newf("upload.allowed_extensions contains unsupported %q (supported: %s)",
				ext, strings.Join(DefaultAllowedExtensions, ", "))
		}
	}
	if c.Upload.ExtractMaxFiles < 0 || c.Upload.ExtractMaxFileSizeMB < 0 {
		return errors.New("upload.extract_max_files and upload.extract_max_file_size_mb must be >= 0")
	}

	return nil
}

func isSupportedExtension(ext string) bool {
	for _, known := range DefaultAllowedExtensions {
		if strings.EqualFold(strings.TrimPrefix(ext, "."), known) {
			return true
		}
	}
	return false
}
