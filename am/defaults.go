package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultAllowedExtensions lists accepted archive extensions, compound ones included.
var DefaultAllowedExtensions = []string{"zip", "tar", "tar.gz", "tar.bz2"}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "mundo.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Storage areas
	v.SetDefault("storage.public_dir", "storage/public")
	v.SetDefault("storage.local_dir", "storage/local")

	// Worker
	v.SetDefault("pulse.poll_interval_seconds", 30)
	v.SetDefault("pulse.requeue_delay_seconds", 60)
	v.SetDefault("pulse.job_timeout_seconds", 300)  // 5 minutes
	v.SetDefault("pulse.result_ttl_seconds", 3600) // 1 hour

	// Sweeper
	v.SetDefault("sweep.interval_seconds", 3600)            // hourly
	v.SetDefault("sweep.stuck_threshold_seconds", 900)      // 15 minutes
	v.SetDefault("sweep.chunk_session_ttl_seconds", 86400)  // 24 hours
	v.SetDefault("sweep.history_retention_seconds", 604800) // 7 days

	// Transform
	v.SetDefault("transform.command", "")
	v.SetDefault("transform.dir", "")

	// Notifications
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.username", "Mundo Notificaciones")
	v.SetDefault("notify.app_name", "mundo")
	v.SetDefault("notify.rate_per_minute", 30)
	v.SetDefault("notify.max_retries", 3)
	v.SetDefault("notify.timeout_seconds", 10)
	v.SetDefault("notify.allow_private", false)
	v.SetDefault("notify.queue_size", 64)

	// Uploads
	v.SetDefault("upload.pending_ttl_seconds", 86400) // 24 hours
	v.SetDefault("upload.max_upload_mb", 2048)
	v.SetDefault("upload.max_chunk_mb", 64)
	v.SetDefault("upload.max_chunks", 10000)
	v.SetDefault("upload.allowed_extensions", DefaultAllowedExtensions)
	v.SetDefault("upload.extract_max_files", 200000)
	v.SetDefault("upload.extract_max_file_size_mb", 1024)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "MUNDO_DATABASE_PATH")
	v.BindEnv("notify.webhook_url", "MUNDO_NOTIFY_WEBHOOK_URL", "DISCORD_WEBHOOK_URL")
	v.BindEnv("transform.command", "MUNDO_TRANSFORM_COMMAND")
}

// DefaultConfig returns the configuration produced by defaults alone
func DefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always decode; reaching this is a programming error
		panic(err)
	}
	return cfg
}

// GetServerPort returns the configured port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "mundo.db" // Fallback default
	}
	return c.Database.Path
}

// GetServerAllowedOrigins returns the allowed CORS origins
func (c *Config) GetServerAllowedOrigins() []string {
	if len(c.Server.AllowedOrigins) == 0 {
		return []string{
			"http://localhost",
			"https://localhost",
			"http://127.0.0.1",
			"https://127.0.0.1",
		}
	}
	return c.Server.AllowedOrigins
}

// GetAllowedExtensions returns the accepted archive extensions
func (c *Config) GetAllowedExtensions() []string {
	if len(c.Upload.AllowedExtensions) == 0 {
		return DefaultAllowedExtensions
	}
	return c.Upload.AllowedExtensions
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Storage: {Public: %s, Local: %s}, Pulse: {Timeout: %ds}, Sweep: {Interval: %ds}}",
		c.Database.Path, c.Storage.PublicDir, c.Storage.LocalDir, c.Pulse.JobTimeoutSeconds, c.Sweep.IntervalSeconds)
}
