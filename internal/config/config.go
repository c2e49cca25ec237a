package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"   validate:"required"`
	Queue      QueueConfig      `mapstructure:"queue"      validate:"required"`
	Downloader DownloaderConfig `mapstructure:"downloader" validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// QueueConfig tunes the download queue core.
type QueueConfig struct {
	// WorkerCount bounds concurrent downloader invocations
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0,lte=64"`

	// MaxRetries is the per-task attempt budget
	MaxRetries int `mapstructure:"max_retries" validate:"required,gt=0,lte=10"`

	// RetryBackoff is the base backoff after the first failed attempt;
	// subsequent attempts double it
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"required"`

	// TaskMaxAge expires pending tasks that never reached a worker
	TaskMaxAge time.Duration `mapstructure:"task_max_age"`

	// StuckTaskAge resets tasks stuck in processing; must exceed the
	// downloader timeout
	StuckTaskAge time.Duration `mapstructure:"stuck_task_age"`

	// MaintenanceSchedule is the cron expression for queue sweeps
	MaintenanceSchedule string `mapstructure:"maintenance_schedule"`
}

// DownloaderConfig configures the external extraction tool boundary.
type DownloaderConfig struct {
	// BinPath is the extractor executable (e.g. yt-dlp)
	BinPath string `mapstructure:"bin_path" validate:"required"`

	// OutputDir is where downloaded media lands
	OutputDir string `mapstructure:"output_dir" validate:"required"`

	// Timeout caps a single download attempt
	Timeout time.Duration `mapstructure:"timeout" validate:"required"`
}
