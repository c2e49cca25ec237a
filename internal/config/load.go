package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for environment variable overrides,
// e.g. GRAB_SERVER_PORT or GRAB_DATABASE_URL.
const envPrefix = "GRAB"

// Load reads configuration from an optional config file and environment
// variables. Environment variables take precedence over file values.
// Returns a populated, validated Config or an error.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults suffice.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Registered empty so the environment override is visible to Unmarshal;
	// validation rejects a missing value.
	v.SetDefault("database.url", "")

	v.SetDefault("queue.worker_count", 2)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.retry_backoff", "15s")
	v.SetDefault("queue.task_max_age", "24h")
	v.SetDefault("queue.stuck_task_age", "30m")
	v.SetDefault("queue.maintenance_schedule", "*/5 * * * *")

	v.SetDefault("downloader.bin_path", "yt-dlp")
	v.SetDefault("downloader.output_dir", "downloads")
	v.SetDefault("downloader.timeout", "10m")
}
