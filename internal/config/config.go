// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	DBURL      string `mapstructure:"DB_URL"`
	RedisURL   string `mapstructure:"REDIS_URL"`

	GithubToken         string `mapstructure:"GITHUB_TOKEN"`
	GithubWebhookSecret string `mapstructure:"GITHUB_WEBHOOK_SECRET"`
	GithubAppID         int64  `mapstructure:"GITHUB_APP_ID"`
	GithubAppPrivateKey string `mapstructure:"GITHUB_APP_PRIVATE_KEY"`
	GithubClientID      string `mapstructure:"GITHUB_OAUTH_CLIENT_ID"`
	GithubClientSecret  string `mapstructure:"GITHUB_OAUTH_CLIENT_SECRET"`

	BlobBaseURL   string `mapstructure:"BLOB_BASE_URL"`
	BlobAuthToken string `mapstructure:"BLOB_AUTH_TOKEN"`

	SyncInterval        time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncStaleness       time.Duration `mapstructure:"SYNC_STALENESS"`
	SchedulerDeadline   time.Duration `mapstructure:"SCHEDULER_DEADLINE"`
	SchedulerBatchLimit int           `mapstructure:"SCHEDULER_BATCH_LIMIT"`
	QueueBatchSize      int           `mapstructure:"QUEUE_BATCH_SIZE"`
	Concurrency         int           `mapstructure:"CONCURRENCY"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	viper.SetDefault("SYNC_INTERVAL", "1m")
	viper.SetDefault("SYNC_STALENESS", "1h")
	viper.SetDefault("SCHEDULER_DEADLINE", "30s")
	viper.SetDefault("SCHEDULER_BATCH_LIMIT", 50)
	viper.SetDefault("QUEUE_BATCH_SIZE", 10)
	viper.SetDefault("CONCURRENCY", 5)

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.GithubWebhookSecret == "" {
		return nil, errors.New("GITHUB_WEBHOOK_SECRET is a required configuration field")
	}
	if cfg.BlobBaseURL == "" {
		return nil, errors.New("BLOB_BASE_URL is a required configuration field")
	}
	if cfg.Concurrency <= 0 {
		return nil, errors.New("CONCURRENCY must be a positive integer")
	}

	return &cfg, nil
}
