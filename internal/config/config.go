// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it
// (dependency injection).
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	S3       S3Config       `mapstructure:"s3"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Artifact ArtifactConfig `mapstructure:"artifact"`
	Callback CallbackConfig `mapstructure:"callback"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  []LogOutputConfig `mapstructure:"output"`
	Levels  map[string]string `mapstructure:"levels"`
	Context LogContextConfig  `mapstructure:"context"`
}

// LogOutputConfig defines where logs are written.
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings.
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs.
type LogContextConfig struct {
	IncludeCaller    bool `mapstructure:"include_caller"`
	IncludeTimestamp bool `mapstructure:"include_timestamp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
}

// S3Config holds object-store configuration for artifact storage.
// AccessKeyID/SecretAccessKey are optional; when empty the SDK's default
// credential chain is used.
type S3Config struct {
	EndpointURL     string        `mapstructure:"endpoint_url"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Bucket          string        `mapstructure:"bucket"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	PresignTimeout  time.Duration `mapstructure:"presign_timeout"`
}

// ExecutorConfig holds the Temporal handoff configuration. Pipeline runs are
// dispatched as workflows on TaskQueue; the worker process consumes them.
type ExecutorConfig struct {
	HostPort          string        `mapstructure:"host_port"`
	Namespace         string        `mapstructure:"namespace"`
	TaskQueue         string        `mapstructure:"task_queue"`
	ExecutionTimeout  time.Duration `mapstructure:"execution_timeout"`
	APIBaseURL        string        `mapstructure:"api_base_url"` // where the worker posts state/console/artifact callbacks
	DockerHost        string        `mapstructure:"docker_host"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs"` // container runs per worker process
}

// ArtifactConfig caps artifact uploads.
type ArtifactConfig struct {
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
}

// CallbackConfig controls run-state notifications to client callback URLs.
type CallbackConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewConfig creates a new AppConfig by reading from a file, environment
// variables, and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/flume/")
		v.AddConfigPath("$HOME/.flume")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("FLUME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct. Values found
	// in the config file or env vars overwrite the defaults.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "flume.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/flume.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"scheduler": "INFO",
				"pipelines": "INFO",
				"workflows": "INFO",
				"database":  "INFO",
				"executor":  "WARN",
				"storage":   "INFO",
				"api":       "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:    true,
				IncludeTimestamp: true,
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "flume-artifacts",
			ForcePathStyle: true,
			PresignTimeout: time.Hour,
		},
		Executor: ExecutorConfig{
			HostPort:          "localhost:7233",
			Namespace:         "default",
			TaskQueue:         "flume-executor-queue",
			ExecutionTimeout:  24 * time.Hour,
			APIBaseURL:        "http://127.0.0.1:8080",
			DockerHost:        "unix:///var/run/docker.sock",
			MaxConcurrentRuns: 4,
		},
		Artifact: ArtifactConfig{
			MaxUploadBytes: 1 << 30, // 1 GiB
		},
		Callback: CallbackConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.S3.Bucket == "" {
		return errors.New("s3.bucket is required")
	}
	if c.S3.PresignTimeout <= 0 {
		return errors.New("s3.presign_timeout must be positive")
	}
	if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
		return errors.New("s3.access_key_id and s3.secret_access_key must be set together")
	}

	if c.Executor.TaskQueue == "" {
		return errors.New("executor.task_queue is required")
	}

	if c.Artifact.MaxUploadBytes <= 0 {
		return errors.New("artifact.max_upload_bytes must be positive")
	}
	if c.Callback.Timeout <= 0 {
		return errors.New("callback.timeout must be positive")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
