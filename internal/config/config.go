// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrRecognizerURLRequired is returned when RECOGNIZER_URL is not set
	// for a process that runs the pipeline worker.
	ErrRecognizerURLRequired = errors.New("config: RECOGNIZER_URL is required")
	// ErrInvalidChunkSize is returned when CHUNK_SIZE_BYTES is not positive.
	ErrInvalidChunkSize = errors.New("config: CHUNK_SIZE_BYTES must be positive")
	// ErrInvalidSegmentation is returned when the segment window parameters
	// cannot produce valid segments.
	ErrInvalidSegmentation = errors.New("config: SEGMENT_DURATION_SEC must be greater than SEGMENT_OVERLAP_SEC")
)

// Config holds all configuration for the API server and the worker.
type Config struct {
	// Server settings
	Port    int    `env:"PORT, default=8080" json:"port"`
	BaseURL string `env:"BASE_URL, default=http://localhost:8080" json:"base_url"`

	// Upload settings
	ChunkSizeBytes  int64 `env:"CHUNK_SIZE_BYTES, default=8388608" json:"chunk_size_bytes"`
	MaxUploadBytes  int64 `env:"MAX_UPLOAD_BYTES, default=5368709120" json:"max_upload_bytes"`
	SessionTTLHours int   `env:"SESSION_TTL_HOURS, default=24" json:"session_ttl_hours"`

	// Pipeline settings
	MaxDurationHours   int     `env:"MAX_DURATION_HOURS, default=8" json:"max_duration_hours"`
	SegmentDurationSec float64 `env:"SEGMENT_DURATION_SEC, default=60" json:"segment_duration_sec"`
	SegmentOverlapSec  float64 `env:"SEGMENT_OVERLAP_SEC, default=1" json:"segment_overlap_sec"`
	MaxJobRetries      int     `env:"MAX_JOB_RETRIES, default=3" json:"max_job_retries"`
	DefaultLanguage    string  `env:"DEFAULT_LANGUAGE, default=en" json:"default_language"`
	EnableDiarization  bool    `env:"ENABLE_DIARIZATION, default=false" json:"enable_diarization"`

	// Worker settings
	WorkerConcurrency int `env:"WORKER_CONCURRENCY, default=4" json:"worker_concurrency"`
	LeaseSeconds      int `env:"LEASE_SECONDS, default=300" json:"lease_seconds"`
	HeartbeatSeconds  int `env:"HEARTBEAT_SECONDS, default=30" json:"heartbeat_seconds"`

	// Recognizer settings
	RecognizerURL          string `env:"RECOGNIZER_URL" json:"recognizer_url"`
	RecognizerAPIKey       string `env:"RECOGNIZER_API_KEY" json:"-"` // Masked in JSON
	RecognizerTimeoutSec   int    `env:"RECOGNIZER_TIMEOUT_SEC, default=60" json:"recognizer_timeout_sec"`
	RecognizerRetryBaseSec int    `env:"RECOGNIZER_RETRY_BASE_SEC, default=5" json:"recognizer_retry_base_sec"`
	RecognizerRetryMax     int    `env:"RECOGNIZER_RETRY_MAX, default=3" json:"recognizer_retry_max"`
	RecognizerPacingSec    int    `env:"RECOGNIZER_PACING_SEC, default=2" json:"recognizer_pacing_sec"`

	// Webhook settings
	WebhooksEnabled bool   `env:"WEBHOOKS_ENABLED, default=true" json:"webhooks_enabled"`
	WebhookSecret   string `env:"WEBHOOK_SECRET" json:"-"` // Masked in JSON

	// Storage settings
	DataDir       string `env:"DATA_DIR, default=/var/lib/voxpipe" json:"data_dir"`
	PresignTTLSec int    `env:"PRESIGN_TTL_SEC, default=900" json:"presign_ttl_sec"`
	PresignSecret string `env:"PRESIGN_SECRET" json:"-"` // Masked in JSON

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that envconfig defaults cannot express.
func (c *Config) Validate() error {
	if c.ChunkSizeBytes <= 0 {
		return ErrInvalidChunkSize
	}
	if c.SegmentDurationSec <= c.SegmentOverlapSec {
		return ErrInvalidSegmentation
	}
	return nil
}

// ValidateWorker checks the additional settings required to run the pipeline
// worker. The API server can run without a recognizer configured.
func (c *Config) ValidateWorker() error {
	if c.RecognizerURL == "" {
		return ErrRecognizerURLRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, DataDir: %s, ChunkSizeBytes: %d, MaxUploadBytes: %d, WorkerConcurrency: %d, RecognizerURL: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.DataDir,
		c.ChunkSizeBytes,
		c.MaxUploadBytes,
		c.WorkerConcurrency,
		c.RecognizerURL,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
