package config

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(8*1024*1024), cfg.ChunkSizeBytes)
	assert.Equal(t, int64(5*1024*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, 24, cfg.SessionTTLHours)
	assert.Equal(t, 8, cfg.MaxDurationHours)
	assert.Equal(t, 60.0, cfg.SegmentDurationSec)
	assert.Equal(t, 1.0, cfg.SegmentOverlapSec)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 300, cfg.LeaseSeconds)
	assert.Equal(t, 30, cfg.HeartbeatSeconds)
	assert.Equal(t, 60, cfg.RecognizerTimeoutSec)
	assert.Equal(t, 5, cfg.RecognizerRetryBaseSec)
	assert.Equal(t, 3, cfg.RecognizerRetryMax)
	assert.Equal(t, 2, cfg.RecognizerPacingSec)
	assert.Equal(t, 3, cfg.MaxJobRetries)
	assert.Equal(t, "en", cfg.DefaultLanguage)
	assert.False(t, cfg.EnableDiarization)
	assert.True(t, cfg.WebhooksEnabled)
	assert.Equal(t, 900, cfg.PresignTTLSec)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("CHUNK_SIZE_BYTES", "1048576")
	t.Setenv("SEGMENT_DURATION_SEC", "30")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("ENABLE_DIARIZATION", "true")
	t.Setenv("S3_BUCKET", "my-bucket")
	t.Setenv("S3_REGION", "us-east-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, int64(1048576), cfg.ChunkSizeBytes)
	assert.Equal(t, 30.0, cfg.SegmentDurationSec)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.True(t, cfg.EnableDiarization)
	assert.True(t, cfg.S3Enabled())
}

func TestValidate(t *testing.T) {
	t.Run("rejects non-positive chunk size", func(t *testing.T) {
		cfg := &Config{ChunkSizeBytes: 0, SegmentDurationSec: 60, SegmentOverlapSec: 1}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidChunkSize)
	})

	t.Run("rejects overlap >= segment duration", func(t *testing.T) {
		cfg := &Config{ChunkSizeBytes: 1, SegmentDurationSec: 1, SegmentOverlapSec: 1}
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidSegmentation)
	})

	t.Run("accepts defaults", func(t *testing.T) {
		cfg := &Config{ChunkSizeBytes: 8 << 20, SegmentDurationSec: 60, SegmentOverlapSec: 1}
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateWorker(t *testing.T) {
	cfg := &Config{}
	assert.ErrorIs(t, cfg.ValidateWorker(), ErrRecognizerURLRequired)

	cfg.RecognizerURL = "https://stt.example.com"
	assert.NoError(t, cfg.ValidateWorker())
}

func TestS3Enabled(t *testing.T) {
	tests := []struct {
		name   string
		bucket string
		region string
		want   bool
	}{
		{"both set", "bucket", "us-east-1", true},
		{"bucket only", "bucket", "", false},
		{"region only", "", "us-east-1", false},
		{"neither", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{S3Bucket: tt.bucket, S3Region: tt.region}
			assert.Equal(t, tt.want, cfg.S3Enabled())
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	t.Run("json format", func(t *testing.T) {
		cfg := &Config{LogFormat: "json", LogLevel: "info"}
		logger := cfg.NewLogger()
		require.NotNil(t, logger)
	})

	t.Run("text format", func(t *testing.T) {
		cfg := &Config{LogFormat: "text", LogLevel: "debug"}
		logger := cfg.NewLogger()
		require.NotNil(t, logger)
		assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
	})
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := &Config{
		Port:             8080,
		RecognizerAPIKey: "super-secret",
		WebhookSecret:    "also-secret",
	}

	var buf bytes.Buffer
	buf.WriteString(cfg.String())

	assert.NotContains(t, buf.String(), "super-secret")
	assert.NotContains(t, buf.String(), "also-secret")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.input))
		})
	}
}
