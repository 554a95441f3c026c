// Package bootstrap provides dependency initialization for the transcription
// service.
package bootstrap

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/voxpipe/voxpipe/internal/audio"
	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/media"
	"github.com/voxpipe/voxpipe/internal/pipeline"
	"github.com/voxpipe/voxpipe/internal/reconciler"
	"github.com/voxpipe/voxpipe/internal/recognizer"
	"github.com/voxpipe/voxpipe/internal/server"
	"github.com/voxpipe/voxpipe/internal/transcript"
	"github.com/voxpipe/voxpipe/internal/upload"
	"github.com/voxpipe/voxpipe/internal/webhook"
	"github.com/voxpipe/voxpipe/internal/worker"
)

// Dependencies holds all initialized components of the application.
type Dependencies struct {
	Blobs      blob.Store
	Jobs       *job.MemoryStore
	Uploads    *upload.Manager
	Handlers   *server.Handlers
	Dispatcher *webhook.Dispatcher
	Reconciler *reconciler.Reconciler
}

// NewDependencies wires the API-side components: blob storage, the job and
// session stores, the upload manager, webhook dispatch, the reconciler and
// the HTTP handlers.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	blobs, local, err := initBlobStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	jobs := job.NewMemoryStore()
	sessions := upload.NewMemorySessionStore()

	uploads := upload.NewManager(sessions, blobs, jobs, upload.Config{
		ChunkSize:      cfg.ChunkSizeBytes,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SessionTTL:     time.Duration(cfg.SessionTTLHours) * time.Hour,
		MaxJobRetries:  cfg.MaxJobRetries,
	}, cfg.DataDir, logger)

	webhooks := webhook.NewMemoryStore()
	var dispatcher *webhook.Dispatcher
	if cfg.WebhooksEnabled {
		dispatcher = webhook.NewDispatcher(webhooks, cfg.WebhookSecret, logger)
		jobs.SetNotifier(dispatcher.Notify)
	}

	rec := reconciler.NewReconciler(uploads, jobs, blobs, reconciler.Config{
		Interval: time.Minute,
	}, logger)

	handlerOpts := []server.HandlerOption{
		server.WithPresignTTL(time.Duration(cfg.PresignTTLSec) * time.Second),
	}
	if local != nil {
		handlerOpts = append(handlerOpts, server.WithLocalBlobStore(local))
	}
	handlers := server.NewHandlers(uploads, jobs, blobs, webhooks, logger, handlerOpts...)

	return &Dependencies{
		Blobs:      blobs,
		Jobs:       jobs,
		Uploads:    uploads,
		Handlers:   handlers,
		Dispatcher: dispatcher,
		Reconciler: rec,
	}, nil
}

// NewWorker wires the pipeline worker over an existing job and blob store.
func NewWorker(cfg *config.Config, jobs job.Store, blobs blob.Store, logger *slog.Logger) (*worker.Runner, error) {
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	recognizerClient, err := recognizer.NewClient(cfg.RecognizerURL,
		recognizer.WithAPIKey(cfg.RecognizerAPIKey),
		recognizer.WithTimeout(time.Duration(cfg.RecognizerTimeoutSec)*time.Second),
		recognizer.WithMaxAttempts(cfg.RecognizerRetryMax),
		recognizer.WithBaseBackoff(time.Duration(cfg.RecognizerRetryBaseSec)*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create recognizer client: %w", err)
	}

	processor := media.NewFFmpegProcessor("", "")

	deps := pipeline.Deps{
		Jobs:       jobs,
		Blobs:      blobs,
		Prober:     processor,
		Transcoder: processor,
		Extractor:  audio.NewFFmpegExtractor(""),
		Recognizer: recognizerClient,
		Diarizer:   transcript.SingleSpeaker{},
		Assembler:  transcript.NewAssembler(blobs, jobs, logger),
		Config: pipeline.Config{
			MaxDuration:        time.Duration(cfg.MaxDurationHours) * time.Hour,
			SegmentDurationSec: cfg.SegmentDurationSec,
			SegmentOverlapSec:  cfg.SegmentOverlapSec,
			DefaultLanguage:    cfg.DefaultLanguage,
			PacingInterval:     time.Duration(cfg.RecognizerPacingSec) * time.Second,
			PresignTTL:         time.Duration(cfg.PresignTTLSec) * time.Second,
			WorkDir:            filepath.Join(cfg.DataDir, "work"),
		},
		Logger: logger,
	}

	runner := worker.NewRunner(jobs, pipeline.Handlers(deps), worker.Config{
		Concurrency:  int64(cfg.WorkerConcurrency),
		PollInterval: time.Second,
		Lease:        time.Duration(cfg.LeaseSeconds) * time.Second,
		Heartbeat:    time.Duration(cfg.HeartbeatSeconds) * time.Second,
		RetryDelay:   time.Duration(cfg.RecognizerRetryBaseSec) * time.Second,
	}, logger)

	return runner, nil
}

// initBlobStore creates the blob backend based on configuration. The second
// return value is non-nil only for the local backend, which needs the API
// server to serve its presigned URLs.
func initBlobStore(cfg *config.Config, logger *slog.Logger) (blob.Store, *blob.LocalStore, error) {
	if cfg.S3Enabled() {
		s3Store, err := blob.NewS3Store(filepath.Join(cfg.DataDir, "scratch"), blob.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create S3 blob store: %w", err)
		}
		logger.Info("S3 blob storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil, nil
	}

	local, err := blob.NewLocalStore(filepath.Join(cfg.DataDir, "blobs"), cfg.BaseURL, cfg.PresignSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("create local blob store: %w", err)
	}
	logger.Info("local blob storage configured",
		slog.String("root", local.RootDir()),
	)
	return local, local, nil
}
