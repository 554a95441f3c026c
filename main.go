// Package main provides the entry point for the voxpipe transcription service.
// One process hosts the HTTP API, the webhook dispatcher, the reconciler and,
// when a recognizer is configured, the pipeline worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe/internal/bootstrap"
	"github.com/voxpipe/voxpipe/internal/config"
	"github.com/voxpipe/voxpipe/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting voxpipe",
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.Int64("chunk_size_bytes", cfg.ChunkSizeBytes),
		slog.Int("worker_concurrency", cfg.WorkerConcurrency),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("webhooks_enabled", cfg.WebhooksEnabled),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return err
	}

	router := server.NewRouter(deps.Handlers, logger, server.DefaultConfig())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Chunk uploads can be slow on bad links
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("shutting down server...")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})

	if deps.Dispatcher != nil {
		g.Go(func() error {
			if err := deps.Dispatcher.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := deps.Reconciler.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.RecognizerURL != "" {
		runner, err := bootstrap.NewWorker(cfg, deps.Jobs, deps.Blobs, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := runner.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		logger.Warn("RECOGNIZER_URL not set, pipeline worker disabled; jobs will stay queued")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped gracefully")
	return nil
}
