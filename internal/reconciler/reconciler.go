// Package reconciler runs the periodic cleanup loop: expiring stale upload
// sessions and deleting blobs no longer referenced by any job or session.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/upload"
)

// Config carries the reconciler policy knobs.
type Config struct {
	// Interval is the gap between sweeps.
	Interval time.Duration
}

// Reconciler owns the cleanup loop.
type Reconciler struct {
	uploads *upload.Manager
	jobs    job.Store
	blobs   blob.Store
	cfg     Config
	logger  *slog.Logger

	// pending holds blob keys seen unreferenced in the previous sweep. A
	// key is deleted only on its second consecutive unreferenced sighting,
	// so a finalize in flight (blob written, job not yet recorded) never
	// loses its bytes.
	pending map[string]struct{}
}

// NewReconciler creates a Reconciler.
func NewReconciler(uploads *upload.Manager, jobs job.Store, blobs blob.Store, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reconciler{
		uploads: uploads,
		jobs:    jobs,
		blobs:   blobs,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep performs one reconciliation pass. Errors are logged, not returned:
// a failed sweep is retried on the next tick.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) {
	expired, err := r.uploads.ExpireSessions(ctx, now)
	if err != nil {
		r.logger.Error("session expiry failed", "error", err)
	} else if expired > 0 {
		r.logger.Info("expired upload sessions", "count", expired)
	}

	deleted, err := r.sweepBlobs(ctx)
	if err != nil {
		r.logger.Error("blob sweep failed", "error", err)
	} else if deleted > 0 {
		r.logger.Info("deleted orphan blobs", "count", deleted)
	}
}

// sweepBlobs deletes blobs referenced by no job and held by no session. A
// candidate survives its first sighting; see pending.
func (r *Reconciler) sweepBlobs(ctx context.Context) (int, error) {
	referenced, err := r.jobs.ReferencedKeys(ctx)
	if err != nil {
		return 0, err
	}
	held, err := r.uploads.HeldKeys(ctx)
	if err != nil {
		return 0, err
	}

	keys, err := r.blobs.List(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	next := make(map[string]struct{})
	for _, key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		if _, ok := held[key]; ok {
			continue
		}
		if _, seen := r.pending[key]; !seen {
			next[key] = struct{}{}
			continue
		}
		if err := r.blobs.Delete(ctx, key); err != nil {
			r.logger.Warn("orphan blob delete failed", "key", key, "error", err)
			next[key] = struct{}{}
			continue
		}
		deleted++
	}
	r.pending = next
	return deleted, nil
}
