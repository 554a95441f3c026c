// Package worker drives jobs through the pipeline. A runner polls the job
// store for runnable work, holds a heartbeated lease per job, and advances
// each job stage by stage with compare-and-swap transitions. The error
// classifier decides between re-running a stage and failing the job.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/job/id"
	"github.com/voxpipe/voxpipe/internal/pipeline"
)

// Config carries the runner policy knobs.
type Config struct {
	// Concurrency bounds the number of jobs driven in parallel.
	Concurrency int64
	// PollInterval is the gap between acquire attempts.
	PollInterval time.Duration
	// Lease is how long an acquired job stays invisible to other workers.
	Lease time.Duration
	// Heartbeat is how often held leases are extended.
	Heartbeat time.Duration
	// RetryDelay is the pause before re-running a stage after a transient
	// failure.
	RetryDelay time.Duration
}

// Runner owns the poll-acquire-run loop.
type Runner struct {
	jobs     job.Store
	handlers map[job.Stage]pipeline.Handler
	cfg      Config
	logger   *slog.Logger
	workerID string
	sem      *semaphore.Weighted
}

// NewRunner creates a Runner over the given handler set.
func NewRunner(jobs job.Store, handlers []pipeline.Handler, cfg Config, logger *slog.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	byStage := make(map[job.Stage]pipeline.Handler, len(handlers))
	for _, h := range handlers {
		byStage[h.Stage()] = h
	}

	return &Runner{
		jobs:     jobs,
		handlers: byStage,
		cfg:      cfg,
		logger:   logger,
		workerID: id.Generate("worker"),
		sem:      semaphore.NewWeighted(cfg.Concurrency),
	}
}

// WorkerID returns the identity used for leases.
func (r *Runner) WorkerID() string { return r.workerID }

// Run polls for runnable jobs until the context is cancelled, then waits
// for in-flight jobs to drain.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started",
		"worker_id", r.workerID,
		"concurrency", r.cfg.Concurrency,
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		r.dispatch(ctx)
		select {
		case <-ctx.Done():
			// Drain: taking every slot means no job is still running.
			_ = r.sem.Acquire(context.Background(), r.cfg.Concurrency)
			r.sem.Release(r.cfg.Concurrency)
			r.logger.Info("worker stopped", "worker_id", r.workerID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatch acquires up to the number of free slots and starts a goroutine
// per acquired job.
func (r *Runner) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	free := 0
	for int64(free) < r.cfg.Concurrency && r.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return
	}

	jobs, err := r.jobs.AcquireRunnable(ctx, free, r.workerID, r.cfg.Lease)
	if err != nil {
		r.logger.Error("acquire runnable failed", "error", err)
		jobs = nil
	}

	for _, j := range jobs {
		go func(j *job.Job) {
			defer r.sem.Release(1)
			r.runJob(ctx, j.ID)
		}(j)
	}
	for i := len(jobs); i < free; i++ {
		r.sem.Release(1)
	}
}

// runJob drives one job until it reaches a terminal state, the lease is
// lost, or the worker shuts down.
func (r *Runner) runJob(ctx context.Context, jobID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopHeartbeat := r.startHeartbeat(jobCtx, cancel, jobID)
	defer stopHeartbeat()

	logger := r.logger.With("job_id", jobID, "worker_id", r.workerID)

	for {
		if jobCtx.Err() != nil {
			logger.Info("job run interrupted, lease will expire")
			return
		}

		j, err := r.jobs.GetJob(jobCtx, jobID)
		if err != nil {
			logger.Error("job fetch failed", "error", err)
			return
		}
		if j.IsTerminal() {
			return
		}
		if j.CancelRequested {
			r.markCancelled(jobID, logger)
			return
		}

		if j.CurrentStage == job.StageCreated {
			if err := r.advance(jobCtx, j, job.StageValidating); err != nil {
				return
			}
			continue
		}

		handler, ok := r.handlers[j.CurrentStage]
		if !ok {
			logger.Error("no handler for stage", "stage", j.CurrentStage)
			r.fail(jobID, pipeline.CodeInternal, "no handler for stage "+string(j.CurrentStage), j.CurrentStage, logger)
			return
		}

		if done := r.runStage(jobCtx, j, handler, logger); !done {
			return
		}
	}
}

// runStage executes one stage attempt and applies the retry policy. It
// returns false when the job loop should stop.
func (r *Runner) runStage(ctx context.Context, j *job.Job, handler pipeline.Handler, logger *slog.Logger) bool {
	stage := handler.Stage()
	stageCtx, cancel := context.WithTimeout(ctx, handler.Timeout(j))
	defer cancel()

	logger.Info("stage started", "stage", stage, "retry_count", j.RetryCount)
	start := time.Now()
	err := handler.Run(stageCtx, j)
	elapsed := time.Since(start)

	if recErr := r.jobs.RecordStageDuration(context.Background(), j.ID, stage, elapsed.Seconds()); recErr != nil {
		logger.Warn("record stage duration failed", "stage", stage, "error", recErr)
	}

	if err == nil {
		logger.Info("stage complete", "stage", stage, "elapsed", elapsed)
		next, ok := stage.Next()
		if !ok {
			r.fail(j.ID, pipeline.CodeInternal, "stage has no successor", stage, logger)
			return false
		}
		return r.advance(ctx, j, next) == nil
	}

	kind, code := pipeline.Classify(err)
	switch {
	case kind == pipeline.KindCanceled:
		// Only a client cancel request moves the job to CANCELLED. A cancelled
		// job context means shutdown or a lost lease; the job is left for
		// another worker to resume.
		if !errors.Is(err, pipeline.ErrCancelRequested) && ctx.Err() != nil {
			logger.Info("stage interrupted, releasing job", "stage", stage)
			return false
		}
		logger.Info("stage observed cancellation", "stage", stage)
		r.markCancelled(j.ID, logger)
		return false

	case kind.Retryable():
		count, incErr := r.jobs.IncrementRetry(context.Background(), j.ID)
		if incErr != nil {
			logger.Error("increment retry failed", "error", incErr)
			return false
		}
		if count > j.MaxRetries {
			logger.Error("retries exhausted", "stage", stage, "code", code, "error", err)
			r.fail(j.ID, code, err.Error(), stage, logger)
			return false
		}
		logger.Warn("stage failed, will retry",
			"stage", stage,
			"kind", kind.String(),
			"code", code,
			"retry", count,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.cfg.RetryDelay):
		}
		return true

	default:
		logger.Error("stage failed permanently", "stage", stage, "code", code, "error", err)
		r.fail(j.ID, code, err.Error(), stage, logger)
		return false
	}
}

// advance CAS-transitions the job into the next stage. A conflict means
// another worker took over; the loop stops silently.
func (r *Runner) advance(ctx context.Context, j *job.Job, next job.Stage) error {
	err := r.jobs.UpdateStage(ctx, j.ID, j.CurrentStage, next, 0)
	if err != nil {
		if errors.Is(err, job.ErrStageConflict) || errors.Is(err, job.ErrTerminal) {
			r.logger.Info("lost stage race", "job_id", j.ID, "from", j.CurrentStage, "to", next)
		} else {
			r.logger.Error("stage transition failed", "job_id", j.ID, "to", next, "error", err)
		}
	}
	return err
}

func (r *Runner) markCancelled(jobID string, logger *slog.Logger) {
	if err := r.jobs.MarkCancelled(context.Background(), jobID); err != nil && !errors.Is(err, job.ErrTerminal) {
		logger.Error("mark cancelled failed", "error", err)
	}
}

func (r *Runner) fail(jobID, code, message string, stage job.Stage, logger *slog.Logger) {
	if err := r.jobs.SetError(context.Background(), jobID, code, message, stage); err != nil && !errors.Is(err, job.ErrTerminal) {
		logger.Error("set error failed", "error", err)
	}
}

// startHeartbeat extends the job lease periodically. Losing the lease
// cancels the job context so the stage in flight stops.
func (r *Runner) startHeartbeat(ctx context.Context, cancel context.CancelFunc, jobID string) func() {
	if r.cfg.Heartbeat <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := r.jobs.ExtendLease(ctx, jobID, r.workerID, r.cfg.Lease); err != nil {
					if errors.Is(err, job.ErrLeaseLost) || errors.Is(err, job.ErrJobNotFound) {
						r.logger.Warn("lease lost, abandoning job", "job_id", jobID)
						cancel()
						return
					}
					r.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
