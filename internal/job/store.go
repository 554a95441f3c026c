package job

import (
	"context"
	"errors"
	"time"
)

// Static errors for store operations.
var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job: not found")
	// ErrJobExists is returned when creating a job whose ID already exists.
	ErrJobExists = errors.New("job: already exists")
	// ErrStageConflict is returned when a compare-and-swap on current_stage
	// observes a different stage than expected.
	ErrStageConflict = errors.New("job: stage conflict")
	// ErrTerminal is returned when mutating a job in a terminal state.
	ErrTerminal = errors.New("job: terminal state is immutable")
	// ErrLeaseLost is returned when extending a lease the worker no longer holds.
	ErrLeaseLost = errors.New("job: lease lost")
)

// ListFilter narrows owner job listings.
type ListFilter struct {
	// State filters by lifecycle state when non-empty.
	State State
	// Limit caps the number of results; 0 means no cap.
	Limit int
}

// Store defines the durable index of jobs and their assets.
// Every mutation is atomic; on storage unavailability the caller sees an
// error and must not assume the mutation applied.
type Store interface {
	// CreateJob persists a new job. Fails with ErrJobExists on ID collision.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job snapshot by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobsByState returns up to limit jobs in the given state,
	// oldest first.
	ListJobsByState(ctx context.Context, state State, limit int) ([]*Job, error)

	// ListOwnerJobs returns an owner's jobs, newest first.
	ListOwnerJobs(ctx context.Context, ownerID string, f ListFilter) ([]*Job, error)

	// UpdateStage advances the job with a compare-and-swap on current_stage:
	// it fails with ErrStageConflict unless the observed stage equals from.
	// Transitioning out of CREATED marks the job RUNNING; transitioning into
	// COMPLETE marks it COMPLETE and stamps completed_at.
	UpdateStage(ctx context.Context, jobID string, from, to Stage, initialProgress float64) error

	// UpdateStageProgress records progress within a stage. It is a heartbeat
	// value; writes for a stage the job is no longer in are ignored.
	UpdateStageProgress(ctx context.Context, jobID string, stage Stage, progress float64) error

	// SetCheckpoint stores a stage's durable output payload.
	SetCheckpoint(ctx context.Context, jobID string, stage Stage, payload []byte) error

	// GetCheckpoint returns a stage's checkpoint, or nil if absent.
	GetCheckpoint(ctx context.Context, jobID string, stage Stage) ([]byte, error)

	// SetStoragePath records a blob key under a logical name.
	SetStoragePath(ctx context.Context, jobID, name, key string) error

	// SetTotalDuration records the probed media duration.
	SetTotalDuration(ctx context.Context, jobID string, seconds float64) error

	// SetDetectedLanguage records the resolved language.
	SetDetectedLanguage(ctx context.Context, jobID, language string) error

	// SetResults records the merged transcript summary.
	SetResults(ctx context.Context, jobID string, res Results) error

	// RecordStageDuration records wall-clock seconds for a completed stage.
	RecordStageDuration(ctx context.Context, jobID string, stage Stage, seconds float64) error

	// SetError marks the job FAILED with the given code and message.
	SetError(ctx context.Context, jobID, code, message string, failedStage Stage) error

	// IncrementRetry bumps the retry counter and returns the new count.
	IncrementRetry(ctx context.Context, jobID string) (int, error)

	// RequestCancel sets the cooperative cancellation flag. Jobs still in
	// CREATED are cancelled immediately; running jobs are cancelled by the
	// worker at its next checkpoint.
	RequestCancel(ctx context.Context, jobID string) error

	// CancelRequested reads the cancellation flag.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// MarkCancelled transitions the job to CANCELLED.
	MarkCancelled(ctx context.Context, jobID string) error

	// AcquireRunnable returns up to limit jobs whose state is CREATED or
	// RUNNING and whose lease has expired, stamping a fresh lease for
	// workerID atomically.
	AcquireRunnable(ctx context.Context, limit int, workerID string, lease time.Duration) ([]*Job, error)

	// ExtendLease refreshes the lease held by workerID. Fails with
	// ErrLeaseLost if another worker took the job over.
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// AddAssets records the final output set. All four kinds are recorded in
	// one call so observers never see a partial set.
	AddAssets(ctx context.Context, jobID string, assets []Asset) error

	// ClearAssets removes recorded assets, used to roll back a partially
	// generated output set.
	ClearAssets(ctx context.Context, jobID string) error

	// ListAssets returns the job's recorded assets.
	ListAssets(ctx context.Context, jobID string) ([]Asset, error)

	// ReferencedKeys returns every blob key referenced by any job. The
	// reconciler deletes blobs not in this set (and not held by a session).
	ReferencedKeys(ctx context.Context) (map[string]struct{}, error)
}
