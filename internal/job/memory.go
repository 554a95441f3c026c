package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// Notifier observes job state and stage transitions. It receives a snapshot
// and must not block for long; the webhook dispatcher hangs off this hook.
type Notifier func(*Job)

// MemoryStore is an in-memory implementation of Store with real CAS and
// lease semantics. Suitable for development and testing; swap for persistent
// storage in production at the Store interface.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	assets map[string][]Asset
	notify Notifier
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		assets: make(map[string][]Asset),
	}
}

// SetNotifier installs the transition observer. Must be called before the
// store is shared between goroutines.
func (s *MemoryStore) SetNotifier(n Notifier) {
	s.notify = n
}

// CreateJob persists a new job.
func (s *MemoryStore) CreateJob(_ context.Context, j *Job) error {
	s.mu.Lock()
	if _, ok := s.jobs[j.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobExists, j.ID)
	}
	clone := j.Clone()
	s.jobs[j.ID] = clone
	snapshot := clone.Clone()
	s.mu.Unlock()

	s.emit(snapshot)
	return nil
}

// GetJob retrieves a job snapshot by ID.
func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return j.Clone(), nil
}

// ListJobsByState returns up to limit jobs in the given state, oldest first.
func (s *MemoryStore) ListJobsByState(_ context.Context, state State, limit int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Job
	for _, j := range s.jobs {
		if j.State == state {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].CreatedAt.Before(result[b].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListOwnerJobs returns an owner's jobs, newest first.
func (s *MemoryStore) ListOwnerJobs(_ context.Context, ownerID string, f ListFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Job
	for _, j := range s.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if f.State != "" && j.State != f.State {
			continue
		}
		result = append(result, j.Clone())
	}
	sort.Slice(result, func(a, b int) bool {
		return result[a].CreatedAt.After(result[b].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// UpdateStage performs the compare-and-swap stage transition.
func (s *MemoryStore) UpdateStage(_ context.Context, jobID string, from, to Stage, initialProgress float64) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	if j.CurrentStage != from {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is at %s, expected %s", ErrStageConflict, jobID, j.CurrentStage, from)
	}
	if !ValidTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now()
	j.CurrentStage = to
	j.Progress = initialProgress
	j.UpdatedAt = now
	if from == StageCreated {
		j.State = StateRunning
	}
	if to == StageComplete {
		j.State = StateComplete
		j.Progress = 1
		j.CompletedAt = now
	}
	snapshot := j.Clone()
	s.mu.Unlock()

	s.emit(snapshot)
	return nil
}

// UpdateStageProgress records monotonically non-decreasing progress within a
// stage; writes for other stages are ignored.
func (s *MemoryStore) UpdateStageProgress(_ context.Context, jobID string, stage Stage, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.IsTerminal() || j.CurrentStage != stage {
		return nil
	}
	if progress > j.Progress {
		j.Progress = progress
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) mutate(jobID string, fn func(*Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = time.Now()
	return nil
}

// SetCheckpoint stores a stage's durable output payload.
func (s *MemoryStore) SetCheckpoint(_ context.Context, jobID string, stage Stage, payload []byte) error {
	return s.mutate(jobID, func(j *Job) error {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		j.Checkpoints[stage] = buf
		return nil
	})
}

// GetCheckpoint returns a stage's checkpoint, or nil if absent.
func (s *MemoryStore) GetCheckpoint(_ context.Context, jobID string, stage Stage) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	raw, ok := j.Checkpoints[stage]
	if !ok {
		return nil, nil
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return buf, nil
}

// SetStoragePath records a blob key under a logical name.
func (s *MemoryStore) SetStoragePath(_ context.Context, jobID, name, key string) error {
	return s.mutate(jobID, func(j *Job) error {
		j.StoragePaths[name] = key
		return nil
	})
}

// SetTotalDuration records the probed media duration.
func (s *MemoryStore) SetTotalDuration(_ context.Context, jobID string, seconds float64) error {
	return s.mutate(jobID, func(j *Job) error {
		j.TotalDurationSec = seconds
		return nil
	})
}

// SetDetectedLanguage records the resolved language.
func (s *MemoryStore) SetDetectedLanguage(_ context.Context, jobID, language string) error {
	return s.mutate(jobID, func(j *Job) error {
		j.DetectedLanguage = language
		return nil
	})
}

// SetResults records the merged transcript summary.
func (s *MemoryStore) SetResults(_ context.Context, jobID string, res Results) error {
	return s.mutate(jobID, func(j *Job) error {
		clone := res
		clone.FailedSegments = append([]int(nil), res.FailedSegments...)
		j.Results = &clone
		return nil
	})
}

// RecordStageDuration records wall-clock seconds for a completed stage.
func (s *MemoryStore) RecordStageDuration(_ context.Context, jobID string, stage Stage, seconds float64) error {
	return s.mutate(jobID, func(j *Job) error {
		j.StageDurations[stage] = seconds
		return nil
	})
}

// SetError marks the job FAILED with the given code and message.
func (s *MemoryStore) SetError(_ context.Context, jobID, code, message string, failedStage Stage) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	j.State = StateFailed
	j.Error = &Failure{Code: code, Message: message, FailedStage: failedStage}
	j.UpdatedAt = time.Now()
	snapshot := j.Clone()
	s.mu.Unlock()

	s.emit(snapshot)
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (s *MemoryStore) IncrementRetry(_ context.Context, jobID string) (int, error) {
	var count int
	err := s.mutate(jobID, func(j *Job) error {
		j.RetryCount++
		count = j.RetryCount
		return nil
	})
	return count, err
}

// RequestCancel sets the cooperative cancellation flag. A job still in
// CREATED has no worker to observe the flag, so it is cancelled here.
func (s *MemoryStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	j.CancelRequested = true
	var snapshot *Job
	if j.State == StateCreated {
		j.State = StateCancelled
		snapshot = j.Clone()
	}
	j.UpdatedAt = time.Now()
	s.mu.Unlock()

	if snapshot != nil {
		s.emit(snapshot)
	}
	return nil
}

// CancelRequested reads the cancellation flag.
func (s *MemoryStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return j.CancelRequested, nil
}

// MarkCancelled transitions the job to CANCELLED.
func (s *MemoryStore) MarkCancelled(_ context.Context, jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	j.State = StateCancelled
	j.UpdatedAt = time.Now()
	snapshot := j.Clone()
	s.mu.Unlock()

	s.emit(snapshot)
	return nil
}

// AcquireRunnable returns jobs ready for a worker, stamping fresh leases.
func (s *MemoryStore) AcquireRunnable(_ context.Context, limit int, workerID string, lease time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*Job
	for _, j := range s.jobs {
		if j.State != StateCreated && j.State != StateRunning {
			continue
		}
		if j.LeaseExpiresAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		j.LeaseOwner = workerID
		j.LeaseExpiresAt = now.Add(lease)
		j.UpdatedAt = now
		result = append(result, j.Clone())
	}
	return result, nil
}

// ExtendLease refreshes the lease held by workerID.
func (s *MemoryStore) ExtendLease(_ context.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if j.LeaseOwner != workerID {
		return fmt.Errorf("%w: %s held by %s", ErrLeaseLost, jobID, j.LeaseOwner)
	}
	j.LeaseExpiresAt = time.Now().Add(lease)
	return nil
}

// AddAssets records the final output set atomically.
func (s *MemoryStore) AddAssets(_ context.Context, jobID string, assets []Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	s.assets[jobID] = append([]Asset(nil), assets...)
	return nil
}

// ClearAssets removes recorded assets.
func (s *MemoryStore) ClearAssets(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	delete(s.assets, jobID)
	return nil
}

// ListAssets returns the job's recorded assets.
func (s *MemoryStore) ListAssets(_ context.Context, jobID string) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return append([]Asset(nil), s.assets[jobID]...), nil
}

// ReferencedKeys returns every blob key referenced by any job.
func (s *MemoryStore) ReferencedKeys(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make(map[string]struct{})
	for jobID, j := range s.jobs {
		for _, key := range j.StoragePaths {
			keys[key] = struct{}{}
		}
		for _, a := range s.assets[jobID] {
			keys[a.StorageKey] = struct{}{}
		}
		// Segment keys live in the segmenting checkpoint as well; the
		// storage_paths map is authoritative, but keep checkpointed keys
		// referenced in case the stage crashed between the two writes.
		if raw, ok := j.Checkpoints[StageSegmenting]; ok {
			if cp, err := DecodeSegmentCheckpoint(raw); err == nil {
				for _, seg := range cp.Segments {
					keys[seg.StorageKey] = struct{}{}
				}
			}
		}
	}
	return keys, nil
}

func (s *MemoryStore) emit(j *Job) {
	if s.notify != nil {
		s.notify(j)
	}
}
