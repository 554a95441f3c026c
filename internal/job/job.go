// Package job provides the transcription Job aggregate and its durable store.
// A Job is driven through a fixed stage sequence by the worker; every stage
// transition is a compare-and-swap on the current stage, which is the lock
// that prevents two workers from advancing the same job.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/voxpipe/voxpipe/internal/job/id"
)

// LanguageAuto requests automatic language detection.
const LanguageAuto = "AUTO"

// State represents the lifecycle state of a Job.
type State string

const (
	// StateCreated indicates the job exists but no stage has run yet.
	StateCreated State = "CREATED"
	// StateRunning indicates a worker is driving the job through its stages.
	StateRunning State = "RUNNING"
	// StateComplete indicates all stages finished and assets are ready.
	StateComplete State = "COMPLETE"
	// StateFailed indicates retries were exhausted or a permanent error occurred.
	StateFailed State = "FAILED"
	// StateCancelled indicates the client requested cancellation.
	StateCancelled State = "CANCELLED"
)

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Stage identifies a position in the pipeline.
type Stage string

const (
	StageCreated           Stage = "CREATED"
	StageValidating        Stage = "VALIDATING"
	StageTranscoding       Stage = "TRANSCODING"
	StageSegmenting        Stage = "SEGMENTING"
	StageDetectingLanguage Stage = "DETECTING_LANGUAGE"
	StageTranscribing      Stage = "TRANSCRIBING"
	StageMerging           Stage = "MERGING"
	StageDiarizing         Stage = "DIARIZING"
	StageGeneratingOutputs Stage = "GENERATING_OUTPUTS"
	StageComplete          Stage = "COMPLETE"
)

// stageOrder is the only legal progression. Retries re-enter the same stage;
// stages are never skipped.
var stageOrder = []Stage{
	StageCreated,
	StageValidating,
	StageTranscoding,
	StageSegmenting,
	StageDetectingLanguage,
	StageTranscribing,
	StageMerging,
	StageDiarizing,
	StageGeneratingOutputs,
	StageComplete,
}

// Next returns the stage that follows s, or false if s is the last stage
// or unknown.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// IsValid returns true for known stages.
func (s Stage) IsValid() bool {
	for _, stage := range stageOrder {
		if stage == s {
			return true
		}
	}
	return false
}

// ValidTransition reports whether from → to follows the stage graph.
func ValidTransition(from, to Stage) bool {
	next, ok := from.Next()
	return ok && next == to
}

// ErrInvalidTransition is returned when a stage transition does not follow
// the stage graph.
var ErrInvalidTransition = errors.New("job: invalid stage transition")

// Storage path names recorded in Job.StoragePaths.
const (
	PathOriginal   = "original"
	PathNormalized = "normalized"
)

// SegmentPath returns the storage-path name for segment index i.
func SegmentPath(i int) string {
	return fmt.Sprintf("segments/%d", i)
}

// Failure describes why a job failed.
type Failure struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	FailedStage Stage  `json:"failed_stage"`
}

// Results holds the merged transcript summary persisted on the job record.
type Results struct {
	Transcript         string  `json:"transcript"`
	DiarizedTranscript string  `json:"diarized_transcript,omitempty"`
	WordCount          int     `json:"word_count"`
	Confidence         float64 `json:"confidence"`
	FailedSegments     []int   `json:"failed_segments,omitempty"`
}

// Job represents one transcription pipeline run. Instances handed out by the
// store are snapshots; all mutation goes through Store methods so that the
// worker, the API and cancellation never share mutable state.
type Job struct {
	// ID is the unique identifier for this job.
	ID string
	// OwnerID identifies the owning user; identity is external to the core.
	OwnerID string
	// UploadID is the upload session this job was created from.
	UploadID string
	// Filename is the original upload filename, kept for display.
	Filename string
	// TotalSize is the byte size of the assembled input blob.
	TotalSize int64
	// TotalDurationSec is set by the validate stage after probing.
	TotalDurationSec float64
	// Language is the requested language, or AUTO.
	Language string
	// DetectedLanguage is resolved by the language-detection stage.
	DetectedLanguage string
	// EnableDiarization toggles the speaker-attribution stage.
	EnableDiarization bool

	// State is the lifecycle state.
	State State
	// CurrentStage is the stage the job is in or about to run.
	CurrentStage Stage
	// Progress is the completion fraction within the current stage (0..1).
	Progress float64
	// RetryCount counts stage-level transient retries.
	RetryCount int
	// MaxRetries bounds RetryCount before the job fails.
	MaxRetries int

	// StoragePaths maps logical names (original, normalized, segments/N)
	// to blob keys.
	StoragePaths map[string]string
	// Checkpoints maps a stage to its durable output payload.
	Checkpoints map[Stage][]byte
	// StageDurations records wall-clock seconds per completed stage.
	StageDurations map[Stage]float64
	// Results is set by the merge stage.
	Results *Results
	// Error is set when the job fails.
	Error *Failure
	// CancelRequested is the cooperative cancellation flag; handlers check
	// it between units of work.
	CancelRequested bool

	// LeaseOwner and LeaseExpiresAt implement the worker lease.
	LeaseOwner     string
	LeaseExpiresAt time.Time

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// New creates a Job in CREATED referencing an assembled upload blob.
func New(ownerID, uploadID, filename string, totalSize int64, language string, diarize bool, maxRetries int) *Job {
	if language == "" {
		language = LanguageAuto
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := time.Now()
	return &Job{
		ID:                id.Job(),
		OwnerID:           ownerID,
		UploadID:          uploadID,
		Filename:          filename,
		TotalSize:         totalSize,
		Language:          language,
		EnableDiarization: diarize,
		State:             StateCreated,
		CurrentStage:      StageCreated,
		MaxRetries:        maxRetries,
		StoragePaths:      make(map[string]string),
		Checkpoints:       make(map[Stage][]byte),
		StageDurations:    make(map[Stage]float64),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsTerminal returns true if the job reached a final state.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	c := *j

	c.StoragePaths = make(map[string]string, len(j.StoragePaths))
	for k, v := range j.StoragePaths {
		c.StoragePaths[k] = v
	}

	c.Checkpoints = make(map[Stage][]byte, len(j.Checkpoints))
	for k, v := range j.Checkpoints {
		buf := make([]byte, len(v))
		copy(buf, v)
		c.Checkpoints[k] = buf
	}

	c.StageDurations = make(map[Stage]float64, len(j.StageDurations))
	for k, v := range j.StageDurations {
		c.StageDurations[k] = v
	}

	if j.Results != nil {
		res := *j.Results
		res.FailedSegments = append([]int(nil), j.Results.FailedSegments...)
		c.Results = &res
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}

	return &c
}
