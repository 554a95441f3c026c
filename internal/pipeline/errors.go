// Package pipeline implements the per-stage handlers that drive a job from
// CREATED to COMPLETE, and the error taxonomy the worker uses to decide
// between retrying a stage and failing the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a stage failure for the retry policy.
type Kind int

const (
	// KindValidation rejects bad input; the job fails without retry.
	KindValidation Kind = iota
	// KindTransient covers IO, network and rate-limit failures; the stage
	// is retried with its checkpoint intact.
	KindTransient
	// KindPermanent covers failures no retry can fix, like undecodable media.
	KindPermanent
	// KindInternal covers bugs and unexpected states, like a corrupt
	// checkpoint; the job fails without retry since no retry can fix it.
	KindInternal
	// KindCanceled marks cooperative cancellation; the job goes to CANCELLED.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindInternal:
		return "internal"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Retryable reports whether the worker should re-run the stage.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// StageError carries the classification and the user-facing error code for a
// stage failure.
type StageError struct {
	Kind Kind
	// Code is the machine-readable failure code recorded on the job.
	Code string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Code, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Failf creates a StageError with a formatted message.
func Failf(kind Kind, code, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Code: code, Err: fmt.Errorf(format, args...)}
}

// WrapErr wraps an underlying error as a StageError.
func WrapErr(kind Kind, code string, err error) *StageError {
	return &StageError{Kind: kind, Code: code, Err: err}
}

// ErrCancelRequested signals that the job's cancellation flag was observed
// between units of work.
var ErrCancelRequested = errors.New("pipeline: cancel requested")

// Failure codes recorded on failed jobs.
const (
	CodeSizeMismatch     = "SIZE_MISMATCH"
	CodeNoAudio          = "NO_AUDIO"
	CodeTooLong          = "TOO_LONG"
	CodeInvalidDuration  = "INVALID_DURATION"
	CodeTranscodeFailed  = "TRANSCODE_FAILED"
	CodeTranscodeEmpty   = "TRANSCODE_EMPTY"
	CodeSegmentFailed    = "SEGMENT_FAILED"
	CodeRecognition      = "RECOGNITION_FAILED"
	CodeCheckpointBroken = "CHECKPOINT_INVALID"
	CodeStorage          = "STORAGE_UNAVAILABLE"
	CodeOutputFailed     = "OUTPUT_FAILED"
	CodeCancelled        = "CANCELLED"
	CodeInternal         = "INTERNAL"
)

// Classify maps any error raised by a stage to its Kind and failure code.
// It is the single place the retry policy reads.
func Classify(err error) (Kind, string) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, se.Code
	}
	if errors.Is(err, ErrCancelRequested) || errors.Is(err, context.Canceled) {
		return KindCanceled, CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, CodeInternal
	}
	return KindInternal, CodeInternal
}
