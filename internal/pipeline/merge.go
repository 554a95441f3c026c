package pipeline

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/transcript"
)

// MergeHandler joins the recognized fragments into the final transcript.
// Pure over its checkpoint input, so re-running is byte-identical.
type MergeHandler struct {
	deps Deps
}

func (h *MergeHandler) Stage() job.Stage { return job.StageMerging }

func (h *MergeHandler) Timeout(*job.Job) time.Duration { return defaultStageTimeout }

func (h *MergeHandler) Run(ctx context.Context, j *job.Job) error {
	raw, err := h.deps.Jobs.GetCheckpoint(ctx, j.ID, job.StageTranscribing)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}
	if raw == nil {
		return Failf(KindInternal, CodeCheckpointBroken, "transcribe checkpoint missing")
	}
	cp, err := job.DecodeTranscribeCheckpoint(raw)
	if err != nil {
		return WrapErr(KindInternal, CodeCheckpointBroken, err)
	}

	merged := transcript.Merge(cp.Fragments)

	payload, err := job.EncodeCheckpoint(merged)
	if err != nil {
		return WrapErr(KindInternal, CodeCheckpointBroken, err)
	}
	if err := h.deps.Jobs.SetCheckpoint(ctx, j.ID, job.StageMerging, payload); err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	if err := h.deps.Jobs.SetResults(ctx, j.ID, job.Results{
		Transcript:     merged.Transcript,
		WordCount:      merged.WordCount,
		Confidence:     transcript.MeanConfidence(cp.Fragments),
		FailedSegments: merged.FailedSegments,
	}); err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	h.deps.Logger.Info("transcript merged",
		"job_id", j.ID,
		"words", merged.WordCount,
		"failed_segments", len(merged.FailedSegments),
	)
	return nil
}
