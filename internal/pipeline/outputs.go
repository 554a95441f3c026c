package pipeline

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
)

// OutputsHandler renders and records the four transcript assets through the
// assembler. The asset set appears atomically.
type OutputsHandler struct {
	deps Deps
}

func (h *OutputsHandler) Stage() job.Stage { return job.StageGeneratingOutputs }

func (h *OutputsHandler) Timeout(*job.Job) time.Duration { return defaultStageTimeout }

func (h *OutputsHandler) Run(ctx context.Context, j *job.Job) error {
	rawT, err := h.deps.Jobs.GetCheckpoint(ctx, j.ID, job.StageTranscribing)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}
	if rawT == nil {
		return Failf(KindInternal, CodeCheckpointBroken, "transcribe checkpoint missing")
	}
	tcp, err := job.DecodeTranscribeCheckpoint(rawT)
	if err != nil {
		return WrapErr(KindInternal, CodeCheckpointBroken, err)
	}

	rawM, err := h.deps.Jobs.GetCheckpoint(ctx, j.ID, job.StageMerging)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}
	if rawM == nil {
		return Failf(KindInternal, CodeCheckpointBroken, "merge checkpoint missing")
	}
	merged, err := job.DecodeMergeCheckpoint(rawM)
	if err != nil {
		return WrapErr(KindInternal, CodeCheckpointBroken, err)
	}

	var diarized string
	if rawD, err := h.deps.Jobs.GetCheckpoint(ctx, j.ID, job.StageDiarizing); err == nil && rawD != nil {
		if dcp, err := job.DecodeDiarizeCheckpoint(rawD); err == nil {
			diarized = dcp.DiarizedTranscript
		}
	}

	// The assembler reads duration and language off the job; re-fetch so a
	// resumed run sees what earlier stages persisted.
	current, err := h.deps.Jobs.GetJob(ctx, j.ID)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	if _, err := h.deps.Assembler.Generate(ctx, current, merged, diarized, tcp.Fragments); err != nil {
		return WrapErr(KindTransient, CodeOutputFailed, err)
	}
	return nil
}
