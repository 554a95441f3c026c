package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
)

// TranscodeHandler normalizes the original audio to canonical PCM mono
// 16 kHz WAV and stores it as the job's normalized blob.
type TranscodeHandler struct {
	deps Deps
}

func (h *TranscodeHandler) Stage() job.Stage { return job.StageTranscoding }

// Timeout budgets twice the media duration; normalization is roughly
// realtime on slow storage.
func (h *TranscodeHandler) Timeout(j *job.Job) time.Duration {
	budget := time.Duration(2*j.TotalDurationSec) * time.Second
	if budget < defaultStageTimeout {
		budget = defaultStageTimeout
	}
	return budget
}

func (h *TranscodeHandler) Run(ctx context.Context, j *job.Job) error {
	dir, cleanup, err := h.deps.workspace(j.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	src := scratch(dir, "original")
	if err := h.deps.materialize(ctx, j.StoragePaths[job.PathOriginal], src); err != nil {
		return err
	}

	_ = h.deps.Jobs.UpdateStageProgress(ctx, j.ID, job.StageTranscoding, 0.25)

	dst := scratch(dir, "normalized.wav")
	if err := h.deps.Transcoder.Transcode(ctx, src, dst); err != nil {
		if ctx.Err() != nil {
			return WrapErr(KindTransient, CodeTranscodeFailed, err)
		}
		return WrapErr(KindPermanent, CodeTranscodeFailed, err)
	}

	fi, err := os.Stat(dst)
	if err != nil || fi.Size() == 0 {
		return Failf(KindPermanent, CodeTranscodeEmpty, "transcode produced no output")
	}

	_ = h.deps.Jobs.UpdateStageProgress(ctx, j.ID, job.StageTranscoding, 0.75)

	key := normalizedKey(j.ID)
	if _, err := h.deps.store(ctx, key, dst); err != nil {
		return err
	}
	if err := h.deps.Jobs.SetStoragePath(ctx, j.ID, job.PathNormalized, key); err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	h.deps.Logger.Info("audio normalized", "job_id", j.ID, "key", key, "bytes", fi.Size())
	return nil
}
