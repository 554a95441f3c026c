package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
)

// ValidateHandler checks the uploaded blob is transcribable audio and
// persists the probed duration. It produces no checkpoint payload.
type ValidateHandler struct {
	deps Deps
}

func (h *ValidateHandler) Stage() job.Stage { return job.StageValidating }

func (h *ValidateHandler) Timeout(*job.Job) time.Duration { return time.Minute }

func (h *ValidateHandler) Run(ctx context.Context, j *job.Job) error {
	key := j.StoragePaths[job.PathOriginal]
	if key == "" {
		return Failf(KindInternal, CodeStorage, "job has no original blob")
	}

	size, err := h.deps.Blobs.Stat(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Failf(KindValidation, CodeSizeMismatch, "original blob missing")
		}
		return WrapErr(KindTransient, CodeStorage, err)
	}
	if size != j.TotalSize {
		return Failf(KindValidation, CodeSizeMismatch, "blob is %d bytes, job declares %d", size, j.TotalSize)
	}

	dir, cleanup, err := h.deps.workspace(j.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	local := scratch(dir, "original")
	if err := h.deps.materialize(ctx, key, local); err != nil {
		return err
	}

	info, err := h.deps.Prober.Probe(ctx, local)
	if err != nil {
		return WrapErr(KindPermanent, CodeNoAudio, err)
	}
	if info.AudioStreams != 1 {
		return Failf(KindValidation, CodeNoAudio, "need exactly one audio stream, found %d", info.AudioStreams)
	}
	if info.DurationSec <= 0 {
		return Failf(KindValidation, CodeInvalidDuration, "probed duration %.3fs", info.DurationSec)
	}
	if max := h.deps.Config.MaxDuration.Seconds(); info.DurationSec > max {
		return Failf(KindValidation, CodeTooLong, "duration %.0fs exceeds limit %.0fs", info.DurationSec, max)
	}

	if err := h.deps.Jobs.SetTotalDuration(ctx, j.ID, info.DurationSec); err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	h.deps.Logger.Info("media validated",
		"job_id", j.ID,
		"duration_sec", info.DurationSec,
		"format", info.Format,
		"codec", info.Codec,
	)
	return nil
}
