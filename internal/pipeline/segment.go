package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/voxpipe/voxpipe/internal/audio"
	"github.com/voxpipe/voxpipe/internal/job"
)

// SegmentHandler cuts the normalized audio into the planned overlapping
// windows, each stored as its own blob. The plan is recomputed
// deterministically on retry; windows whose blob already exists are reused.
type SegmentHandler struct {
	deps Deps
}

func (h *SegmentHandler) Stage() job.Stage { return job.StageSegmenting }

func (h *SegmentHandler) Timeout(j *job.Job) time.Duration {
	budget := time.Duration(j.TotalDurationSec) * time.Second
	if budget < defaultStageTimeout {
		budget = defaultStageTimeout
	}
	return budget
}

func (h *SegmentHandler) Run(ctx context.Context, j *job.Job) error {
	windows := audio.Plan(j.TotalDurationSec, h.deps.Config.SegmentDurationSec, h.deps.Config.SegmentOverlapSec)
	if len(windows) == 0 {
		return Failf(KindValidation, CodeInvalidDuration, "no windows for %.3fs of audio", j.TotalDurationSec)
	}

	dir, cleanup, err := h.deps.workspace(j.ID)
	if err != nil {
		return err
	}
	defer cleanup()

	src := scratch(dir, "normalized.wav")
	if err := h.deps.materialize(ctx, j.StoragePaths[job.PathNormalized], src); err != nil {
		return err
	}

	segments := make([]job.Segment, 0, len(windows))
	for _, w := range windows {
		if err := h.deps.checkCancel(ctx, j.ID); err != nil {
			return err
		}

		key := segmentKey(j.ID, w.Index)
		if _, err := h.deps.Blobs.Stat(ctx, key); err != nil {
			out := scratch(dir, fmt.Sprintf("segment-%d.wav", w.Index))
			if err := h.deps.Extractor.Extract(ctx, src, out, w.StartSec, w.EndSec-w.StartSec); err != nil {
				if ctx.Err() != nil {
					return WrapErr(KindTransient, CodeSegmentFailed, err)
				}
				return WrapErr(KindPermanent, CodeSegmentFailed, err)
			}
			if _, err := h.deps.store(ctx, key, out); err != nil {
				return err
			}
		}
		if err := h.deps.Jobs.SetStoragePath(ctx, j.ID, job.SegmentPath(w.Index), key); err != nil {
			return WrapErr(KindTransient, CodeStorage, err)
		}

		segments = append(segments, job.Segment{
			Index:            w.Index,
			StartSec:         w.StartSec,
			EndSec:           w.EndSec,
			StorageKey:       key,
			OriginalStartSec: w.OriginalStart,
			OriginalEndSec:   w.OriginalEnd,
		})
		_ = h.deps.Jobs.UpdateStageProgress(ctx, j.ID, job.StageSegmenting, float64(len(segments))/float64(len(windows)))
	}

	payload, err := job.EncodeCheckpoint(job.SegmentCheckpoint{Segments: segments})
	if err != nil {
		return WrapErr(KindInternal, CodeCheckpointBroken, err)
	}
	if err := h.deps.Jobs.SetCheckpoint(ctx, j.ID, job.StageSegmenting, payload); err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	h.deps.Logger.Info("audio segmented", "job_id", j.ID, "segments", len(segments))
	return nil
}
