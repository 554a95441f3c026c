package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/recognizer"
)

// TranscribeHandler runs recognition over every segment, serially and with
// pacing between calls. Each fragment is checkpointed as soon as it exists,
// so a retried stage resumes instead of re-recognizing. A segment the
// recognizer cannot serve is recorded as a failed fragment; the stage itself
// fails only when nothing at all was recognized.
type TranscribeHandler struct {
	deps Deps
}

func (h *TranscribeHandler) Stage() job.Stage { return job.StageTranscribing }

// Timeout budgets 1.5x the media duration plus headroom for pacing and
// recognizer retries.
func (h *TranscribeHandler) Timeout(j *job.Job) time.Duration {
	budget := time.Duration(1.5*j.TotalDurationSec) * time.Second
	if budget < defaultStageTimeout {
		budget = defaultStageTimeout
	}
	return budget
}

func (h *TranscribeHandler) Run(ctx context.Context, j *job.Job) error {
	raw, err := h.deps.Jobs.GetCheckpoint(ctx, j.ID, job.StageSegmenting)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}
	if raw == nil {
		return Failf(KindInternal, CodeCheckpointBroken, "segment checkpoint missing")
	}
	segCp, err := job.DecodeSegmentCheckpoint(raw)
	if err != nil {
		return WrapErr(KindInternal, CodeCheckpointBroken, err)
	}

	// Resume from fragments a previous attempt already produced.
	var cp job.TranscribeCheckpoint
	if prev, err := h.deps.Jobs.GetCheckpoint(ctx, j.ID, job.StageTranscribing); err == nil && prev != nil {
		if decoded, err := job.DecodeTranscribeCheckpoint(prev); err == nil {
			cp = decoded
		} else {
			h.deps.Logger.Warn("discarding invalid transcribe checkpoint", "job_id", j.ID, "error", err)
		}
	}

	language := j.DetectedLanguage
	if language == "" {
		language = h.deps.Config.DefaultLanguage
	}

	total := len(segCp.Segments)
	var lastCall time.Time
	for _, seg := range segCp.Segments {
		if _, ok := cp.Fragment(seg.Index); ok {
			continue
		}
		if err := h.deps.checkCancel(ctx, j.ID); err != nil {
			return err
		}
		if err := h.pace(ctx, &lastCall); err != nil {
			return err
		}

		frag, err := h.recognizeSegment(ctx, seg, language)
		if err != nil {
			return err
		}
		cp.Fragments = append(cp.Fragments, frag)

		payload, err := job.EncodeCheckpoint(cp)
		if err != nil {
			return WrapErr(KindInternal, CodeCheckpointBroken, err)
		}
		if err := h.deps.Jobs.SetCheckpoint(ctx, j.ID, job.StageTranscribing, payload); err != nil {
			return WrapErr(KindTransient, CodeStorage, err)
		}

		progress := 0.10 + 0.80*float64(len(cp.Fragments))/float64(total)
		_ = h.deps.Jobs.UpdateStageProgress(ctx, j.ID, job.StageTranscribing, progress)
	}

	failed := 0
	for _, f := range cp.Fragments {
		if f.Failed() {
			failed++
		}
	}
	if failed == total {
		return Failf(KindPermanent, CodeRecognition, "all %d segments failed recognition", total)
	}

	h.deps.Logger.Info("transcription complete",
		"job_id", j.ID,
		"segments", total,
		"failed", failed,
	)
	return nil
}

// pace enforces the minimum gap between consecutive recognizer calls.
func (h *TranscribeHandler) pace(ctx context.Context, lastCall *time.Time) error {
	if lastCall.IsZero() {
		*lastCall = time.Now()
		return nil
	}
	wait := h.deps.Config.PacingInterval - time.Since(*lastCall)
	if wait > 0 {
		select {
		case <-ctx.Done():
			return WrapErr(KindTransient, CodeRecognition, ctx.Err())
		case <-time.After(wait):
		}
	}
	*lastCall = time.Now()
	return nil
}

// recognizeSegment calls the recognizer for one segment and maps the result
// into a fragment in source-timeline coordinates. Exhausted retries,
// permanent request failures and application-level recognition failures
// yield a failed fragment rather than an error, so one unservable segment
// never burns the job's retry budget; everything else propagates.
func (h *TranscribeHandler) recognizeSegment(ctx context.Context, seg job.Segment, language string) (job.Fragment, error) {
	frag := job.Fragment{
		Index:    seg.Index,
		StartSec: seg.OriginalStartSec,
		EndSec:   seg.OriginalEndSec,
	}

	url, err := h.deps.Blobs.PresignGet(ctx, seg.StorageKey, h.deps.Config.PresignTTL)
	if err != nil {
		return job.Fragment{}, WrapErr(KindTransient, CodeStorage, err)
	}

	res, err := h.deps.Recognizer.Recognize(ctx, recognizer.Request{
		AudioURL: url,
		Language: language,
	})
	if err != nil {
		if errors.Is(err, recognizer.ErrRetriesExhausted) ||
			errors.Is(err, recognizer.ErrRecognitionFailed) ||
			errors.Is(err, recognizer.ErrRequestFailed) {
			h.deps.Logger.Warn("segment recognition failed, recording placeholder",
				"segment", seg.Index,
				"error", err,
			)
			frag.Text = job.FailedText
			frag.Confidence = 0
			return frag, nil
		}
		return job.Fragment{}, WrapErr(KindTransient, CodeRecognition, err)
	}

	frag.Text = res.Text
	frag.Confidence = res.Confidence
	for _, w := range res.Words {
		// Recognizer timing is relative to the submitted window; shift into
		// the source timeline.
		frag.SubSegments = append(frag.SubSegments, job.SubSegment{
			StartSec: seg.StartSec + w.StartSec,
			EndSec:   seg.StartSec + w.EndSec,
			Text:     w.Text,
		})
	}
	return frag, nil
}
