package pipeline

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/recognizer"
)

// DetectLanguageHandler resolves the job's language. A requested language
// passes through untouched; AUTO sends the first segment to the recognizer.
// Detection failure never fails the job, the configured default applies.
type DetectLanguageHandler struct {
	deps Deps
}

func (h *DetectLanguageHandler) Stage() job.Stage { return job.StageDetectingLanguage }

func (h *DetectLanguageHandler) Timeout(*job.Job) time.Duration { return defaultStageTimeout }

func (h *DetectLanguageHandler) Run(ctx context.Context, j *job.Job) error {
	if j.Language != job.LanguageAuto {
		if err := h.deps.Jobs.SetDetectedLanguage(ctx, j.ID, j.Language); err != nil {
			return WrapErr(KindTransient, CodeStorage, err)
		}
		return nil
	}

	language := h.detect(ctx, j)
	if err := h.deps.Jobs.SetDetectedLanguage(ctx, j.ID, language); err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	h.deps.Logger.Info("language resolved", "job_id", j.ID, "language", language)
	return nil
}

// detect asks the recognizer to identify the language of the first segment,
// falling back to the configured default on any failure.
func (h *DetectLanguageHandler) detect(ctx context.Context, j *job.Job) string {
	fallback := h.deps.Config.DefaultLanguage

	raw, err := h.deps.Jobs.GetCheckpoint(ctx, j.ID, job.StageSegmenting)
	if err != nil || raw == nil {
		h.deps.Logger.Warn("language detection skipped, no segment checkpoint", "job_id", j.ID, "error", err)
		return fallback
	}
	cp, err := job.DecodeSegmentCheckpoint(raw)
	if err != nil || len(cp.Segments) == 0 {
		h.deps.Logger.Warn("language detection skipped, bad segment checkpoint", "job_id", j.ID, "error", err)
		return fallback
	}

	url, err := h.deps.Blobs.PresignGet(ctx, cp.Segments[0].StorageKey, h.deps.Config.PresignTTL)
	if err != nil {
		h.deps.Logger.Warn("language detection presign failed", "job_id", j.ID, "error", err)
		return fallback
	}

	res, err := h.deps.Recognizer.Recognize(ctx, recognizer.Request{
		AudioURL: url,
		Language: job.LanguageAuto,
	})
	if err != nil || res.Language == "" {
		h.deps.Logger.Warn("language detection failed, using default",
			"job_id", j.ID,
			"default", fallback,
			"error", err,
		)
		return fallback
	}
	return res.Language
}
