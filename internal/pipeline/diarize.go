package pipeline

import (
	"context"
	"time"

	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/transcript"
)

// DiarizeHandler attributes fragments to speakers. The stage always runs so
// the pipeline has a fixed shape; without diarization enabled it records the
// trivial single-speaker attribution. A diarizer failure never loses the
// merged transcript.
type DiarizeHandler struct {
	deps Deps
}

func (h *DiarizeHandler) Stage() job.Stage { return job.StageDiarizing }

func (h *DiarizeHandler) Timeout(*job.Job) time.Duration { return defaultStageTimeout }

func (h *DiarizeHandler) Run(ctx context.Context, j *job.Job) error {
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

	diarizer := h.deps.Diarizer
	if !j.EnableDiarization || diarizer == nil {
		diarizer = transcript.SingleSpeaker{}
	}

	speakers, err := diarizer.Attribute(ctx, tcp.Fragments)
	if err != nil {
		h.deps.Logger.Warn("diarizer failed, falling back to single speaker",
			"job_id", j.ID,
			"error", err,
		)
		speakers, _ = transcript.SingleSpeaker{}.Attribute(ctx, tcp.Fragments)
	}

	diarized := transcript.ApplySpeakers(tcp.Fragments, speakers)

	payload, err := job.EncodeCheckpoint(job.DiarizeCheckpoint{
		Speakers:           speakers,
		DiarizedTranscript: diarized,
	})
	if err != nil {
		return WrapErr(KindInternal, CodeCheckpointBroken, err)
	}
	if err := h.deps.Jobs.SetCheckpoint(ctx, j.ID, job.StageDiarizing, payload); err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}

	// Carry the speaker-labelled transcript onto the job record alongside
	// the merged results.
	current, err := h.deps.Jobs.GetJob(ctx, j.ID)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}
	if current.Results != nil {
		res := *current.Results
		res.DiarizedTranscript = diarized
		if err := h.deps.Jobs.SetResults(ctx, j.ID, res); err != nil {
			return WrapErr(KindTransient, CodeStorage, err)
		}
	}
	return nil
}
