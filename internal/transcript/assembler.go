package transcript

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
)

// Assembler writes the four output assets to the blob store and records
// them on the job. The asset set appears atomically: a partial failure rolls
// back everything written before re-raising.
type Assembler struct {
	blobs  blob.Store
	jobs   job.Store
	logger *slog.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(blobs blob.Store, jobs job.Store, logger *slog.Logger) *Assembler {
	return &Assembler{blobs: blobs, jobs: jobs, logger: logger}
}

// Generate renders and stores TXT, JSON, SRT and VTT for the job. The TXT
// asset carries the diarized transcript when present, the raw one otherwise.
func (a *Assembler) Generate(ctx context.Context, j *job.Job, merged job.MergeCheckpoint, diarized string, fragments []job.Fragment) ([]job.Asset, error) {
	text := merged.Transcript
	if diarized != "" {
		text = diarized
	}

	jsonBytes, err := RenderJSON(Document{
		Transcript:         merged.Transcript,
		DiarizedTranscript: diarized,
		Segments:           fragments,
		Metadata: Metadata{
			Language:    j.DetectedLanguage,
			DurationSec: j.TotalDurationSec,
			WordCount:   merged.WordCount,
			Confidence:  MeanConfidence(fragments),
		},
	})
	if err != nil {
		return nil, err
	}

	payloads := map[job.AssetKind][]byte{
		job.AssetTXT:  RenderTXT(text),
		job.AssetJSON: jsonBytes,
		job.AssetSRT:  RenderSRT(fragments),
		job.AssetVTT:  RenderVTT(fragments),
	}

	var written []string
	rollback := func() {
		for _, key := range written {
			if err := a.blobs.Delete(ctx, key); err != nil {
				a.logger.Warn("asset rollback delete failed", "job_id", j.ID, "key", key, "error", err)
			}
		}
		if err := a.jobs.ClearAssets(ctx, j.ID); err != nil {
			a.logger.Warn("asset rollback clear failed", "job_id", j.ID, "error", err)
		}
	}

	assets := make([]job.Asset, 0, len(job.AllAssetKinds))
	for _, kind := range job.AllAssetKinds {
		payload := payloads[kind]
		key := assetKey(j.ID, kind)
		size, err := a.blobs.Write(ctx, key, bytes.NewReader(payload))
		if err != nil {
			rollback()
			return nil, fmt.Errorf("write %s asset: %w", kind, err)
		}
		written = append(written, key)
		assets = append(assets, job.NewAsset(j.ID, kind, key, size))
	}

	// Re-running the stage replaces any previously recorded set.
	if err := a.jobs.ClearAssets(ctx, j.ID); err != nil {
		rollback()
		return nil, fmt.Errorf("clear previous assets: %w", err)
	}
	if err := a.jobs.AddAssets(ctx, j.ID, assets); err != nil {
		rollback()
		return nil, fmt.Errorf("record assets: %w", err)
	}

	a.logger.Info("assets generated", "job_id", j.ID, "count", len(assets))
	return assets, nil
}

// assetKey returns the blob key for a job's asset of the given kind.
func assetKey(jobID string, kind job.AssetKind) string {
	return fmt.Sprintf("job/%s/assets/transcript.%s", jobID, kind.Extension())
}
