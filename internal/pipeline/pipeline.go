package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxpipe/voxpipe/internal/audio"
	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
	"github.com/voxpipe/voxpipe/internal/media"
	"github.com/voxpipe/voxpipe/internal/recognizer"
	"github.com/voxpipe/voxpipe/internal/transcript"
)

// Config carries the pipeline policy knobs.
type Config struct {
	// MaxDuration is the ceiling on probed media duration.
	MaxDuration time.Duration
	// SegmentDurationSec and SegmentOverlapSec parameterize window planning.
	SegmentDurationSec float64
	SegmentOverlapSec  float64
	// DefaultLanguage is the fallback when detection fails.
	DefaultLanguage string
	// PacingInterval is the minimum gap between consecutive recognizer calls.
	PacingInterval time.Duration
	// PresignTTL bounds the lifetime of segment URLs handed to the recognizer.
	PresignTTL time.Duration
	// WorkDir is where stages materialize blobs for ffmpeg. Defaults to the
	// system temp dir.
	WorkDir string
}

// Deps bundles everything stage handlers are allowed to touch. Handlers own
// no state of their own; every side effect goes through a dependency.
type Deps struct {
	Jobs       job.Store
	Blobs      blob.Store
	Prober     media.Prober
	Transcoder media.Transcoder
	Extractor  audio.Extractor
	Recognizer recognizer.Client
	Diarizer   transcript.Diarizer
	Assembler  *transcript.Assembler
	Config     Config
	Logger     *slog.Logger
}

// Handler runs the work of one stage. Run is invoked after the worker has
// CAS-advanced the job into the handler's stage; the job argument is a
// snapshot taken at that moment.
type Handler interface {
	// Stage identifies the stage this handler implements.
	Stage() job.Stage
	// Timeout returns the stage budget for the given job.
	Timeout(j *job.Job) time.Duration
	// Run performs the stage's work, persisting checkpoints through Deps.
	Run(ctx context.Context, j *job.Job) error
}

// Handlers returns the full stage handler set in pipeline order.
func Handlers(d Deps) []Handler {
	return []Handler{
		&ValidateHandler{d},
		&TranscodeHandler{d},
		&SegmentHandler{d},
		&DetectLanguageHandler{d},
		&TranscribeHandler{d},
		&MergeHandler{d},
		&DiarizeHandler{d},
		&OutputsHandler{d},
	}
}

// defaultStageTimeout bounds stages without a duration-proportional budget.
const defaultStageTimeout = 5 * time.Minute

// checkCancel consults the cooperative cancellation flag. Stages call it
// between units of work.
func (d Deps) checkCancel(ctx context.Context, jobID string) error {
	requested, err := d.Jobs.CancelRequested(ctx, jobID)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, err)
	}
	if requested {
		return ErrCancelRequested
	}
	return nil
}

// workspace creates a scratch directory for one stage run. The caller must
// invoke the returned cleanup.
func (d Deps) workspace(jobID string) (string, func(), error) {
	root := d.Config.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "voxpipe-"+jobID+"-*")
	if err != nil {
		return "", nil, WrapErr(KindTransient, CodeStorage, fmt.Errorf("create workspace: %w", err))
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			d.Logger.Warn("workspace cleanup failed", "job_id", jobID, "dir", dir, "error", err)
		}
	}
	return dir, cleanup, nil
}

// materialize copies a blob to a local file for tools that need a path.
func (d Deps) materialize(ctx context.Context, key, path string) error {
	rc, err := d.Blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return WrapErr(KindInternal, CodeStorage, fmt.Errorf("blob %s missing", key))
		}
		return WrapErr(KindTransient, CodeStorage, err)
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, fmt.Errorf("create %s: %w", path, err))
	}
	_, err = io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return WrapErr(KindTransient, CodeStorage, fmt.Errorf("materialize %s: %w", key, err))
	}
	return nil
}

// store uploads a local file to the blob store under key.
func (d Deps) store(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, WrapErr(KindTransient, CodeStorage, fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	size, err := d.Blobs.Write(ctx, key, f)
	if err != nil {
		return 0, WrapErr(KindTransient, CodeStorage, fmt.Errorf("store %s: %w", key, err))
	}
	return size, nil
}

// normalizedKey is the blob key for the transcoded audio of a job.
func normalizedKey(jobID string) string {
	return fmt.Sprintf("job/%s/normalized.wav", jobID)
}

// segmentKey is the blob key for one extracted window. Keys are derived from
// (job, index) so a retried stage reuses blobs it already wrote.
func segmentKey(jobID string, index int) string {
	return fmt.Sprintf("job/%s/segments/%d.wav", jobID, index)
}

// scratch joins a workspace path.
func scratch(dir, name string) string {
	return filepath.Join(dir, name)
}
