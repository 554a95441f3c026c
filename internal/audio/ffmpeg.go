package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Extractor cuts one planned window out of a normalized WAV file.
type Extractor interface {
	// Extract writes the window [startSec, startSec+durationSec) of src to
	// dst without re-encoding.
	Extract(ctx context.Context, src, dst string, startSec, durationSec float64) error
}

// FFmpegExtractor implements Extractor using the ffmpeg CLI.
type FFmpegExtractor struct {
	ffmpegPath string
}

// NewFFmpegExtractor creates a new FFmpegExtractor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found in PATH).
func NewFFmpegExtractor(ffmpegPath string) *FFmpegExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegExtractor{ffmpegPath: ffmpegPath}
}

// Extract implements Extractor. The input is already canonical PCM so the
// stream is copied, not re-encoded.
func (e *FFmpegExtractor) Extract(ctx context.Context, src, dst string, startSec, durationSec float64) error {
	if durationSec <= 0 {
		return fmt.Errorf("invalid window duration: %.3f", durationSec)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	args := []string{
		"-y", // Overwrite output
		"-ss", fmt.Sprintf("%.3f", startSec),
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-i", src,
		"-c", "copy", // Copy without re-encoding
		dst,
	}

	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg error: %w, stderr: %s", err, stderr.String())
	}

	return nil
}

// Verify interface implementation at compile time.
var _ Extractor = (*FFmpegExtractor)(nil)
