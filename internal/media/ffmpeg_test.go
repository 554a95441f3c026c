package media

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not available.
func skipIfNoFFmpeg(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not found in PATH, skipping test")
	}
}

// createTestAudio creates a sine-tone WAV using ffmpeg.
func createTestAudio(t *testing.T, path string, duration float64) {
	t.Helper()

	cmd := exec.Command("ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("sine=frequency=440:duration=%.1f", duration),
		"-ar", "44100",
		path,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to create test audio: %v\noutput: %s", err, output)
	}
}

func TestNewFFmpegProcessor(t *testing.T) {
	t.Run("default paths", func(t *testing.T) {
		p := NewFFmpegProcessor("", "")
		if p.ffmpegPath != "ffmpeg" {
			t.Errorf("expected default path 'ffmpeg', got %q", p.ffmpegPath)
		}
		if p.ffprobePath != "ffprobe" {
			t.Errorf("expected default path 'ffprobe', got %q", p.ffprobePath)
		}
	})

	t.Run("custom paths", func(t *testing.T) {
		p := NewFFmpegProcessor("/opt/ffmpeg", "/opt/ffprobe")
		if p.ffmpegPath != "/opt/ffmpeg" {
			t.Errorf("expected custom path, got %q", p.ffmpegPath)
		}
	})
}

func TestParseProbeOutput(t *testing.T) {
	t.Run("wav with one audio stream", func(t *testing.T) {
		raw := []byte(`{
			"streams": [
				{"codec_type": "audio", "codec_name": "pcm_s16le", "sample_rate": "44100", "channels": 2, "duration": "12.5"}
			],
			"format": {"format_name": "wav", "duration": "12.500000"}
		}`)

		info, err := parseProbeOutput(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.AudioStreams != 1 {
			t.Errorf("expected 1 audio stream, got %d", info.AudioStreams)
		}
		if info.DurationSec != 12.5 {
			t.Errorf("expected duration 12.5, got %f", info.DurationSec)
		}
		if info.Codec != "pcm_s16le" || info.SampleRate != 44100 || info.Channels != 2 {
			t.Errorf("unexpected stream info: %+v", info)
		}
	})

	t.Run("video with audio track counts only audio", func(t *testing.T) {
		raw := []byte(`{
			"streams": [
				{"codec_type": "video", "codec_name": "h264"},
				{"codec_type": "audio", "codec_name": "aac", "sample_rate": "48000", "channels": 2}
			],
			"format": {"format_name": "mov,mp4,m4a", "duration": "60.0"}
		}`)

		info, err := parseProbeOutput(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.AudioStreams != 1 {
			t.Errorf("expected 1 audio stream, got %d", info.AudioStreams)
		}
		if info.Codec != "aac" {
			t.Errorf("expected first audio codec, got %q", info.Codec)
		}
	})

	t.Run("no audio stream", func(t *testing.T) {
		raw := []byte(`{
			"streams": [{"codec_type": "video", "codec_name": "h264"}],
			"format": {"format_name": "mov,mp4,m4a", "duration": "60.0"}
		}`)

		info, err := parseProbeOutput(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.AudioStreams != 0 {
			t.Errorf("expected 0 audio streams, got %d", info.AudioStreams)
		}
	})

	t.Run("stream duration fallback", func(t *testing.T) {
		raw := []byte(`{
			"streams": [{"codec_type": "audio", "codec_name": "opus", "duration": "33.2"}],
			"format": {"format_name": "webm"}
		}`)

		info, err := parseProbeOutput(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.DurationSec != 33.2 {
			t.Errorf("expected fallback duration 33.2, got %f", info.DurationSec)
		}
	})

	t.Run("garbage input", func(t *testing.T) {
		if _, err := parseProbeOutput([]byte("not json")); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestProbeAndTranscode(t *testing.T) {
	skipIfNoFFmpeg(t)

	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src.wav")
	createTestAudio(t, src, 2.0)

	p := NewFFmpegProcessor("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := p.Probe(ctx, src)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if info.AudioStreams != 1 {
		t.Errorf("expected 1 audio stream, got %d", info.AudioStreams)
	}
	if info.DurationSec < 1.5 || info.DurationSec > 2.5 {
		t.Errorf("expected ~2s duration, got %f", info.DurationSec)
	}

	dst := filepath.Join(tmpDir, "normalized.wav")
	if err := p.Transcode(ctx, src, dst); err != nil {
		t.Fatalf("transcode failed: %v", err)
	}

	got, err := p.Probe(ctx, dst)
	if err != nil {
		t.Fatalf("probe of output failed: %v", err)
	}
	if got.Codec != "pcm_s16le" {
		t.Errorf("expected pcm_s16le output, got %q", got.Codec)
	}
	if got.SampleRate != 16000 {
		t.Errorf("expected 16000 Hz output, got %d", got.SampleRate)
	}
	if got.Channels != 1 {
		t.Errorf("expected mono output, got %d channels", got.Channels)
	}
}

func TestProbe_MissingFile(t *testing.T) {
	skipIfNoFFmpeg(t)

	p := NewFFmpegProcessor("", "")
	_, err := p.Probe(context.Background(), "/nonexistent/file.wav")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
