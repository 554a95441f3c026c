// Package media probes uploaded files and normalizes their audio track for
// recognition. Implementations shell out to ffmpeg/ffprobe.
package media

import "context"

// Info describes the probed media file.
type Info struct {
	// DurationSec is the container duration in seconds.
	DurationSec float64
	// Format is the container format name reported by the probe.
	Format string
	// AudioStreams counts decodable audio streams.
	AudioStreams int
	// Codec is the first audio stream's codec name.
	Codec string
	// SampleRate is the first audio stream's sample rate in Hz.
	SampleRate int
	// Channels is the first audio stream's channel count.
	Channels int
}

// Prober inspects a media file without decoding it.
type Prober interface {
	// Probe returns stream and duration metadata for the file at path.
	Probe(ctx context.Context, path string) (Info, error)
}

// Transcoder normalizes a media file to the audio format recognition expects:
// WAV, PCM signed 16-bit little-endian, mono, 16 kHz.
type Transcoder interface {
	// Transcode reads src and writes the normalized WAV to dst.
	Transcode(ctx context.Context, src, dst string) error
}
