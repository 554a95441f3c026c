package transcript

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxpipe/voxpipe/internal/blob"
	"github.com/voxpipe/voxpipe/internal/job"
)

func fragment(index int, start, end float64, text string, conf float64) job.Fragment {
	return job.Fragment{Index: index, StartSec: start, EndSec: end, Text: text, Confidence: conf}
}

func TestMerge(t *testing.T) {
	t.Run("joins with paragraph breaks", func(t *testing.T) {
		got := Merge([]job.Fragment{
			fragment(0, 0, 60, "first part.", 0.9),
			fragment(1, 60, 120, "second part.", 0.8),
		})

		assert.Equal(t, "first part.\n\nsecond part.", got.Transcript)
		assert.Equal(t, 4, got.WordCount)
		assert.Empty(t, got.FailedSegments)
	})

	t.Run("orders by index regardless of input order", func(t *testing.T) {
		got := Merge([]job.Fragment{
			fragment(1, 60, 120, "second", 0.8),
			fragment(0, 0, 60, "first", 0.9),
		})
		assert.Equal(t, "first\n\nsecond", got.Transcript)
	})

	t.Run("skips failed fragments and records them", func(t *testing.T) {
		got := Merge([]job.Fragment{
			fragment(0, 0, 60, "hello", 0.9),
			fragment(1, 60, 120, job.FailedText, 0),
			fragment(2, 120, 180, "goodbye", 0.7),
		})
		assert.Equal(t, "hello\n\ngoodbye", got.Transcript)
		assert.Equal(t, []int{1}, got.FailedSegments)
	})

	t.Run("deterministic", func(t *testing.T) {
		in := []job.Fragment{
			fragment(0, 0, 60, "a b c", 0.9),
			fragment(1, 60, 120, "d e", 0.8),
		}
		assert.Equal(t, Merge(in), Merge(in))
	})

	t.Run("empty input", func(t *testing.T) {
		got := Merge(nil)
		assert.Empty(t, got.Transcript)
		assert.Zero(t, got.WordCount)
	})
}

func TestMeanConfidence(t *testing.T) {
	frags := []job.Fragment{
		fragment(0, 0, 60, "a", 0.8),
		fragment(1, 60, 120, job.FailedText, 0),
		fragment(2, 120, 180, "b", 0.6),
	}
	assert.InDelta(t, 0.7, MeanConfidence(frags), 1e-9)
	assert.Zero(t, MeanConfidence(nil))
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		sec  float64
		sep  byte
		want string
	}{
		{0, ',', "00:00:00,000"},
		{1.5, ',', "00:00:01,500"},
		{61.042, '.', "00:01:01.042"},
		{3661.999, ',', "01:01:01,999"},
		{7325.0015, '.', "02:02:05.002"},
	}
	for _, tt := range tests {
		if got := formatTimestamp(tt.sec, tt.sep); got != tt.want {
			t.Errorf("formatTimestamp(%v) = %q, want %q", tt.sec, got, tt.want)
		}
	}
}

func TestRenderTXT(t *testing.T) {
	assert.Equal(t, "hello\n", string(RenderTXT("hello")))
	assert.Equal(t, "hello\n", string(RenderTXT("hello\n")))
	assert.Empty(t, RenderTXT(""))
}

func TestRenderSRT(t *testing.T) {
	frags := []job.Fragment{
		fragment(0, 0, 60, "hello there", 0.9),
		fragment(1, 60, 120, job.FailedText, 0),
		fragment(2, 120, 180, "still here", 0.8),
	}
	got := string(RenderSRT(frags))

	// Failed fragments produce no cue; numbering stays dense from 1.
	want := "1\r\n00:00:00,000 --> 00:01:00,000\r\nhello there\r\n\r\n" +
		"2\r\n00:02:00,000 --> 00:03:00,000\r\nstill here\r\n\r\n"
	assert.Equal(t, want, got)
	assert.NotContains(t, got, job.FailedText)
}

func TestRenderVTT(t *testing.T) {
	frags := []job.Fragment{
		fragment(0, 0, 60, "hello", 0.9),
	}
	got := string(RenderVTT(frags))

	require.True(t, strings.HasPrefix(got, "WEBVTT\n\n"), "header must be WEBVTT followed by a blank line")
	assert.Contains(t, got, "00:00:00.000 --> 00:01:00.000\n")
	assert.NotContains(t, got, "\r\n")
}

func TestRenderVTT_SingleCue(t *testing.T) {
	got := string(RenderVTT([]job.Fragment{fragment(0, 0, 12.5, "short clip", 1)}))
	assert.Equal(t, "WEBVTT\n\n1\n00:00:00.000 --> 00:00:12.500\nshort clip\n\n", got)
}

func TestRenderJSON_RoundTripsToSubtitles(t *testing.T) {
	frags := []job.Fragment{
		fragment(0, 0, 60, "hello", 0.9),
		fragment(1, 60, 120, "world", 0.8),
	}
	merged := Merge(frags)

	raw, err := RenderJSON(Document{
		Transcript: merged.Transcript,
		Segments:   frags,
		Metadata: Metadata{
			Language:    "en",
			DurationSec: 119,
			WordCount:   merged.WordCount,
			Confidence:  MeanConfidence(frags),
		},
	})
	require.NoError(t, err)

	// Two-space indentation per the format contract.
	assert.Contains(t, string(raw), "\n  \"transcript\"")

	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, merged.Transcript, doc.Transcript)
	assert.Equal(t, "en", doc.Metadata.Language)

	// The JSON asset carries everything needed to regenerate SRT and VTT.
	assert.Equal(t, RenderSRT(frags), RenderSRT(doc.Segments))
	assert.Equal(t, RenderVTT(frags), RenderVTT(doc.Segments))
}

func TestSingleSpeaker(t *testing.T) {
	frags := []job.Fragment{
		fragment(0, 0, 60, "a", 0.9),
		fragment(1, 60, 120, "b", 0.8),
	}
	speakers, err := SingleSpeaker{}.Attribute(context.Background(), frags)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: DefaultSpeaker, 1: DefaultSpeaker}, speakers)
}

func TestApplySpeakers(t *testing.T) {
	frags := []job.Fragment{
		fragment(0, 0, 60, "hello.", 0.9),
		fragment(1, 60, 120, "how are you?", 0.8),
		fragment(2, 120, 180, "fine thanks.", 0.8),
	}

	t.Run("folds consecutive same speaker", func(t *testing.T) {
		got := ApplySpeakers(frags, map[int]string{0: "SPEAKER_0", 1: "SPEAKER_0", 2: "SPEAKER_1"})
		assert.Equal(t, "SPEAKER_0: hello. how are you?\n\nSPEAKER_1: fine thanks.", got)
	})

	t.Run("skips failed fragments", func(t *testing.T) {
		withFailed := append([]job.Fragment{}, frags...)
		withFailed[1].Text = job.FailedText
		got := ApplySpeakers(withFailed, map[int]string{0: "SPEAKER_0", 2: "SPEAKER_0"})
		assert.Equal(t, "SPEAKER_0: hello. fine thanks.", got)
	})
}

func TestAssembler_Generate(t *testing.T) {
	ctx := context.Background()
	blobs, err := blob.NewLocalStore(t.TempDir(), "http://localhost:8080", "test-secret")
	require.NoError(t, err)
	jobs := job.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	j := job.New("owner-1", "upload-1", "a.wav", 100, "en", false, 3)
	j.DetectedLanguage = "en"
	j.TotalDurationSec = 119
	require.NoError(t, jobs.CreateJob(ctx, j))

	frags := []job.Fragment{
		fragment(0, 0, 60, "hello", 0.9),
		fragment(1, 60, 119, "world", 0.8),
	}
	merged := Merge(frags)

	assembler := NewAssembler(blobs, jobs, logger)
	assets, err := assembler.Generate(ctx, j, merged, "", frags)
	require.NoError(t, err)
	require.Len(t, assets, 4)

	kinds := map[job.AssetKind]bool{}
	for _, a := range assets {
		kinds[a.Kind] = true
		rc, err := blobs.Open(ctx, a.StorageKey)
		require.NoError(t, err, "asset blob %s must exist", a.StorageKey)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		assert.Equal(t, a.ByteSize, int64(len(data)))
	}
	assert.Len(t, kinds, 4)

	recorded, err := jobs.ListAssets(ctx, j.ID)
	require.NoError(t, err)
	assert.Len(t, recorded, 4)

	t.Run("regeneration replaces the set", func(t *testing.T) {
		again, err := assembler.Generate(ctx, j, merged, "SPEAKER_0: hello world", frags)
		require.NoError(t, err)
		require.Len(t, again, 4)

		recorded, err := jobs.ListAssets(ctx, j.ID)
		require.NoError(t, err)
		assert.Len(t, recorded, 4)
	})
}
