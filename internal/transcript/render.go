package transcript

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/voxpipe/voxpipe/internal/job"
)

// Metadata is embedded in the JSON asset.
type Metadata struct {
	Language    string  `json:"language"`
	DurationSec float64 `json:"duration_sec"`
	WordCount   int     `json:"word_count"`
	Confidence  float64 `json:"confidence"`
}

// Document is the JSON asset payload. It carries everything needed to
// regenerate the SRT and VTT assets.
type Document struct {
	Transcript         string         `json:"transcript"`
	DiarizedTranscript string         `json:"diarized_transcript,omitempty"`
	Segments           []job.Fragment `json:"segments"`
	Metadata           Metadata       `json:"metadata"`
}

// RenderTXT renders the plain-text asset: the transcript verbatim in UTF-8
// with LF line endings and a trailing newline.
func RenderTXT(transcript string) []byte {
	if transcript == "" {
		return []byte{}
	}
	if !strings.HasSuffix(transcript, "\n") {
		transcript += "\n"
	}
	return []byte(transcript)
}

// RenderJSON renders the JSON asset with two-space indentation.
func RenderJSON(doc Document) ([]byte, error) {
	if doc.Segments == nil {
		doc.Segments = []job.Fragment{}
	}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render json asset: %w", err)
	}
	return append(buf, '\n'), nil
}

// RenderSRT renders the SubRip asset: CRLF line endings, cues numbered from
// 1, times formatted HH:MM:SS,mmm. Failed fragments produce no cue.
func RenderSRT(fragments []job.Fragment) []byte {
	var b strings.Builder
	cue := 0
	for _, f := range fragments {
		if f.Failed() {
			continue
		}
		cue++
		fmt.Fprintf(&b, "%d\r\n", cue)
		fmt.Fprintf(&b, "%s --> %s\r\n", formatTimestamp(f.StartSec, ','), formatTimestamp(f.EndSec, ','))
		b.WriteString(strings.TrimSpace(f.Text))
		b.WriteString("\r\n\r\n")
	}
	return []byte(b.String())
}

// RenderVTT renders the WebVTT asset: LF line endings, a WEBVTT header
// followed by a blank line, times formatted HH:MM:SS.mmm.
func RenderVTT(fragments []job.Fragment) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	cue := 0
	for _, f := range fragments {
		if f.Failed() {
			continue
		}
		cue++
		fmt.Fprintf(&b, "%d\n", cue)
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(f.StartSec, '.'), formatTimestamp(f.EndSec, '.'))
		b.WriteString(strings.TrimSpace(f.Text))
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

// formatTimestamp renders seconds as HH:MM:SS<sep>mmm.
func formatTimestamp(sec float64, sep byte) string {
	if sec < 0 {
		sec = 0
	}
	totalMs := int64(math.Round(sec * 1000))
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
