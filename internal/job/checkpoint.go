package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCheckpointInvalid is returned when a stored checkpoint fails validation
// on read. It indicates data corruption or a bug and is never retried.
var ErrCheckpointInvalid = errors.New("job: invalid checkpoint")

// FailedText marks a fragment whose segment exhausted recognition retries.
const FailedText = "<FAILED>"

// Segment describes one windowed slice of normalized audio, recorded as the
// segmenting stage's checkpoint.
type Segment struct {
	Index      int     `json:"index"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	StorageKey string  `json:"storage_key"`
	// OriginalStartSec/OriginalEndSec are the segment-center coordinates in
	// the source timeline, used when merging so overlap regions do not
	// produce duplicate text.
	OriginalStartSec float64 `json:"original_start_sec"`
	OriginalEndSec   float64 `json:"original_end_sec"`
}

// SegmentCheckpoint is the segmenting stage's payload.
type SegmentCheckpoint struct {
	Segments []Segment `json:"segments"`
}

// Validate checks ordering and timing invariants.
func (c *SegmentCheckpoint) Validate() error {
	for i, seg := range c.Segments {
		if seg.Index != i {
			return fmt.Errorf("%w: segment %d has index %d", ErrCheckpointInvalid, i, seg.Index)
		}
		if seg.StartSec >= seg.EndSec {
			return fmt.Errorf("%w: segment %d has start %.3f >= end %.3f", ErrCheckpointInvalid, i, seg.StartSec, seg.EndSec)
		}
		if seg.StorageKey == "" {
			return fmt.Errorf("%w: segment %d has no storage key", ErrCheckpointInvalid, i)
		}
	}
	return nil
}

// SubSegment carries recognizer-provided word or phrase timestamps.
type SubSegment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
}

// Fragment is the recognizer output for one segment. Timing uses the
// segment's original (source-timeline) coordinates.
type Fragment struct {
	Index       int          `json:"index"`
	StartSec    float64      `json:"start_sec"`
	EndSec      float64      `json:"end_sec"`
	Text        string       `json:"text"`
	Confidence  float64      `json:"confidence"`
	SubSegments []SubSegment `json:"sub_segments,omitempty"`
}

// Failed returns true for fragments whose segment exhausted retries.
func (f Fragment) Failed() bool {
	return f.Text == FailedText
}

// TranscribeCheckpoint is the transcribing stage's payload. On resumption the
// stage reuses fragments already present, keyed by segment index.
type TranscribeCheckpoint struct {
	Fragments []Fragment `json:"fragments"`
}

// Validate checks index ordering and timing invariants.
func (c *TranscribeCheckpoint) Validate() error {
	prevIndex := -1
	prevStart := -1.0
	for _, f := range c.Fragments {
		if f.Index <= prevIndex {
			return fmt.Errorf("%w: fragment index %d out of order", ErrCheckpointInvalid, f.Index)
		}
		if f.StartSec >= f.EndSec {
			return fmt.Errorf("%w: fragment %d has start %.3f >= end %.3f", ErrCheckpointInvalid, f.Index, f.StartSec, f.EndSec)
		}
		if f.StartSec < prevStart {
			return fmt.Errorf("%w: fragment %d start %.3f before previous start", ErrCheckpointInvalid, f.Index, f.StartSec)
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			return fmt.Errorf("%w: fragment %d confidence %.3f out of range", ErrCheckpointInvalid, f.Index, f.Confidence)
		}
		prevIndex = f.Index
		prevStart = f.StartSec
	}
	return nil
}

// Fragment returns the fragment for a segment index, if present.
func (c *TranscribeCheckpoint) Fragment(index int) (Fragment, bool) {
	for _, f := range c.Fragments {
		if f.Index == index {
			return f, true
		}
	}
	return Fragment{}, false
}

// MergeCheckpoint is the merging stage's payload.
type MergeCheckpoint struct {
	Transcript     string `json:"final_transcript"`
	WordCount      int    `json:"word_count"`
	FailedSegments []int  `json:"failed_segments,omitempty"`
}

// Validate is trivially satisfied; merging is deterministic over fragments.
func (c *MergeCheckpoint) Validate() error {
	if c.WordCount < 0 {
		return fmt.Errorf("%w: negative word count", ErrCheckpointInvalid)
	}
	return nil
}

// DiarizeCheckpoint is the diarizing stage's payload: per-fragment speaker
// attribution plus the speaker-labelled transcript.
type DiarizeCheckpoint struct {
	Speakers           map[int]string `json:"speakers"`
	DiarizedTranscript string         `json:"diarized_transcript"`
}

// Validate checks the attribution map.
func (c *DiarizeCheckpoint) Validate() error {
	for idx, speaker := range c.Speakers {
		if idx < 0 {
			return fmt.Errorf("%w: negative fragment index %d", ErrCheckpointInvalid, idx)
		}
		if speaker == "" {
			return fmt.Errorf("%w: empty speaker for fragment %d", ErrCheckpointInvalid, idx)
		}
	}
	return nil
}

// validatable is implemented by every checkpoint payload. Checkpoints are
// validated on read, not on write from trusted stage code.
type validatable interface {
	Validate() error
}

// EncodeCheckpoint serializes a checkpoint payload as JSON.
func EncodeCheckpoint(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return buf, nil
}

// decodeCheckpoint deserializes and validates a checkpoint payload.
func decodeCheckpoint(raw []byte, into validatable) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointInvalid, err)
	}
	return into.Validate()
}

// DecodeSegmentCheckpoint parses the segmenting stage's checkpoint.
func DecodeSegmentCheckpoint(raw []byte) (SegmentCheckpoint, error) {
	var c SegmentCheckpoint
	err := decodeCheckpoint(raw, &c)
	return c, err
}

// DecodeTranscribeCheckpoint parses the transcribing stage's checkpoint.
func DecodeTranscribeCheckpoint(raw []byte) (TranscribeCheckpoint, error) {
	var c TranscribeCheckpoint
	err := decodeCheckpoint(raw, &c)
	return c, err
}

// DecodeMergeCheckpoint parses the merging stage's checkpoint.
func DecodeMergeCheckpoint(raw []byte) (MergeCheckpoint, error) {
	var c MergeCheckpoint
	err := decodeCheckpoint(raw, &c)
	return c, err
}

// DecodeDiarizeCheckpoint parses the diarizing stage's checkpoint.
func DecodeDiarizeCheckpoint(raw []byte) (DiarizeCheckpoint, error) {
	var c DiarizeCheckpoint
	err := decodeCheckpoint(raw, &c)
	return c, err
}
