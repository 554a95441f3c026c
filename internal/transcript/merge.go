// Package transcript turns recognized fragments into the final transcript
// and the four output assets. Merging and rendering are pure so re-running
// them produces byte-identical output.
package transcript

import (
	"sort"
	"strings"

	"github.com/voxpipe/voxpipe/internal/job"
)

// Merge orders fragments by index and joins the non-failed texts with
// paragraph breaks. Failed fragment indices are recorded so callers can
// report partial coverage.
func Merge(fragments []job.Fragment) job.MergeCheckpoint {
	ordered := make([]job.Fragment, len(fragments))
	copy(ordered, fragments)
	sort.Slice(ordered, func(i, k int) bool { return ordered[i].Index < ordered[k].Index })

	var parts []string
	var failed []int
	for _, f := range ordered {
		if f.Failed() {
			failed = append(failed, f.Index)
			continue
		}
		if text := strings.TrimSpace(f.Text); text != "" {
			parts = append(parts, text)
		}
	}

	transcript := strings.Join(parts, "\n\n")
	return job.MergeCheckpoint{
		Transcript:     transcript,
		WordCount:      len(strings.Fields(transcript)),
		FailedSegments: failed,
	}
}

// MeanConfidence averages recognizer confidence over non-failed fragments.
// Returns 0 when nothing was recognized.
func MeanConfidence(fragments []job.Fragment) float64 {
	var sum float64
	var n int
	for _, f := range fragments {
		if f.Failed() {
			continue
		}
		sum += f.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
