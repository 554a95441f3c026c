// Package audio cuts normalized audio into the overlapping windows the
// recognizer consumes. Planning is pure and deterministic; extraction shells
// out to ffmpeg.
package audio

// Window describes one planned slice of normalized audio. Start and End are
// the physical cut coordinates; OriginalStart and OriginalEnd are the
// segment-center coordinates in the source timeline used later when merging,
// so overlap regions do not produce duplicate text.
type Window struct {
	Index         int
	StartSec      float64
	EndSec        float64
	OriginalStart float64
	OriginalEnd   float64
}

// minWindowSec is the shortest window worth recognizing. Anything shorter is
// a tail artifact and is dropped.
const minWindowSec = 1.0

// Plan computes the deterministic window set for a recording. For window k
// the anchor is k*durationSec; the cut runs from anchor-overlapSec (clamped
// at zero) to anchor+durationSec (clamped at the total). Planning stops at
// the first window shorter than one second.
func Plan(totalSec, durationSec, overlapSec float64) []Window {
	if totalSec <= 0 || durationSec <= 0 {
		return nil
	}

	var windows []Window
	for k := 0; ; k++ {
		anchor := float64(k) * durationSec
		start := anchor - overlapSec
		if start < 0 {
			start = 0
		}
		end := anchor + durationSec
		if end > totalSec {
			end = totalSec
		}
		if end-start < minWindowSec {
			break
		}
		windows = append(windows, Window{
			Index:         k,
			StartSec:      start,
			EndSec:        end,
			OriginalStart: anchor,
			OriginalEnd:   anchor + durationSec,
		})
		if end >= totalSec {
			break
		}
	}
	return windows
}
