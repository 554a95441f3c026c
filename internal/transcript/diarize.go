package transcript

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/voxpipe/voxpipe/internal/job"
)

// Diarizer attributes fragments to speakers. Implementations must tolerate
// failed fragments in the input; a diarizer failure never loses the merged
// transcript, callers fall back to single-speaker attribution.
type Diarizer interface {
	// Attribute maps each fragment index to a speaker label.
	Attribute(ctx context.Context, fragments []job.Fragment) (map[int]string, error)
}

// DefaultSpeaker is the label used when no real diarizer is plugged in.
const DefaultSpeaker = "SPEAKER_0"

// SingleSpeaker is the default Diarizer: it attributes every fragment to one
// speaker. It exists so the pipeline has a fixed shape whether or not a real
// diarizer is configured.
type SingleSpeaker struct{}

// Attribute implements Diarizer.
func (SingleSpeaker) Attribute(_ context.Context, fragments []job.Fragment) (map[int]string, error) {
	speakers := make(map[int]string, len(fragments))
	for _, f := range fragments {
		speakers[f.Index] = DefaultSpeaker
	}
	return speakers, nil
}

// ApplySpeakers renders the speaker-labelled transcript: fragments in index
// order, each non-failed text prefixed with its speaker, consecutive
// fragments from the same speaker folded into one paragraph.
func ApplySpeakers(fragments []job.Fragment, speakers map[int]string) string {
	ordered := make([]job.Fragment, len(fragments))
	copy(ordered, fragments)
	sort.Slice(ordered, func(i, k int) bool { return ordered[i].Index < ordered[k].Index })

	var b strings.Builder
	lastSpeaker := ""
	for _, f := range ordered {
		if f.Failed() {
			continue
		}
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		speaker := speakers[f.Index]
		if speaker == "" {
			speaker = DefaultSpeaker
		}
		if speaker != lastSpeaker {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "%s: %s", speaker, text)
			lastSpeaker = speaker
		} else {
			b.WriteString(" ")
			b.WriteString(text)
		}
	}
	return b.String()
}

// Verify interface implementation at compile time.
var _ Diarizer = SingleSpeaker{}
