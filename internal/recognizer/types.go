package recognizer

// Request describes one recognition call. AudioURL is a presigned URL the
// recognizer fetches the segment from; Language is a BCP-47-ish code, or
// "AUTO" to let the recognizer detect it.
type Request struct {
	AudioURL string
	Language string
}

// TimedText is a word or phrase with recognizer-provided timing, relative to
// the start of the submitted audio.
type TimedText struct {
	StartSec float64
	EndSec   float64
	Text     string
}

// Result is the recognizer output for one audio segment.
type Result struct {
	Text       string
	Language   string
	Confidence float64
	Words      []TimedText
}

// recognizeRequest is the wire request for POST /v1/recognize.
type recognizeRequest struct {
	AudioURL string `json:"audio_url"`
	Language string `json:"language,omitempty"`
}

// recognizeResponse is the wire response for POST /v1/recognize.
type recognizeResponse struct {
	Text       string `json:"text"`
	Language   string `json:"language"`
	Confidence float64 `json:"confidence"`
	Segments   []struct {
		StartSec float64 `json:"start_sec"`
		EndSec   float64 `json:"end_sec"`
		Text     string  `json:"text"`
	} `json:"segments,omitempty"`
	Error string `json:"error,omitempty"`
}
