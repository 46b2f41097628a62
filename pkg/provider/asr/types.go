package asr

// Transcript represents a transcription result from an ASR provider. Both
// interim and final results use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string `json:"text"`

	// IsFinal indicates whether this is a final (authoritative) or interim
	// result. Batch providers only emit finals.
	IsFinal bool `json:"is_final"`

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64 `json:"confidence"`

	// Words contains per-word timing and confidence when available. Times
	// are seconds relative to the start of the audio the provider saw; the
	// consumer shifts them to session-relative before publishing.
	Words []Word `json:"words,omitempty"`

	// Segments contains diarized spans when the provider supports speaker
	// separation. Speaker is empty until speaker recognition labels it.
	Segments []Segment `json:"segments,omitempty"`
}

// Word holds per-word metadata from providers that support it.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Segment is a contiguous span of speech attributed to one speaker.
type Segment struct {
	// Speaker is the speaker label ("SPEAKER_1", an enrolled person's name
	// after recognition, or empty when unknown).
	Speaker string  `json:"speaker,omitempty"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// Shift returns a copy of the transcript with all word and segment times
// moved forward by offset seconds. Used to convert provider-relative times
// to session-relative ones.
func (t Transcript) Shift(offset float64) Transcript {
	if offset == 0 {
		return t
	}
	out := t
	out.Words = make([]Word, len(t.Words))
	for i, w := range t.Words {
		w.Start += offset
		w.End += offset
		out.Words[i] = w
	}
	out.Segments = make([]Segment, len(t.Segments))
	for i, s := range t.Segments {
		s.Start += offset
		s.End += offset
		out.Segments[i] = s
	}
	return out
}
