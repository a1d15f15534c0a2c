// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package job

// Segment is a single timed span of transcribed speech. Segments are ordered
// by Start and never run backwards; adjacent segments may overlap slightly
// within the decoder's patience window.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the canonical transcription result persisted as
// output/transcript.json. Every artifact is derived from it alone.
type Transcript struct {
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
}
