// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package format serializes a transcript into the artifact formats served by
// the API: json, txt, srt, vtt and md.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuGH/whisperd/internal/job"
	"github.com/ManuGH/whisperd/internal/storage"
)

// Render serializes the transcript into the requested format.
func Render(f job.Format, t *job.Transcript, jobID string) ([]byte, error) {
	switch f {
	case job.FormatJSON:
		return renderJSON(t)
	case job.FormatTXT:
		return renderTXT(t), nil
	case job.FormatSRT:
		return renderSRT(t), nil
	case job.FormatVTT:
		return renderVTT(t), nil
	case job.FormatMD:
		return renderMarkdown(t, jobID), nil
	}
	return nil, fmt.Errorf("format: unknown format %q", f)
}

// WriteAll renders every artifact format and writes each atomically into the
// job's output directory. Returns the formats written.
func WriteAll(layout *storage.Layout, id string, t *job.Transcript) ([]job.Format, error) {
	written := make([]job.Format, 0, len(job.AllFormats()))
	for _, f := range job.AllFormats() {
		data, err := Render(f, t, id)
		if err != nil {
			return written, err
		}
		if err := layout.WriteArtifact(layout.ArtifactPath(id, f), data); err != nil {
			return written, fmt.Errorf("format: write %s artifact: %w", f, err)
		}
		written = append(written, f)
	}
	return written, nil
}

func renderJSON(t *job.Transcript) ([]byte, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("format: marshal transcript: %w", err)
	}
	return append(data, '\n'), nil
}

// renderTXT joins segment texts with single newlines. Falls back to the flat
// text for transcripts without segment timings.
func renderTXT(t *job.Transcript) []byte {
	if len(t.Segments) == 0 {
		return []byte(t.Text + "\n")
	}
	var b strings.Builder
	for _, seg := range t.Segments {
		b.WriteString(seg.Text)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func renderSRT(t *job.Transcript) []byte {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", Timecode(seg.Start, ','), Timecode(seg.End, ','))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

func renderVTT(t *job.Transcript) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "%s --> %s\n", Timecode(seg.Start, '.'), Timecode(seg.End, '.'))
		b.WriteString(seg.Text)
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

func renderMarkdown(t *job.Transcript, jobID string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Transcription %s\n\n", jobID)
	if t.Language != "" {
		fmt.Fprintf(&b, "- Language: %s\n", t.Language)
	}
	fmt.Fprintf(&b, "- Duration: %s\n", Timecode(t.Duration, '.'))
	fmt.Fprintf(&b, "- Segments: %d\n\n", len(t.Segments))

	b.WriteString("## Full Text\n\n")
	b.WriteString(t.Text)
	b.WriteString("\n\n## Segments\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "**[%s --> %s]** %s\n\n", Timecode(seg.Start, '.'), Timecode(seg.End, '.'), seg.Text)
	}
	return []byte(b.String())
}

// Timecode renders seconds as HH:MM:SS<sep>mmm with milliseconds truncated,
// not rounded, so a cue never overlaps the next segment's start.
func Timecode(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds * 1000)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	h := totalSec / 3600
	m := (totalSec % 3600) / 60
	s := totalSec % 60
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
