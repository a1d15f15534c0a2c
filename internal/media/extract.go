// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Extractor converts arbitrary source media into the canonical 16 kHz mono
// s16le WAV the model consumes.
type Extractor struct {
	FFmpeg  string // default "ffmpeg"
	FFprobe string // default "ffprobe"
}

// ExtractAudio transcodes src into dst as 16 kHz mono PCM WAV, overwriting
// any previous attempt.
func (e *Extractor) ExtractAudio(ctx context.Context, src, dst string) error {
	bin := e.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-i", src,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		"-y",
		dst,
	}
	_, err := run(ctx, bin, args)
	return err
}

// ProbeDuration returns the container duration of the file in seconds.
func (e *Extractor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	bin := e.FFprobe
	if bin == "" {
		bin = "ffprobe"
	}
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	out, err := run(ctx, bin, args)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("media: parse ffprobe duration %q: %w", s, err)
	}
	return d, nil
}
