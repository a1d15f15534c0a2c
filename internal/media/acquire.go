// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ManuGH/whisperd/internal/storage"
)

// ErrTooLarge is returned when an upload exceeds the configured size cap.
var ErrTooLarge = errors.New("media: source exceeds size limit")

// Acquirer places job source files into the job's input directory, either by
// downloading a URL through yt-dlp or by persisting an uploaded stream.
type Acquirer struct {
	YTDLP    string // binary path, default "yt-dlp"
	MaxBytes int64  // 0 disables the size cap
}

// Download fetches the URL into input/source.<ext> and returns the resolved
// path. yt-dlp picks the extension, so the source is located by glob
// afterwards.
func (a *Acquirer) Download(ctx context.Context, layout *storage.Layout, id, url string) (string, error) {
	bin := a.YTDLP
	if bin == "" {
		bin = "yt-dlp"
	}

	template := filepath.Join(layout.InputDir(id), "source.%(ext)s")
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--continue",
		"--fragment-retries", "3",
		"-f", "best",
		"-o", template,
	}
	if a.MaxBytes > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%d", a.MaxBytes))
	}
	args = append(args, url)

	if _, err := run(ctx, bin, args); err != nil {
		return "", err
	}

	path, ok := layout.FindSource(id)
	if !ok {
		// yt-dlp exits 0 when --max-filesize rejects the media without
		// downloading anything.
		return "", fmt.Errorf("media: no source file produced for %s (size limit or unsupported URL)", id)
	}
	return path, nil
}

// SaveUpload streams an uploaded file to input/source.<ext>, preserving the
// original extension. Enforces MaxBytes while copying so an oversized body
// never lands on disk in full.
func (a *Acquirer) SaveUpload(layout *storage.Layout, id, filename string, r io.Reader) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	dst := layout.SourcePath(id, ext)

	// #nosec G304 -- path derived from a validated job id
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("media: create source file: %w", err)
	}
	defer func() { _ = f.Close() }()

	src := r
	if a.MaxBytes > 0 {
		src = io.LimitReader(r, a.MaxBytes+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("media: write source file: %w", err)
	}
	if a.MaxBytes > 0 && n > a.MaxBytes {
		_ = os.Remove(dst)
		return "", ErrTooLarge
	}
	return dst, nil
}
