// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package storage owns the on-disk layout of job directories. The layout is
// part of the external contract: tooling may read these files but never
// writes them.
//
//	{data_root}/jobs/{job_id}/
//	  input/source.{ext}
//	  input/audio.wav
//	  output/transcript.json
//	  output/result.{txt,srt,vtt,md}
//	  logs/process.log
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/whisperd/internal/job"
	"github.com/google/renameio/v2"
)

// Layout resolves paths under a data root.
type Layout struct {
	Root string
}

// New returns a Layout rooted at dataDir and ensures the jobs directory
// exists.
func New(dataDir string) (*Layout, error) {
	l := &Layout{Root: dataDir}
	// #nosec G301 -- artifacts are served over HTTP
	if err := os.MkdirAll(l.JobsRoot(), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create jobs root: %w", err)
	}
	return l, nil
}

// JobsRoot returns the directory containing all job directories.
func (l *Layout) JobsRoot() string {
	return filepath.Join(l.Root, "jobs")
}

// JobDir returns the directory for a job id. The id must have been validated
// with job.ValidID before reaching here.
func (l *Layout) JobDir(id string) string {
	return filepath.Join(l.JobsRoot(), id)
}

// InputDir returns the input directory of a job.
func (l *Layout) InputDir(id string) string {
	return filepath.Join(l.JobDir(id), "input")
}

// OutputDir returns the output directory of a job.
func (l *Layout) OutputDir(id string) string {
	return filepath.Join(l.JobDir(id), "output")
}

// LogsDir returns the logs directory of a job.
func (l *Layout) LogsDir(id string) string {
	return filepath.Join(l.JobDir(id), "logs")
}

// SourcePath returns the path for the input media with the given extension
// (with or without leading dot).
func (l *Layout) SourcePath(id, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return filepath.Join(l.InputDir(id), "source."+ext)
}

// FindSource locates the input/source.* file of a job, if any.
func (l *Layout) FindSource(id string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(l.InputDir(id), "source.*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// AudioPath returns the canonical extracted audio path.
func (l *Layout) AudioPath(id string) string {
	return filepath.Join(l.InputDir(id), "audio.wav")
}

// TranscriptPath returns the canonical transcript path.
func (l *Layout) TranscriptPath(id string) string {
	return filepath.Join(l.OutputDir(id), "transcript.json")
}

// ArtifactPath returns the path of a formatted artifact.
func (l *Layout) ArtifactPath(id string, f job.Format) string {
	if f == job.FormatJSON {
		return l.TranscriptPath(id)
	}
	return filepath.Join(l.OutputDir(id), "result."+string(f))
}

// ProcessLogPath returns the per-job processing log path.
func (l *Layout) ProcessLogPath(id string) string {
	return filepath.Join(l.LogsDir(id), "process.log")
}

// CreateJobDirs creates the input/output/logs tree for a job. Called
// synchronously at admission, before the job row is committed.
func (l *Layout) CreateJobDirs(id string) error {
	for _, dir := range []string{l.InputDir(id), l.OutputDir(id), l.LogsDir(id)} {
		// #nosec G301 -- artifacts are served over HTTP
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	return nil
}

// Rename moves a job directory tree to a new id. Used when admission has to
// re-roll an id that collided in the store.
func (l *Layout) Rename(oldID, newID string) error {
	if !job.ValidID(oldID) || !job.ValidID(newID) {
		return fmt.Errorf("storage: refusing to rename unsafe job id %q -> %q", oldID, newID)
	}
	if err := os.Rename(l.JobDir(oldID), l.JobDir(newID)); err != nil {
		return fmt.Errorf("storage: rename job dir: %w", err)
	}
	return nil
}

// Exists reports whether the job directory is present on disk.
func (l *Layout) Exists(id string) bool {
	info, err := os.Stat(l.JobDir(id))
	return err == nil && info.IsDir()
}

// Remove deletes the whole job directory tree. Removing a missing tree is
// not an error.
func (l *Layout) Remove(id string) error {
	if !job.ValidID(id) {
		return fmt.Errorf("storage: refusing to remove unsafe job id %q", id)
	}
	return os.RemoveAll(l.JobDir(id))
}

// WriteArtifact atomically writes an artifact file (fsync + rename), so a
// crash never leaves a partial artifact behind.
func (l *Layout) WriteArtifact(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("storage: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("storage: write artifact: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("storage: commit artifact: %w", err)
	}
	return nil
}

// AppendProcessLog appends a timestamped line to the job's process.log.
// Failures are returned but callers generally treat them as non-fatal.
func (l *Layout) AppendProcessLog(id, line string) error {
	path := l.ProcessLogPath(id)
	// #nosec G302,G304 -- path derived from a validated job id
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	stamp := time.Now().UTC().Format(time.RFC3339)
	_, err = fmt.Fprintf(f, "%s %s\n", stamp, line)
	return err
}
