// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package job defines the Job entity, its status machine and the canonical
// transcript schema shared by the store, the worker and the API surfaces.
package job

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"time"
)

// Status is the coarse lifecycle state of a job. Transitions are forward-only;
// Failed is reachable from every non-terminal status.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusExtracting   Status = "extracting"
	StatusTranscribing Status = "transcribing"
	StatusFormatting   Status = "formatting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// order maps each status to its position on the pipeline path. Terminal
// statuses are handled separately in CanTransition.
var order = map[Status]int{
	StatusQueued:       0,
	StatusDownloading:  1,
	StatusExtracting:   2,
	StatusTranscribing: 3,
	StatusFormatting:   4,
	StatusCompleted:    5,
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := order[s]
	return ok
}

// CanTransition reports whether moving from one status to another is legal.
// The pipeline path is strictly forward; Failed is reachable from any
// non-terminal status; terminal statuses are immutable.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fi, ok := order[from]
	if !ok {
		return false
	}
	ti, ok := order[to]
	if !ok {
		return false
	}
	return ti > fi
}

// SourceKind distinguishes URL downloads from direct uploads.
type SourceKind string

const (
	SourceURL    SourceKind = "url"
	SourceUpload SourceKind = "upload"
)

// Format is one of the output serializations produced by the formatter.
type Format string

const (
	FormatJSON Format = "json"
	FormatTXT  Format = "txt"
	FormatSRT  Format = "srt"
	FormatVTT  Format = "vtt"
	FormatMD   Format = "md"
)

// AllFormats lists every artifact format in a stable order.
func AllFormats() []Format {
	return []Format{FormatJSON, FormatTXT, FormatSRT, FormatVTT, FormatMD}
}

// ParseFormat validates a client-supplied format string.
func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatJSON, FormatTXT, FormatSRT, FormatVTT, FormatMD:
		return Format(s), true
	}
	return "", false
}

// Task selects transcription in the source language or translation to
// English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Options carry per-job decoding options. The native surface pins Japanese;
// the compatible surface passes client values through.
type Options struct {
	Language    string  `json:"language,omitempty"`
	Task        Task    `json:"task,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// DefaultOptions returns the native-surface defaults.
func DefaultOptions() Options {
	return Options{Language: "ja", Task: TaskTranscribe}
}

// ErrorInfo is the structured error recorded on a failed job.
type ErrorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Job is the unit of work tracked by the store.
type Job struct {
	ID              string     `json:"job_id"`
	SourceKind      SourceKind `json:"source_kind"`
	SourceRef       string     `json:"source_ref"`
	WebhookURL      string     `json:"webhook_url,omitempty"`
	Options         Options    `json:"options"`
	Status          Status     `json:"status"`
	Stage           string     `json:"stage"`
	Progress        int        `json:"progress"`
	Error           *ErrorInfo `json:"error,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	ResultFormats   []Format   `json:"result_formats,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     time.Time  `json:"completed_at,omitzero"`
	FailedAt        time.Time  `json:"failed_at,omitzero"`
	ExpiresAt       time.Time  `json:"expires_at"`

	// Transient marks jobs created by the synchronous OpenAI-compatible
	// surface. They follow the same lifecycle and retention as native jobs.
	Transient bool `json:"transient,omitempty"`
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var idPattern = regexp.MustCompile(`^JOB-[A-Z0-9]{6}$`)

// idRejectAbove is the largest multiple of len(idAlphabet) below 256. Bytes
// at or above it are rejected so every alphabet character is equally likely.
const idRejectAbove = 256 - 256%len(idAlphabet)

// NewID returns a fresh job id of the form JOB-XXXXXX. Uniqueness is enforced
// at insert time; admission retries once with a fresh id on collision.
func NewID() string {
	buf := make([]byte, 0, 6)
	raw := make([]byte, 16)
	for len(buf) < 6 {
		if _, err := rand.Read(raw); err != nil {
			// crypto/rand never fails on supported platforms
			panic(fmt.Sprintf("job: rand.Read: %v", err))
		}
		for _, b := range raw {
			if int(b) >= idRejectAbove {
				continue
			}
			buf = append(buf, idAlphabet[int(b)%len(idAlphabet)])
			if len(buf) == 6 {
				break
			}
		}
	}
	return "JOB-" + string(buf)
}

// ValidID reports whether the string matches the JOB-XXXXXX shape. Used to
// keep path construction safe before touching the filesystem.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// New creates a queued job with retention applied.
func New(id string, kind SourceKind, sourceRef string, retention time.Duration, now time.Time) *Job {
	return &Job{
		ID:         id,
		SourceKind: kind,
		SourceRef:  sourceRef,
		Options:    DefaultOptions(),
		Status:     StatusQueued,
		Stage:      string(StatusQueued),
		Progress:   0,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(retention),
	}
}
