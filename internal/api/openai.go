// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// OpenAI-compatible audio endpoints. They share the admission queue and the
// pipeline with the native surface; the handler waits on the job's
// completion signal and serves the artifact inline.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ManuGH/whisperd/internal/job"
	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/media"
	"github.com/ManuGH/whisperd/internal/metrics"
)

var openAIResponseFormats = map[string]bool{
	"json": true, "text": true, "srt": true, "vtt": true, "verbose_json": true,
}

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	s.handleSyncAudio(w, r, job.TaskTranscribe)
}

func (s *Server) handleTranslations(w http.ResponseWriter, r *http.Request) {
	s.handleSyncAudio(w, r, job.TaskTranslate)
}

func (s *Server) handleSyncAudio(w http.ResponseWriter, r *http.Request, task job.Task) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes()+1<<20)

	mr, err := r.MultipartReader()
	if err != nil {
		openAIError(w, http.StatusBadRequest, "multipart form required", "invalid_request_error")
		return
	}

	var (
		id          string
		language    string
		prompt      string
		respFormat  = "json"
		temperature float64
	)
	cleanup := func() {
		if id != "" {
			_ = s.layout.Remove(id)
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanup()
			if maxBytesExceeded(err) {
				openAIError(w, http.StatusRequestEntityTooLarge, "file exceeds the size limit", "invalid_request_error")
				return
			}
			openAIError(w, http.StatusBadRequest, "malformed multipart body", "invalid_request_error")
			return
		}

		switch part.FormName() {
		case "file":
			if id != "" {
				cleanup()
				openAIError(w, http.StatusBadRequest, "only one file is accepted", "invalid_request_error")
				return
			}
			newID := job.NewID()
			if err := s.layout.CreateJobDirs(newID); err != nil {
				openAIError(w, http.StatusInternalServerError, "storage unavailable", "server_error")
				return
			}
			id = newID
			if _, err := s.acquirer.SaveUpload(s.layout, id, part.FileName(), part); err != nil {
				cleanup()
				if errors.Is(err, media.ErrTooLarge) || maxBytesExceeded(err) {
					openAIError(w, http.StatusRequestEntityTooLarge, "file exceeds the size limit", "invalid_request_error")
					return
				}
				openAIError(w, http.StatusInternalServerError, "upload failed", "server_error")
				return
			}
		case "language":
			language = readFormValue(part)
		case "prompt":
			prompt = readFormValue(part)
		case "response_format":
			respFormat = readFormValue(part)
		case "temperature":
			temperature, _ = strconv.ParseFloat(readFormValue(part), 64)
		case "model":
			// accepted and ignored; the server runs the configured model
			_ = readFormValue(part)
		}
	}

	if id == "" {
		openAIError(w, http.StatusBadRequest, "file is required", "invalid_request_error")
		return
	}
	if !openAIResponseFormats[respFormat] {
		cleanup()
		openAIError(w, http.StatusBadRequest, "unsupported response_format", "invalid_request_error")
		return
	}

	j := job.New(id, job.SourceUpload, "openai-upload", s.cfg.Retention(), time.Now().UTC())
	j.Transient = true
	j.Options = job.Options{
		Language:    language,
		Task:        task,
		Prompt:      prompt,
		Temperature: float32(temperature),
	}

	if err := s.admitJob(r.Context(), j); err != nil {
		cleanup()
		openAIError(w, http.StatusInternalServerError, "admission failed", "server_error")
		return
	}
	id = j.ID

	done := s.queue.Subscribe(id)
	if err := s.queue.TryEnqueue(id); err != nil {
		s.queue.Unsubscribe(id, done)
		cleanup()
		_ = s.store.Delete(r.Context(), id)
		metrics.JobsAdmitted.WithLabelValues("queue_full").Inc()
		openAIError(w, http.StatusTooManyRequests, "server is busy; retry later", "server_error")
		return
	}
	metrics.JobsAdmitted.WithLabelValues("accepted").Inc()
	metrics.QueueDepth.Set(float64(s.queue.Depth()))

	select {
	case out := <-done:
		if out.Failed {
			s.respondSyncFailure(w, r, id)
			return
		}
		s.respondSyncResult(w, r, id, respFormat, task)
	case <-r.Context().Done():
		// the job keeps running; only the synchronous response is lost
		applog.FromContext(r.Context()).Warn().Str("job_id", id).Msg("client gone before completion")
	}
}

func (s *Server) respondSyncFailure(w http.ResponseWriter, r *http.Request, id string) {
	j, err := s.store.Get(r.Context(), id)
	if err != nil || j.Error == nil {
		openAIError(w, http.StatusInternalServerError, "transcription failed", "server_error")
		return
	}
	status := http.StatusInternalServerError
	if j.Error.Type == "model_unavailable" {
		status = http.StatusServiceUnavailable
	}
	openAIError(w, status, j.Error.Message, "server_error")
}

func (s *Server) respondSyncResult(w http.ResponseWriter, r *http.Request, id, respFormat string, task job.Task) {
	transcript, err := s.readTranscript(id)
	if err != nil {
		openAIError(w, http.StatusInternalServerError, "transcript unavailable", "server_error")
		return
	}

	switch respFormat {
	case "json":
		writeJSON(w, http.StatusOK, map[string]string{"text": transcript.Text})
	case "verbose_json":
		writeJSON(w, http.StatusOK, map[string]any{
			"task":     string(task),
			"language": transcript.Language,
			"duration": transcript.Duration,
			"text":     transcript.Text,
			"segments": transcript.Segments,
		})
	case "text":
		s.serveSyncArtifact(w, r, id, job.FormatTXT, "text/plain; charset=utf-8")
	case "srt":
		s.serveSyncArtifact(w, r, id, job.FormatSRT, "application/x-subrip")
	case "vtt":
		s.serveSyncArtifact(w, r, id, job.FormatVTT, "text/vtt")
	}
}

func (s *Server) serveSyncArtifact(w http.ResponseWriter, r *http.Request, id string, f job.Format, contentType string) {
	// #nosec G304 -- path derived from a validated job id
	data, err := os.ReadFile(s.layout.ArtifactPath(id, f))
	if err != nil {
		openAIError(w, http.StatusInternalServerError, "artifact unavailable", "server_error")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) readTranscript(id string) (*job.Transcript, error) {
	// #nosec G304 -- path derived from a validated job id
	data, err := os.ReadFile(s.layout.TranscriptPath(id))
	if err != nil {
		return nil, err
	}
	var t job.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// handleModels serves the fixed model list of the compatible surface.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().UTC().Unix()
	models := []map[string]any{
		{"id": "whisper-1", "object": "model", "created": created, "owned_by": "whisperd"},
	}
	if s.cfg.WhisperModel != "" && s.cfg.WhisperModel != "whisper-1" {
		models = append(models, map[string]any{
			"id": s.cfg.WhisperModel, "object": "model", "created": created, "owned_by": "whisperd",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}
