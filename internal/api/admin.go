// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"errors"
	"net/http"
	"time"

	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/whisper"
)

// handleAdminStats serves job counts, queue and model state.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs_by_status": counts,
		"queue_depth":    s.queue.Depth(),
		"queue_capacity": s.queue.Capacity(),
		"model":          s.manager.Status(),
		"data_dir":       s.layout.Root,
	})
}

// handleModelLoad warms the model ahead of the first job.
func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	_, release, err := s.manager.Acquire(r.Context())
	if err != nil {
		if errors.Is(err, whisper.ErrEngineUnavailable) {
			RespondError(w, r, http.StatusServiceUnavailable,
				&APIError{Type: "model_unavailable", Message: "Inference engine not available in this build"})
			return
		}
		RespondError(w, r, http.StatusServiceUnavailable,
			&APIError{Type: "model_unavailable", Message: "Model load failed"}, err.Error())
		return
	}
	release()
	writeJSON(w, http.StatusOK, s.manager.Status())
}

// handleModelUnload forces an immediate unload; 409 while inference runs.
func (s *Server) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Unload(); err != nil {
		if errors.Is(err, whisper.ErrBusy) {
			RespondError(w, r, http.StatusConflict,
				&APIError{Type: "model_busy", Message: "Model is busy; retry after the current job"})
			return
		}
		RespondError(w, r, http.StatusInternalServerError, ErrInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Status())
}

// handleCleanup runs one retention sweep synchronously.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.Expired(r.Context(), time.Now().UTC())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}
	removed := 0
	for _, id := range ids {
		if err := s.sweeper.Remove(r.Context(), id); err != nil {
			applog.FromContext(r.Context()).Warn().Err(err).Str("job_id", id).Msg("cleanup of job failed")
			continue
		}
		removed++
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"expired": len(ids),
		"removed": removed,
	})
}
