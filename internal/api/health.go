// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"net/http"

	"github.com/ManuGH/whisperd/internal/whisper"
)

// handleHealth reports liveness plus the model and queue state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"model":          st.ModelName,
		"model_state":    st.State,
		"queue_depth":    s.queue.Depth(),
		"queue_capacity": s.queue.Capacity(),
		"gpu_available":  whisper.EngineAvailable(),
	})
}
