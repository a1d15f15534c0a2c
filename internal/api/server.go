// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package api serves the native job surface, the OpenAI-compatible surface
// and the admin endpoints over one chi router.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/whisperd/internal/config"
	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/media"
	"github.com/ManuGH/whisperd/internal/queue"
	"github.com/ManuGH/whisperd/internal/retention"
	"github.com/ManuGH/whisperd/internal/storage"
	"github.com/ManuGH/whisperd/internal/store"
	"github.com/ManuGH/whisperd/internal/whisper"
)

// Server bundles the handler dependencies.
type Server struct {
	cfg      *config.Config
	store    *store.JobStore
	layout   *storage.Layout
	queue    *queue.Queue
	manager  *whisper.Manager
	acquirer *media.Acquirer
	sweeper  *retention.Sweeper
	version  string

	log zerolog.Logger
}

// New wires a server.
func New(cfg *config.Config, st *store.JobStore, layout *storage.Layout, q *queue.Queue,
	mgr *whisper.Manager, acq *media.Acquirer, sw *retention.Sweeper, version string) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		layout:   layout,
		queue:    q,
		manager:  mgr,
		acquirer: acq,
		sweeper:  sw,
		version:  version,
		log:      applog.WithComponent("api"),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(requestLogger)
	r.Use(httpMetrics)
	if s.cfg.RateLimitPerMin > 0 {
		if s.cfg.TrustedProxies != "" {
			// behind a trusted proxy the client ip comes from X-Forwarded-For
			r.Use(httprate.LimitByRealIP(s.cfg.RateLimitPerMin, time.Minute))
		} else {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute))
		}
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Get("/{jobID}/download", s.handleDownload)

			r.Group(func(r chi.Router) {
				r.Use(s.apiKeyAuth)
				r.Post("/", s.handleCreateJob)
				r.Delete("/{jobID}", s.handleDeleteJob)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Get("/stats", s.handleAdminStats)
			r.Post("/model/load", s.handleModelLoad)
			r.Post("/model/unload", s.handleModelUnload)
			r.Post("/cleanup", s.handleCleanup)
		})
	})

	r.Route("/v1/audio", func(r chi.Router) {
		r.Use(s.apiKeyAuth)
		r.Post("/transcriptions", s.handleTranscriptions)
		r.Post("/translations", s.handleTranslations)
		r.Get("/models", s.handleModels)
	})

	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		RespondError(w, r, http.StatusNotFound, ErrNotFound, "unknown route")
	})

	return r
}
