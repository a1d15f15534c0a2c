// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics exposes Prometheus collectors for the job pipeline, the
// model lifecycle and the HTTP surfaces.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts terminal job outcomes.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisperd_jobs_total",
		Help: "Total number of jobs by terminal outcome",
	}, []string{"outcome"})

	// JobsAdmitted counts admission results on the API surfaces.
	JobsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisperd_jobs_admitted_total",
		Help: "Total number of job admissions by result",
	}, []string{"result"})

	// StageDuration observes wall-clock time per pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisperd_stage_duration_seconds",
		Help:    "Wall-clock duration of pipeline stages",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"stage"})

	// QueueDepth tracks the number of jobs waiting for the worker.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whisperd_queue_depth",
		Help: "Number of jobs waiting in the admission queue",
	})

	// ModelState is 1 for the current model lifecycle state, 0 otherwise.
	ModelState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whisperd_model_state",
		Help: "Current model lifecycle state (one-hot)",
	}, []string{"state"})

	// ModelLoads counts model load attempts by result.
	ModelLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisperd_model_loads_total",
		Help: "Total number of model loads by result",
	}, []string{"result"})

	// ModelUnloads counts completed model unloads.
	ModelUnloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperd_model_unloads_total",
		Help: "Total number of completed model unloads",
	})

	// WebhookDeliveries counts webhook outcomes.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisperd_webhook_deliveries_total",
		Help: "Total number of webhook deliveries by outcome",
	}, []string{"outcome"})

	// RetentionRemoved counts jobs removed by the retention sweeper.
	RetentionRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whisperd_retention_removed_total",
		Help: "Total number of expired jobs removed by the sweeper",
	})

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whisperd_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPDuration observes request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whisperd_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// SetModelState flips the one-hot model state gauge.
func SetModelState(state string) {
	for _, s := range []string{"unloaded", "loading", "ready", "busy", "unloading"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		ModelState.WithLabelValues(s).Set(v)
	}
}

// ModelStateObserver returns a state-change callback that keeps the model
// gauge and the load/unload counters current. Load outcomes are derived from
// the transition out of the loading state.
func ModelStateObserver() func(string) {
	var mu sync.Mutex
	prev := "unloaded"
	return func(state string) {
		SetModelState(state)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case prev == "loading" && state == "busy":
			ModelLoads.WithLabelValues("success").Inc()
		case prev == "loading" && state == "unloaded":
			ModelLoads.WithLabelValues("failure").Inc()
		case prev == "unloading" && state == "unloaded":
			ModelUnloads.Inc()
		}
		prev = state
	}
}
