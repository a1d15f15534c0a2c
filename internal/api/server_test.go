// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/whisperd/internal/config"
	"github.com/ManuGH/whisperd/internal/job"
	"github.com/ManuGH/whisperd/internal/media"
	"github.com/ManuGH/whisperd/internal/queue"
	"github.com/ManuGH/whisperd/internal/retention"
	"github.com/ManuGH/whisperd/internal/storage"
	"github.com/ManuGH/whisperd/internal/store"
	"github.com/ManuGH/whisperd/internal/whisper"
)

type fakeEngine struct{}

func (fakeEngine) Transcribe(_ context.Context, _ whisper.Request, progress func(int)) (*job.Transcript, error) {
	if progress != nil {
		progress(100)
	}
	return &job.Transcript{Language: "ja", Text: "test"}, nil
}

func (fakeEngine) Close() error { return nil }

type testEnv struct {
	srv    *Server
	router http.Handler
	store  *store.JobStore
	layout *storage.Layout
	queue  *queue.Queue
	cfg    *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Defaults()
	cfg.AdminPassword = "test-admin"
	cfg.DataDir = t.TempDir()
	cfg.MaxUploadSizeMB = 1
	cfg.QueueCapacity = 4
	cfg.RateLimitPerMin = 0
	cfg.MetricsEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.NewJobStore(filepath.Join(t.TempDir(), "whisperd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	layout, err := storage.New(cfg.DataDir)
	require.NoError(t, err)

	q := queue.New(cfg.QueueCapacity)
	mgr := whisper.NewManager(whisper.ManagerConfig{
		ModelName: cfg.WhisperModel,
		Factory:   func(string) (whisper.Engine, error) { return fakeEngine{}, nil },
	})
	acq := &media.Acquirer{MaxBytes: cfg.MaxUploadBytes()}
	sw := retention.New(st, layout, cfg.SweepInterval)

	srv := New(&cfg, st, layout, q, mgr, acq, sw, "test")
	return &testEnv{
		srv:    srv,
		router: srv.Router(),
		store:  st,
		layout: layout,
		queue:  q,
		cfg:    &cfg,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "unloaded", body["model_state"])
	assert.Equal(t, float64(0), body["queue_depth"])
	assert.Equal(t, false, body["gpu_available"])
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.APIKey = "sekrit" })

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/", nil)
	rec := env.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/jobs/", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = env.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// a valid key passes auth; the empty body then fails validation
	req = httptest.NewRequest(http.MethodPost, "/api/jobs/", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = env.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyAuth_DisabledWhenUnset(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/", nil)
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("X-Admin-Password", "wrong")
	rec = env.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("X-Admin-Password", "test-admin")
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "jobs_by_status")
	assert.Contains(t, body, "model")
	assert.Equal(t, float64(4), body["queue_capacity"])
}

func TestAdminModelLoadUnload(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/model/load", nil)
	req.Header.Set("X-Admin-Password", "test-admin")
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["state"])

	req = httptest.NewRequest(http.MethodPost, "/api/admin/model/unload", nil)
	req.Header.Set("X-Admin-Password", "test-admin")
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unloaded", decodeBody(t, rec)["state"])
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "not_found", errObj["type"])
}
