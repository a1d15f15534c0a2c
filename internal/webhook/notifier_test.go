package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/whisperd/internal/job"
)

func fastNotifier() *Notifier {
	n := NewNotifier()
	n.Backoff = time.Millisecond
	n.Budget = time.Second
	return n
}

func terminalJob(status job.Status) *job.Job {
	j := &job.Job{ID: "JOB-AAAAAA", Status: status, DurationSeconds: 12.5}
	if status == job.StatusCompleted {
		j.CompletedAt = time.Now().UTC()
		j.ResultFormats = job.AllFormats()
	} else {
		j.FailedAt = time.Now().UTC()
		j.Error = &job.ErrorInfo{Type: "download_error", Message: "boom"}
	}
	return j
}

func TestDeliver_Success(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier()
	err := n.Deliver(context.Background(), srv.URL, NewPayload(terminalJob(job.StatusCompleted)))
	require.NoError(t, err)
	assert.Equal(t, "JOB-AAAAAA", got.JobID)
	assert.Equal(t, "job.completed", got.Event)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "/api/jobs/JOB-AAAAAA/download?format=txt", got.DownloadURLs["txt"])
	assert.Nil(t, got.Error)
}

func TestNewPayload_Failed(t *testing.T) {
	p := NewPayload(terminalJob(job.StatusFailed))
	assert.Equal(t, "job.failed", p.Event)
	require.NotNil(t, p.Error)
	assert.Equal(t, "download_error", p.Error.Type)
	assert.Nil(t, p.DownloadURLs)
}

func TestDeliver_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := fastNotifier()
	err := n.Deliver(context.Background(), srv.URL, NewPayload(terminalJob(job.StatusFailed)))
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDeliver_RetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := fastNotifier()
	require.NoError(t, n.Deliver(context.Background(), srv.URL, NewPayload(terminalJob(job.StatusCompleted))))
	assert.EqualValues(t, 2, calls.Load())
}

func TestDeliver_4xxIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	n := fastNotifier()
	err := n.Deliver(context.Background(), srv.URL, NewPayload(terminalJob(job.StatusCompleted)))
	assert.ErrorIs(t, err, ErrExhausted)
	assert.EqualValues(t, 1, calls.Load(), "404 must not be retried")
}

func TestDeliver_Exhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := fastNotifier()
	err := n.Deliver(context.Background(), srv.URL, NewPayload(terminalJob(job.StatusFailed)))
	assert.ErrorIs(t, err, ErrExhausted)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDeliver_TransportErrorRetries(t *testing.T) {
	// server that is immediately closed yields connection refused
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	n := fastNotifier()
	err := n.Deliver(context.Background(), url, NewPayload(terminalJob(job.StatusCompleted)))
	assert.ErrorIs(t, err, ErrExhausted)
}
