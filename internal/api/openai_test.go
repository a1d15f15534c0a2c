// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/whisperd/internal/config"
	"github.com/ManuGH/whisperd/internal/job"
	"github.com/ManuGH/whisperd/internal/queue"
)

func postAudio(t *testing.T, env *testEnv, path string, fields map[string]string, file *filePart) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, file)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	return env.do(req)
}

// runFakeWorker drains one job from the queue, completes or fails it and
// fires the terminal notification, standing in for the pipeline worker.
func runFakeWorker(t *testing.T, env *testEnv, fail *job.ErrorInfo, transcript *job.Transcript) <-chan string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		id, err := env.queue.Dequeue(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- id

		if fail != nil {
			_ = env.store.MarkFailed(ctx, id, *fail)
			env.queue.Notify(queue.Outcome{JobID: id, Failed: true})
			return
		}

		data, _ := json.Marshal(transcript)
		_ = env.layout.WriteArtifact(env.layout.TranscriptPath(id), data)
		_ = env.layout.WriteArtifact(env.layout.ArtifactPath(id, job.FormatTXT), []byte(transcript.Text+"\n"))
		_ = env.layout.WriteArtifact(env.layout.ArtifactPath(id, job.FormatSRT), []byte("1\n00:00:00,000 --> 00:00:01,000\n"+transcript.Text+"\n"))
		_ = env.layout.WriteArtifact(env.layout.ArtifactPath(id, job.FormatVTT), []byte("WEBVTT\n\n00:00:00.000 --> 00:00:01.000\n"+transcript.Text+"\n"))
		_ = env.store.MarkCompleted(ctx, id, transcript.Duration, job.AllFormats())
		env.queue.Notify(queue.Outcome{JobID: id, Failed: false})
	}()
	return got
}

func sampleTranscript() *job.Transcript {
	return &job.Transcript{
		Language: "ja",
		Duration: 1.25,
		Segments: []job.Segment{{ID: 0, Start: 0, End: 1.25, Text: "こんにちは"}},
		Text:     "こんにちは",
	}
}

func TestTranscriptions_JSON(t *testing.T) {
	env := newTestEnv(t, nil)
	got := runFakeWorker(t, env, nil, sampleTranscript())

	rec := postAudio(t, env, "/v1/audio/transcriptions",
		map[string]string{"model": "whisper-1", "language": "ja"},
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "こんにちは", decodeBody(t, rec)["text"])

	id := <-got
	j, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, j.Transient)
	assert.Equal(t, "ja", j.Options.Language)
	assert.Equal(t, job.TaskTranscribe, j.Options.Task)
	assert.Equal(t, job.StatusCompleted, j.Status)
}

func TestTranscriptions_VerboseJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	runFakeWorker(t, env, nil, sampleTranscript())

	rec := postAudio(t, env, "/v1/audio/transcriptions",
		map[string]string{"response_format": "verbose_json"},
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "transcribe", body["task"])
	assert.Equal(t, "ja", body["language"])
	assert.Equal(t, 1.25, body["duration"])
	assert.Len(t, body["segments"], 1)
}

func TestTranscriptions_Text(t *testing.T) {
	env := newTestEnv(t, nil)
	runFakeWorker(t, env, nil, sampleTranscript())

	rec := postAudio(t, env, "/v1/audio/transcriptions",
		map[string]string{"response_format": "text"},
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "こんにちは\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestTranslations_Task(t *testing.T) {
	env := newTestEnv(t, nil)
	got := runFakeWorker(t, env, nil, sampleTranscript())

	rec := postAudio(t, env, "/v1/audio/translations",
		map[string]string{"prompt": "meeting notes", "temperature": "0.2"},
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	require.Equal(t, http.StatusOK, rec.Code)

	id := <-got
	j, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.TaskTranslate, j.Options.Task)
	assert.Equal(t, "meeting notes", j.Options.Prompt)
	assert.InDelta(t, 0.2, j.Options.Temperature, 0.001)
}

func TestTranscriptions_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	// missing file
	rec := postAudio(t, env, "/v1/audio/transcriptions",
		map[string]string{"model": "whisper-1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := decodeBody(t, rec)["error"].(map[string]any)
	assert.Equal(t, "invalid_request_error", errObj["type"])
	assert.NotEmpty(t, errObj["message"])

	// unknown response_format
	rec = postAudio(t, env, "/v1/audio/transcriptions",
		map[string]string{"response_format": "yaml"},
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// not multipart
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", nil)
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTranscriptions_Failure(t *testing.T) {
	env := newTestEnv(t, nil)
	runFakeWorker(t, env, &job.ErrorInfo{Type: "transcription_error", Message: "inference failed"}, nil)

	rec := postAudio(t, env, "/v1/audio/transcriptions", nil,
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	errObj := decodeBody(t, rec)["error"].(map[string]any)
	assert.Equal(t, "inference failed", errObj["message"])
}

func TestTranscriptions_ModelUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	runFakeWorker(t, env, &job.ErrorInfo{Type: "model_unavailable", Message: "engine not available"}, nil)

	rec := postAudio(t, env, "/v1/audio/transcriptions", nil,
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTranscriptions_QueueFull(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.QueueCapacity = 1 })
	require.NoError(t, env.queue.TryEnqueue("JOB-AAAAAA"))

	rec := postAudio(t, env, "/v1/audio/transcriptions", nil,
		&filePart{name: "sample.wav", content: []byte("RIFF")})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// the rejected job left no trace
	rows, err := env.store.List(context.Background(), listAll())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/v1/audio/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "list", body["object"])
	data := body["data"].([]any)
	require.Len(t, data, 2)
	ids := []string{
		data[0].(map[string]any)["id"].(string),
		data[1].(map[string]any)["id"].(string),
	}
	assert.Contains(t, ids, "whisper-1")
	assert.Contains(t, ids, "large-v3")
}
