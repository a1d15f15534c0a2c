package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/whisperd/internal/job"
	"github.com/ManuGH/whisperd/internal/queue"
	"github.com/ManuGH/whisperd/internal/storage"
	"github.com/ManuGH/whisperd/internal/store"
	"github.com/ManuGH/whisperd/internal/webhook"
	"github.com/ManuGH/whisperd/internal/whisper"
)

type fakeDownloader struct {
	err   error
	calls int
}

func (f *fakeDownloader) Download(_ context.Context, layout *storage.Layout, id, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	path := layout.SourcePath(id, "mp4")
	return path, os.WriteFile(path, []byte("video"), 0o644)
}

type fakeExtractor struct {
	err   error
	calls int
}

func (f *fakeExtractor) ExtractAudio(_ context.Context, _, dst string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, []byte("RIFFwav"), 0o644)
}

func (f *fakeExtractor) ProbeDuration(context.Context, string) (float64, error) {
	return 42.5, nil
}

type fakeTranscriber struct {
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ whisper.Request, progress func(int)) (*job.Transcript, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	return &job.Transcript{
		Language: "ja",
		Duration: 42.5,
		Text:     "テスト",
		Segments: []job.Segment{{ID: 0, Start: 0, End: 42.5, Text: "テスト"}},
	}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	urls  []string
	loads []webhook.Payload
	err   error
}

func (f *fakeNotifier) Deliver(_ context.Context, url string, p webhook.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	f.loads = append(f.loads, p)
	return f.err
}

func (f *fakeNotifier) delivered() []webhook.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webhook.Payload(nil), f.loads...)
}

type testEnv struct {
	store  *store.JobStore
	layout *storage.Layout
	queue  *queue.Queue
	dl     *fakeDownloader
	ex     *fakeExtractor
	tr     *fakeTranscriber
	nf     *fakeNotifier
	worker *Worker
}

func newEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewJobStore(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	layout, err := storage.New(dir)
	require.NoError(t, err)

	env := &testEnv{
		store:  st,
		layout: layout,
		queue:  queue.New(8),
		dl:     &fakeDownloader{},
		ex:     &fakeExtractor{},
		tr:     &fakeTranscriber{},
		nf:     &fakeNotifier{},
	}
	env.worker = New(st, layout, env.queue, env.dl, env.ex, env.tr, env.nf, cfg)
	return env
}

func (e *testEnv) admit(t *testing.T, id string, kind job.SourceKind) *job.Job {
	t.Helper()
	j := job.New(id, kind, "https://example.com/v", time.Hour, time.Now().UTC())
	require.NoError(t, e.store.Insert(context.Background(), j))
	require.NoError(t, e.layout.CreateJobDirs(id))
	if kind == job.SourceUpload {
		require.NoError(t, os.WriteFile(e.layout.SourcePath(id, "mp4"), []byte("x"), 0o644))
	}
	return j
}

func TestProcess_HappyPathURL(t *testing.T) {
	env := newEnv(t, Config{})
	env.admit(t, "JOB-AAAAAA", job.SourceURL)

	done := env.queue.Subscribe("JOB-AAAAAA")
	env.worker.process(context.Background(), "JOB-AAAAAA")

	out := <-done
	assert.False(t, out.Failed)

	got, err := env.store.Get(context.Background(), "JOB-AAAAAA")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 42.5, got.DurationSeconds)
	assert.Equal(t, job.AllFormats(), got.ResultFormats)

	// all five artifacts present
	for _, f := range job.AllFormats() {
		assert.FileExists(t, env.layout.ArtifactPath("JOB-AAAAAA", f))
	}
	// intermediates removed
	assert.NoFileExists(t, env.layout.AudioPath("JOB-AAAAAA"))
	_, ok := env.layout.FindSource("JOB-AAAAAA")
	assert.False(t, ok, "source removed when KeepSource is off")

	assert.Equal(t, 1, env.dl.calls)
	assert.Equal(t, 1, env.ex.calls)
	assert.Equal(t, 1, env.tr.calls)
}

func TestProcess_UploadSkipsDownload(t *testing.T) {
	env := newEnv(t, Config{KeepSource: true})
	env.admit(t, "JOB-BBBBBB", job.SourceUpload)

	env.worker.process(context.Background(), "JOB-BBBBBB")

	got, err := env.store.Get(context.Background(), "JOB-BBBBBB")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 0, env.dl.calls)

	_, ok := env.layout.FindSource("JOB-BBBBBB")
	assert.True(t, ok, "KeepSource preserves the upload")
}

func TestProcess_DownloadFailure(t *testing.T) {
	env := newEnv(t, Config{})
	env.dl.err = errors.New("yt-dlp exited with code 1")
	env.admit(t, "JOB-CCCCCC", job.SourceURL)

	done := env.queue.Subscribe("JOB-CCCCCC")
	env.worker.process(context.Background(), "JOB-CCCCCC")

	out := <-done
	assert.True(t, out.Failed)

	got, err := env.store.Get(context.Background(), "JOB-CCCCCC")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "download_error", got.Error.Type)
	assert.Equal(t, 0, env.tr.calls, "pipeline stops at the failed stage")
}

func TestProcess_TranscribeFailureClassification(t *testing.T) {
	env := newEnv(t, Config{})
	env.tr.err = whisper.ErrEngineUnavailable
	env.admit(t, "JOB-DDDDDD", job.SourceUpload)

	env.worker.process(context.Background(), "JOB-DDDDDD")

	got, err := env.store.Get(context.Background(), "JOB-DDDDDD")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "model_unavailable", got.Error.Type)
}

func TestProcess_WebhookDeliveredOnTerminal(t *testing.T) {
	env := newEnv(t, Config{})
	j := env.admit(t, "JOB-EEEEEE", job.SourceUpload)
	j.WebhookURL = "https://hooks.example.com/done"
	// re-insert with webhook by deleting and inserting fresh
	require.NoError(t, env.store.Delete(context.Background(), j.ID))
	require.NoError(t, env.store.Insert(context.Background(), j))

	env.worker.process(context.Background(), "JOB-EEEEEE")

	require.Eventually(t, func() bool {
		return len(env.nf.delivered()) == 1
	}, time.Second, 10*time.Millisecond)

	p := env.nf.delivered()[0]
	assert.Equal(t, "JOB-EEEEEE", p.JobID)
	assert.Equal(t, job.StatusCompleted, p.Status)
}

func TestProcess_WebhookFailureDoesNotChangeOutcome(t *testing.T) {
	env := newEnv(t, Config{})
	env.nf.err = webhook.ErrExhausted
	j := env.admit(t, "JOB-FFFFFF", job.SourceUpload)
	j.WebhookURL = "https://hooks.example.com/done"
	require.NoError(t, env.store.Delete(context.Background(), j.ID))
	require.NoError(t, env.store.Insert(context.Background(), j))

	env.worker.process(context.Background(), "JOB-FFFFFF")

	got, err := env.store.Get(context.Background(), "JOB-FFFFFF")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)

	// exhaustion lands in the process log
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(env.layout.ProcessLogPath("JOB-FFFFFF"))
		return err == nil && len(data) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestProcess_AbandonsDeletedJob(t *testing.T) {
	env := newEnv(t, Config{})
	env.worker.process(context.Background(), "JOB-GGGGGG")
	assert.Equal(t, 0, env.dl.calls)
}

func TestProcess_AbandonsMissingDirectory(t *testing.T) {
	env := newEnv(t, Config{})
	j := job.New("JOB-HHHHHH", job.SourceURL, "u", time.Hour, time.Now().UTC())
	require.NoError(t, env.store.Insert(context.Background(), j))

	env.worker.process(context.Background(), "JOB-HHHHHH")

	got, err := env.store.Get(context.Background(), "JOB-HHHHHH")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status, "abandoned, not failed")
	assert.Equal(t, 0, env.dl.calls)
}

func TestResumePoint(t *testing.T) {
	env := newEnv(t, Config{})
	env.admit(t, "JOB-IIIIII", job.SourceUpload)

	j := &job.Job{ID: "JOB-IIIIII", Status: job.StatusTranscribing}
	assert.Equal(t, stageExtract, resumePoint(j, env.layout), "missing audio falls back to extract")

	require.NoError(t, os.WriteFile(env.layout.AudioPath("JOB-IIIIII"), []byte("wav"), 0o644))
	assert.Equal(t, stageTranscribe, resumePoint(j, env.layout))

	j.Status = job.StatusQueued
	assert.Equal(t, stageDownload, resumePoint(j, env.layout))
}

func TestRecoverJobs(t *testing.T) {
	env := newEnv(t, Config{})
	ctx := context.Background()

	// consistent job: row + directory
	env.admit(t, "JOB-JJJJJJ", job.SourceUpload)

	// stale job: row only
	stale := job.New("JOB-KKKKKK", job.SourceURL, "u", time.Hour, time.Now().UTC())
	require.NoError(t, env.store.Insert(ctx, stale))

	// terminal job: must be untouched
	doneJob := env.admit(t, "JOB-LLLLLL", job.SourceUpload)
	require.NoError(t, env.store.MarkFailed(ctx, doneJob.ID, job.ErrorInfo{Type: "download_error", Message: "x"}))

	require.NoError(t, env.worker.RecoverJobs(ctx))

	assert.Equal(t, 1, env.queue.Depth())
	id, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "JOB-JJJJJJ", id)

	got, err := env.store.Get(ctx, "JOB-KKKKKK")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "stale_storage", got.Error.Type)
}

func TestRecoverJobs_ResumesFormattingJob(t *testing.T) {
	env := newEnv(t, Config{})
	ctx := context.Background()

	// job interrupted mid-formatting: canonical audio still on disk
	env.admit(t, "JOB-NNNNNN", job.SourceUpload)
	require.NoError(t, env.store.UpdateProgress(ctx, "JOB-NNNNNN", job.StatusFormatting, "formatting", 90))
	require.NoError(t, os.WriteFile(env.layout.AudioPath("JOB-NNNNNN"), []byte("RIFFwav"), 0o644))

	require.NoError(t, env.worker.RecoverJobs(ctx))

	// committed status rewound so the pipeline can re-enter at transcribe
	got, err := env.store.Get(ctx, "JOB-NNNNNN")
	require.NoError(t, err)
	assert.Equal(t, job.StatusTranscribing, got.Status)
	assert.Equal(t, 40, got.Progress)

	id, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	env.worker.process(ctx, id)

	got, err = env.store.Get(ctx, "JOB-NNNNNN")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 0, env.dl.calls, "resume skips download")
	assert.Equal(t, 0, env.ex.calls, "audio present, extract skipped")
	assert.Equal(t, 1, env.tr.calls)
}

func TestRecoverJobs_ResumesTranscribingJobWithoutAudio(t *testing.T) {
	env := newEnv(t, Config{})
	ctx := context.Background()

	// job interrupted mid-transcribe after audio was already cleaned up
	env.admit(t, "JOB-OOOOOO", job.SourceUpload)
	require.NoError(t, env.store.UpdateProgress(ctx, "JOB-OOOOOO", job.StatusTranscribing, "transcribing", 40))

	require.NoError(t, env.worker.RecoverJobs(ctx))

	got, err := env.store.Get(ctx, "JOB-OOOOOO")
	require.NoError(t, err)
	assert.Equal(t, job.StatusExtracting, got.Status)
	assert.Equal(t, 25, got.Progress)

	id, err := env.queue.Dequeue(ctx)
	require.NoError(t, err)
	env.worker.process(ctx, id)

	got, err = env.store.Get(ctx, "JOB-OOOOOO")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, env.ex.calls, "missing audio re-extracted from the kept source")
	assert.Equal(t, 1, env.tr.calls)
}

func TestRun_ProcessesQueue(t *testing.T) {
	env := newEnv(t, Config{})
	env.admit(t, "JOB-MMMMMM", job.SourceUpload)

	done := env.queue.Subscribe("JOB-MMMMMM")
	require.NoError(t, env.queue.TryEnqueue("JOB-MMMMMM"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = env.worker.Run(ctx) }()

	select {
	case out := <-done:
		assert.False(t, out.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("job not processed")
	}
	cancel()
}
