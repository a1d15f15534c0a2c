// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker runs the single job pipeline: fetch, extract, transcribe,
// format. Jobs are processed strictly in admission order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/whisperd/internal/format"
	"github.com/ManuGH/whisperd/internal/job"
	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/media"
	"github.com/ManuGH/whisperd/internal/metrics"
	"github.com/ManuGH/whisperd/internal/queue"
	"github.com/ManuGH/whisperd/internal/storage"
	"github.com/ManuGH/whisperd/internal/store"
	"github.com/ManuGH/whisperd/internal/webhook"
	"github.com/ManuGH/whisperd/internal/whisper"
)

// Downloader fetches a URL source into the job's input directory.
type Downloader interface {
	Download(ctx context.Context, layout *storage.Layout, id, url string) (string, error)
}

// Extractor converts source media to canonical audio.
type Extractor interface {
	ExtractAudio(ctx context.Context, src, dst string) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// Transcriber runs model inference over extracted audio.
type Transcriber interface {
	Transcribe(ctx context.Context, req whisper.Request, progress func(int)) (*job.Transcript, error)
}

// Notifier delivers terminal webhook notifications.
type Notifier interface {
	Deliver(ctx context.Context, url string, p webhook.Payload) error
}

// StageError carries the error classification recorded on the job row.
type StageError struct {
	Type   string
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Info converts the stage error into the persisted shape.
func (e *StageError) Info() job.ErrorInfo {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return job.ErrorInfo{Type: e.Type, Message: msg, Details: e.Detail}
}

// Config tunes the worker.
type Config struct {
	// KeepSource leaves input/source.* in place after completion.
	KeepSource bool

	// StageTimeout caps each stage's wall-clock time; 0 disables it.
	StageTimeout time.Duration
}

// Worker consumes the queue and drives jobs through the pipeline one at a
// time.
type Worker struct {
	store       *store.JobStore
	layout      *storage.Layout
	queue       *queue.Queue
	downloader  Downloader
	extractor   Extractor
	transcriber Transcriber
	notifier    Notifier
	cfg         Config
	log         zerolog.Logger
}

// New wires a worker.
func New(st *store.JobStore, layout *storage.Layout, q *queue.Queue,
	dl Downloader, ex Extractor, tr Transcriber, nf Notifier, cfg Config) *Worker {
	return &Worker{
		store:       st,
		layout:      layout,
		queue:       q,
		downloader:  dl,
		extractor:   ex,
		transcriber: tr,
		notifier:    nf,
		cfg:         cfg,
		log:         applog.WithComponent("worker"),
	}
}

// Run blocks, processing jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.log.Info().Msg("worker stopping")
			return err
		}
		metrics.QueueDepth.Set(float64(w.queue.Depth()))
		w.process(ctx, id)
	}
}

// process drives one job from its last committed stage to a terminal state.
func (w *Worker) process(ctx context.Context, id string) {
	ctx = applog.ContextWithJobID(ctx, id)
	logger := w.log.With().Str("job_id", id).Logger()

	j, err := w.store.Get(ctx, id)
	if err != nil {
		// deleted between enqueue and dequeue; nothing to do
		logger.Debug().Err(err).Msg("job row gone, abandoning")
		return
	}
	if j.Status.IsTerminal() {
		return
	}
	if !w.layout.Exists(id) {
		logger.Debug().Msg("job directory gone, abandoning")
		return
	}

	logger.Info().Str("status", string(j.Status)).Msg("processing job")

	transcript, formats, serr := w.runPipeline(ctx, j)
	if serr != nil {
		if ctx.Err() != nil && serr.Type != errTimeout {
			// shutdown mid-stage: leave the row for the next startup sweep
			logger.Warn().Msg("shutdown during stage, job left for recovery")
			return
		}
		w.fail(ctx, j, serr)
		return
	}
	w.complete(ctx, j, transcript, formats)
}

// Error classifications recorded on failed jobs.
const (
	errDownload         = "download_error"
	errExtract          = "extract_error"
	errTranscribe       = "transcription_error"
	errFormat           = "format_error"
	errTimeout          = "timeout"
	errModelUnavailable = "model_unavailable"
	errProcessing       = "processing_error"
	errStaleStorage     = "stale_storage"
)

// runPipeline resumes at the job's last committed stage and runs the
// remaining stages in order. Returns the transcript and the artifact formats
// actually written.
func (w *Worker) runPipeline(ctx context.Context, j *job.Job) (*job.Transcript, []job.Format, *StageError) {
	start := resumePoint(j, w.layout)

	if start <= stageDownload && j.SourceKind == job.SourceURL {
		if serr := w.download(ctx, j); serr != nil {
			return nil, nil, serr
		}
	}
	if start <= stageExtract {
		if serr := w.extract(ctx, j); serr != nil {
			return nil, nil, serr
		}
	}
	transcript, serr := w.transcribe(ctx, j)
	if serr != nil {
		return nil, nil, serr
	}
	formats, serr := w.format(ctx, j, transcript)
	if serr != nil {
		return nil, nil, serr
	}
	return transcript, formats, nil
}

const (
	stageDownload = iota
	stageExtract
	stageTranscribe
)

// resumePoint decides where a (possibly restarted) job re-enters the
// pipeline. Transcribing falls back to extracting when the canonical audio
// is missing, since audio.wav is deleted on completion but never committed
// partially.
func resumePoint(j *job.Job, layout *storage.Layout) int {
	switch j.Status {
	case job.StatusQueued, job.StatusDownloading:
		return stageDownload
	case job.StatusExtracting:
		return stageExtract
	case job.StatusTranscribing, job.StatusFormatting:
		if _, err := os.Stat(layout.AudioPath(j.ID)); err != nil {
			return stageExtract
		}
		return stageTranscribe
	}
	return stageDownload
}

// rewindTarget reports the status a recovered job must be reset to before it
// re-enters the pipeline. A rewind is only needed when the committed status
// is ahead of the resume stage, since advance rejects backward transitions.
func rewindTarget(j *job.Job, layout *storage.Layout) (job.Status, int, bool) {
	switch resumePoint(j, layout) {
	case stageExtract:
		if j.Status == job.StatusTranscribing || j.Status == job.StatusFormatting {
			return job.StatusExtracting, 25, true
		}
	case stageTranscribe:
		if j.Status == job.StatusFormatting {
			return job.StatusTranscribing, 40, true
		}
	}
	return "", 0, false
}

// stageCtx applies the per-stage soft timeout.
func (w *Worker) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.StageTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.StageTimeout)
	}
	return context.WithCancel(ctx)
}

// advance commits the stage transition before any stage work happens.
func (w *Worker) advance(ctx context.Context, j *job.Job, status job.Status, progress int) *StageError {
	if err := w.store.UpdateProgress(ctx, j.ID, status, string(status), progress); err != nil {
		return &StageError{Type: errProcessing, Err: err}
	}
	j.Status = status
	return nil
}

func (w *Worker) classify(ctx context.Context, kind string, err error) *StageError {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &StageError{Type: errTimeout, Err: err}
	}
	if errors.Is(err, whisper.ErrEngineUnavailable) {
		return &StageError{Type: errModelUnavailable, Err: err}
	}
	var cmdErr *media.CommandError
	if errors.As(err, &cmdErr) {
		return &StageError{Type: kind, Err: err, Detail: cmdErr.Detail()}
	}
	return &StageError{Type: kind, Err: err}
}

func (w *Worker) download(ctx context.Context, j *job.Job) *StageError {
	if serr := w.advance(ctx, j, job.StatusDownloading, 5); serr != nil {
		return serr
	}
	stage, cancel := w.stageCtx(ctx)
	defer cancel()

	timer := prometheusStageTimer("downloading")
	defer timer()

	if _, err := w.downloader.Download(stage, w.layout, j.ID, j.SourceRef); err != nil {
		return w.classify(ctx, errDownload, err)
	}
	return nil
}

func (w *Worker) extract(ctx context.Context, j *job.Job) *StageError {
	if serr := w.advance(ctx, j, job.StatusExtracting, 25); serr != nil {
		return serr
	}
	stage, cancel := w.stageCtx(ctx)
	defer cancel()

	timer := prometheusStageTimer("extracting")
	defer timer()

	src, ok := w.layout.FindSource(j.ID)
	if !ok {
		return &StageError{Type: errStaleStorage, Err: fmt.Errorf("source file missing for %s", j.ID)}
	}
	if err := w.extractor.ExtractAudio(stage, src, w.layout.AudioPath(j.ID)); err != nil {
		return w.classify(ctx, errExtract, err)
	}

	duration, err := w.extractor.ProbeDuration(stage, w.layout.AudioPath(j.ID))
	if err != nil {
		// duration is informational; the transcript carries its own
		applog.FromContext(ctx).Warn().Err(err).Msg("duration probe failed")
	} else if err := w.store.SetDuration(ctx, j.ID, duration); err == nil {
		j.DurationSeconds = duration
	}
	return nil
}

func (w *Worker) transcribe(ctx context.Context, j *job.Job) (*job.Transcript, *StageError) {
	if serr := w.advance(ctx, j, job.StatusTranscribing, 40); serr != nil {
		return nil, serr
	}
	stage, cancel := w.stageCtx(ctx)
	defer cancel()

	timer := prometheusStageTimer("transcribing")
	defer timer()

	req := whisper.Request{
		AudioPath:   w.layout.AudioPath(j.ID),
		Language:    j.Options.Language,
		Translate:   j.Options.Task == job.TaskTranslate,
		Prompt:      j.Options.Prompt,
		Temperature: j.Options.Temperature,
	}

	// Coarse progress: map inference progress onto the 40..85 band.
	lastReported := 0
	onProgress := func(p int) {
		if p-lastReported < 10 {
			return
		}
		lastReported = p
		scaled := 40 + p*45/100
		_ = w.store.UpdateProgress(ctx, j.ID, job.StatusTranscribing, string(job.StatusTranscribing), scaled)
	}

	transcript, err := w.transcriber.Transcribe(stage, req, onProgress)
	if err != nil {
		return nil, w.classify(ctx, errTranscribe, err)
	}
	if transcript.Duration == 0 {
		transcript.Duration = j.DurationSeconds
	}
	return transcript, nil
}

func (w *Worker) format(ctx context.Context, j *job.Job, t *job.Transcript) ([]job.Format, *StageError) {
	if serr := w.advance(ctx, j, job.StatusFormatting, 90); serr != nil {
		return nil, serr
	}
	timer := prometheusStageTimer("formatting")
	defer timer()

	written, err := format.WriteAll(w.layout, j.ID, t)
	if err != nil {
		return nil, &StageError{Type: errFormat, Err: err}
	}
	return written, nil
}

// complete commits the terminal state, cleans up intermediates and fires the
// completion signal and webhook. formats is the set actually written to disk.
func (w *Worker) complete(ctx context.Context, j *job.Job, t *job.Transcript, formats []job.Format) {
	logger := w.log.With().Str("job_id", j.ID).Logger()

	_ = os.Remove(w.layout.AudioPath(j.ID))
	if !w.cfg.KeepSource {
		if src, ok := w.layout.FindSource(j.ID); ok {
			_ = os.Remove(src)
		}
	}

	duration := t.Duration
	if duration == 0 {
		duration = j.DurationSeconds
	}
	if err := w.store.MarkCompleted(ctx, j.ID, duration, formats); err != nil {
		logger.Error().Err(err).Msg("completion commit failed")
		w.queue.Notify(queue.Outcome{JobID: j.ID, Failed: true})
		return
	}
	metrics.JobsTotal.WithLabelValues("completed").Inc()
	logger.Info().Float64("duration_s", duration).Msg("job completed")

	w.queue.Notify(queue.Outcome{JobID: j.ID})
	w.notify(ctx, j.ID)
}

// fail commits the failure, signals waiters and notifies the webhook. The
// job directory is kept for inspection until retention removes it.
func (w *Worker) fail(ctx context.Context, j *job.Job, serr *StageError) {
	logger := w.log.With().Str("job_id", j.ID).Str("error_type", serr.Type).Logger()
	logger.Error().Err(serr.Err).Msg("job failed")

	if err := w.store.MarkFailed(ctx, j.ID, serr.Info()); err != nil {
		logger.Error().Err(err).Msg("failure commit failed")
	}
	metrics.JobsTotal.WithLabelValues("failed").Inc()
	_ = w.layout.AppendProcessLog(j.ID, fmt.Sprintf("failed (%s): %v", serr.Type, serr.Err))

	w.queue.Notify(queue.Outcome{JobID: j.ID, Failed: true})
	w.notify(ctx, j.ID)
}

// notify posts the webhook from a fresh goroutine so delivery latency never
// blocks the pipeline. Exhaustion is recorded in the job's process log.
func (w *Worker) notify(ctx context.Context, id string) {
	j, err := w.store.Get(ctx, id)
	if err != nil || j.WebhookURL == "" {
		return
	}
	payload := webhook.NewPayload(j)
	go func() {
		// delivery continues through shutdown up to the notifier's budget
		if err := w.notifier.Deliver(context.WithoutCancel(ctx), j.WebhookURL, payload); err != nil {
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			_ = w.layout.AppendProcessLog(id, fmt.Sprintf("webhook delivery exhausted: %v", err))
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	}()
}

func prometheusStageTimer(stage string) func() {
	start := time.Now()
	return func() {
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}
