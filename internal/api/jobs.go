// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/whisperd/internal/job"
	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/media"
	"github.com/ManuGH/whisperd/internal/metrics"
	"github.com/ManuGH/whisperd/internal/queue"
	"github.com/ManuGH/whisperd/internal/store"
	"github.com/ManuGH/whisperd/internal/webhook"
)

// jobView is the job row as served, extended with download links once the
// job completed.
type jobView struct {
	*job.Job
	DownloadURLs map[string]string `json:"download_urls,omitempty"`
}

func newJobView(j *job.Job) jobView {
	v := jobView{Job: j}
	if j.Status == job.StatusCompleted {
		v.DownloadURLs = webhook.DownloadURLs(j)
	}
	return v
}

// handleCreateJob admits a new job: multipart form with `url` xor `file`,
// optional `webhook_url`. Uploads stream to disk under the size cap.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	// slack for the multipart framing around the capped file part
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes()+1<<20)

	mr, err := r.MultipartReader()
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "multipart form required")
		return
	}

	var (
		sourceURL  string
		webhookURL string
		uploadID   string
		uploadName string
	)
	cleanupUpload := func() {
		if uploadID != "" {
			_ = s.layout.Remove(uploadID)
		}
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cleanupUpload()
			if maxBytesExceeded(err) {
				RespondError(w, r, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge)
				return
			}
			RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "url":
			sourceURL = readFormValue(part)
		case "webhook_url":
			webhookURL = readFormValue(part)
		case "file":
			if uploadID != "" {
				cleanupUpload()
				RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "only one file is accepted")
				return
			}
			id := job.NewID()
			if err := s.layout.CreateJobDirs(id); err != nil {
				RespondError(w, r, http.StatusInternalServerError, ErrInternal)
				return
			}
			uploadID = id
			uploadName = part.FileName()
			if _, err := s.acquirer.SaveUpload(s.layout, id, uploadName, part); err != nil {
				cleanupUpload()
				if errors.Is(err, media.ErrTooLarge) || maxBytesExceeded(err) {
					RespondError(w, r, http.StatusRequestEntityTooLarge, ErrPayloadTooLarge)
					return
				}
				RespondError(w, r, http.StatusInternalServerError, ErrInternal)
				return
			}
		}
	}

	if (sourceURL == "") == (uploadID == "") {
		cleanupUpload()
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "provide exactly one of url or file")
		return
	}
	if webhookURL != "" && !validHTTPURL(webhookURL) {
		cleanupUpload()
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "webhook_url must be an absolute http(s) URL")
		return
	}

	now := time.Now().UTC()
	var j *job.Job
	if uploadID != "" {
		j = job.New(uploadID, job.SourceUpload, uploadName, s.cfg.Retention(), now)
	} else {
		if !validHTTPURL(sourceURL) {
			RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "url must be an absolute http(s) URL")
			return
		}
		j = job.New(job.NewID(), job.SourceURL, sourceURL, s.cfg.Retention(), now)
		if err := s.layout.CreateJobDirs(j.ID); err != nil {
			RespondError(w, r, http.StatusInternalServerError, ErrInternal)
			return
		}
	}
	j.WebhookURL = webhookURL

	if err := s.admitJob(r.Context(), j); err != nil {
		_ = s.layout.Remove(j.ID)
		if errors.Is(err, store.ErrDuplicateID) {
			metrics.JobsAdmitted.WithLabelValues("duplicate_id").Inc()
			RespondError(w, r, http.StatusConflict, ErrDuplicateID)
			return
		}
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}

	if err := s.queue.TryEnqueue(j.ID); err != nil {
		_ = s.layout.Remove(j.ID)
		_ = s.store.Delete(r.Context(), j.ID)
		metrics.JobsAdmitted.WithLabelValues("queue_full").Inc()
		RespondError(w, r, http.StatusTooManyRequests, ErrQueueFull)
		return
	}
	metrics.JobsAdmitted.WithLabelValues("accepted").Inc()
	metrics.QueueDepth.Set(float64(s.queue.Depth()))

	applog.FromContext(r.Context()).Info().
		Str("job_id", j.ID).Str("source_kind", string(j.SourceKind)).Msg("job admitted")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     j.ID,
		"status":     j.Status,
		"created_at": j.CreatedAt,
		"expires_at": j.ExpiresAt,
	})
}

// handleListJobs serves the paginated job list, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := job.Status(raw)
		if !st.Valid() {
			RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "unknown status filter")
			return
		}
		f.Status = st
	}

	rows, err := s.store.List(r.Context(), f)
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}
	views := make([]jobView, 0, len(rows))
	for _, j := range rows {
		views = append(views, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   views,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// handleGetJob serves one job row.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if !job.ValidID(id) {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "malformed job id")
		return
	}
	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		RespondError(w, r, http.StatusNotFound, ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}

var artifactContentTypes = map[job.Format]string{
	job.FormatJSON: "application/json; charset=utf-8",
	job.FormatTXT:  "text/plain; charset=utf-8",
	job.FormatSRT:  "application/x-subrip",
	job.FormatVTT:  "text/vtt",
	job.FormatMD:   "text/markdown; charset=utf-8",
}

// handleDownload streams one artifact of a completed job.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if !job.ValidID(id) {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "malformed job id")
		return
	}
	f, ok := job.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "format must be one of json, txt, srt, vtt, md")
		return
	}

	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		RespondError(w, r, http.StatusNotFound, ErrNotFound)
		return
	}
	if j.Status != job.StatusCompleted {
		RespondError(w, r, http.StatusNotFound, ErrArtifactNotFound, "job is not completed")
		return
	}

	path := s.layout.ArtifactPath(id, f)
	// #nosec G304 -- path derived from a validated job id and format
	file, err := os.Open(path)
	if err != nil {
		RespondError(w, r, http.StatusNotFound, ErrArtifactNotFound)
		return
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}
	w.Header().Set("Content-Type", artifactContentTypes[f])
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s.%s", id, f)))
	http.ServeContent(w, r, "", info.ModTime(), file)
}

// handleDeleteJob removes a job in any status: directory first, then row.
// The worker notices the missing row at its next stage boundary.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if !job.ValidID(id) {
		RespondError(w, r, http.StatusBadRequest, ErrInvalidInput, "malformed job id")
		return
	}

	if err := s.layout.Remove(id); err != nil {
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			RespondError(w, r, http.StatusNotFound, ErrNotFound)
			return
		}
		RespondError(w, r, http.StatusInternalServerError, ErrInternal)
		return
	}

	// unblock a possible synchronous waiter
	s.queue.Notify(queue.Outcome{JobID: id, Failed: true})
	applog.FromContext(r.Context()).Info().Str("job_id", id).Msg("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

// admitJob inserts the job row, re-rolling the id once when the generated id
// collides with an existing row. The job directory moves with the id, so the
// caller must read j.ID after a successful return.
func (s *Server) admitJob(ctx context.Context, j *job.Job) error {
	err := s.store.Insert(ctx, j)
	if !errors.Is(err, store.ErrDuplicateID) {
		return err
	}

	fresh := job.NewID()
	if renameErr := s.layout.Rename(j.ID, fresh); renameErr != nil {
		return err
	}
	j.ID = fresh
	return s.store.Insert(ctx, j)
}

// --- helpers ---

func readFormValue(part io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(part, 4096))
	return strings.TrimSpace(string(data))
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func maxBytesExceeded(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
