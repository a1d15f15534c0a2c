// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/whisperd/internal/job"
)

const schemaVersion = 1

// Sentinel errors surfaced to the API layer.
var (
	ErrNotFound          = errors.New("store: job not found")
	ErrDuplicateID       = errors.New("store: duplicate job id")
	ErrIllegalTransition = errors.New("store: illegal status transition")
)

// JobStore implements atomic persistence of job rows.
type JobStore struct {
	DB *sql.DB
}

// NewJobStore opens (or creates) the job database at dbPath and migrates the
// schema.
func NewJobStore(dbPath string) (*JobStore, error) {
	db, err := Open(dbPath, DefaultSQLiteConfig())
	if err != nil {
		return nil, err
	}
	s := &JobStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("job store: migration failed: %w", err)
	}
	return s, nil
}

func (s *JobStore) Close() error {
	return s.DB.Close()
}

func (s *JobStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		source_kind TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		webhook_url TEXT,
		options_json TEXT,
		status TEXT NOT NULL,
		stage TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error_json TEXT,
		duration_seconds REAL,
		result_formats_json TEXT,
		transient INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER,
		failed_at_ms INTEGER,
		expires_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs(expires_at_ms);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at_ms DESC);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Insert commits a new job row. Returns ErrDuplicateID when the id exists.
func (s *JobStore) Insert(ctx context.Context, j *job.Job) error {
	errJSON, formatsJSON := marshalExtras(j)

	optsJSON, _ := json.Marshal(j.Options)

	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO jobs (
		job_id, source_kind, source_ref, webhook_url, options_json, status, stage, progress,
		error_json, duration_seconds, result_formats_json, transient,
		created_at_ms, updated_at_ms, completed_at_ms, failed_at_ms, expires_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SourceKind, j.SourceRef, nullString(j.WebhookURL), string(optsJSON), j.Status, j.Stage, j.Progress,
		errJSON, nullFloat(j.DurationSeconds), formatsJSON, boolInt(j.Transient),
		timeMS(j.CreatedAt), timeMS(j.UpdatedAt), nullTimeMS(j.CompletedAt), nullTimeMS(j.FailedAt), timeMS(j.ExpiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("job store: insert %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the job row or ErrNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.DB.QueryRowContext(ctx, selectCols+" FROM jobs WHERE job_id = ?", id)
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

// ListFilter selects rows for List.
type ListFilter struct {
	Status job.Status // empty matches all
	Limit  int
	Offset int
}

// List returns jobs ordered by created_at descending.
func (s *JobStore) List(ctx context.Context, f ListFilter) ([]*job.Job, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := selectCols + " FROM jobs"
	args := []any{}
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at_ms DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateProgress moves a job forward. The transition guard enforces the
// status DAG; progress is clamped to be non-decreasing within a stage.
// Returns ErrIllegalTransition when the new status is not reachable.
func (s *JobStore) UpdateProgress(ctx context.Context, id string, status job.Status, stage string, progress int) error {
	return s.mutate(ctx, id, func(j *job.Job) error {
		if status != j.Status && !job.CanTransition(j.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.Status, status)
		}
		if status == j.Status && progress < j.Progress {
			progress = j.Progress
		}
		j.Status = status
		j.Stage = stage
		j.Progress = progress
		return nil
	})
}

// ResetForResume rewinds a non-terminal job to an earlier pipeline stage so
// a recovered job can re-enter below its last committed status. The forward
// guard of UpdateProgress does not apply; terminal rows and terminal targets
// are rejected.
func (s *JobStore) ResetForResume(ctx context.Context, id string, status job.Status, progress int) error {
	return s.mutate(ctx, id, func(j *job.Job) error {
		if j.Status.IsTerminal() {
			return fmt.Errorf("%w: reset of terminal %s", ErrIllegalTransition, j.Status)
		}
		if status.IsTerminal() {
			return fmt.Errorf("%w: reset to %s", ErrIllegalTransition, status)
		}
		j.Status = status
		j.Stage = string(status)
		j.Progress = progress
		return nil
	})
}

// SetDuration records the extracted audio duration.
func (s *JobStore) SetDuration(ctx context.Context, id string, seconds float64) error {
	return s.mutate(ctx, id, func(j *job.Job) error {
		j.DurationSeconds = seconds
		return nil
	})
}

// MarkCompleted commits the terminal completed state. A second call on an
// already-completed job is a no-op; completing a failed job is rejected.
func (s *JobStore) MarkCompleted(ctx context.Context, id string, duration float64, formats []job.Format) error {
	return s.mutate(ctx, id, func(j *job.Job) error {
		if j.Status == job.StatusCompleted {
			return nil
		}
		if !job.CanTransition(j.Status, job.StatusCompleted) {
			return fmt.Errorf("%w: %s -> completed", ErrIllegalTransition, j.Status)
		}
		j.Status = job.StatusCompleted
		j.Stage = string(job.StatusCompleted)
		j.Progress = 100
		j.DurationSeconds = duration
		j.ResultFormats = formats
		j.CompletedAt = time.Now().UTC()
		return nil
	})
}

// MarkFailed commits the terminal failed state. Idempotent on an
// already-failed job; failing a completed job is rejected.
func (s *JobStore) MarkFailed(ctx context.Context, id string, errInfo job.ErrorInfo) error {
	return s.mutate(ctx, id, func(j *job.Job) error {
		if j.Status == job.StatusFailed {
			return nil
		}
		if !job.CanTransition(j.Status, job.StatusFailed) {
			return fmt.Errorf("%w: %s -> failed", ErrIllegalTransition, j.Status)
		}
		j.Status = job.StatusFailed
		j.Stage = string(job.StatusFailed)
		j.Error = &errInfo
		j.FailedAt = time.Now().UTC()
		return nil
	})
}

// Delete removes the row. Directory deletion is the caller's responsibility
// and happens before row deletion in normal flow.
func (s *JobStore) Delete(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Expired returns ids whose expires_at lies before now.
func (s *JobStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT job_id FROM jobs WHERE expires_at_ms < ?", timeMS(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NonTerminal returns all jobs that are neither completed nor failed,
// oldest first. Used by the startup recovery sweep.
func (s *JobStore) NonTerminal(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.DB.QueryContext(ctx,
		selectCols+" FROM jobs WHERE status NOT IN (?, ?) ORDER BY created_at_ms ASC",
		job.StatusCompleted, job.StatusFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountByStatus returns job counts bucketed by status, for admin stats.
func (s *JobStore) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var st job.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// mutate runs a read-modify-write cycle on one row inside a transaction,
// serializing concurrent mutations per job id.
func (s *JobStore) mutate(ctx context.Context, id string, fn func(*job.Job) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	j, err := scanJob(tx.QueryRowContext(ctx, selectCols+" FROM jobs WHERE job_id = ?", id))
	if err != nil {
		return err
	}
	if j == nil {
		return ErrNotFound
	}

	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()

	errJSON, formatsJSON := marshalExtras(j)
	_, err = tx.ExecContext(ctx, `
	UPDATE jobs SET
		status = ?, stage = ?, progress = ?, error_json = ?, duration_seconds = ?,
		result_formats_json = ?, updated_at_ms = ?, completed_at_ms = ?, failed_at_ms = ?
	WHERE job_id = ?`,
		j.Status, j.Stage, j.Progress, errJSON, nullFloat(j.DurationSeconds),
		formatsJSON, timeMS(j.UpdatedAt), nullTimeMS(j.CompletedAt), nullTimeMS(j.FailedAt),
		j.ID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// --- Helpers ---

const selectCols = `SELECT job_id, source_kind, source_ref, webhook_url, options_json, status, stage, progress,
	error_json, duration_seconds, result_formats_json, transient,
	created_at_ms, updated_at_ms, completed_at_ms, failed_at_ms, expires_at_ms`

func scanJob(scanner interface{ Scan(dest ...any) error }) (*job.Job, error) {
	var j job.Job
	var webhook, optsJSON, errJSON, formatsJSON sql.NullString
	var duration sql.NullFloat64
	var transient int
	var createdAt, updatedAt, expiresAt int64
	var completedAt, failedAt sql.NullInt64

	err := scanner.Scan(
		&j.ID, &j.SourceKind, &j.SourceRef, &webhook, &optsJSON, &j.Status, &j.Stage, &j.Progress,
		&errJSON, &duration, &formatsJSON, &transient,
		&createdAt, &updatedAt, &completedAt, &failedAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	j.WebhookURL = webhook.String
	if optsJSON.Valid && optsJSON.String != "" {
		_ = json.Unmarshal([]byte(optsJSON.String), &j.Options)
	}
	j.Transient = transient != 0
	if duration.Valid {
		j.DurationSeconds = duration.Float64
	}
	if errJSON.Valid && errJSON.String != "" {
		var ei job.ErrorInfo
		if err := json.Unmarshal([]byte(errJSON.String), &ei); err == nil {
			j.Error = &ei
		}
	}
	if formatsJSON.Valid && formatsJSON.String != "" {
		_ = json.Unmarshal([]byte(formatsJSON.String), &j.ResultFormats)
	}
	j.CreatedAt = msTime(createdAt)
	j.UpdatedAt = msTime(updatedAt)
	j.ExpiresAt = msTime(expiresAt)
	if completedAt.Valid {
		j.CompletedAt = msTime(completedAt.Int64)
	}
	if failedAt.Valid {
		j.FailedAt = msTime(failedAt.Int64)
	}
	return &j, nil
}

func marshalExtras(j *job.Job) (errJSON, formatsJSON sql.NullString) {
	if j.Error != nil {
		b, _ := json.Marshal(j.Error)
		errJSON = sql.NullString{String: string(b), Valid: true}
	}
	if len(j.ResultFormats) > 0 {
		b, _ := json.Marshal(j.ResultFormats)
		formatsJSON = sql.NullString{String: string(b), Valid: true}
	}
	return errJSON, formatsJSON
}

func timeMS(t time.Time) int64 { return t.UnixMilli() }

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTimeMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(f float64) sql.NullFloat64 {
	if f == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint violations in the error text;
	// matching the message avoids depending on driver-internal error types.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
