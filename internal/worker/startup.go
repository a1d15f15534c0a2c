// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package worker

import (
	"context"

	"github.com/ManuGH/whisperd/internal/job"
	"github.com/ManuGH/whisperd/internal/metrics"
)

// RecoverJobs reconciles non-terminal rows left behind by a previous run.
// Rows whose job directory vanished are failed as stale_storage; consistent
// ones are re-enqueued in creation order and resume at their last committed
// stage.
func (w *Worker) RecoverJobs(ctx context.Context) error {
	rows, err := w.store.NonTerminal(ctx)
	if err != nil {
		return err
	}

	recovered, stale := 0, 0
	for _, j := range rows {
		if !w.layout.Exists(j.ID) {
			info := job.ErrorInfo{
				Type:    errStaleStorage,
				Message: "job directory missing after restart",
			}
			if err := w.store.MarkFailed(ctx, j.ID, info); err != nil {
				w.log.Error().Err(err).Str("job_id", j.ID).Msg("stale job commit failed")
				continue
			}
			metrics.JobsTotal.WithLabelValues("failed").Inc()
			stale++
			continue
		}

		if status, progress, ok := rewindTarget(j, w.layout); ok {
			if err := w.store.ResetForResume(ctx, j.ID, status, progress); err != nil {
				w.log.Error().Err(err).Str("job_id", j.ID).Msg("resume rewind failed")
				continue
			}
			j.Status = status
		}

		if err := w.queue.TryEnqueue(j.ID); err != nil {
			// more open rows than queue slots; the rest stay pending and are
			// picked up by the next restart
			w.log.Warn().Str("job_id", j.ID).Msg("queue full during recovery, job left pending")
			continue
		}
		recovered++
	}

	metrics.QueueDepth.Set(float64(w.queue.Depth()))
	if recovered > 0 || stale > 0 {
		w.log.Info().Int("recovered", recovered).Int("stale", stale).Msg("startup job recovery done")
	}
	return nil
}
