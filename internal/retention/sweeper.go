// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package retention removes expired jobs: artifacts first, then the row, so
// a crash between the two leaves only a re-sweepable row behind.
package retention

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/metrics"
	"github.com/ManuGH/whisperd/internal/storage"
	"github.com/ManuGH/whisperd/internal/store"
)

// Sweeper deletes jobs past their expiry.
type Sweeper struct {
	Store    *store.JobStore
	Layout   *storage.Layout
	Interval time.Duration

	log zerolog.Logger
}

// New returns a sweeper ticking at the given interval.
func New(st *store.JobStore, layout *storage.Layout, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		Store:    st,
		Layout:   layout,
		Interval: interval,
		log:      applog.WithComponent("retention"),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)

	tick := time.NewTicker(s.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			s.sweep(ctx)
		}
	}
}

// sweep removes every expired job. Per-job errors are logged and retried on
// the next tick; one bad job never stalls the sweep.
func (s *Sweeper) sweep(ctx context.Context) {
	ids, err := s.Store.Expired(ctx, time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Msg("expired query failed")
		return
	}
	if len(ids) == 0 {
		return
	}

	removed := 0
	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("job_id", id).Msg("sweep of job failed, will retry")
			continue
		}
		removed++
	}
	s.log.Info().Int("expired", len(ids)).Int("removed", removed).Msg("retention sweep done")
}

// Remove deletes one job, directory before row. Used by the sweeper and the
// admin cleanup endpoint.
func (s *Sweeper) Remove(ctx context.Context, id string) error {
	if err := s.Layout.Remove(id); err != nil {
		return err
	}
	if err := s.Store.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	metrics.RetentionRemoved.Inc()
	return nil
}
