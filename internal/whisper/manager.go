// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package whisper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/whisperd/internal/job"
	applog "github.com/ManuGH/whisperd/internal/log"
)

// State is the model lifecycle state exposed on the admin surface.
type State string

const (
	StateUnloaded  State = "unloaded"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateBusy      State = "busy"
	StateUnloading State = "unloading"
)

// ErrBusy is returned when an unload is requested while inference is running.
var ErrBusy = errors.New("whisper: model is busy")

// ManagerConfig configures the model manager.
type ManagerConfig struct {
	ModelPath   string
	ModelName   string
	IdleUnload  time.Duration // 0 disables idle unloading
	LoadTimeout time.Duration
	Factory     Factory

	// OnStateChange, when set, observes every state transition. Used to keep
	// the model state gauge current.
	OnStateChange func(State)
}

// Status is a point-in-time snapshot of the manager.
type Status struct {
	State     State     `json:"state"`
	ModelName string    `json:"model"`
	ModelPath string    `json:"model_path"`
	LoadedAt  time.Time `json:"loaded_at,omitempty"`
	LastUsed  time.Time `json:"last_used,omitempty"`
	Loads     int       `json:"loads"`
	Unloads   int       `json:"unloads"`
}

// Manager owns the single model instance. The model is loaded on first use,
// shared by consecutive jobs and unloaded after sitting idle. Inference is
// serialized: one Acquire holds the engine at a time.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	mu       sync.Mutex
	state    State
	engine   Engine
	loadedAt time.Time
	lastUsed time.Time
	loads    int
	unloads  int

	// loading coalesces concurrent load attempts into one.
	loading chan struct{}
}

// NewManager returns an unloaded manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Factory == nil {
		cfg.Factory = DefaultFactory
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 2 * time.Minute
	}
	return &Manager{
		cfg:   cfg,
		log:   applog.WithComponent("whisper"),
		state: StateUnloaded,
	}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s)
	}
}

// Status returns a snapshot of the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:     m.state,
		ModelName: m.cfg.ModelName,
		ModelPath: m.cfg.ModelPath,
		LoadedAt:  m.loadedAt,
		LastUsed:  m.lastUsed,
		Loads:     m.loads,
		Unloads:   m.unloads,
	}
}

// Acquire returns a ready engine for exclusive use and marks the model busy.
// It loads the model on demand; a concurrent Acquire waits for the in-flight
// load instead of starting a second one. The caller must invoke release when
// inference is done.
func (m *Manager) Acquire(ctx context.Context) (Engine, func(), error) {
	for {
		m.mu.Lock()
		switch m.state {
		case StateReady:
			m.setStateLocked(StateBusy)
			m.lastUsed = time.Now()
			eng := m.engine
			m.mu.Unlock()
			return eng, m.release, nil

		case StateUnloaded:
			ch := make(chan struct{})
			m.loading = ch
			m.setStateLocked(StateLoading)
			m.mu.Unlock()

			err := m.load(ctx)

			m.mu.Lock()
			m.loading = nil
			close(ch)
			if err != nil {
				m.setStateLocked(StateUnloaded)
				m.mu.Unlock()
				return nil, nil, err
			}
			m.setStateLocked(StateBusy)
			m.lastUsed = time.Now()
			eng := m.engine
			m.mu.Unlock()
			return eng, m.release, nil

		case StateLoading, StateBusy, StateUnloading:
			ch := m.loading
			m.mu.Unlock()
			if ch == nil {
				// busy or unloading without a load in flight: brief wait,
				// then re-examine
				select {
				case <-time.After(50 * time.Millisecond):
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
				continue
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}
	}
}

// load runs the factory under the configured timeout. Called with the state
// already set to loading.
func (m *Manager) load(ctx context.Context) error {
	start := time.Now()
	m.log.Info().Str("model", m.cfg.ModelName).Str("path", m.cfg.ModelPath).Msg("loading model")

	type result struct {
		eng Engine
		err error
	}
	done := make(chan result, 1)
	go func() {
		eng, err := m.cfg.Factory(m.cfg.ModelPath)
		done <- result{eng, err}
	}()

	timeout := time.NewTimer(m.cfg.LoadTimeout)
	defer timeout.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			m.log.Error().Err(r.err).Str("model", m.cfg.ModelName).Msg("model load failed")
			return r.err
		}
		m.mu.Lock()
		m.engine = r.eng
		m.loadedAt = time.Now()
		m.loads++
		m.mu.Unlock()
		m.log.Info().Str("model", m.cfg.ModelName).Dur("elapsed", time.Since(start)).Msg("model loaded")
		return nil

	case <-timeout.C:
		// The loader goroutine still owns the engine; close it when it
		// eventually finishes so GPU memory is not leaked.
		go func() {
			if r := <-done; r.eng != nil {
				_ = r.eng.Close()
			}
		}()
		return fmt.Errorf("whisper: model load exceeded %s", m.cfg.LoadTimeout)

	case <-ctx.Done():
		go func() {
			if r := <-done; r.eng != nil {
				_ = r.eng.Close()
			}
		}()
		return ctx.Err()
	}
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateBusy {
		m.setStateLocked(StateReady)
		m.lastUsed = time.Now()
	}
}

// Transcribe acquires the engine, runs inference and releases it. A failed
// on-demand load is retried once before the error surfaces, covering
// transient GPU allocation races.
func (m *Manager) Transcribe(ctx context.Context, req Request, progress func(int)) (*job.Transcript, error) {
	eng, release, err := m.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEngineUnavailable) {
			return nil, err
		}
		eng, release, err = m.Acquire(ctx)
		if err != nil {
			return nil, err
		}
	}
	defer release()
	return eng.Transcribe(ctx, req, progress)
}

// Unload releases the model immediately. Returns ErrBusy while inference is
// running; unloading an unloaded model is a no-op.
func (m *Manager) Unload() error {
	m.mu.Lock()
	switch m.state {
	case StateUnloaded, StateUnloading:
		m.mu.Unlock()
		return nil
	case StateBusy, StateLoading:
		m.mu.Unlock()
		return ErrBusy
	}
	eng := m.engine
	m.engine = nil
	m.setStateLocked(StateUnloading)
	m.mu.Unlock()

	err := eng.Close()

	m.mu.Lock()
	m.setStateLocked(StateUnloaded)
	m.unloads++
	m.loadedAt = time.Time{}
	m.mu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Msg("model unload failed")
		return err
	}
	m.log.Info().Str("model", m.cfg.ModelName).Msg("model unloaded")
	return nil
}

// RunIdleUnloader blocks until ctx is cancelled, unloading the model after
// the configured idle period. A final unload runs on shutdown.
func (m *Manager) RunIdleUnloader(ctx context.Context) {
	if m.cfg.IdleUnload > 0 {
		tick := time.NewTicker(m.cfg.IdleUnload / 4)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = m.Unload()
				return
			case <-tick.C:
				m.mu.Lock()
				idle := m.state == StateReady && time.Since(m.lastUsed) >= m.cfg.IdleUnload
				m.mu.Unlock()
				if idle {
					m.log.Info().Dur("idle", m.cfg.IdleUnload).Msg("idle timeout reached")
					_ = m.Unload()
				}
			}
		}
	}
	<-ctx.Done()
	_ = m.Unload()
}
