// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package whisper manages the GPU transcription model: on-demand loading,
// serialized inference and idle-based unloading.
package whisper

import (
	"context"
	"errors"

	"github.com/ManuGH/whisperd/internal/job"
)

// ErrEngineUnavailable is returned when the binary was built without the
// native inference engine.
var ErrEngineUnavailable = errors.New("whisper: engine not available in this build")

// Request describes one inference run over an extracted audio file.
type Request struct {
	// AudioPath points at 16 kHz mono s16le WAV audio.
	AudioPath string

	// Language is an ISO 639-1 hint; empty means auto-detect.
	Language string

	// Translate requests translation to English instead of transcription.
	Translate bool

	// Prompt seeds the decoder with context text.
	Prompt string

	// Temperature overrides the default sampling temperature when >= 0.
	Temperature float32
}

// Engine runs inference against a loaded model. Implementations are not
// required to support concurrent Transcribe calls; the manager serializes
// access.
type Engine interface {
	// Transcribe runs the model over the audio file. The progress callback,
	// when non-nil, receives values in [0,100].
	Transcribe(ctx context.Context, req Request, progress func(int)) (*job.Transcript, error)

	// Close releases the model and its GPU memory.
	Close() error
}

// Factory loads an engine from a model file. The default factory is chosen
// by build tags; tests inject fakes.
type Factory func(modelPath string) (Engine, error)
