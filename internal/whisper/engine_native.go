//go:build whisper

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Native inference engine backed by the whisper.cpp CGO bindings. Building
// with the "whisper" tag requires libwhisper.a and whisper.h to be reachable
// via LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/ManuGH/whisperd/internal/job"
)

// DefaultFactory loads the native whisper.cpp engine.
var DefaultFactory Factory = newNativeEngine

// EngineAvailable reports whether this build carries the native engine.
func EngineAvailable() bool { return true }

type nativeEngine struct {
	model whisperlib.Model
}

func newNativeEngine(modelPath string) (Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &nativeEngine{model: model}, nil
}

func (e *nativeEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// Transcribe decodes the WAV file and runs a fresh whisper context over it.
// Contexts are not thread-safe but the manager serializes calls, so one
// context per run is safe and keeps decoder state isolated between jobs.
func (e *nativeEngine) Transcribe(ctx context.Context, req Request, progress func(int)) (*job.Transcript, error) {
	samples, err := readWAVMono16k(req.AudioPath)
	if err != nil {
		return nil, err
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}
	wctx.SetTranslate(req.Translate)
	wctx.SetBeamSize(defaultBeamSize)
	wctx.SetTokenTimestamps(true)
	if defaultThreads > 0 {
		wctx.SetThreads(defaultThreads)
	}
	if req.Prompt != "" {
		wctx.SetInitialPrompt(req.Prompt)
	}
	if req.Temperature >= 0 {
		wctx.SetTemperature(req.Temperature)
	}

	var segments []job.Segment
	var texts []string

	onSegment := func(seg whisperlib.Segment) {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			return
		}
		segments = append(segments, job.Segment{
			ID:    len(segments),
			Start: seg.Start.Seconds(),
			End:   seg.End.Seconds(),
			Text:  text,
		})
		texts = append(texts, text)
	}
	onEncoderBegin := func() bool {
		// Cancellation is checked between encoder windows; whisper.cpp has
		// no mid-window abort.
		return ctx.Err() == nil
	}

	if err := wctx.Process(samples, onEncoderBegin, onSegment, progress); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	t := &job.Transcript{
		Language: wctx.DetectedLanguage(),
		Segments: segments,
		Text:     strings.Join(texts, " "),
	}
	if t.Language == "" {
		t.Language = req.Language
	}
	if n := len(segments); n > 0 {
		t.Duration = segments[n-1].End
	}
	return t, nil
}

// readWAVMono16k parses a canonical RIFF/WAVE file holding 16 kHz mono s16le
// PCM, the exact shape the extractor produces, and converts it to float32
// samples in [-1,1].
func readWAVMono16k(path string) ([]float32, error) {
	// #nosec G304 -- path derived from a validated job id
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: read audio: %w", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("whisper: not a RIFF/WAVE file")
	}

	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkLen > len(data) {
			return nil, errors.New("whisper: truncated WAV chunk")
		}

		switch chunkID {
		case "fmt ":
			if chunkLen < 16 {
				return nil, errors.New("whisper: malformed fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels := binary.LittleEndian.Uint16(data[body+2 : body+4])
			rate := binary.LittleEndian.Uint32(data[body+4 : body+8])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || channels != 1 || rate != defaultSampleRate || bits != 16 {
				return nil, fmt.Errorf("whisper: unexpected audio format (fmt=%d ch=%d rate=%d bits=%d)",
					format, channels, rate, bits)
			}
		case "data":
			samples := make([]float32, chunkLen/2)
			for i := range samples {
				v := int16(binary.LittleEndian.Uint16(data[body+i*2 : body+i*2+2]))
				samples[i] = float32(v) / 32768.0
			}
			return samples, nil
		}
		// chunks are word-aligned
		pos = body + chunkLen + (chunkLen & 1)
	}
	return nil, errors.New("whisper: WAV data chunk not found")
}
