// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package whisper

// Decode parameters tuned for Japanese-heavy workloads. Greedy decoding
// produces noticeably worse segmentation on ja audio, so beam search with a
// wide candidate set is the default for every language.
//
// The CGO bindings expose only a subset of whisper.cpp's decode options:
// best-of candidate count, beam patience, the hallucination thresholds
// (compression ratio, log-prob, no-speech) and condition-on-previous-text
// have no setters and stay at the library defaults.
const (
	defaultBeamSize   = 5
	defaultThreads    = 0 // 0 keeps the backend's own choice
	defaultSampleRate = 16000
)
