//go:build !whisper

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package whisper

// DefaultFactory in builds without the native engine always fails, which
// surfaces as model_unavailable on the API.
var DefaultFactory Factory = func(modelPath string) (Engine, error) {
	return nil, ErrEngineUnavailable
}

// EngineAvailable reports whether this build carries the native engine.
func EngineAvailable() bool { return false }
