// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package media

import (
	"strings"
	"sync"
)

// LineRing keeps the last N lines of subprocess output for error reporting.
// Safe for concurrent use.
type LineRing struct {
	mu    sync.RWMutex
	lines []string
	head  int
	size  int
}

// NewLineRing creates a ring holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &LineRing{
		lines: make([]string, capacity),
		size:  capacity,
	}
}

// Write implements io.Writer. Input is split on newlines; empty lines are
// dropped. Partial lines across writes are not reassembled, which is
// acceptable for line-buffered tool output.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % r.size
	}
	return len(p), nil
}

// LastN returns up to n lines in chronological order.
func (r *LineRing) LastN(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.size {
		n = r.size
	}
	ordered := make([]string, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.head + i) % r.size
		if r.lines[idx] != "" {
			ordered = append(ordered, r.lines[idx])
		}
	}
	if len(ordered) <= n {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
