// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup spawns subprocesses in their own process group so an
// entire helper tree (yt-dlp and its fragment downloaders, ffmpeg) can be
// reaped together.
package procgroup

import (
	"errors"
	"os/exec"
	"time"
)

// ErrKillFailed is returned when a process group survives SIGKILL past the
// timeout.
var ErrKillFailed = errors.New("procgroup: kill failed")

// Set configures the command to start in a new process group. Required for
// KillGroup to reap children.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates a process group: SIGTERM, wait up to grace, then
// SIGKILL. The process must have been spawned via Set.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}
