// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build !unix

package procgroup

import (
	"os"
	"os/exec"
	"time"
)

func set(_ *exec.Cmd) {}

func killGroup(pid int, _, _ time.Duration) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
