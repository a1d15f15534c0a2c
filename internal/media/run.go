// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package media acquires source files and extracts normalized audio from
// them by driving external tools (yt-dlp, ffmpeg, ffprobe).
package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/procgroup"
)

// CommandError carries the exit code and a stderr tail from a failed tool
// invocation. The tail ends up in the job's structured error details.
type CommandError struct {
	Bin      string
	ExitCode int
	Tail     []string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %v", e.Bin, e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Detail returns the captured output tail as one string.
func (e *CommandError) Detail() string {
	return strings.Join(e.Tail, "\n")
}

// run executes a tool with its output captured in a ring buffer, the child
// in its own process group and group-wide reaping on cancellation. Returns
// captured stdout.
func run(ctx context.Context, bin string, args []string) ([]byte, error) {
	logger := applog.FromContext(ctx).With().Str("component", "media").Logger()
	ring := NewLineRing(128)

	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 -- args are built internally
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.KillGroup(cmd.Process.Pid, 5*time.Second, 10*time.Second)
	}
	cmd.WaitDelay = 15 * time.Second

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("media: capture stderr: %w", err)
	}

	logger.Debug().Str("bin", bin).Strs("args", args).Msg("starting tool")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("media: start %s: %w", bin, err)
	}

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		_, _ = ring.Write(scanner.Bytes())
		_, _ = ring.Write([]byte("\n"))
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := 1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		tail := ring.LastN(20)
		logger.Error().Str("bin", bin).Int("exit_code", code).Strs("stderr", tail).Msg("tool failed")
		return nil, &CommandError{Bin: bin, ExitCode: code, Tail: tail, Err: waitErr}
	}
	return stdout.Bytes(), nil
}
