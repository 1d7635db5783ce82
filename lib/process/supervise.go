// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Command builds an *exec.Cmd that runs in its own process group and
// is killed, group and all, when ctx is cancelled.
//
// Without Setpgid only the immediate child receives the cancellation
// signal; grandchildren survive and hold the inherited stdout/stderr
// descriptors open, blocking Wait indefinitely. The negative-PID kill
// targets the whole group.
//
// When gracePeriod is zero, cancellation sends SIGKILL immediately.
// When positive, SIGTERM goes first and a background goroutine
// escalates to SIGKILL once the grace period passes. Build phases use
// a grace period so that package managers and compilers get a chance
// to release locks and flush state.
func Command(ctx context.Context, gracePeriod time.Duration, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if gracePeriod > 0 {
		cmd.Cancel = func() error {
			processGroupID := -cmd.Process.Pid
			if err := unix.Kill(processGroupID, unix.SIGTERM); err != nil {
				// Process group already gone, or unkillable; escalate.
				return unix.Kill(processGroupID, unix.SIGKILL)
			}
			go func() {
				time.Sleep(gracePeriod)
				// Best-effort: ESRCH from an exited group is harmless.
				_ = unix.Kill(processGroupID, unix.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		}
	}
	return cmd
}

// Run executes a supervised command and returns its exit code. A
// non-zero exit is reported through the code, not the error; the error
// is reserved for failures to run at all (command not found, context
// cancelled before exit, signal death).
func Run(ctx context.Context, gracePeriod time.Duration, stdin io.Reader, stdout, stderr io.Writer, name string, args ...string) (int, error) {
	cmd := Command(ctx, gracePeriod, name, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && exitError.ExitCode() >= 0 {
		return exitError.ExitCode(), nil
	}
	return -1, err
}

// ExitCode extracts the exit code from an error returned by
// exec.Cmd.Run or Wait. Returns -1 if the error does not carry one
// (including death by signal).
func ExitCode(err error) int {
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode()
	}
	return -1
}
