// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/buildfleet/buildfleet/lib/process"
)

// LogCommand writes a timestamped invocation header with the
// shell-quoted argv to the build log, so a failed phase shows exactly
// what ran. A nil writer means the invocation is not being captured.
func LogCommand(log io.Writer, args []string) {
	if log == nil {
		return
	}
	escaped := make([]string, len(args))
	for i, arg := range args {
		escaped[i] = shellEscape(arg)
	}
	fmt.Fprintf(log, "[%s] RUN: %s\n",
		time.Now().UTC().Format(time.RFC1123), strings.Join(escaped, " "))
}

// hostRunner executes commands on the host system. The backends go
// through this seam so tests can record invocations instead of
// shelling out to sudo.
type hostRunner interface {
	// Run executes the command and waits for it.
	Run(ctx context.Context, args []string, streams hostStreams) error

	// Output executes the command and returns its standard output.
	Output(ctx context.Context, args []string, streams hostStreams) ([]byte, error)
}

// hostStreams carries the standard streams for a host command. Nil
// fields mean no input and discarded output.
type hostStreams struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// hostCommandGracePeriod is how long a cancelled host command gets
// between SIGTERM and SIGKILL. Short: these are plumbing commands
// (tar, mount, lxc), not the build itself.
const hostCommandGracePeriod = 10 * time.Second

// execRunner is the real hostRunner backed by os/exec. Commands run
// in their own process group so cancellation reaps the whole tree.
type execRunner struct{}

func (execRunner) command(ctx context.Context, args []string, streams hostStreams) *exec.Cmd {
	cmd := process.Command(ctx, hostCommandGracePeriod, args[0], args[1:]...)
	cmd.Stdin = streams.Stdin
	cmd.Stdout = streams.Stdout
	cmd.Stderr = streams.Stderr
	return cmd
}

func (r execRunner) Run(ctx context.Context, args []string, streams hostStreams) error {
	return r.command(ctx, args, streams).Run()
}

func (r execRunner) Output(ctx context.Context, args []string, streams hostStreams) ([]byte, error) {
	cmd := r.command(ctx, args, streams)
	cmd.Stdout = nil
	return cmd.Output()
}
