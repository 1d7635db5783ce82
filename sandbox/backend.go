// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/buildfleet/buildfleet/lib/config"
)

// BackendError is a sandbox infrastructure failure, as opposed to a
// failure of the command being run. The build lifecycle engine maps
// BackendError to an infrastructure outcome rather than a build
// failure.
type BackendError struct {
	Operation string
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("sandbox %s: %v", e.Operation, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// RunSpec describes a command to run inside the sandbox.
type RunSpec struct {
	// Args is the command and its arguments. Must be non-empty.
	Args []string

	// WorkingDirectory, if set, is the directory inside the sandbox
	// the command runs in.
	WorkingDirectory string

	// Env is additional environment variables for the command.
	Env map[string]string

	// Architecture, if set, selects an execution personality: the
	// command is wrapped with linux32 or linux64 so that uname and
	// friends report the target architecture rather than the host's.
	Architecture string

	// Series is the distribution series being built for. Some old
	// series additionally need a pinned kernel version in uname.
	Series string

	// Stdin, if set, is fed to the command's standard input.
	Stdin io.Reader

	// Stdout and Stderr receive the command's output. Nil streams are
	// discarded.
	Stdout io.Writer
	Stderr io.Writer
}

// Backend is a per-build isolated environment. The lifecycle is
// Create, Start, any number of Run/CopyIn/CopyOut calls, then
// KillProcesses, Stop, and Remove. Teardown methods are safe to call
// on a partially constructed sandbox: cleaning up after a failed build
// must itself not fail on missing pieces.
type Backend interface {
	// Create materializes the sandbox from a base image tarball. The
	// sandbox is not yet running.
	Create(ctx context.Context, imagePath string) error

	// Start makes the sandbox ready to run commands.
	Start(ctx context.Context) error

	// Run executes a command inside the sandbox and waits for it. A
	// non-zero exit is returned as an error wrapping *exec.ExitError
	// so callers can recover the exit code.
	Run(ctx context.Context, spec RunSpec) error

	// Output executes a command inside the sandbox and returns its
	// standard output. The spec's Stdout is ignored.
	Output(ctx context.Context, spec RunSpec) ([]byte, error)

	// CopyIn installs a host file into the sandbox at targetPath
	// (absolute, interpreted relative to the sandbox root). The file
	// is owned by root and keeps the source's permission bits.
	CopyIn(ctx context.Context, hostPath, targetPath string) error

	// CopyOut retrieves a file from the sandbox to hostPath, owned by
	// the daemon's user.
	CopyOut(ctx context.Context, targetPath, hostPath string) error

	// PathExists reports whether a path exists inside the sandbox.
	PathExists(ctx context.Context, path string) bool

	// ListDirectory returns the entries of a directory inside the
	// sandbox, names only.
	ListDirectory(ctx context.Context, path string) ([]string, error)

	// KillProcesses kills anything still running inside the sandbox.
	// May be a no-op for backends whose Stop reliably does this.
	KillProcesses(ctx context.Context) error

	// Stop halts the sandbox. Idempotent.
	Stop(ctx context.Context) error

	// Remove deletes the sandbox and the build directory. Idempotent.
	Remove(ctx context.Context) error
}

// New constructs the backend selected by the sandbox configuration for
// the given build.
func New(cfg *config.Config, buildID string, logger *slog.Logger) (Backend, error) {
	buildPath := filepath.Join(cfg.Paths.Root, "build-"+buildID)
	switch cfg.Sandbox.Backend {
	case "chroot":
		return NewChroot(buildPath, logger), nil
	case "container":
		return NewContainer(cfg.Sandbox.ContainerRuntime, buildID, buildPath, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
}

// copyFileMode returns the permission bits of a host file, for
// preserving them across a CopyIn.
func copyFileMode(hostPath string) (os.FileMode, error) {
	info, err := os.Stat(hostPath)
	if err != nil {
		return 0, err
	}
	return info.Mode().Perm(), nil
}
