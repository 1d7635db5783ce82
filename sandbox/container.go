// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Container is the LXC-driven backend. The base image tarball is
// imported under a per-build alias, launched as a container, and
// commands run through `lxc exec`. Compared to the chroot backend it
// gives builds a full init, their own network namespace, and cleaner
// teardown: stopping the container kills everything in it.
type Container struct {
	runtime   string // the CLI binary, normally "lxc"
	name      string // container name
	alias     string // image alias
	buildPath string
	logger    *slog.Logger
	runner    hostRunner
}

// NewContainer creates a container backend for the given build.
func NewContainer(runtime, buildID, buildPath string, logger *slog.Logger) *Container {
	return &Container{
		runtime:   runtime,
		name:      "buildfleet-" + buildID,
		alias:     "buildfleet-image-" + buildID,
		buildPath: buildPath,
		logger:    logger,
		runner:    execRunner{},
	}
}

func (c *Container) run(ctx context.Context, streams hostStreams, args ...string) error {
	return c.runner.Run(ctx, append([]string{c.runtime}, args...), streams)
}

// Create imports the base image under this build's alias.
func (c *Container) Create(ctx context.Context, imagePath string) error {
	err := c.run(ctx, hostStreams{}, "image", "import", imagePath, "--alias", c.alias)
	if err != nil {
		return &BackendError{Operation: "create", Err: err}
	}
	return nil
}

// Start launches the container and waits for its init to settle.
func (c *Container) Start(ctx context.Context) error {
	if err := c.run(ctx, hostStreams{}, "launch", c.alias, c.name, "--ephemeral=false"); err != nil {
		return &BackendError{Operation: "start", Err: err}
	}
	// Name resolution inside the container should match the host's.
	for _, path := range []string{"/etc/hosts", "/etc/resolv.conf"} {
		if err := c.CopyIn(ctx, path, path); err != nil {
			return &BackendError{Operation: "start", Err: err}
		}
	}
	return nil
}

// execArgs builds the lxc exec command line for a RunSpec.
func (c *Container) execArgs(spec RunSpec) ([]string, error) {
	args := []string{c.runtime, "exec", c.name}
	if spec.WorkingDirectory != "" {
		args = append(args, "--cwd", spec.WorkingDirectory)
	}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "--env", key+"="+spec.Env[key])
	}
	args = append(args, "--")

	command := spec.Args
	if spec.Architecture != "" {
		wrapped, err := setPersonality(command, spec.Architecture, spec.Series)
		if err != nil {
			return nil, err
		}
		command = wrapped
	}
	return append(args, command...), nil
}

// Run executes a command inside the container.
func (c *Container) Run(ctx context.Context, spec RunSpec) error {
	args, err := c.execArgs(spec)
	if err != nil {
		return &BackendError{Operation: "run", Err: err}
	}
	LogCommand(spec.Stdout, spec.Args)
	return c.runner.Run(ctx, args, hostStreams{
		Stdin:  spec.Stdin,
		Stdout: spec.Stdout,
		Stderr: spec.Stderr,
	})
}

// Output executes a command inside the container and returns its
// stdout.
func (c *Container) Output(ctx context.Context, spec RunSpec) ([]byte, error) {
	args, err := c.execArgs(spec)
	if err != nil {
		return nil, &BackendError{Operation: "run", Err: err}
	}
	LogCommand(spec.Stderr, spec.Args)
	return c.runner.Output(ctx, args, hostStreams{
		Stdin:  spec.Stdin,
		Stderr: spec.Stderr,
	})
}

// CopyIn pushes a host file into the container, root-owned with the
// source's mode preserved.
func (c *Container) CopyIn(ctx context.Context, hostPath, targetPath string) error {
	mode, err := copyFileMode(hostPath)
	if err != nil {
		return &BackendError{Operation: "copy-in", Err: err}
	}
	err = c.run(ctx, hostStreams{},
		"file", "push",
		"--uid", "0", "--gid", "0",
		"--mode", fmt.Sprintf("%o", mode),
		hostPath, c.name+targetPath)
	if err != nil {
		return &BackendError{Operation: "copy-in", Err: err}
	}
	return nil
}

// CopyOut pulls a file from the container to the host.
func (c *Container) CopyOut(ctx context.Context, targetPath, hostPath string) error {
	err := c.run(ctx, hostStreams{}, "file", "pull", c.name+targetPath, hostPath)
	if err != nil {
		return &BackendError{Operation: "copy-out", Err: err}
	}
	return nil
}

// PathExists reports whether a path exists inside the container.
func (c *Container) PathExists(ctx context.Context, path string) bool {
	return c.Run(ctx, RunSpec{Args: []string{"test", "-e", path}}) == nil
}

// ListDirectory lists a directory inside the container, names only.
func (c *Container) ListDirectory(ctx context.Context, path string) ([]string, error) {
	output, err := c.Output(ctx, RunSpec{Args: []string{
		"find", path, "-mindepth", "1", "-maxdepth", "1", "-printf", `%P\0`,
	}})
	if err != nil {
		return nil, &BackendError{Operation: "list-directory", Err: err}
	}
	trimmed := strings.TrimRight(string(output), "\x00")
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\x00"), nil
}

// KillProcesses is a no-op: force-stopping the container reliably
// kills everything inside it.
func (c *Container) KillProcesses(ctx context.Context) error {
	return nil
}

// Stop force-stops the container. Already-stopped and never-started
// containers are not an error.
func (c *Container) Stop(ctx context.Context) error {
	if err := c.run(ctx, hostStreams{}, "stop", "--force", c.name); err != nil {
		c.logger.Debug("container stop failed (may not be running)",
			"container", c.name, "error", err)
	}
	return nil
}

// Remove deletes the container, its image alias, and the build
// directory.
func (c *Container) Remove(ctx context.Context) error {
	if err := c.run(ctx, hostStreams{}, "delete", "--force", c.name); err != nil {
		c.logger.Debug("container delete failed (may not exist)",
			"container", c.name, "error", err)
	}
	if err := c.run(ctx, hostStreams{}, "image", "delete", c.alias); err != nil {
		c.logger.Debug("image delete failed (may not exist)",
			"image", c.alias, "error", err)
	}
	err := c.runner.Run(ctx, []string{"sudo", "rm", "-rf", c.buildPath}, hostStreams{})
	if err != nil {
		return &BackendError{Operation: "remove", Err: err}
	}
	return nil
}
