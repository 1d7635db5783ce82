// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Chroot is the tarball-unpack-and-chroot backend. The base image is
// extracted to <buildPath>/chroot-autobuild; commands run via
// sudo chroot.
type Chroot struct {
	buildPath  string
	chrootPath string
	logger     *slog.Logger
	runner     hostRunner

	// procMounts is read to find mounts under the chroot during Stop.
	// Overridable for tests.
	procMounts string

	// procRoot is scanned for stray processes during KillProcesses.
	procRoot string

	// umountRetryDelay paces the unmount retry loop.
	umountRetryDelay time.Duration
}

// NewChroot creates a chroot backend rooted under buildPath.
func NewChroot(buildPath string, logger *slog.Logger) *Chroot {
	return &Chroot{
		buildPath:        buildPath,
		chrootPath:       filepath.Join(buildPath, "chroot-autobuild"),
		logger:           logger,
		runner:           execRunner{},
		procMounts:       "/proc/mounts",
		procRoot:         "/proc",
		umountRetryDelay: time.Second,
	}
}

// Path returns the host-side path of a file inside the chroot.
func (c *Chroot) Path(targetPath string) string {
	return filepath.Join(c.chrootPath, strings.TrimPrefix(targetPath, "/"))
}

// Create unpacks the base image tarball. Extraction runs under sudo so
// the tree's root-owned files and device nodes survive.
func (c *Chroot) Create(ctx context.Context, imagePath string) error {
	if err := os.MkdirAll(c.buildPath, 0755); err != nil {
		return &BackendError{Operation: "create", Err: err}
	}
	err := c.runner.Run(ctx, []string{
		"sudo", "tar", "-C", c.buildPath, "-xf", imagePath,
	}, hostStreams{})
	if err != nil {
		return &BackendError{Operation: "create", Err: err}
	}
	return nil
}

// chrootMounts are the kernel filesystems a working chroot needs, in
// mount order.
var chrootMounts = []struct {
	fstype  string
	options string
	target  string
}{
	{"proc", "", "proc"},
	{"devpts", "gid=5,mode=620", "dev/pts"},
	{"sysfs", "", "sys"},
	{"tmpfs", "", "dev/shm"},
}

// Start mounts the kernel filesystems and copies in the host's name
// resolution files.
func (c *Chroot) Start(ctx context.Context) error {
	for _, mount := range chrootMounts {
		args := []string{"sudo", "mount", "-t", mount.fstype}
		if mount.options != "" {
			args = append(args, "-o", mount.options)
		}
		args = append(args, "none", filepath.Join(c.chrootPath, mount.target))
		if err := c.runner.Run(ctx, args, hostStreams{}); err != nil {
			return &BackendError{
				Operation: "start",
				Err:       fmt.Errorf("mounting %s: %w", mount.target, err),
			}
		}
	}

	for _, path := range []string{"/etc/hosts", "/etc/hostname", "/etc/resolv.conf"} {
		if err := c.CopyIn(ctx, path, path); err != nil {
			return &BackendError{Operation: "start", Err: err}
		}
	}
	return nil
}

// commandArgs builds the full host command line for a RunSpec.
func (c *Chroot) commandArgs(spec RunSpec) ([]string, error) {
	args := spec.Args
	if len(spec.Env) > 0 {
		envArgs := []string{"env"}
		for _, key := range sortedKeys(spec.Env) {
			envArgs = append(envArgs, key+"="+spec.Env[key])
		}
		args = append(envArgs, args...)
	}
	if spec.Architecture != "" {
		wrapped, err := setPersonality(args, spec.Architecture, spec.Series)
		if err != nil {
			return nil, err
		}
		args = wrapped
	}
	if spec.WorkingDirectory != "" {
		// chroot(8) has no --chdir, so wrap in a shell that changes
		// directory first.
		escaped := make([]string, len(args))
		for i, arg := range args {
			escaped[i] = shellEscape(arg)
		}
		args = []string{
			"/bin/sh", "-c",
			fmt.Sprintf("cd %s && %s",
				shellEscape(spec.WorkingDirectory),
				strings.Join(escaped, " ")),
		}
	}
	return append([]string{"sudo", "/usr/sbin/chroot", c.chrootPath}, args...), nil
}

// Run executes a command inside the chroot.
func (c *Chroot) Run(ctx context.Context, spec RunSpec) error {
	args, err := c.commandArgs(spec)
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

// Output executes a command inside the chroot and returns its stdout.
func (c *Chroot) Output(ctx context.Context, spec RunSpec) ([]byte, error) {
	args, err := c.commandArgs(spec)
	if err != nil {
		return nil, &BackendError{Operation: "run", Err: err}
	}
	LogCommand(spec.Stderr, spec.Args)
	return c.runner.Output(ctx, args, hostStreams{
		Stdin:  spec.Stdin,
		Stderr: spec.Stderr,
	})
}

// CopyIn installs a host file into the chroot. install(1) gives
// root-owned files with the source's mode in a single privileged call;
// the daemon's user may not exist inside the target.
func (c *Chroot) CopyIn(ctx context.Context, hostPath, targetPath string) error {
	mode, err := copyFileMode(hostPath)
	if err != nil {
		return &BackendError{Operation: "copy-in", Err: err}
	}
	err = c.runner.Run(ctx, []string{
		"sudo", "install",
		"-o", "root", "-g", "root",
		"-m", fmt.Sprintf("%o", mode),
		hostPath, c.Path(targetPath),
	}, hostStreams{})
	if err != nil {
		return &BackendError{Operation: "copy-in", Err: err}
	}
	return nil
}

// CopyOut retrieves a file from the chroot. Stat inside the chroot may
// be impossible for the daemon's user, so copy with cp and then chown
// to ourselves.
func (c *Chroot) CopyOut(ctx context.Context, targetPath, hostPath string) error {
	err := c.runner.Run(ctx, []string{
		"sudo", "cp", "--preserve=timestamps", c.Path(targetPath), hostPath,
	}, hostStreams{})
	if err != nil {
		return &BackendError{Operation: "copy-out", Err: err}
	}
	owner := fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	err = c.runner.Run(ctx, []string{
		"sudo", "chown", owner, hostPath,
	}, hostStreams{})
	if err != nil {
		return &BackendError{Operation: "copy-out", Err: err}
	}
	return nil
}

// PathExists reports whether a path exists inside the chroot.
func (c *Chroot) PathExists(ctx context.Context, path string) bool {
	return c.Run(ctx, RunSpec{Args: []string{"test", "-e", path}}) == nil
}

// ListDirectory lists a directory inside the chroot, names only.
func (c *Chroot) ListDirectory(ctx context.Context, path string) ([]string, error) {
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

// KillProcesses kills every process whose root is inside the chroot.
// Scans /proc repeatedly until a pass finds nothing, since a killed
// parent may have been shielding children.
func (c *Chroot) KillProcesses(ctx context.Context) error {
	prefix, err := filepath.EvalSymlinks(c.chrootPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &BackendError{Operation: "kill-processes", Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return &BackendError{Operation: "kill-processes", Err: err}
		}
		found := false
		entries, err := os.ReadDir(c.procRoot)
		if err != nil {
			return &BackendError{Operation: "kill-processes", Err: err}
		}
		for _, entry := range entries {
			pid, err := strconv.Atoi(entry.Name())
			if err != nil {
				continue
			}
			link, err := os.Readlink(filepath.Join(c.procRoot, entry.Name(), "root"))
			if err != nil {
				continue
			}
			if link != prefix && !strings.HasPrefix(link, prefix+"/") {
				continue
			}
			c.logger.Debug("killing stray process", "pid", pid, "root", link)
			// sudo kill: the process likely runs as a chroot-internal
			// user. Errors are ignored; the process may have exited.
			c.runner.Run(ctx, []string{
				"sudo", "kill", "-9", strconv.Itoa(pid),
			}, hostStreams{})
			found = true
		}
		if !found {
			return nil
		}
	}
}

// mountsUnderChroot returns mount points below the chroot path, in
// /proc/mounts order.
func (c *Chroot) mountsUnderChroot() ([]string, error) {
	data, err := os.ReadFile(c.procMounts)
	if err != nil {
		return nil, err
	}
	var mounts []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.HasPrefix(fields[1], c.chrootPath) {
			mounts = append(mounts, fields[1])
		}
	}
	return mounts, nil
}

// Stop unmounts everything below the chroot. Submounts must go before
// their parents, so each pass works through the mount list in reverse;
// transient EBUSY gets retried for up to twenty passes.
func (c *Chroot) Stop(ctx context.Context) error {
	for attempt := 0; attempt < 20; attempt++ {
		mounts, err := c.mountsUnderChroot()
		if err != nil {
			return &BackendError{Operation: "stop", Err: err}
		}
		if len(mounts) == 0 {
			return nil
		}
		anyFailed := false
		for i := len(mounts) - 1; i >= 0; i-- {
			err := c.runner.Run(ctx, []string{"sudo", "umount", mounts[i]}, hostStreams{})
			if err != nil {
				anyFailed = true
			}
		}
		if anyFailed {
			select {
			case <-ctx.Done():
				return &BackendError{Operation: "stop", Err: ctx.Err()}
			case <-time.After(c.umountRetryDelay):
			}
		}
	}

	mounts, err := c.mountsUnderChroot()
	if err == nil && len(mounts) == 0 {
		return nil
	}
	return &BackendError{
		Operation: "stop",
		Err:       fmt.Errorf("failed to unmount %s", c.chrootPath),
	}
}

// Remove deletes the build directory and everything under it.
func (c *Chroot) Remove(ctx context.Context) error {
	err := c.runner.Run(ctx, []string{"sudo", "rm", "-rf", c.buildPath}, hostStreams{})
	if err != nil {
		return &BackendError{Operation: "remove", Err: err}
	}
	return nil
}
