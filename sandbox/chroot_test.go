// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// recordingRunner captures host command invocations instead of
// executing them.
type recordingRunner struct {
	commands [][]string

	// onRun, if set, is invoked for each command and decides its
	// result.
	onRun func(args []string) error

	// outputs maps a command's first distinctive argument to scripted
	// stdout for Output calls.
	output []byte
}

func (r *recordingRunner) Run(ctx context.Context, args []string, streams hostStreams) error {
	r.commands = append(r.commands, args)
	if r.onRun != nil {
		return r.onRun(args)
	}
	return nil
}

func (r *recordingRunner) Output(ctx context.Context, args []string, streams hostStreams) ([]byte, error) {
	r.commands = append(r.commands, args)
	if r.onRun != nil {
		if err := r.onRun(args); err != nil {
			return nil, err
		}
	}
	return r.output, nil
}

func newTestChroot(t *testing.T) (*Chroot, *recordingRunner) {
	t.Helper()
	runner := &recordingRunner{}
	chroot := NewChroot(filepath.Join(t.TempDir(), "build-1"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	chroot.runner = runner
	chroot.umountRetryDelay = 0
	return chroot, runner
}

func TestChrootCreateExtractsTarballWithSudo(t *testing.T) {
	chroot, runner := newTestChroot(t)

	if err := chroot.Create(context.Background(), "/cache/chroot.tar.gz"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []string{"sudo", "tar", "-C", chroot.buildPath, "-xf", "/cache/chroot.tar.gz"}
	if !reflect.DeepEqual(runner.commands[0], want) {
		t.Errorf("Create ran %v, want %v", runner.commands[0], want)
	}
}

func TestChrootStartMountsKernelFilesystems(t *testing.T) {
	chroot, runner := newTestChroot(t)

	// CopyIn during Start stats the host files; /etc/hosts and friends
	// exist on any test machine.
	if err := chroot.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var mountTargets []string
	for _, command := range runner.commands {
		if len(command) > 2 && command[1] == "mount" {
			mountTargets = append(mountTargets, command[len(command)-1])
		}
	}
	want := []string{
		filepath.Join(chroot.chrootPath, "proc"),
		filepath.Join(chroot.chrootPath, "dev/pts"),
		filepath.Join(chroot.chrootPath, "sys"),
		filepath.Join(chroot.chrootPath, "dev/shm"),
	}
	if !reflect.DeepEqual(mountTargets, want) {
		t.Errorf("mount targets = %v, want %v", mountTargets, want)
	}

	// The resolver files are installed into the chroot.
	var installed []string
	for _, command := range runner.commands {
		if len(command) > 1 && command[1] == "install" {
			installed = append(installed, command[len(command)-1])
		}
	}
	if len(installed) != 3 {
		t.Errorf("installed %d files during start, want 3: %v", len(installed), installed)
	}
}

func TestChrootRunCommandConstruction(t *testing.T) {
	tests := []struct {
		name string
		spec RunSpec
		want []string
	}{
		{
			name: "plain command",
			spec: RunSpec{Args: []string{"apt-get", "update"}},
			want: []string{"apt-get", "update"},
		},
		{
			name: "environment variables sorted",
			spec: RunSpec{
				Args: []string{"dpkg-buildpackage", "-S"},
				Env:  map[string]string{"LANG": "C.UTF-8", "DEB_BUILD_OPTIONS": "noautodbgsym"},
			},
			want: []string{
				"env", "DEB_BUILD_OPTIONS=noautodbgsym", "LANG=C.UTF-8",
				"dpkg-buildpackage", "-S",
			},
		},
		{
			name: "32-bit personality",
			spec: RunSpec{
				Args:         []string{"uname", "-m"},
				Architecture: "i386",
			},
			want: []string{"linux32", "uname", "-m"},
		},
		{
			name: "legacy series pins uname",
			spec: RunSpec{
				Args:         []string{"uname", "-r"},
				Architecture: "amd64",
				Series:       "precise",
			},
			want: []string{"linux64", "--uname-2.6", "uname", "-r"},
		},
		{
			name: "working directory wraps in shell",
			spec: RunSpec{
				Args:             []string{"ls", "my dir"},
				WorkingDirectory: "/build/tree",
			},
			want: []string{"/bin/sh", "-c", "cd /build/tree && ls 'my dir'"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			chroot, runner := newTestChroot(t)
			if err := chroot.Run(context.Background(), test.spec); err != nil {
				t.Fatalf("Run: %v", err)
			}
			got := runner.commands[0]
			prefix := []string{"sudo", "/usr/sbin/chroot", chroot.chrootPath}
			if !reflect.DeepEqual(got[:3], prefix) {
				t.Fatalf("command prefix = %v, want %v", got[:3], prefix)
			}
			if !reflect.DeepEqual(got[3:], test.want) {
				t.Errorf("command = %v, want %v", got[3:], test.want)
			}
		})
	}
}

func TestChrootRunRejectsUnknownArchitecture(t *testing.T) {
	chroot, _ := newTestChroot(t)
	err := chroot.Run(context.Background(), RunSpec{
		Args:         []string{"true"},
		Architecture: "vax",
	})
	if err == nil {
		t.Fatal("Run with unknown architecture succeeded, want error")
	}
}

func TestChrootCopyInPreservesMode(t *testing.T) {
	chroot, runner := newTestChroot(t)

	hostPath := filepath.Join(t.TempDir(), "helper")
	if err := os.WriteFile(hostPath, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("writing host file: %v", err)
	}

	if err := chroot.CopyIn(context.Background(), hostPath, "/usr/local/bin/helper"); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}

	want := []string{
		"sudo", "install", "-o", "root", "-g", "root", "-m", "755",
		hostPath, filepath.Join(chroot.chrootPath, "usr/local/bin/helper"),
	}
	if !reflect.DeepEqual(runner.commands[0], want) {
		t.Errorf("CopyIn ran %v, want %v", runner.commands[0], want)
	}
}

func TestChrootStopUnmountsInReverseOrder(t *testing.T) {
	chroot, runner := newTestChroot(t)

	mountsFile := filepath.Join(t.TempDir(), "mounts")
	mounts := "none " + chroot.chrootPath + "/proc proc rw 0 0\n" +
		"none " + chroot.chrootPath + "/dev/pts devpts rw 0 0\n" +
		"none /unrelated tmpfs rw 0 0\n"
	if err := os.WriteFile(mountsFile, []byte(mounts), 0644); err != nil {
		t.Fatalf("writing mounts file: %v", err)
	}
	chroot.procMounts = mountsFile

	// Simulate the kernel dropping the mount table entries as umount
	// calls succeed.
	runner.onRun = func(args []string) error {
		if args[1] == "umount" {
			os.WriteFile(mountsFile, []byte("none /unrelated tmpfs rw 0 0\n"), 0644)
		}
		return nil
	}

	if err := chroot.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var unmounted []string
	for _, command := range runner.commands {
		if command[1] == "umount" {
			unmounted = append(unmounted, command[2])
		}
	}
	want := []string{
		chroot.chrootPath + "/dev/pts",
		chroot.chrootPath + "/proc",
	}
	if !reflect.DeepEqual(unmounted, want) {
		t.Errorf("unmounted %v, want reverse mount order %v", unmounted, want)
	}
}

func TestChrootStopGivesUpAfterRetries(t *testing.T) {
	chroot, runner := newTestChroot(t)

	mountsFile := filepath.Join(t.TempDir(), "mounts")
	content := "none " + chroot.chrootPath + "/proc proc rw 0 0\n"
	if err := os.WriteFile(mountsFile, []byte(content), 0644); err != nil {
		t.Fatalf("writing mounts file: %v", err)
	}
	chroot.procMounts = mountsFile
	runner.onRun = func(args []string) error {
		return os.ErrPermission // every umount fails
	}

	err := chroot.Stop(context.Background())
	if err == nil {
		t.Fatal("Stop succeeded with a stuck mount, want error")
	}
	if !strings.Contains(err.Error(), "failed to unmount") {
		t.Errorf("Stop error = %v, want unmount failure", err)
	}
}

func TestChrootKillProcessesTargetsChrootedPids(t *testing.T) {
	chroot, runner := newTestChroot(t)

	// Build a fake /proc where pid 101 is rooted inside the chroot and
	// pid 102 is not.
	if err := os.MkdirAll(chroot.chrootPath, 0755); err != nil {
		t.Fatalf("creating chroot path: %v", err)
	}
	procRoot := filepath.Join(t.TempDir(), "proc")
	for pid, root := range map[string]string{
		"101": chroot.chrootPath,
		"102": "/",
	} {
		pidDir := filepath.Join(procRoot, pid)
		if err := os.MkdirAll(pidDir, 0755); err != nil {
			t.Fatalf("creating %s: %v", pidDir, err)
		}
		if err := os.Symlink(root, filepath.Join(pidDir, "root")); err != nil {
			t.Fatalf("creating root link: %v", err)
		}
	}
	chroot.procRoot = procRoot

	// The killed process disappears from /proc, ending the scan loop.
	runner.onRun = func(args []string) error {
		if args[1] == "kill" {
			os.RemoveAll(filepath.Join(procRoot, args[3]))
		}
		return nil
	}

	if err := chroot.KillProcesses(context.Background()); err != nil {
		t.Fatalf("KillProcesses: %v", err)
	}

	var killed []string
	for _, command := range runner.commands {
		if command[1] == "kill" {
			killed = append(killed, command[3])
		}
	}
	if !reflect.DeepEqual(killed, []string{"101"}) {
		t.Errorf("killed %v, want [101]", killed)
	}
}

func TestChrootListDirectorySplitsNulDelimited(t *testing.T) {
	chroot, runner := newTestChroot(t)
	runner.output = []byte("one\x00two\x00three\x00")

	entries, err := chroot.ListDirectory(context.Background(), "/build")
	if err != nil {
		t.Fatalf("ListDirectory: %v", err)
	}
	if !reflect.DeepEqual(entries, []string{"one", "two", "three"}) {
		t.Errorf("entries = %v, want [one two three]", entries)
	}
}
