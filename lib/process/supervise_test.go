// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestRunReportsExitCode(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantCode int
	}{
		{"success", "exit 0", 0},
		{"plain failure", "exit 1", 1},
		{"ordinal code", "exit 203", 203},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code, err := Run(context.Background(), 0, nil, nil, nil, "sh", "-c", test.script)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if code != test.wantCode {
				t.Errorf("code = %d, want %d", code, test.wantCode)
			}
		})
	}
}

func TestRunStreamsOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code, err := Run(context.Background(), 0, nil, &stdout, &stderr,
		"sh", "-c", "echo out; echo err >&2")
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	if got := stdout.String(); got != "out\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := stderr.String(); got != "err\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestRunCommandNotFound(t *testing.T) {
	code, err := Run(context.Background(), 0, nil, nil, nil, "/nonexistent/binary")
	if err == nil {
		t.Fatal("Run succeeded for a missing binary")
	}
	if code != -1 {
		t.Errorf("code = %d, want -1", code)
	}
}

func TestCommandCancellationKillsProcessGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The child spawns a grandchild holding stdout open; without
	// group-wide signalling, Wait would block on the inherited
	// descriptor long after the child dies.
	cmd := Command(ctx, 0, "sh", "-c", "sleep 60 & wait")
	var output bytes.Buffer
	cmd.Stdout = &output
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Wait returned nil for a killed process")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("process group survived cancellation")
	}
}

func TestExitCode(t *testing.T) {
	err := exec.Command("sh", "-c", "exit 42").Run()
	if err == nil {
		t.Fatal("expected a failing command")
	}
	if got := ExitCode(err); got != 42 {
		t.Errorf("ExitCode = %d, want 42", got)
	}
	if got := ExitCode(context.Canceled); got != -1 {
		t.Errorf("ExitCode(non-exit error) = %d, want -1", got)
	}
	if got := ExitCode(nil); got != -1 {
		t.Errorf("ExitCode(nil) = %d, want -1", got)
	}
}

func TestRunWrappedExitCodeIsNotAnError(t *testing.T) {
	// Run folds exit codes into the int; only startup failures reach
	// the error. A caller that needs the raw error (for ExitCode via
	// errors.As) uses Command directly.
	code, err := Run(context.Background(), 0, strings.NewReader(""), nil, nil,
		"sh", "-c", "exit 200")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 200 {
		t.Errorf("code = %d, want 200", code)
	}
}
