// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"os"
	"sync"
)

// FakeCall records one operation performed on a FakeBackend.
type FakeCall struct {
	// Operation is the backend method name: "create", "start", "run",
	// "copy-in", "copy-out", "kill-processes", "stop", "remove".
	Operation string

	// Spec is set for "run" and "output" calls.
	Spec RunSpec

	// HostPath and TargetPath are set for copy calls.
	HostPath   string
	TargetPath string

	// ImagePath is set for "create" calls.
	ImagePath string
}

// FakeBackend is an in-memory Backend for tests. It records every
// call and lets tests script command results. Only for use in tests.
type FakeBackend struct {
	mu    sync.Mutex
	calls []FakeCall

	// RunHandler, if set, decides the result of Run calls. The default
	// is success.
	RunHandler func(spec RunSpec) error

	// OutputHandler, if set, decides the result of Output calls. The
	// default is empty output.
	OutputHandler func(spec RunSpec) ([]byte, error)

	// ExistingPaths answers PathExists queries.
	ExistingPaths map[string]bool

	// DirectoryEntries answers ListDirectory queries by path.
	DirectoryEntries map[string][]string

	// Errors maps operation names to scripted failures for the
	// lifecycle methods (create, start, copy-in, copy-out,
	// kill-processes, stop, remove).
	Errors map[string]error

	// CopyInContents holds the bytes of each copied-in file, keyed by
	// target path. Captured at call time: callers stage generated
	// files through temporaries that are gone by the time a test looks.
	CopyInContents map[string]string
}

// NewFakeBackend creates an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		ExistingPaths:    make(map[string]bool),
		DirectoryEntries: make(map[string][]string),
		Errors:           make(map[string]error),
		CopyInContents:   make(map[string]string),
	}
}

// Calls returns a copy of the recorded calls.
func (f *FakeBackend) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// CallsFor returns the recorded calls with the given operation name.
func (f *FakeBackend) CallsFor(operation string) []FakeCall {
	var matched []FakeCall
	for _, call := range f.Calls() {
		if call.Operation == operation {
			matched = append(matched, call)
		}
	}
	return matched
}

func (f *FakeBackend) record(call FakeCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *FakeBackend) scripted(operation string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Errors[operation]
}

func (f *FakeBackend) Create(ctx context.Context, imagePath string) error {
	f.record(FakeCall{Operation: "create", ImagePath: imagePath})
	return f.scripted("create")
}

func (f *FakeBackend) Start(ctx context.Context) error {
	f.record(FakeCall{Operation: "start"})
	return f.scripted("start")
}

func (f *FakeBackend) Run(ctx context.Context, spec RunSpec) error {
	f.record(FakeCall{Operation: "run", Spec: spec})
	if err := ctx.Err(); err != nil {
		return err
	}
	LogCommand(spec.Stdout, spec.Args)
	if f.RunHandler != nil {
		return f.RunHandler(spec)
	}
	return nil
}

func (f *FakeBackend) Output(ctx context.Context, spec RunSpec) ([]byte, error) {
	f.record(FakeCall{Operation: "output", Spec: spec})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	LogCommand(spec.Stderr, spec.Args)
	if f.OutputHandler != nil {
		return f.OutputHandler(spec)
	}
	return nil, nil
}

func (f *FakeBackend) CopyIn(ctx context.Context, hostPath, targetPath string) error {
	f.record(FakeCall{Operation: "copy-in", HostPath: hostPath, TargetPath: targetPath})
	if data, err := os.ReadFile(hostPath); err == nil {
		f.mu.Lock()
		f.CopyInContents[targetPath] = string(data)
		f.mu.Unlock()
	}
	return f.scripted("copy-in")
}

func (f *FakeBackend) CopyOut(ctx context.Context, targetPath, hostPath string) error {
	f.record(FakeCall{Operation: "copy-out", HostPath: hostPath, TargetPath: targetPath})
	return f.scripted("copy-out")
}

func (f *FakeBackend) PathExists(ctx context.Context, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ExistingPaths[path]
}

func (f *FakeBackend) ListDirectory(ctx context.Context, path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DirectoryEntries[path], nil
}

func (f *FakeBackend) KillProcesses(ctx context.Context) error {
	f.record(FakeCall{Operation: "kill-processes"})
	return f.scripted("kill-processes")
}

func (f *FakeBackend) Stop(ctx context.Context) error {
	f.record(FakeCall{Operation: "stop"})
	return f.scripted("stop")
}

func (f *FakeBackend) Remove(ctx context.Context) error {
	f.record(FakeCall{Operation: "remove"})
	return f.scripted("remove")
}
