// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/buildfleet/buildfleet/lib/config"
	"github.com/buildfleet/buildfleet/sandbox"
)

// Build is the per-build context handed to managers: the request, the
// sandbox, the log, and the shared services a manager needs to do its
// work.
type Build struct {
	Request BuildRequest
	Backend sandbox.Backend
	Log     *Log
	Cache   *FileCache
	Config  *config.Config
	Logger  *slog.Logger

	mu                sync.Mutex
	missingDependency string
}

// WorkPath returns a path under this build's host-side working
// directory.
func (b *Build) WorkPath(elements ...string) string {
	parts := append([]string{b.Config.Paths.Root, "build-" + b.Request.BuildID}, elements...)
	return filepath.Join(parts...)
}

// SetMissingDependency records the dependency whose absence caused a
// DEPENDENCY_FAILED outcome, for the dispatcher to act on.
func (b *Build) SetMissingDependency(dependency string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missingDependency = dependency
}

// MissingDependency returns the recorded missing dependency, if any.
func (b *Build) MissingDependency() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.missingDependency
}

// Phase is one step of a build. Phases run in order; the first
// failure ends the build with that phase's outcome.
type Phase struct {
	// Name appears in the build log and in slog output.
	Name string

	// Run executes the phase. Context cancellation means the build is
	// being aborted or has stalled; Run should return promptly.
	Run func(ctx context.Context) error

	// FailureOutcome is the outcome when Run fails and Classify is
	// absent (or declines). Zero value means OutcomeBuildFailed.
	FailureOutcome Outcome

	// Classify, if set, maps the failure to an outcome using the exit
	// code. Returning the empty Outcome falls back to FailureOutcome.
	Classify func(exitCode int) Outcome
}

// Manager implements one build kind. The engine drives the phase
// list; the manager supplies kind-specific phases and artifact
// collection.
type Manager interface {
	// Phases returns the ordered phases for this build. Called once,
	// after input files are staged but before the sandbox exists; the
	// first phases typically create and start it.
	Phases() ([]Phase, error)

	// Gather collects the build's outputs into the file cache after
	// all phases succeed, returning artifact names mapped to digests.
	Gather(ctx context.Context) (map[string]string, error)
}

// ManagerFactory builds a Manager for a build. The factory validates
// kind-specific arguments and returns an error for malformed
// requests, which rejects the dispatch synchronously.
type ManagerFactory func(build *Build) (Manager, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[BuildKind]ManagerFactory)
)

// RegisterManager makes a build kind available. Typically called from
// init in the package implementing the manager.
func RegisterManager(kind BuildKind, factory ManagerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("builder: duplicate manager for kind %q", kind))
	}
	registry[kind] = factory
}

// managerFor looks up the factory for a kind.
func managerFor(kind BuildKind) (ManagerFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, exists := registry[kind]
	if !exists {
		return nil, fmt.Errorf("unsupported build kind %q", kind)
	}
	return factory, nil
}

// RegisteredKinds returns the build kinds this binary supports, in
// sorted order.
func RegisteredKinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	return kinds
}
