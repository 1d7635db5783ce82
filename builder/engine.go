// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildfleet/buildfleet/lib/clock"
	"github.com/buildfleet/buildfleet/lib/config"
	"github.com/buildfleet/buildfleet/lib/process"
	"github.com/buildfleet/buildfleet/sandbox"
)

// Cancellation causes, distinguished after the fact via
// context.Cause.
var (
	errAborted = errors.New("build aborted by request")
	errStalled = errors.New("build produced no output within the stall timeout")
)

// Status is a point-in-time snapshot of the build slot.
type Status struct {
	// State is the slot state.
	State State `cbor:"builder_status"`

	// Outcome is set once the slot reaches WAITING.
	Outcome Outcome `cbor:"build_status,omitempty"`

	// BuildID identifies the current (or just-finished) build.
	BuildID string `cbor:"build_id,omitempty"`

	// LogTail is the scrubbed tail of the build log.
	LogTail string `cbor:"log_tail,omitempty"`

	// Files maps artifact names to cache digests, present in WAITING
	// after a successful build.
	Files map[string]string `cbor:"files,omitempty"`

	// MissingDependency carries the unsatisfiable dependency for
	// DEPENDENCY_FAILED outcomes.
	MissingDependency string `cbor:"missing_dependency,omitempty"`
}

// Engine owns the machine's single build slot. It serializes the
// IDLE -> BUILDING -> WAITING -> IDLE lifecycle, runs build phases in
// a background goroutine, and enforces the stall watchdog and abort
// teardown deadline.
type Engine struct {
	config       *config.Config
	clock        clock.Clock
	cache        *FileCache
	logger       *slog.Logger
	stallTimeout time.Duration
	gracePeriod  time.Duration

	// newBackend constructs the sandbox for a build. Tests substitute
	// a fake.
	newBackend func(buildID string) (sandbox.Backend, error)

	mu                sync.Mutex
	state             State
	outcome           Outcome
	build             *Build
	artifacts         map[string]string
	missingDependency string
	abort             context.CancelCauseFunc

	// timerMu guards the stall watchdog state separately from mu: the
	// log activity callback fires from inside log writes, which can
	// happen while mu is held.
	timerMu      sync.Mutex
	stallTimer   *clock.Timer
	lastActivity time.Time

	// done is closed when the build goroutine finishes. Nil while
	// idle.
	done chan struct{}
}

// NewEngine creates an idle engine.
func NewEngine(cfg *config.Config, clk clock.Clock, cache *FileCache, logger *slog.Logger) (*Engine, error) {
	stallTimeout, err := cfg.Builder.StallTimeoutDuration()
	if err != nil {
		return nil, err
	}
	gracePeriod, err := cfg.Builder.AbortGracePeriodDuration()
	if err != nil {
		return nil, err
	}
	engine := &Engine{
		config:       cfg,
		clock:        clk,
		cache:        cache,
		logger:       logger,
		stallTimeout: stallTimeout,
		gracePeriod:  gracePeriod,
		state:        StateIdle,
	}
	engine.newBackend = func(buildID string) (sandbox.Backend, error) {
		return sandbox.New(cfg, buildID, logger)
	}
	return engine, nil
}

// logPath is where the current build's log lives. One slot, one log.
func (e *Engine) logPath() string {
	return filepath.Join(e.config.Paths.FileCache, "buildlog")
}

// Start dispatches a build. The request is validated and its input
// files staged synchronously; a failure here leaves the slot IDLE and
// is reported to the caller. Phase execution happens in a background
// goroutine.
func (e *Engine) Start(request BuildRequest) error {
	if err := request.Validate(); err != nil {
		return err
	}
	factory, err := managerFor(request.Kind)
	if err != nil {
		return err
	}

	// Staging can download the base image, which takes minutes. The
	// slot lock stays released for it so status polls — the
	// dispatcher's liveness signal — keep answering; the IDLE check is
	// repeated under the lock below.
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state != StateIdle {
		return fmt.Errorf("builder is %s, not IDLE", state)
	}
	if err := e.stageFiles(&request); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("builder is %s, not IDLE", e.state)
	}

	backend, err := e.newBackend(request.BuildID)
	if err != nil {
		return err
	}

	buildLog, err := OpenLog(e.logPath(), e.markActivity)
	if err != nil {
		return err
	}

	build := &Build{
		Request: request,
		Backend: backend,
		Log:     buildLog,
		Cache:   e.cache,
		Config:  e.config,
		Logger:  e.logger.With("build_id", request.BuildID),
	}
	manager, err := factory(build)
	if err != nil {
		buildLog.Remove()
		return err
	}
	phases, err := manager.Phases()
	if err != nil {
		buildLog.Remove()
		return err
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	e.state = StateBuilding
	e.outcome = ""
	e.build = build
	e.artifacts = nil
	e.missingDependency = ""
	e.abort = cancel
	e.done = make(chan struct{})

	e.timerMu.Lock()
	e.stallTimer = e.clock.NewTimer(e.stallTimeout)
	e.lastActivity = e.clock.Now()
	e.timerMu.Unlock()

	e.logger.Info("build dispatched",
		"build_id", request.BuildID,
		"kind", request.Kind,
		"series", request.Series,
		"architecture", request.Architecture,
	)

	go e.run(ctx, cancel, build, manager, phases)
	return nil
}

// stageFiles ensures the base image and every input file is in the
// cache, fetching where URLs were provided. Called without e.mu held;
// fetches can block for the length of a download.
func (e *Engine) stageFiles(request *BuildRequest) error {
	references := map[string]FileReference{"base image": request.Image}
	for name, reference := range request.Files {
		references[name] = reference
	}
	for name, reference := range references {
		present, info := e.cache.EnsurePresent(context.Background(),
			reference.Digest, reference.URL, reference.Username, reference.Password)
		if !present {
			return fmt.Errorf("input file %q (%s) not available: %s",
				name, reference.Digest, info)
		}
	}
	return nil
}

// markActivity records log output for the stall watchdog. Invoked on
// every build log write, so it only stamps the time; the watchdog
// decides from the stamp whether a timer fire means a real stall.
func (e *Engine) markActivity() {
	e.timerMu.Lock()
	e.lastActivity = e.clock.Now()
	e.timerMu.Unlock()
}

// run executes the build to completion and parks the slot in WAITING.
func (e *Engine) run(ctx context.Context, cancel context.CancelCauseFunc, build *Build, manager Manager, phases []Phase) {
	// Stall watchdog. The timer fire alone does not prove a stall: a
	// log write can land between the fire and this goroutine reading
	// the channel, and the stale value must not kill a live build. The
	// activity stamp is the authority; a fire with recent activity
	// just re-arms the timer for the remainder of the quiet window.
	e.timerMu.Lock()
	stallTimer := e.stallTimer
	e.timerMu.Unlock()
	watchdogStop := make(chan struct{})
	defer close(watchdogStop)
	go func() {
		for {
			select {
			case <-stallTimer.C:
				e.timerMu.Lock()
				idle := e.clock.Now().Sub(e.lastActivity)
				e.timerMu.Unlock()
				if idle >= e.stallTimeout {
					cancel(errStalled)
					return
				}
				stallTimer.Reset(e.stallTimeout - idle)
			case <-watchdogStop:
				return
			}
		}
	}()

	outcome := e.runPhases(ctx, build, phases)

	var artifacts map[string]string
	if outcome == OutcomeSuccess {
		gathered, err := manager.Gather(context.Background())
		if err != nil {
			build.Log.Printf("Failed to gather results: %v", err)
			outcome = OutcomeBuildFailed
		} else {
			artifacts = gathered
		}
	}

	outcome = e.teardown(build, outcome)

	e.timerMu.Lock()
	if e.stallTimer != nil {
		e.stallTimer.Stop()
		e.stallTimer = nil
	}
	e.timerMu.Unlock()

	e.mu.Lock()
	e.state = StateWaiting
	e.outcome = outcome
	e.artifacts = artifacts
	e.missingDependency = build.MissingDependency()
	done := e.done
	e.mu.Unlock()

	build.Log.Close()
	e.logger.Info("build finished",
		"build_id", build.Request.BuildID,
		"outcome", outcome,
	)
	close(done)
}

// runPhases executes the phase list until the first failure.
func (e *Engine) runPhases(ctx context.Context, build *Build, phases []Phase) Outcome {
	for _, phase := range phases {
		build.Log.Printf("Phase: %s", phase.Name)
		err := phase.Run(ctx)
		if err == nil {
			continue
		}

		// Cancellation dominates any phase-level classification.
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, errAborted):
			build.Log.Printf("ABORTED: build terminated by request")
			return OutcomeAborted
		case errors.Is(cause, errStalled):
			build.Log.Printf("STALLED: %v", errStalled)
			return OutcomeStalled
		}

		build.Log.Printf("Phase %s failed: %v", phase.Name, err)

		exitCode := process.ExitCode(err)
		if phase.Classify != nil {
			if outcome := phase.Classify(exitCode); outcome != "" {
				return outcome
			}
		}
		if phase.FailureOutcome != "" {
			return phase.FailureOutcome
		}
		return OutcomeBuildFailed
	}
	return OutcomeSuccess
}

// teardown kills stray processes and dismantles the sandbox, bounded
// by the abort grace period. A teardown that cannot finish in time
// means the machine is in an unknown state: the outcome becomes
// BUILDER_FAILED so the dispatcher takes this builder out of rotation
// for repair.
func (e *Engine) teardown(build *Build, outcome Outcome) Outcome {
	teardownDone := make(chan error, 1)
	teardownCtx, cancelTeardown := context.WithCancel(context.Background())
	defer cancelTeardown()
	go func() {
		var errs []error
		if err := build.Backend.KillProcesses(teardownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := build.Backend.Stop(teardownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := build.Backend.Remove(teardownCtx); err != nil {
			errs = append(errs, err)
		}
		teardownDone <- errors.Join(errs...)
	}()

	select {
	case err := <-teardownDone:
		if err != nil {
			build.Log.Printf("Teardown failed: %v", err)
			return OutcomeBuilderFailed
		}
		return outcome
	case <-e.clock.After(e.gracePeriod):
		cancelTeardown()
		build.Log.Printf("Teardown did not finish within %v; builder needs repair", e.gracePeriod)
		e.logger.Error("sandbox teardown timed out",
			"build_id", build.Request.BuildID,
			"grace_period", e.gracePeriod,
		)
		return OutcomeBuilderFailed
	}
}

// Abort requests termination of the running build. The slot moves to
// ABORTING until teardown completes, then WAITING with outcome
// ABORTED.
func (e *Engine) Abort() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateAborting:
		// A second abort while the first is still tearing down.
		e.logger.Info("abort requested while already aborting")
		return nil
	case StateBuilding:
		e.state = StateAborting
		e.build.Log.Printf("ABORTING: requested by dispatcher")
		e.abort(errAborted)
		return nil
	default:
		return fmt.Errorf("builder is %s, not BUILDING", e.state)
	}
}

// Clean releases a finished build: artifacts leave the cache, the log
// is removed, and the slot returns to IDLE.
func (e *Engine) Clean() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateWaiting {
		return fmt.Errorf("builder is %s, not WAITING", e.state)
	}

	var errs []error
	for _, digest := range e.artifacts {
		if err := e.cache.Remove(digest); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.build.Log.Remove(); err != nil {
		errs = append(errs, err)
	}

	e.state = StateIdle
	e.outcome = ""
	e.build = nil
	e.artifacts = nil
	e.missingDependency = ""
	e.abort = nil
	e.done = nil
	return errors.Join(errs...)
}

// Status snapshots the slot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := Status{State: e.state}
	if e.build != nil {
		status.BuildID = e.build.Request.BuildID
		status.LogTail = string(e.build.Log.Tail())
	}
	if e.state == StateWaiting {
		status.Outcome = e.outcome
		status.Files = e.artifacts
		status.MissingDependency = e.missingDependency
	}
	return status
}

// EnsurePresent exposes cache staging to the control surface, letting
// the dispatcher pre-seed large files (base images) ahead of a
// dispatch.
func (e *Engine) EnsurePresent(ctx context.Context, digest, url, username, password string) (bool, string) {
	return e.cache.EnsurePresent(ctx, digest, url, username, password)
}

// Wait blocks until the current build finishes, for tests and
// graceful shutdown. Returns immediately when no build is running.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}
