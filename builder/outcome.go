// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package builder

// State is the externally visible state of the build slot.
type State string

const (
	// StateIdle means the slot is empty and ready for a build.
	StateIdle State = "IDLE"

	// StateBuilding means a build is in progress.
	StateBuilding State = "BUILDING"

	// StateAborting means an abort was requested and teardown is in
	// progress.
	StateAborting State = "ABORTING"

	// StateWaiting means a build finished and the slot holds its
	// outcome and artifacts until the dispatcher collects them and
	// issues a clean.
	StateWaiting State = "WAITING"
)

// Outcome is the terminal result of a build.
type Outcome string

const (
	// OutcomeSuccess: the build completed and artifacts are available.
	OutcomeSuccess Outcome = "SUCCESS"

	// OutcomeBuildFailed: the build itself failed. Retrying without
	// changing the inputs will fail again.
	OutcomeBuildFailed Outcome = "BUILD_FAILED"

	// OutcomeDependencyFailed: build dependencies could not be
	// satisfied. Retrying may succeed once the missing dependency is
	// published.
	OutcomeDependencyFailed Outcome = "DEPENDENCY_FAILED"

	// OutcomeChrootFailed: the sandbox could not be set up from the
	// base image. The image is suspect, not the build.
	OutcomeChrootFailed Outcome = "CHROOT_FAILED"

	// OutcomeBuilderFailed: the builder itself misbehaved. The machine
	// needs repair and should not be given further builds.
	OutcomeBuilderFailed Outcome = "BUILDER_FAILED"

	// OutcomeAborted: the dispatcher asked for the build to stop.
	OutcomeAborted Outcome = "ABORTED"

	// OutcomeStalled: the build produced no log output for longer than
	// the stall timeout and was torn down.
	OutcomeStalled Outcome = "STALLED"
)

// Retryable reports whether re-dispatching the same build to another
// builder could plausibly succeed.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeDependencyFailed, OutcomeChrootFailed, OutcomeBuilderFailed, OutcomeStalled:
		return true
	default:
		return false
	}
}
