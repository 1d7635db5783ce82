// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox provides the isolated environments builds run in.
//
// A Backend is a per-build sandbox created from a base image, started,
// used to run commands and move files in and out, then stopped and
// removed. Two implementations exist: a chroot backend that unpacks a
// tarball under the build directory and enters it with chroot(8), and
// a container backend driven by the LXC command line tools.
//
// All privileged host operations go through sudo. The daemon runs as
// an unprivileged user with sudo access scoped to the handful of
// commands the backends need.
package sandbox
