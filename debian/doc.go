// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package debian implements the Debian-family build managers: source
// packages from recipes, binary packages from source packages, and
// translation template extraction.
//
// All three share the same sandbox preparation sequence (unpack the
// base image, mount, optionally override apt sources and trust extra
// archive keys, upgrade) and the same artifact convention: a .changes
// file whose Files stanza names everything the build produced.
package debian
