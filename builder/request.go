// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package builder

import (
	"fmt"
	"regexp"
)

// BuildKind identifies what sort of build a request is. The set of
// kinds a builder accepts depends on which managers are registered in
// its binary.
type BuildKind string

const (
	// KindSourcePackageRecipe builds a source package from a recipe
	// describing how to assemble it from version control branches.
	KindSourcePackageRecipe BuildKind = "sourcepackagerecipe"

	// KindBinaryPackage builds binary packages from a source package.
	KindBinaryPackage BuildKind = "binarypackage"

	// KindTranslationTemplates extracts translation templates from a
	// source tree.
	KindTranslationTemplates BuildKind = "translation-templates"

	// KindLiveFS assembles a live filesystem image. Not yet
	// implemented by any registered manager.
	KindLiveFS BuildKind = "livefs"

	// KindSnap builds a snap package. Not yet implemented by any
	// registered manager.
	KindSnap BuildKind = "snap"

	// KindOCI builds an OCI container image. Not yet implemented by
	// any registered manager.
	KindOCI BuildKind = "oci"
)

// buildIDPattern constrains build identifiers to filesystem-safe
// names: build IDs appear in directory names and container names.
var buildIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// FileReference locates one input file for a build.
type FileReference struct {
	// Digest is the BLAKE3 digest of the file's content.
	Digest string `cbor:"digest"`

	// URL is where to fetch the file if the cache does not hold it.
	// Optional; without it, a cache miss fails the dispatch.
	URL string `cbor:"url,omitempty"`

	// Username and Password authenticate the fetch, if needed.
	Username string `cbor:"username,omitempty"`
	Password string `cbor:"password,omitempty"`
}

// BuildRequest is a build dispatch: everything the builder needs to
// run one build.
type BuildRequest struct {
	// BuildID names the build. It must be unique on this builder
	// between dispatch and clean; the dispatcher generates it.
	BuildID string `cbor:"build_id"`

	// Kind selects the build manager.
	Kind BuildKind `cbor:"kind"`

	// Image is the base sandbox image (a tarball), referenced like any
	// other input file.
	Image FileReference `cbor:"image"`

	// Files are additional input files, staged into the cache before
	// the build starts. Keys are names meaningful to the manager.
	Files map[string]FileReference `cbor:"files,omitempty"`

	// Series and Architecture describe the build target.
	Series       string `cbor:"series"`
	Architecture string `cbor:"architecture"`

	// Args carries kind-specific arguments (recipe text, suite,
	// author identity, archive lines). The manager validates them.
	Args map[string]any `cbor:"args,omitempty"`
}

// Validate checks the request for structural problems. Kind-specific
// argument validation happens in the manager.
func (r *BuildRequest) Validate() error {
	if !buildIDPattern.MatchString(r.BuildID) {
		return fmt.Errorf("invalid build ID %q", r.BuildID)
	}
	if r.Kind == "" {
		return fmt.Errorf("missing build kind")
	}
	if r.Image.Digest == "" {
		return fmt.Errorf("missing base image digest")
	}
	if r.Architecture == "" {
		return fmt.Errorf("missing architecture")
	}
	return nil
}

// StringArg fetches a required string from Args.
func (r *BuildRequest) StringArg(name string) (string, error) {
	value, present := r.Args[name]
	if !present {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return s, nil
}

// OptionalStringArg fetches a string from Args, defaulting to empty.
func (r *BuildRequest) OptionalStringArg(name string) string {
	s, _ := r.Args[name].(string)
	return s
}

// BoolArg fetches a boolean from Args, defaulting to false.
func (r *BuildRequest) BoolArg(name string) bool {
	b, _ := r.Args[name].(bool)
	return b
}

// StringSliceArg fetches a list of strings from Args. A missing
// argument yields nil.
func (r *BuildRequest) StringSliceArg(name string) ([]string, error) {
	value, present := r.Args[name]
	if !present {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("argument %q must be a list of strings", name)
	}
	strings := make([]string, len(list))
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("argument %q must be a list of strings", name)
		}
		strings[i] = s
	}
	return strings, nil
}
