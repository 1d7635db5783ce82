// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/buildfleet/buildfleet/builder"
	"github.com/buildfleet/buildfleet/sandbox"
)

// aptEnvironment is the environment for all apt operations in the
// sandbox: no prompts, no locale surprises.
var aptEnvironment = map[string]string{
	"LANG":            "C",
	"DEBIAN_FRONTEND": "noninteractive",
	"TTY":             "unknown",
}

// common carries the shared preparation behavior of all Debian build
// managers: sandbox creation from the base image, apt source
// overrides, trusted keys, and the chroot upgrade.
type common struct {
	build *builder.Build

	// archives are sources.list lines replacing the image's default
	// apt configuration. Used for builds against private archives.
	archives []string

	// trustedKeys are additional archive signing keys, decoded from
	// the request.
	trustedKeys []byte
}

func newCommon(build *builder.Build) (*common, error) {
	archives, err := build.Request.StringSliceArg("archives")
	if err != nil {
		return nil, err
	}
	keyBlobs, err := build.Request.StringSliceArg("trusted_keys")
	if err != nil {
		return nil, err
	}
	var trustedKeys []byte
	for _, blob := range keyBlobs {
		key, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, fmt.Errorf("malformed trusted key: %w", err)
		}
		trustedKeys = append(trustedKeys, key...)
	}
	return &common{build: build, archives: archives, trustedKeys: trustedKeys}, nil
}

// setupPhases returns the preparation phases every Debian build runs
// before its kind-specific work. Failures here are sandbox problems,
// not build problems.
func (c *common) setupPhases() []builder.Phase {
	phases := []builder.Phase{
		{
			Name:           "unpack-chroot",
			Run:            c.unpackChroot,
			FailureOutcome: builder.OutcomeChrootFailed,
		},
		{
			Name:           "mount-chroot",
			Run:            c.build.Backend.Start,
			FailureOutcome: builder.OutcomeChrootFailed,
		},
	}
	if len(c.archives) > 0 {
		phases = append(phases, builder.Phase{
			Name:           "override-sources-list",
			Run:            c.overrideSourcesList,
			FailureOutcome: builder.OutcomeChrootFailed,
		})
	}
	if len(c.trustedKeys) > 0 {
		phases = append(phases, builder.Phase{
			Name:           "add-trusted-keys",
			Run:            c.addTrustedKeys,
			FailureOutcome: builder.OutcomeChrootFailed,
		})
	}
	phases = append(phases, builder.Phase{
		Name:           "update-chroot",
		Run:            c.updateChroot,
		FailureOutcome: builder.OutcomeChrootFailed,
	})
	return phases
}

func (c *common) unpackChroot(ctx context.Context) error {
	imagePath, err := c.build.Cache.Path(c.build.Request.Image.Digest)
	if err != nil {
		return err
	}
	return c.build.Backend.Create(ctx, imagePath)
}

func (c *common) overrideSourcesList(ctx context.Context) error {
	var content strings.Builder
	for _, line := range c.archives {
		fmt.Fprintln(&content, line)
	}
	if err := c.copyInContent(ctx, []byte(content.String()), "/etc/apt/sources.list"); err != nil {
		return err
	}

	// Builds behind a proxy need apt told about it explicitly: the
	// build environment's variables do not reach apt's own fetchers.
	proxyURL := c.build.Config.Proxy.APTProxyURL
	if proxyURL == "" {
		proxyURL = c.build.Config.Proxy.URL
	}
	if proxyURL != "" {
		conf := fmt.Sprintf("Acquire::http::Proxy %q;\n", proxyURL)
		return c.copyInContent(ctx, []byte(conf), "/etc/apt/apt.conf.d/99buildfleet-proxy")
	}
	return nil
}

func (c *common) addTrustedKeys(ctx context.Context) error {
	err := c.build.Backend.Run(ctx, sandbox.RunSpec{
		Args:   []string{"apt-key", "add", "-"},
		Stdin:  bytes.NewReader(c.trustedKeys),
		Stdout: c.build.Log,
		Stderr: c.build.Log,
	})
	if err != nil {
		return err
	}
	// Log the resulting keyring for the build record.
	return c.build.Backend.Run(ctx, sandbox.RunSpec{
		Args:   []string{"apt-key", "list"},
		Stdout: c.build.Log,
		Stderr: c.build.Log,
	})
}

func (c *common) updateChroot(ctx context.Context) error {
	update := sandbox.RunSpec{
		Args:   []string{"apt-get", "-uy", "update"},
		Env:    aptEnvironment,
		Stdout: c.build.Log,
		Stderr: c.build.Log,
	}
	if err := c.build.Backend.Run(ctx, update); err != nil {
		// Transient index fetch failures are common; one retry before
		// giving up on the sandbox.
		c.build.Log.Printf("Waiting 15 seconds and trying again ...")
		if err := c.build.Backend.Run(ctx, update); err != nil {
			return err
		}
	}
	return c.build.Backend.Run(ctx, sandbox.RunSpec{
		Args: []string{
			"apt-get", "-o", "DPkg::Options::=--force-confold",
			"-uy", "--purge", "dist-upgrade",
		},
		Env:    aptEnvironment,
		Stdout: c.build.Log,
		Stderr: c.build.Log,
	})
}

// copyContentIn stages a byte blob into the sandbox at targetPath via
// a host-side temp file.
func copyContentIn(ctx context.Context, backend sandbox.Backend, content []byte, targetPath string) error {
	tmp, err := os.CreateTemp("", "buildfleet-copyin-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return backend.CopyIn(ctx, tmp.Name(), targetPath)
}

func (c *common) copyInContent(ctx context.Context, content []byte, targetPath string) error {
	return copyContentIn(ctx, c.build.Backend, content, targetPath)
}

// writeCurrentlyBuilding stages the in-sandbox descriptor file read
// by build tooling: plain key: value lines at a fixed path.
func (c *common) writeCurrentlyBuilding(ctx context.Context, fields [][2]string) error {
	var content strings.Builder
	for _, field := range fields {
		fmt.Fprintf(&content, "%s: %s\n", field[0], field[1])
	}
	return c.copyInContent(ctx, []byte(content.String()), "/CurrentlyBuilding")
}

// gatherChanges copies a .changes file and everything its Files
// stanza lists from sandboxDir (inside the sandbox) into the cache,
// returning artifact names mapped to digests.
func (c *common) gatherChanges(ctx context.Context, sandboxDir, changesName string) (map[string]string, error) {
	hostDir, err := os.MkdirTemp("", "buildfleet-artifacts-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(hostDir)

	artifacts := make(map[string]string)
	fetch := func(name string) error {
		hostPath := hostDir + "/" + name
		target := sandboxDir + "/" + name
		if err := c.build.Backend.CopyOut(ctx, target, hostPath); err != nil {
			return fmt.Errorf("retrieving %s: %w", name, err)
		}
		digest, err := c.build.Cache.Store(hostPath)
		if err != nil {
			return err
		}
		artifacts[name] = digest
		return nil
	}

	if err := fetch(changesName); err != nil {
		return nil, err
	}
	changesFile, err := os.Open(hostDir + "/" + changesName)
	if err != nil {
		return nil, err
	}
	defer changesFile.Close()
	files, err := ParseChangesFiles(changesFile)
	if err != nil {
		return nil, err
	}
	for _, name := range files {
		if err := fetch(name); err != nil {
			return nil, err
		}
	}
	return artifacts, nil
}
