// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/buildfleet/buildfleet/sandbox"
)

// StubArchive is a self-contained single-package apt archive, built
// host-side and copied into the sandbox. It carries the stub
// dependency package plus the flat-repository index apt needs to see
// it.
type StubArchive struct {
	// Deb is the stub package.
	Deb []byte

	// DebName is the filename the package must have in the archive
	// directory, matching the index's Filename field.
	DebName string

	// Packages and PackagesGz are the flat-repo index, plain and
	// gzipped. apt fetches the gzipped one; the plain file aids
	// debugging inside the sandbox.
	Packages   []byte
	PackagesGz []byte
}

// stubControl renders the control stanza shared by the stub package
// and the archive index.
func stubControl(version, depends string) string {
	return fmt.Sprintf(`Package: %s
Version: %s
Architecture: all
Maintainer: Buildfleet <buildfleet@localhost>
Installed-Size: 0
Depends: %s
Section: devel
Priority: optional
Description: build dependency stub
 Synthetic package carrying the build-dependencies of the package
 being built. Installed and discarded with the build sandbox.
`, stubPackageName, version, depends)
}

// BuildStubArchive constructs the archive for a stub package with the
// given version and dependency relations.
func BuildStubArchive(version, depends string) (*StubArchive, error) {
	var deb bytes.Buffer
	if err := WriteStubPackage(&deb, version, depends); err != nil {
		return nil, fmt.Errorf("building stub package: %w", err)
	}

	debName := fmt.Sprintf("%s_%s_all.deb", stubPackageName, version)
	index := stubControl(version, depends)
	index += fmt.Sprintf("Filename: ./%s\n", debName)
	index += fmt.Sprintf("Size: %d\n", deb.Len())
	index += fmt.Sprintf("MD5sum: %x\n", md5.Sum(deb.Bytes()))
	index += fmt.Sprintf("SHA256: %x\n", sha256.Sum256(deb.Bytes()))
	index += "\n"

	var compressed bytes.Buffer
	compressor := gzip.NewWriter(&compressed)
	if _, err := compressor.Write([]byte(index)); err != nil {
		return nil, err
	}
	if err := compressor.Close(); err != nil {
		return nil, err
	}

	return &StubArchive{
		Deb:        deb.Bytes(),
		DebName:    debName,
		Packages:   []byte(index),
		PackagesGz: compressed.Bytes(),
	}, nil
}

// SourcesLine returns the apt sources.list line for the archive once
// installed at directory inside the sandbox. The archive is local and
// unsigned; trusted=yes tells apt that is intentional.
func (a *StubArchive) SourcesLine(directory string) string {
	return fmt.Sprintf("deb [trusted=yes] file:%s ./", directory)
}

// InstallInto copies the archive into the sandbox, registers it with
// apt, and installs the stub package, making apt resolve the build
// dependencies it declares. Command output goes to output.
func (a *StubArchive) InstallInto(ctx context.Context, backend sandbox.Backend, output io.Writer) error {
	for target, content := range map[string][]byte{
		archiveSandboxDir + "/" + a.DebName: a.Deb,
		archiveSandboxDir + "/Packages":     a.Packages,
		archiveSandboxDir + "/Packages.gz":  a.PackagesGz,
		buildDepsListPath:                   []byte(a.SourcesLine(archiveSandboxDir) + "\n"),
	} {
		if err := copyContentIn(ctx, backend, content, target); err != nil {
			return err
		}
	}

	for _, args := range [][]string{
		{"apt-get", "-uy", "update"},
		{"apt-get", "-y", "install", stubPackageName},
	} {
		err := backend.Run(ctx, sandbox.RunSpec{
			Args:   args,
			Env:    aptEnvironment,
			Stdout: output,
			Stderr: output,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
