// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
)

// stubPackageName is the dependency-only package installed to pull in
// a build's declared build-dependencies from the real archives.
const stubPackageName = "buildfleet-build-deps"

// WriteStubPackage writes a minimal binary package (a .deb) that
// contains no files and exists only to depend on the given relation
// list. Installing it makes apt resolve and install the build
// dependencies, without needing the source package to be known to any
// archive.
func WriteStubPackage(w io.Writer, version, depends string) error {
	control := stubControl(version, depends)

	controlArchive, err := tarGzSingleFile("./control", []byte(control))
	if err != nil {
		return err
	}
	dataArchive, err := tarGzSingleFile("", nil)
	if err != nil {
		return err
	}

	// A .deb is a Unix ar archive with three members in fixed order.
	if _, err := io.WriteString(w, "!<arch>\n"); err != nil {
		return err
	}
	for _, member := range []struct {
		name string
		data []byte
	}{
		{"debian-binary", []byte("2.0\n")},
		{"control.tar.gz", controlArchive},
		{"data.tar.gz", dataArchive},
	} {
		if err := writeArMember(w, member.name, member.data); err != nil {
			return err
		}
	}
	return nil
}

// writeArMember writes one common-format ar archive member.
func writeArMember(w io.Writer, name string, data []byte) error {
	header := fmt.Sprintf("%-16s%-12d%-6d%-6d%-8s%-10d`\n",
		name, time.Now().Unix(), 0, 0, "100644", len(data))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	// Members are 2-byte aligned.
	if len(data)%2 == 1 {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// tarGzSingleFile builds a gzipped tarball holding one file, or an
// empty tarball when name is empty.
func tarGzSingleFile(name string, content []byte) ([]byte, error) {
	var buffer bytes.Buffer
	compressor := gzip.NewWriter(&buffer)
	archive := tar.NewWriter(compressor)

	if name != "" {
		err := archive.WriteHeader(&tar.Header{
			Name:    name,
			Mode:    0644,
			Size:    int64(len(content)),
			ModTime: time.Unix(0, 0),
		})
		if err != nil {
			return nil, err
		}
		if _, err := archive.Write(content); err != nil {
			return nil, err
		}
	}

	if err := archive.Close(); err != nil {
		return nil, err
	}
	if err := compressor.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
