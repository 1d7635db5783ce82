// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/buildfleet/buildfleet/builder"
	"github.com/buildfleet/buildfleet/sandbox"
)

func init() {
	builder.RegisterManager(builder.KindBinaryPackage, newBinaryPackageManager)
}

// buildEnvironment is the environment for the package build itself,
// as opposed to apt operations.
var buildEnvironment = map[string]string{
	"HOME": "/build",
	"LANG": "C.UTF-8",
	"PATH": "/usr/sbin:/usr/bin:/sbin:/bin",
}

// BinaryPackageManager builds binary packages from an uploaded source
// package. The source package's .dsc and companion files arrive as
// build inputs; the build runs entirely inside the sandbox.
type BinaryPackageManager struct {
	common *common

	suite             string
	component         string
	archivePurpose    string
	archIndep         bool
	buildDebugSymbols bool

	// dscName is the input file that is the source control file; the
	// rest of the inputs are the parts it references.
	dscName string

	// sourceName and sourceVersion are resolved from the extracted
	// tree's changelog.
	sourceName    string
	sourceVersion string
	treeDir       string
}

func newBinaryPackageManager(build *builder.Build) (builder.Manager, error) {
	shared, err := newCommon(build)
	if err != nil {
		return nil, err
	}
	suite, err := build.Request.StringArg("suite")
	if err != nil {
		return nil, err
	}
	manager := &BinaryPackageManager{
		common:            shared,
		suite:             suite,
		component:         build.Request.OptionalStringArg("component"),
		archivePurpose:    build.Request.OptionalStringArg("archive_purpose"),
		archIndep:         build.Request.BoolArg("arch_indep"),
		buildDebugSymbols: build.Request.BoolArg("build_debug_symbols"),
	}
	if manager.component == "" {
		manager.component = "main"
	}

	for name := range build.Request.Files {
		if strings.HasSuffix(name, ".dsc") {
			if manager.dscName != "" {
				return nil, fmt.Errorf("multiple .dsc files among build inputs")
			}
			manager.dscName = name
		}
	}
	if manager.dscName == "" {
		return nil, fmt.Errorf("no .dsc file among build inputs")
	}
	return manager, nil
}

// Phases implements builder.Manager.
func (m *BinaryPackageManager) Phases() ([]builder.Phase, error) {
	phases := m.common.setupPhases()
	phases = append(phases,
		builder.Phase{
			Name:           "stage-source",
			Run:            m.stageSource,
			FailureOutcome: builder.OutcomeBuilderFailed,
		},
		builder.Phase{
			Name: "extract-source",
			Run:  m.extractSource,
		},
		builder.Phase{
			Name:           "install-build-dependencies",
			Run:            m.installBuildDependencies,
			FailureOutcome: builder.OutcomeDependencyFailed,
		},
		builder.Phase{
			Name: "build-binary-packages",
			Run:  m.buildBinaryPackages,
		},
	)
	return phases, nil
}

// stageSource copies the source package inputs from the cache into
// the sandbox build directory.
func (m *BinaryPackageManager) stageSource(ctx context.Context) error {
	build := m.common.build
	for name, reference := range build.Request.Files {
		hostPath, err := build.Cache.Path(reference.Digest)
		if err != nil {
			return err
		}
		if err := build.Backend.CopyIn(ctx, hostPath, "/build/"+name); err != nil {
			return err
		}
	}
	return nil
}

// extractSource unpacks the source package and resolves its name and
// version from the changelog.
func (m *BinaryPackageManager) extractSource(ctx context.Context) error {
	build := m.common.build
	err := build.Backend.Run(ctx, sandbox.RunSpec{
		Args:             []string{"dpkg-source", "--no-check", "-x", m.dscName},
		WorkingDirectory: "/build",
		Env:              buildEnvironment,
		Stdout:           build.Log,
		Stderr:           build.Log,
	})
	if err != nil {
		return err
	}

	// dpkg-source names the tree <source>-<upstream-version>; rather
	// than reimplement its naming, find the one directory it created.
	entries, err := build.Backend.ListDirectory(ctx, "/build")
	if err != nil {
		return err
	}
	var directories []string
	for _, entry := range entries {
		if _, isInput := build.Request.Files[entry]; isInput {
			continue
		}
		directories = append(directories, entry)
	}
	if len(directories) != 1 {
		return fmt.Errorf("expected one extracted source directory, found %d", len(directories))
	}
	m.treeDir = "/build/" + directories[0]

	changelog, err := build.Backend.Output(ctx, sandbox.RunSpec{
		Args: []string{"cat", m.treeDir + "/debian/changelog"},
	})
	if err != nil {
		return err
	}
	entry, err := ParseChangelogHead(bytes.NewReader(changelog))
	if err != nil {
		return err
	}
	m.sourceName = entry.Source
	m.sourceVersion = entry.Version
	build.Log.Printf("Building %s %s", m.sourceName, m.sourceVersion)
	return nil
}

// installBuildDependencies resolves and installs Build-Depends via a
// synthetic local archive. A failure here is a DEPENDENCY_FAILED
// outcome; the first unsatisfiable dependency is extracted from apt's
// output for the dispatcher.
func (m *BinaryPackageManager) installBuildDependencies(ctx context.Context) error {
	build := m.common.build

	control, err := build.Backend.Output(ctx, sandbox.RunSpec{
		Args: []string{"cat", m.treeDir + "/debian/control"},
	})
	if err != nil {
		return err
	}
	stanzas, err := ParseControl(bytes.NewReader(control))
	if err != nil {
		return err
	}
	if len(stanzas) == 0 {
		return fmt.Errorf("empty debian/control")
	}
	depends := BuildDependencies(stanzas[0])

	purpose := m.archivePurpose
	if purpose == "" {
		purpose = "PRIMARY"
	}
	fields := [][2]string{
		{"Package", m.sourceName},
		{"Suite", m.suite},
		{"Component", m.component},
		{"Purpose", purpose},
	}
	if m.buildDebugSymbols {
		fields = append(fields, [2]string{"Build-Debug-Symbols", "yes"})
	}
	if err := m.common.writeCurrentlyBuilding(ctx, fields); err != nil {
		return err
	}

	if depends == "" {
		build.Log.Printf("No build dependencies declared")
		return nil
	}
	archive, err := BuildStubArchive(m.sourceVersion, depends)
	if err != nil {
		return err
	}
	if err := archive.InstallInto(ctx, build.Backend, build.Log); err != nil {
		if match := build.Log.Find(unmetDependencyPattern); match != nil {
			build.SetMissingDependency(string(match[1]))
		}
		return err
	}
	return nil
}

// buildBinaryPackages runs dpkg-buildpackage in the extracted tree.
func (m *BinaryPackageManager) buildBinaryPackages(ctx context.Context) error {
	build := m.common.build
	// Architecture-independent packages are built by exactly one
	// builder per source; the rest build only their own architecture.
	args := []string{"dpkg-buildpackage", "-us", "-uc", "-B"}
	if m.archIndep {
		args = []string{"dpkg-buildpackage", "-us", "-uc", "-b"}
	}
	return build.Backend.Run(ctx, sandbox.RunSpec{
		Args:             args,
		WorkingDirectory: m.treeDir,
		Env:              buildEnvironment,
		Architecture:     build.Request.Architecture,
		Series:           build.Request.Series,
		Stdout:           build.Log,
		Stderr:           build.Log,
	})
}

// Gather implements builder.Manager: the .changes file and everything
// it lists, out of the sandbox and into the cache.
func (m *BinaryPackageManager) Gather(ctx context.Context) (map[string]string, error) {
	changesName := fmt.Sprintf("%s_%s_%s.changes",
		m.sourceName, stripEpoch(m.sourceVersion), m.common.build.Request.Architecture)
	return m.common.gatherChanges(ctx, "/build", changesName)
}
