// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildfleet/buildfleet/sandbox"
)

// In-sandbox layout for recipe builds. The tree directory holds the
// materialized source tree plus the build products dpkg-buildpackage
// drops next to it.
const (
	recipeSandboxPath = "/build/recipe"
	treeSandboxDir    = "/build/tree"
	archiveSandboxDir = "/buildfleet-archive"
	manifestLeafName  = "manifest"
	currentlyBuilding = "/CurrentlyBuilding"
	buildDepsListPath = "/etc/apt/sources.list.d/buildfleet-build-deps.list"
)

// A StepError identifies which pipeline step failed, carrying the
// process exit code that step reports.
type StepError struct {
	Code int
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// stepError wraps a failure with its step's exit code.
func stepError(code int, step string, err error) *StepError {
	return &StepError{Code: code, Step: step, Err: err}
}

// RecipePipeline assembles a source package from a recipe inside an
// already-started sandbox. It is driven by the buildfleet-buildrecipe
// helper; each step failure carries a distinct exit code so the
// supervising manager can classify the outcome without parsing output.
type RecipePipeline struct {
	// Backend is the sandbox, already created and started by the
	// supervising build manager.
	Backend sandbox.Backend

	// Output receives all command output and progress lines. The
	// helper points this at its stdout, which the manager streams into
	// the build log.
	Output io.Writer

	// RecipePath is the host-side recipe file.
	RecipePath string

	// OutputDir is the host directory receiving the built source
	// package and manifest.
	OutputDir string

	// Git selects git-build-recipe over brz-build-recipe.
	Git bool

	AuthorName  string
	AuthorEmail string

	// Suite and Component name the archive target; ArchivePurpose
	// distinguishes primary archives from PPAs for tooling that cares.
	Suite          string
	Component      string
	ArchivePurpose string

	Architecture string
	Series       string

	// sourceName and sourceVersion are resolved from the materialized
	// tree's changelog.
	sourceName    string
	sourceVersion string
	treeLeafDir   string
}

// Build runs the pipeline to completion. The returned error, if any,
// is a *StepError whose code the caller exits with.
func (p *RecipePipeline) Build(ctx context.Context) error {
	for _, step := range []func(context.Context) error{
		p.installTools,
		p.buildTree,
		p.resolveSource,
		p.installBuildDependencies,
		p.buildSourcePackage,
		p.collectOutput,
	} {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// run executes a command in the sandbox with output streamed to the
// pipeline log.
func (p *RecipePipeline) run(ctx context.Context, spec sandbox.RunSpec) error {
	spec.Stdout = p.Output
	spec.Stderr = p.Output
	return p.Backend.Run(ctx, spec)
}

// readSandboxFile returns the contents of a file inside the sandbox.
func (p *RecipePipeline) readSandboxFile(ctx context.Context, path string) ([]byte, error) {
	return p.Backend.Output(ctx, sandbox.RunSpec{Args: []string{"cat", path}})
}

// installTools installs the recipe tooling into the sandbox.
func (p *RecipePipeline) installTools(ctx context.Context) error {
	packages := []string{"dpkg-dev"}
	if p.Git {
		packages = append(packages, "git-build-recipe", "git")
	} else {
		packages = append(packages, "brz", "brz-build-recipe")
	}
	fmt.Fprintf(p.Output, "Installing recipe tooling: %s\n", strings.Join(packages, " "))
	err := p.run(ctx, sandbox.RunSpec{
		Args: append([]string{"apt-get", "-y", "install"}, packages...),
		Env:  aptEnvironment,
	})
	if err != nil {
		return stepError(RecipeExitInstallTools, "installing recipe tooling", err)
	}
	return nil
}

// buildTree materializes the recipe into a source tree under the tree
// directory. The recipe builder leaves exactly one top-level directory
// plus the manifest recording which branch revisions went in.
func (p *RecipePipeline) buildTree(ctx context.Context) error {
	const step = "materializing source tree"
	if err := p.Backend.CopyIn(ctx, p.RecipePath, recipeSandboxPath); err != nil {
		return stepError(RecipeExitBuildTree, step, err)
	}

	suffix, err := p.versionSuffix(ctx)
	if err != nil {
		return stepError(RecipeExitBuildTree, step, err)
	}

	tool := "brz-build-recipe"
	if p.Git {
		tool = "git-build-recipe"
	}
	err = p.run(ctx, sandbox.RunSpec{
		Args: []string{
			tool, "--safe", "--no-build",
			"--manifest", treeSandboxDir + "/" + manifestLeafName,
			"--distribution", p.Suite,
			"--allow-fallback-to-native",
			"--append-version", suffix,
			recipeSandboxPath, treeSandboxDir,
		},
		Env: map[string]string{
			"DEBEMAIL":    p.AuthorEmail,
			"DEBFULLNAME": p.AuthorName,
			"HOME":        "/build",
			"LANG":        "C.UTF-8",
		},
		Architecture: p.Architecture,
		Series:       p.Series,
	})
	if err != nil {
		return stepError(RecipeExitBuildTree, step, err)
	}

	leaf, err := p.findTreeLeaf(ctx)
	if err != nil {
		return stepError(RecipeExitBuildTree, step, err)
	}
	p.treeLeafDir = leaf
	return nil
}

// versionSuffix derives the --append-version suffix from the
// sandbox's own release identity, so packages built for different
// series never collide (e.g. "~ubuntu24.04.1").
func (p *RecipePipeline) versionSuffix(ctx context.Context) (string, error) {
	release, err := p.readSandboxFile(ctx, "/etc/lsb-release")
	if err != nil {
		return "", fmt.Errorf("reading sandbox release identity: %w", err)
	}
	var id, version string
	for _, line := range strings.Split(string(release), "\n") {
		if value, found := strings.CutPrefix(line, "DISTRIB_ID="); found {
			id = strings.ToLower(strings.TrimSpace(value))
		}
		if value, found := strings.CutPrefix(line, "DISTRIB_RELEASE="); found {
			version = strings.TrimSpace(value)
		}
	}
	if id == "" || version == "" {
		return "", fmt.Errorf("sandbox /etc/lsb-release lacks DISTRIB_ID or DISTRIB_RELEASE")
	}
	return fmt.Sprintf("~%s%s.1", id, version), nil
}

// findTreeLeaf locates the single source directory the recipe builder
// produced. Anything other than exactly one directory (besides the
// manifest) means the tree is malformed.
func (p *RecipePipeline) findTreeLeaf(ctx context.Context) (string, error) {
	entries, err := p.Backend.ListDirectory(ctx, treeSandboxDir)
	if err != nil {
		return "", err
	}
	var directories []string
	for _, entry := range entries {
		if entry == manifestLeafName {
			continue
		}
		directories = append(directories, entry)
	}
	if len(directories) != 1 {
		return "", fmt.Errorf("expected one source directory in %s, found %d",
			treeSandboxDir, len(directories))
	}
	return directories[0], nil
}

// resolveSource reads the materialized tree's changelog to learn the
// source package's name and version.
func (p *RecipePipeline) resolveSource(ctx context.Context) error {
	const step = "resolving source package"
	changelogPath := fmt.Sprintf("%s/%s/debian/changelog", treeSandboxDir, p.treeLeafDir)
	changelog, err := p.readSandboxFile(ctx, changelogPath)
	if err != nil {
		return stepError(RecipeExitBuildTree, step, err)
	}
	entry, err := ParseChangelogHead(bytes.NewReader(changelog))
	if err != nil {
		return stepError(RecipeExitBuildTree, step, err)
	}
	p.sourceName = entry.Source
	p.sourceVersion = entry.Version
	fmt.Fprintf(p.Output, "Building %s %s\n", p.sourceName, p.sourceVersion)
	return nil
}

// installBuildDependencies satisfies the tree's Build-Depends via a
// synthetic local archive holding one stub package that depends on
// them, so apt's resolver does the work and reports conflicts the
// usual way.
func (p *RecipePipeline) installBuildDependencies(ctx context.Context) error {
	const step = "installing build dependencies"
	fail := func(err error) error {
		return stepError(RecipeExitInstallDeps, step, err)
	}

	controlPath := fmt.Sprintf("%s/%s/debian/control", treeSandboxDir, p.treeLeafDir)
	control, err := p.readSandboxFile(ctx, controlPath)
	if err != nil {
		return fail(err)
	}
	stanzas, err := ParseControl(bytes.NewReader(control))
	if err != nil {
		return fail(err)
	}
	if len(stanzas) == 0 {
		return fail(fmt.Errorf("empty debian/control"))
	}
	depends := BuildDependencies(stanzas[0])
	if depends == "" {
		fmt.Fprintf(p.Output, "No build dependencies declared\n")
		return nil
	}

	if err := p.writeCurrentlyBuilding(ctx); err != nil {
		return fail(err)
	}

	archive, err := BuildStubArchive(p.sourceVersion, depends)
	if err != nil {
		return fail(err)
	}
	if err := archive.InstallInto(ctx, p.Backend, p.Output); err != nil {
		return fail(err)
	}
	return nil
}

// writeCurrentlyBuilding stages the descriptor some build hooks read
// to learn what is being built.
func (p *RecipePipeline) writeCurrentlyBuilding(ctx context.Context) error {
	purpose := p.ArchivePurpose
	if purpose == "" {
		purpose = "PRIMARY"
	}
	content := fmt.Sprintf("Package: %s\nSuite: %s\nComponent: %s\nPurpose: %s\n",
		p.sourceName, p.Suite, p.Component, purpose)
	return copyContentIn(ctx, p.Backend, []byte(content), currentlyBuilding)
}

// buildSourcePackage runs dpkg-buildpackage in the tree.
func (p *RecipePipeline) buildSourcePackage(ctx context.Context) error {
	err := p.run(ctx, sandbox.RunSpec{
		Args:             []string{"dpkg-buildpackage", "-i", "-us", "-uc", "-S", "-sa"},
		WorkingDirectory: treeSandboxDir + "/" + p.treeLeafDir,
		Env: map[string]string{
			"DEBEMAIL":    p.AuthorEmail,
			"DEBFULLNAME": p.AuthorName,
			"HOME":        "/build",
			"LANG":        "C.UTF-8",
		},
		Architecture: p.Architecture,
		Series:       p.Series,
	})
	if err != nil {
		return stepError(RecipeExitBuildSource, "building source package", err)
	}
	return nil
}

// collectOutput copies the source package and the manifest out to the
// host output directory.
func (p *RecipePipeline) collectOutput(ctx context.Context) error {
	const step = "collecting output"
	fail := func(err error) error {
		return stepError(RecipeExitBuildSource, step, err)
	}

	changesName := fmt.Sprintf("%s_%s_source.changes",
		p.sourceName, stripEpoch(p.sourceVersion))
	changes, err := p.readSandboxFile(ctx, treeSandboxDir+"/"+changesName)
	if err != nil {
		return fail(err)
	}
	listed, err := ParseChangesFiles(bytes.NewReader(changes))
	if err != nil {
		return fail(err)
	}

	if err := os.MkdirAll(p.OutputDir, 0755); err != nil {
		return fail(err)
	}
	names := append([]string{changesName, manifestLeafName}, listed...)
	for _, name := range names {
		err := p.Backend.CopyOut(ctx,
			treeSandboxDir+"/"+name, filepath.Join(p.OutputDir, name))
		if err != nil {
			return fail(fmt.Errorf("retrieving %s: %w", name, err))
		}
	}
	return nil
}

// stripEpoch drops the epoch prefix from a version: filenames never
// carry it.
func stripEpoch(version string) string {
	if _, rest, found := strings.Cut(version, ":"); found {
		return rest
	}
	return version
}
