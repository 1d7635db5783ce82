// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/buildfleet/buildfleet/builder"
	"github.com/buildfleet/buildfleet/lib/process"
	"github.com/buildfleet/buildfleet/sandbox"
)

// Exit codes of the buildfleet-buildrecipe helper. Each maps to one
// step of the recipe pipeline, so the manager can tell a broken
// sandbox from a broken recipe from unsatisfiable dependencies.
const (
	RecipeExitSuccess      = 0
	RecipeExitInstallTools = 200
	RecipeExitBuildTree    = 201
	RecipeExitInstallDeps  = 202
	RecipeExitBuildSource  = 203
)

// unmetDependencyPattern extracts the first unsatisfiable dependency
// from apt's resolver output.
var unmetDependencyPattern = regexp.MustCompile(
	`The following packages have unmet dependencies:\n.*: Depends: ([^ ]*( \([^)]*\))?)`)

// recipeGracePeriod is how long the helper gets between SIGTERM and
// SIGKILL on abort. Long enough for dpkg to release its locks.
const recipeGracePeriod = 10 * time.Second

func init() {
	builder.RegisterManager(builder.KindSourcePackageRecipe, newRecipeManager)
}

// RecipeManager builds a source package from a recipe: a declarative
// description of branches to fetch, merge, and nest into a packaging
// tree. The heavy lifting happens in the buildfleet-buildrecipe
// helper, a separate host binary supervised as a single phase; its
// exit code tells the manager which pipeline step failed.
type RecipeManager struct {
	common *common

	recipeText     string
	authorName     string
	authorEmail    string
	suite          string
	component      string
	archivePurpose string
	git            bool
}

func newRecipeManager(build *builder.Build) (builder.Manager, error) {
	shared, err := newCommon(build)
	if err != nil {
		return nil, err
	}
	manager := &RecipeManager{common: shared}
	for _, field := range []struct {
		name   string
		target *string
	}{
		{"recipe_text", &manager.recipeText},
		{"author_name", &manager.authorName},
		{"author_email", &manager.authorEmail},
		{"suite", &manager.suite},
	} {
		value, err := build.Request.StringArg(field.name)
		if err != nil {
			return nil, err
		}
		*field.target = value
	}
	manager.component = build.Request.OptionalStringArg("component")
	if manager.component == "" {
		manager.component = "main"
	}
	manager.archivePurpose = build.Request.OptionalStringArg("archive_purpose")
	manager.git = build.Request.BoolArg("git")
	return manager, nil
}

// Phases implements builder.Manager.
func (m *RecipeManager) Phases() ([]builder.Phase, error) {
	phases := m.common.setupPhases()
	phases = append(phases,
		builder.Phase{
			Name:           "write-recipe",
			Run:            m.writeRecipe,
			FailureOutcome: builder.OutcomeBuilderFailed,
		},
		builder.Phase{
			Name:           "build-recipe",
			Run:            m.buildRecipe,
			FailureOutcome: builder.OutcomeBuilderFailed,
			Classify:       m.classify,
		},
	)
	return phases, nil
}

// writeRecipe materializes the recipe text in the build's host work
// directory for the helper to read.
func (m *RecipeManager) writeRecipe(ctx context.Context) error {
	build := m.common.build
	if err := os.MkdirAll(build.WorkPath(), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.recipePath(), []byte(m.recipeText), 0644)
}

func (m *RecipeManager) recipePath() string {
	return m.common.build.WorkPath("recipe")
}

// buildRecipe supervises the helper binary. The raw run error is
// returned so the exit code reaches classify.
func (m *RecipeManager) buildRecipe(ctx context.Context) error {
	build := m.common.build
	args := []string{
		"--build-id", build.Request.BuildID,
		"--series", build.Request.Series,
		"--architecture", build.Request.Architecture,
		"--recipe", m.recipePath(),
		"--output", build.WorkPath(),
		"--author-name", m.authorName,
		"--author-email", m.authorEmail,
		"--suite", m.suite,
		"--component", m.component,
	}
	if m.archivePurpose != "" {
		args = append(args, "--archive-purpose", m.archivePurpose)
	}
	if m.git {
		args = append(args, "--git")
	}

	cmd := process.Command(ctx, recipeGracePeriod,
		build.Config.BinaryPath("buildfleet-buildrecipe"), args...)
	cmd.Stdout = build.Log
	cmd.Stderr = build.Log
	sandbox.LogCommand(build.Log, cmd.Args)
	return cmd.Run()
}

// classify maps the helper's exit code onto a build outcome.
func (m *RecipeManager) classify(exitCode int) builder.Outcome {
	switch exitCode {
	case RecipeExitInstallTools:
		return builder.OutcomeChrootFailed
	case RecipeExitBuildTree, RecipeExitBuildSource:
		return builder.OutcomeBuildFailed
	case RecipeExitInstallDeps:
		if match := m.common.build.Log.Find(unmetDependencyPattern); match != nil {
			m.common.build.SetMissingDependency(string(match[1]))
		}
		return builder.OutcomeDependencyFailed
	default:
		return builder.OutcomeBuilderFailed
	}
}

// Gather implements builder.Manager: the helper leaves the source
// package in the host work directory; everything the .changes file
// names goes into the cache, plus the recipe manifest.
func (m *RecipeManager) Gather(ctx context.Context) (map[string]string, error) {
	build := m.common.build
	entries, err := os.ReadDir(build.WorkPath())
	if err != nil {
		return nil, err
	}

	var changesName string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), "_source.changes") {
			changesName = entry.Name()
			break
		}
	}
	if changesName == "" {
		return nil, fmt.Errorf("no _source.changes file in %s", build.WorkPath())
	}

	names := []string{changesName}
	changesFile, err := os.Open(build.WorkPath(changesName))
	if err != nil {
		return nil, err
	}
	listed, err := ParseChangesFiles(changesFile)
	changesFile.Close()
	if err != nil {
		return nil, err
	}
	names = append(names, listed...)

	// The helper records which branch revisions went into the tree.
	if _, err := os.Stat(build.WorkPath("manifest")); err == nil {
		names = append(names, "manifest")
	}

	artifacts := make(map[string]string)
	for _, name := range names {
		digest, err := build.Cache.Store(filepath.Join(build.WorkPath(), name))
		if err != nil {
			return nil, fmt.Errorf("storing %s: %w", name, err)
		}
		artifacts[name] = digest
	}
	return artifacts, nil
}
