// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildfleet/buildfleet/sandbox"
)

// scriptPipelineBackend answers the sandbox reads a recipe build of
// pkg 1.0-1 performs.
func scriptPipelineBackend(backend *sandbox.FakeBackend) {
	backend.DirectoryEntries[treeSandboxDir] = []string{manifestLeafName, "pkg"}
	backend.OutputHandler = func(spec sandbox.RunSpec) ([]byte, error) {
		path := spec.Args[len(spec.Args)-1]
		switch {
		case path == "/etc/lsb-release":
			return []byte("DISTRIB_ID=Ubuntu\nDISTRIB_RELEASE=24.04\nDISTRIB_CODENAME=noble\n"), nil
		case strings.HasSuffix(path, "debian/changelog"):
			return []byte("pkg (1.0-1) noble; urgency=medium\n"), nil
		case strings.HasSuffix(path, "debian/control"):
			return []byte("Source: pkg\nBuild-Depends: libfoo-dev\n"), nil
		case strings.HasSuffix(path, "_source.changes"):
			return []byte("Format: 1.8\nFiles:\n checksum 100 devel optional pkg_1.0-1.dsc\n checksum 200 devel optional pkg_1.0-1.tar.xz\n"), nil
		}
		return nil, nil
	}
}

func newTestPipeline(t *testing.T, backend *sandbox.FakeBackend) *RecipePipeline {
	t.Helper()
	recipePath := filepath.Join(t.TempDir(), "recipe")
	if err := os.WriteFile(recipePath, []byte("# bzr-builder format 0.4\nlp:pkg\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return &RecipePipeline{
		Backend:      backend,
		Output:       io.Discard,
		RecipePath:   recipePath,
		OutputDir:    filepath.Join(t.TempDir(), "out"),
		AuthorName:   "Test Builder",
		AuthorEmail:  "builder@example.com",
		Suite:        "noble",
		Component:    "main",
		Architecture: "amd64",
		Series:       "noble",
	}
}

func TestPipelineBuild(t *testing.T) {
	backend := sandbox.NewFakeBackend()
	scriptPipelineBackend(backend)
	pipeline := newTestPipeline(t, backend)

	if err := pipeline.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}

	runs := backend.CallsFor("run")
	var treeBuild, sourceBuild *sandbox.RunSpec
	for _, call := range runs {
		switch call.Spec.Args[0] {
		case "brz-build-recipe":
			spec := call.Spec
			treeBuild = &spec
		case "dpkg-buildpackage":
			spec := call.Spec
			sourceBuild = &spec
		}
	}

	if treeBuild == nil {
		t.Fatal("brz-build-recipe never ran")
	}
	argv := strings.Join(treeBuild.Args, " ")
	if !strings.Contains(argv, "--append-version ~ubuntu24.04.1") {
		t.Errorf("tree build lacks series version suffix: %v", argv)
	}
	if !strings.Contains(argv, "--distribution noble") {
		t.Errorf("tree build lacks distribution: %v", argv)
	}
	if treeBuild.Env["DEBEMAIL"] != "builder@example.com" {
		t.Errorf("DEBEMAIL = %q", treeBuild.Env["DEBEMAIL"])
	}

	if sourceBuild == nil {
		t.Fatal("dpkg-buildpackage never ran")
	}
	if got := strings.Join(sourceBuild.Args, " "); got != "dpkg-buildpackage -i -us -uc -S -sa" {
		t.Errorf("source build argv = %q", got)
	}
	if sourceBuild.WorkingDirectory != treeSandboxDir+"/pkg" {
		t.Errorf("source build cwd = %q, want %q", sourceBuild.WorkingDirectory, treeSandboxDir+"/pkg")
	}

	// The stub dependency archive was installed.
	if !containsArg(runArgs(backend), "apt-get -y install "+stubPackageName) {
		t.Error("build dependencies were never installed")
	}

	copiedOut := make(map[string]bool)
	for _, call := range backend.CallsFor("copy-out") {
		copiedOut[call.TargetPath] = true
	}
	for _, want := range []string{
		treeSandboxDir + "/pkg_1.0-1_source.changes",
		treeSandboxDir + "/pkg_1.0-1.dsc",
		treeSandboxDir + "/pkg_1.0-1.tar.xz",
		treeSandboxDir + "/" + manifestLeafName,
	} {
		if !copiedOut[want] {
			t.Errorf("output %s not copied out", want)
		}
	}
}

func TestPipelineUsesGitTooling(t *testing.T) {
	backend := sandbox.NewFakeBackend()
	scriptPipelineBackend(backend)
	pipeline := newTestPipeline(t, backend)
	pipeline.Git = true

	if err := pipeline.Build(context.Background()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	args := runArgs(backend)
	if !containsArg(args, "git-build-recipe --safe --no-build") {
		t.Errorf("git recipe did not use git-build-recipe: %v", args)
	}
	if !containsArg(args, "install dpkg-dev git-build-recipe git") {
		t.Errorf("git tooling not installed: %v", args)
	}
}

func TestPipelineStepErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		failWhen func(spec sandbox.RunSpec) bool
		wantCode int
	}{
		{
			name: "tooling install failure",
			failWhen: func(spec sandbox.RunSpec) bool {
				return len(spec.Args) >= 3 && spec.Args[2] == "install" && spec.Args[0] == "apt-get" &&
					!strings.Contains(strings.Join(spec.Args, " "), stubPackageName)
			},
			wantCode: RecipeExitInstallTools,
		},
		{
			name: "tree build failure",
			failWhen: func(spec sandbox.RunSpec) bool {
				return spec.Args[0] == "brz-build-recipe"
			},
			wantCode: RecipeExitBuildTree,
		},
		{
			name: "dependency install failure",
			failWhen: func(spec sandbox.RunSpec) bool {
				return strings.Contains(strings.Join(spec.Args, " "), "install "+stubPackageName)
			},
			wantCode: RecipeExitInstallDeps,
		},
		{
			name: "source build failure",
			failWhen: func(spec sandbox.RunSpec) bool {
				return spec.Args[0] == "dpkg-buildpackage"
			},
			wantCode: RecipeExitBuildSource,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			backend := sandbox.NewFakeBackend()
			scriptPipelineBackend(backend)
			backend.RunHandler = func(spec sandbox.RunSpec) error {
				if test.failWhen(spec) {
					return &sandbox.BackendError{Operation: "run", Err: os.ErrInvalid}
				}
				return nil
			}

			err := newTestPipeline(t, backend).Build(context.Background())
			if err == nil {
				t.Fatal("Build succeeded, want failure")
			}
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("error %v is not a StepError", err)
			}
			if stepErr.Code != test.wantCode {
				t.Errorf("exit code = %d, want %d", stepErr.Code, test.wantCode)
			}
		})
	}
}

func TestPipelineRejectsAmbiguousTree(t *testing.T) {
	backend := sandbox.NewFakeBackend()
	scriptPipelineBackend(backend)
	backend.DirectoryEntries[treeSandboxDir] = []string{manifestLeafName, "pkg", "stray"}

	err := newTestPipeline(t, backend).Build(context.Background())
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Code != RecipeExitBuildTree {
		t.Fatalf("err = %v, want tree-build StepError", err)
	}
}
