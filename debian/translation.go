// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package debian

import (
	"context"
	"os"
	"path/filepath"

	"github.com/buildfleet/buildfleet/builder"
	"github.com/buildfleet/buildfleet/sandbox"
)

func init() {
	builder.RegisterManager(builder.KindTranslationTemplates, newTranslationTemplatesManager)
}

// templatesTarballName is the single artifact a translation templates
// build produces.
const templatesTarballName = "translation-templates.tar.gz"

// extractTemplatesScript regenerates every gettext template in the
// checked-out tree and bundles them. Runs inside the sandbox.
const extractTemplatesScript = `#!/bin/sh
set -e
cd /build/source
for potfiles in $(find . -name POTFILES.in); do
    (cd "$(dirname "$potfiles")" && intltool-update -p)
done
find . -name '*.pot' -print0 | xargs -0 tar -czf /build/` + templatesTarballName + `
`

// TranslationTemplatesManager checks out a translation branch in the
// sandbox, regenerates its gettext templates, and ships them back as
// one tarball.
type TranslationTemplatesManager struct {
	common    *common
	branchURL string
}

func newTranslationTemplatesManager(build *builder.Build) (builder.Manager, error) {
	shared, err := newCommon(build)
	if err != nil {
		return nil, err
	}
	branchURL, err := build.Request.StringArg("branch_url")
	if err != nil {
		return nil, err
	}
	return &TranslationTemplatesManager{common: shared, branchURL: branchURL}, nil
}

// Phases implements builder.Manager.
func (m *TranslationTemplatesManager) Phases() ([]builder.Phase, error) {
	phases := m.common.setupPhases()
	phases = append(phases,
		builder.Phase{
			Name:           "install-tooling",
			Run:            m.installTooling,
			FailureOutcome: builder.OutcomeChrootFailed,
		},
		builder.Phase{
			Name: "fetch-branch",
			Run:  m.fetchBranch,
		},
		builder.Phase{
			Name: "generate-templates",
			Run:  m.generateTemplates,
		},
	)
	return phases, nil
}

func (m *TranslationTemplatesManager) installTooling(ctx context.Context) error {
	build := m.common.build
	return build.Backend.Run(ctx, sandbox.RunSpec{
		Args:   []string{"apt-get", "-y", "install", "git", "intltool"},
		Env:    aptEnvironment,
		Stdout: build.Log,
		Stderr: build.Log,
	})
}

func (m *TranslationTemplatesManager) fetchBranch(ctx context.Context) error {
	build := m.common.build
	return build.Backend.Run(ctx, sandbox.RunSpec{
		Args:   []string{"git", "clone", "--depth", "1", m.branchURL, "/build/source"},
		Env:    buildEnvironment,
		Stdout: build.Log,
		Stderr: build.Log,
	})
}

func (m *TranslationTemplatesManager) generateTemplates(ctx context.Context) error {
	build := m.common.build
	const scriptPath = "/build/extract-templates"
	err := copyContentIn(ctx, build.Backend, []byte(extractTemplatesScript), scriptPath)
	if err != nil {
		return err
	}
	return build.Backend.Run(ctx, sandbox.RunSpec{
		Args:   []string{"sh", scriptPath},
		Env:    buildEnvironment,
		Stdout: build.Log,
		Stderr: build.Log,
	})
}

// Gather implements builder.Manager.
func (m *TranslationTemplatesManager) Gather(ctx context.Context) (map[string]string, error) {
	build := m.common.build
	hostDir, err := os.MkdirTemp("", "buildfleet-templates-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(hostDir)

	hostPath := filepath.Join(hostDir, templatesTarballName)
	err = build.Backend.CopyOut(ctx, "/build/"+templatesTarballName, hostPath)
	if err != nil {
		return nil, err
	}
	digest, err := build.Cache.Store(hostPath)
	if err != nil {
		return nil, err
	}
	return map[string]string{templatesTarballName: digest}, nil
}
