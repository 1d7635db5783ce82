// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Buildfleet-buildrecipe assembles a source package from a recipe
// inside an already-prepared build sandbox. The daemon runs it as a
// supervised subprocess; it can also be run by hand against a
// surviving sandbox to diagnose a failed build.
//
// The exit code identifies which pipeline step failed:
//
//	0    success
//	200  installing recipe tooling
//	201  materializing the source tree
//	202  installing build dependencies
//	203  building the source package
//
// Any other failure (bad arguments, sandbox unreachable) exits 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/buildfleet/buildfleet/debian"
	"github.com/buildfleet/buildfleet/lib/config"
	"github.com/buildfleet/buildfleet/lib/version"
	"github.com/buildfleet/buildfleet/sandbox"
)

func main() {
	err := run()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var stepErr *debian.StepError
	if errors.As(err, &stepErr) {
		os.Exit(stepErr.Code)
	}
	os.Exit(1)
}

func run() error {
	var (
		configPath     string
		buildID        string
		series         string
		architecture   string
		recipePath     string
		outputDir      string
		authorName     string
		authorEmail    string
		suite          string
		component      string
		archivePurpose string
		git            bool
		showVersion    bool
	)
	pflag.StringVar(&configPath, "config", "", "path to buildfleet.yaml (default: $BUILDFLEET_CONFIG)")
	pflag.StringVar(&buildID, "build-id", "", "build identifier; selects the sandbox to build in")
	pflag.StringVar(&series, "series", "", "distribution series being built for")
	pflag.StringVar(&architecture, "architecture", "", "architecture tag being built for")
	pflag.StringVar(&recipePath, "recipe", "", "path to the recipe file")
	pflag.StringVar(&outputDir, "output", "", "host directory receiving the built source package")
	pflag.StringVar(&authorName, "author-name", "", "changelog author name")
	pflag.StringVar(&authorEmail, "author-email", "", "changelog author email")
	pflag.StringVar(&suite, "suite", "", "target archive suite")
	pflag.StringVar(&component, "component", "main", "target archive component")
	pflag.StringVar(&archivePurpose, "archive-purpose", "", "archive purpose recorded for in-sandbox tooling")
	pflag.BoolVar(&git, "git", false, "recipe references git branches rather than bzr")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("buildfleet-buildrecipe %s\n", version.Info())
		return nil
	}

	for _, required := range []struct {
		name  string
		value string
	}{
		{"build-id", buildID},
		{"series", series},
		{"architecture", architecture},
		{"recipe", recipePath},
		{"output", outputDir},
		{"author-name", authorName},
		{"author-email", authorEmail},
		{"suite", suite},
	} {
		if required.value == "" {
			return fmt.Errorf("--%s is required", required.name)
		}
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	backend, err := sandbox.New(cfg, buildID, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := &debian.RecipePipeline{
		Backend:        backend,
		Output:         os.Stdout,
		RecipePath:     recipePath,
		OutputDir:      outputDir,
		Git:            git,
		AuthorName:     authorName,
		AuthorEmail:    authorEmail,
		Suite:          suite,
		Component:      component,
		ArchivePurpose: archivePurpose,
		Architecture:   architecture,
		Series:         series,
	}
	return pipeline.Build(ctx)
}
