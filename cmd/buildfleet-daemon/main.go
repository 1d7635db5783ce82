// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Buildfleet-daemon is the build execution daemon: it owns one build
// slot, accepts dispatches over a Unix control socket, runs builds in
// an isolated sandbox, and holds the results until the dispatcher
// collects and cleans them.
//
// The daemon itself is unprivileged. Sandbox operations that need root
// (chroot setup, mounts, process reaping) go through sudo, which the
// builder host's sudoers configuration scopes to exactly those
// commands.
//
// On startup:
//  1. Loads configuration (BUILDFLEET_CONFIG or --config).
//  2. Opens the content-addressed file cache.
//  3. Starts serving the control protocol on the configured socket.
//
// The build slot starts IDLE; everything else happens in response to
// control socket actions.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/buildfleet/buildfleet/builder"
	"github.com/buildfleet/buildfleet/lib/clock"
	"github.com/buildfleet/buildfleet/lib/config"
	"github.com/buildfleet/buildfleet/lib/process"
	"github.com/buildfleet/buildfleet/lib/service"
	"github.com/buildfleet/buildfleet/lib/version"

	// Registers the Debian build managers.
	_ "github.com/buildfleet/buildfleet/debian"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to buildfleet.yaml (default: $BUILDFLEET_CONFIG)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("buildfleet-daemon %s\n", version.Info())
		return nil
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
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if os.Getenv("BUILDFLEET_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cache, err := builder.NewFileCache(cfg.Paths.FileCache, logger)
	if err != nil {
		return err
	}
	engine, err := builder.NewEngine(cfg, clock.Real(), cache, logger)
	if err != nil {
		return err
	}

	server := service.NewSocketServer(cfg.Paths.SocketPath, logger)
	registerHandlers(server, engine, cfg)

	logger.Info("buildfleet daemon starting",
		"version", version.Short(),
		"architecture_tag", cfg.Builder.ArchitectureTag,
		"build_kinds", builder.RegisteredKinds(),
		"sandbox_backend", cfg.Sandbox.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		return err
	}

	// A build may still be mid-teardown after the socket closes; let it
	// reach WAITING so the sandbox is dismantled before exit.
	engine.Wait()
	logger.Info("buildfleet daemon stopped")
	return nil
}
