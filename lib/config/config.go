// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Buildfleet
// components.
//
// Configuration is loaded from a single YAML file specified by:
//   - BUILDFLEET_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a Buildfleet builder.
type Config struct {
	// Builder configures the build slot itself.
	Builder BuilderConfig `yaml:"builder"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Sandbox configures the execution sandbox.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Proxy configures network egress for builds.
	Proxy ProxyConfig `yaml:"proxy"`
}

// BuilderConfig configures the build slot.
type BuilderConfig struct {
	// ArchitectureTag is the architecture this builder produces, as
	// reported to the dispatcher (e.g. "amd64", "arm64").
	ArchitectureTag string `yaml:"architecture_tag"`

	// StallTimeout is how long a running phase may produce no log
	// output before the build is declared stalled and torn down, in
	// time.ParseDuration syntax. Default: 4h.
	StallTimeout string `yaml:"stall_timeout"`

	// AbortGracePeriod bounds teardown after an abort or stall: if the
	// subprocess and sandbox cannot be killed within this window, the
	// builder marks itself as needing repair. Default: 2m.
	AbortGracePeriod string `yaml:"abort_grace_period"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Buildfleet data. Per-build
	// working directories are created under it as build-<id>/.
	Root string `yaml:"root"`

	// FileCache is the content-addressed cache directory holding base
	// images, staged input files, and collected artifacts.
	FileCache string `yaml:"file_cache"`

	// Bin is where Buildfleet helper binaries are installed
	// (buildfleet-buildrecipe, buildfleet-tunnel). Hermetic binary
	// paths independent of user PATH.
	Bin string `yaml:"bin"`

	// SocketPath is the Unix socket for the control protocol.
	SocketPath string `yaml:"socket_path"`
}

// SandboxConfig configures the execution sandbox.
type SandboxConfig struct {
	// Backend selects the sandbox implementation: "chroot" or
	// "container". Default: chroot.
	Backend string `yaml:"backend"`

	// ContainerRuntime is the container CLI used by the container
	// backend. Default: lxc.
	ContainerRuntime string `yaml:"container_runtime"`
}

// ProxyConfig configures network egress for builds.
type ProxyConfig struct {
	// URL is the HTTP forward proxy handed to builds that need
	// network access. May embed credentials; those are scrubbed from
	// build logs. Empty means builds run without a proxy.
	URL string `yaml:"url"`

	// APTProxyURL overrides the proxy used for package downloads
	// inside the sandbox. Empty means URL is used for apt as well.
	APTProxyURL string `yaml:"apt_proxy_url"`
}

// Default returns the default configuration. These defaults ensure all
// fields have sensible zero-values; the config file is still the
// source of truth for any real deployment.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "buildfleet")

	return &Config{
		Builder: BuilderConfig{
			ArchitectureTag:  "amd64",
			StallTimeout:     "4h",
			AbortGracePeriod: "2m",
		},
		Paths: PathsConfig{
			Root:       defaultRoot,
			FileCache:  filepath.Join(defaultRoot, "filecache"),
			Bin:        filepath.Join(defaultRoot, "bin"),
			SocketPath: filepath.Join(defaultRoot, "builder.sock"),
		},
		Sandbox: SandboxConfig{
			Backend:          "chroot",
			ContainerRuntime: "lxc",
		},
	}
}

// StallTimeoutDuration parses the stall timeout.
func (b *BuilderConfig) StallTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(b.StallTimeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("builder.stall_timeout must be a positive duration, got %q", b.StallTimeout)
	}
	return d, nil
}

// AbortGracePeriodDuration parses the abort grace period.
func (b *BuilderConfig) AbortGracePeriodDuration() (time.Duration, error) {
	d, err := time.ParseDuration(b.AbortGracePeriod)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("builder.abort_grace_period must be a positive duration, got %q", b.AbortGracePeriod)
	}
	return d, nil
}

// Load loads configuration from the path in BUILDFLEET_CONFIG. There
// are no fallbacks — if the variable is not set, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("BUILDFLEET_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BUILDFLEET_CONFIG environment variable not set; " +
			"set it to the path of your buildfleet.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BUILDFLEET_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BUILDFLEET_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.FileCache = expandVars(c.Paths.FileCache, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Paths.SocketPath = expandVars(c.Paths.SocketPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Builder.ArchitectureTag == "" {
		errs = append(errs, fmt.Errorf("builder.architecture_tag is required"))
	}
	if _, err := c.Builder.StallTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Builder.AbortGracePeriodDuration(); err != nil {
		errs = append(errs, err)
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.FileCache == "" {
		errs = append(errs, fmt.Errorf("paths.file_cache is required"))
	}
	if c.Paths.SocketPath == "" {
		errs = append(errs, fmt.Errorf("paths.socket_path is required"))
	}
	if c.Sandbox.Backend != "chroot" && c.Sandbox.Backend != "container" {
		errs = append(errs, fmt.Errorf("sandbox.backend must be chroot or container, got %q", c.Sandbox.Backend))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.FileCache,
		c.Paths.Bin,
		filepath.Dir(c.Paths.SocketPath),
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// BinaryPath returns the full path to a Buildfleet helper binary in
// the configured bin directory.
func (c *Config) BinaryPath(name string) string {
	return filepath.Join(c.Paths.Bin, name)
}
