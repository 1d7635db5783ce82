// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Buildfleet-call is the operator CLI for a builder's control socket.
// It sends one action and prints the response as JSON.
//
// Usage:
//
//	buildfleet-call [--socket PATH] ACTION [KEY=VALUE ...]
//
// Values are parsed as JSON when they look like it (numbers, booleans,
// objects, arrays), and treated as plain strings otherwise:
//
//	buildfleet-call status
//	buildfleet-call echo message=hello
//	buildfleet-call ensure_present digest=ab12... url=https://...
//	buildfleet-call build build_id=b-1 kind=sourcepackagerecipe \
//	    'image={"digest":"ab12..."}' 'args={"suite":"noble", ...}'
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/buildfleet/buildfleet/lib/config"
	"github.com/buildfleet/buildfleet/lib/process"
	"github.com/buildfleet/buildfleet/lib/service"
	"github.com/buildfleet/buildfleet/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath  string
		timeout     time.Duration
		showVersion bool
	)
	pflag.StringVar(&socketPath, "socket", "", "control socket path (default: from configuration)")
	pflag.DurationVar(&timeout, "timeout", 30*time.Second, "time limit for the call")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("buildfleet-call %s\n", version.Info())
		return nil
	}

	arguments := pflag.Args()
	if len(arguments) == 0 {
		return fmt.Errorf("usage: buildfleet-call [--socket PATH] ACTION [KEY=VALUE ...]")
	}
	action := arguments[0]

	fields, err := parseFields(arguments[1:])
	if err != nil {
		return err
	}

	if socketPath == "" {
		socketPath = defaultSocketPath()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result map[string]any
	client := service.NewClient(socketPath)
	if err := client.Call(ctx, action, fields, &result); err != nil {
		return err
	}
	if result == nil {
		result = map[string]any{}
	}
	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering response: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// defaultSocketPath resolves the socket from configuration when
// available, falling back to the built-in default path.
func defaultSocketPath() string {
	if cfg, err := config.Load(); err == nil {
		return cfg.Paths.SocketPath
	}
	return config.Default().Paths.SocketPath
}

// parseFields turns KEY=VALUE arguments into request fields. Values
// that parse as JSON are passed through typed; everything else is a
// string.
func parseFields(arguments []string) (map[string]any, error) {
	fields := make(map[string]any, len(arguments))
	for _, argument := range arguments {
		key, value, found := strings.Cut(argument, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("argument %q is not KEY=VALUE", argument)
		}
		fields[key] = parseValue(value)
	}
	return fields, nil
}

func parseValue(value string) any {
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		return parsed
	}
	return value
}
