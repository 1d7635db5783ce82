// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/buildfleet/buildfleet/builder"
	"github.com/buildfleet/buildfleet/lib/codec"
	"github.com/buildfleet/buildfleet/lib/config"
	"github.com/buildfleet/buildfleet/lib/service"
	"github.com/buildfleet/buildfleet/lib/version"
)

// infoResponse answers the info action.
type infoResponse struct {
	BuildKinds      []string `cbor:"build_kinds"`
	Version         string   `cbor:"version"`
	ArchitectureTag string   `cbor:"architecture_tag"`
}

// proxyInfoResponse answers the proxy_info action. An empty URL means
// builds on this builder run without network egress.
type proxyInfoResponse struct {
	ProxyURL string `cbor:"proxy_url,omitempty"`
}

// ensurePresentResponse answers the ensure_present action. Info is a
// human-readable note: where the file came from, or why it could not
// be fetched.
type ensurePresentResponse struct {
	Present bool   `cbor:"present"`
	Info    string `cbor:"info"`
}

// registerHandlers wires the control protocol actions to the engine.
func registerHandlers(server *service.SocketServer, engine *builder.Engine, cfg *config.Config) {
	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Message string `cbor:"message"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		return map[string]string{"message": request.Message}, nil
	})

	server.Handle("info", func(ctx context.Context, raw []byte) (any, error) {
		return infoResponse{
			BuildKinds:      builder.RegisteredKinds(),
			Version:         version.Short(),
			ArchitectureTag: cfg.Builder.ArchitectureTag,
		}, nil
	})

	server.Handle("proxy_info", func(ctx context.Context, raw []byte) (any, error) {
		return proxyInfoResponse{ProxyURL: cfg.Proxy.URL}, nil
	})

	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return engine.Status(), nil
	})

	server.Handle("build", func(ctx context.Context, raw []byte) (any, error) {
		var request builder.BuildRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		if err := engine.Start(request); err != nil {
			return nil, err
		}
		return map[string]string{"build_id": request.BuildID}, nil
	})

	server.Handle("abort", func(ctx context.Context, raw []byte) (any, error) {
		return nil, engine.Abort()
	})

	server.Handle("clean", func(ctx context.Context, raw []byte) (any, error) {
		return nil, engine.Clean()
	})

	server.Handle("ensure_present", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Digest   string `cbor:"digest"`
			URL      string `cbor:"url,omitempty"`
			Username string `cbor:"username,omitempty"`
			Password string `cbor:"password,omitempty"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		present, info := engine.EnsurePresent(ctx,
			request.Digest, request.URL, request.Username, request.Password)
		return ensurePresentResponse{Present: present, Info: info}, nil
	})
}
