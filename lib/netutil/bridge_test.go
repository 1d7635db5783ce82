// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

func TestBridgeConnectionsRelaysBothDirections(t *testing.T) {
	leftOuter, leftInner := net.Pipe()
	rightInner, rightOuter := net.Pipe()

	bridgeDone := make(chan error, 1)
	go func() {
		bridgeDone <- BridgeConnections(leftInner, rightInner)
	}()

	// left → right
	go leftOuter.Write([]byte("ping"))
	buffer := make([]byte, 4)
	if _, err := io.ReadFull(rightOuter, buffer); err != nil {
		t.Fatalf("reading relayed bytes: %v", err)
	}
	if string(buffer) != "ping" {
		t.Errorf("relayed %q, want %q", buffer, "ping")
	}

	// right → left
	go rightOuter.Write([]byte("pong"))
	if _, err := io.ReadFull(leftOuter, buffer); err != nil {
		t.Fatalf("reading relayed bytes: %v", err)
	}
	if string(buffer) != "pong" {
		t.Errorf("relayed %q, want %q", buffer, "pong")
	}

	// Closing one end terminates the bridge without error.
	leftOuter.Close()
	rightOuter.Close()
	if err := <-bridgeDone; err != nil {
		t.Errorf("BridgeConnections returned %v, want nil on normal close", err)
	}
}

func TestBridgeStreamsRelaysStdioToConnection(t *testing.T) {
	near, far := net.Pipe()

	input := strings.NewReader("request-bytes")
	var output bytes.Buffer

	bridgeDone := make(chan error, 1)
	go func() {
		bridgeDone <- BridgeStreams(near, input, &output)
	}()

	// The far side sees what was written on stdin.
	buffer := make([]byte, len("request-bytes"))
	if _, err := io.ReadFull(far, buffer); err != nil {
		t.Fatalf("reading from far side: %v", err)
	}
	if string(buffer) != "request-bytes" {
		t.Errorf("far side read %q, want %q", buffer, "request-bytes")
	}

	// Bytes written by the far side land on stdout; closing the far
	// side ends the bridge.
	if _, err := far.Write([]byte("response-bytes")); err != nil {
		t.Fatalf("writing from far side: %v", err)
	}
	far.Close()

	if err := <-bridgeDone; err != nil {
		t.Errorf("BridgeStreams returned %v, want nil on normal close", err)
	}
	if got := output.String(); got != "response-bytes" {
		t.Errorf("stdout captured %q, want %q", got, "response-bytes")
	}
}

func TestBridgeStreamsReturnsWhenConnectionClosesFirst(t *testing.T) {
	near, far := net.Pipe()

	// Stdin stays open for the whole test: a git process driving the
	// bridge keeps its pipe open, and the bridge must not wait for EOF
	// there once the remote is gone.
	stdinReader, stdinWriter := io.Pipe()
	defer stdinWriter.Close()

	bridgeDone := make(chan error, 1)
	go func() {
		bridgeDone <- BridgeStreams(near, stdinReader, io.Discard)
	}()

	far.Close()
	select {
	case err := <-bridgeDone:
		if err != nil {
			t.Errorf("BridgeStreams returned %v, want nil on remote close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BridgeStreams did not return after the connection closed")
	}
}
