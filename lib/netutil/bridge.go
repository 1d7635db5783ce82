// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides byte-relay plumbing shared by the proxy
// tunnel helper and its tests.
package netutil

import (
	"io"
	"net"
)

// bridgeCopyResult holds the outcome of one direction of a
// bidirectional copy.
type bridgeCopyResult struct {
	bytesCopied int64
	err         error
}

// BridgeConnections copies bytes bidirectionally between two
// connections. Returns when either direction finishes; both
// connections are closed before returning to unblock the surviving
// goroutine. Returns the error from the direction that terminated
// first, or nil if termination was normal connection closure.
func BridgeConnections(a, b net.Conn) error {
	done := make(chan bridgeCopyResult, 2)

	go func() {
		bytesCopied, err := io.Copy(b, a)
		done <- bridgeCopyResult{bytesCopied, err}
	}()

	go func() {
		bytesCopied, err := io.Copy(a, b)
		done <- bridgeCopyResult{bytesCopied, err}
	}()

	// Wait for one direction to finish, then close both to unblock
	// the other.
	first := <-done
	a.Close()
	b.Close()
	<-done

	if first.err != nil && !IsExpectedCloseError(first.err) {
		return first.err
	}
	return nil
}

// BridgeStreams relays bytes between a connection and a reader/writer
// pair that are not themselves a net.Conn — in the tunnel helper the
// pair is the process's stdin and stdout. When the reader hits EOF the
// connection's write side is half-closed (where supported) and the
// remote's remaining output is still relayed; when the connection
// closes, BridgeStreams returns at once without waiting for the reader,
// which may never produce EOF. The reader/writer pair is left open
// (closing stdio is the caller's concern).
func BridgeStreams(conn net.Conn, in io.Reader, out io.Writer) error {
	stdinDone := make(chan bridgeCopyResult, 1)
	remoteDone := make(chan bridgeCopyResult, 1)

	go func() {
		bytesCopied, err := io.Copy(conn, in)
		stdinDone <- bridgeCopyResult{bytesCopied, err}
	}()

	go func() {
		bytesCopied, err := io.Copy(out, conn)
		remoteDone <- bridgeCopyResult{bytesCopied, err}
	}()

	for {
		select {
		case result := <-remoteDone:
			// Nothing more can arrive from the remote; the stdin copy is
			// abandoned, unblocked by the Close where it matters.
			conn.Close()
			if result.err != nil && !IsExpectedCloseError(result.err) {
				return result.err
			}
			return nil
		case result := <-stdinDone:
			if result.err != nil && !IsExpectedCloseError(result.err) {
				conn.Close()
				return result.err
			}
			// Stdin EOF: pass it on as a half-close and keep draining
			// the remote's side of the conversation.
			if halfCloser, ok := conn.(interface{ CloseWrite() error }); ok {
				halfCloser.CloseWrite()
			}
			stdinDone = nil
		}
	}
}
