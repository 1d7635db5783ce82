// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"net"

	"github.com/buildfleet/buildfleet/lib/codec"
)

// ServiceError is a failure response from the server, as opposed to a
// transport failure reaching it.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

// Client calls actions on a Buildfleet control socket. Each call opens
// a fresh connection, matching the server's one-request-per-connection
// protocol. The zero value is not usable; construct with NewClient.
type Client struct {
	socketPath string
}

// NewClient creates a client for the control socket at socketPath. No
// connection is made until the first Call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call performs one request-response cycle: it connects, sends the
// action with the given fields, and decodes the response.
//
// The "action" key is set from the action parameter; fields may be nil
// for actions that take no parameters. If result is non-nil, the
// response's data field is unmarshaled into it.
//
// A failure response from the server is returned as a *ServiceError.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	// Honor context cancellation mid-call by forcing the connection
	// closed, which unblocks the pending read or write.
	callDone := make(chan struct{})
	defer close(callDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-callDone:
		}
	}()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("sending %s request: %w", action, err)
	}

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading %s response: %w", action, err)
	}

	if !response.OK {
		return &ServiceError{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding %s response data: %w", action, err)
		}
	}
	return nil
}
