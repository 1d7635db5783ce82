// Copyright 2026 The Buildfleet Authors
// SPDX-License-Identifier: Apache-2.0

// Buildfleet-tunnel bridges a raw TCP stream through an HTTP forward
// proxy. Build tooling inside the sandbox invokes it (for example as
// GIT_PROXY_COMMAND) when it needs a non-HTTP protocol to traverse the
// builder's egress proxy.
//
// Usage: buildfleet-tunnel HOST PORT
//
// The proxy URL comes from https_proxy or http_proxy in the
// environment and may embed credentials. Bytes are relayed between
// stdin/stdout and the tunnel until either side closes. There is no
// retry logic: a broken tunnel is the calling tool's failure to
// handle.
package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/buildfleet/buildfleet/lib/netutil"
	"github.com/buildfleet/buildfleet/lib/version"
)

func main() {
	args := os.Args[1:]
	for _, arg := range args {
		if arg == "--version" {
			fmt.Printf("buildfleet-tunnel %s\n", version.Info())
			return
		}
	}
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: buildfleet-tunnel HOST PORT\n")
		os.Exit(2)
	}

	proxyURL := os.Getenv("https_proxy")
	if proxyURL == "" {
		proxyURL = os.Getenv("http_proxy")
	}
	if proxyURL == "" {
		fmt.Fprintf(os.Stderr, "error: no https_proxy or http_proxy in environment\n")
		os.Exit(1)
	}

	if err := tunnel(proxyURL, args[0], args[1], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// tunnel dials the proxy, establishes a CONNECT tunnel to host:port,
// and relays bytes between in/out and the tunnel.
func tunnel(proxyURL, host, port string, in io.Reader, out io.Writer) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("malformed proxy URL: %w", err)
	}
	proxyAddress := parsed.Host
	if parsed.Port() == "" {
		proxyAddress = net.JoinHostPort(parsed.Hostname(), "80")
	}

	conn, err := net.Dial("tcp", proxyAddress)
	if err != nil {
		return fmt.Errorf("connecting to proxy: %w", err)
	}

	target := net.JoinHostPort(host, port)
	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user := parsed.User; user != nil {
		password, _ := user.Password()
		credentials := base64.StdEncoding.EncodeToString(
			[]byte(user.Username() + ":" + password))
		request += "Proxy-Authorization: Basic " + credentials + "\r\n"
	}
	request += "\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		conn.Close()
		return fmt.Errorf("sending CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := http.ReadResponse(reader, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading CONNECT response: %w", err)
	}
	response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		conn.Close()
		return fmt.Errorf("proxy refused CONNECT to %s: %s", target, response.Status)
	}

	// Bytes the proxy sent after its headers belong to the tunnel;
	// drain the parser's buffer before handing the raw connection to
	// the bridge.
	if buffered := reader.Buffered(); buffered > 0 {
		early, err := reader.Peek(buffered)
		if err != nil {
			conn.Close()
			return err
		}
		if _, err := out.Write(early); err != nil {
			conn.Close()
			return err
		}
	}

	return netutil.BridgeStreams(conn, in, out)
}
