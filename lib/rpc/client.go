// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/bureau-foundation/rollup/lib/codec"
	"github.com/bureau-foundation/rollup/lib/status"
)

// defaultCallTimeout bounds a Call whose context carries no deadline.
// Callers in the manager always pass deadline contexts (every worker
// interaction is deadline-scoped); this is a backstop for tools.
const defaultCallTimeout = 45 * time.Second

// maxResponseSize is the maximum size of a single CBOR response.
// Matches the server's maxRequestSize for symmetry.
const maxResponseSize = 32 * 1024 * 1024

// Client sends CBOR requests to an rpc.Server. Each Call opens a new
// connection (matching the server's one-request-per-connection model),
// sends the request, reads the response, and closes the connection.
//
// The zero Client is not usable; create one with NewClient.
type Client struct {
	address string
}

// NewClient creates a client for the given address ("host:port" or
// "unix:<path>"). The address is validated here so that a malformed
// worker address fails at check-in time, not on the first call.
func NewClient(address string) (*Client, error) {
	if _, _, err := SplitAddress(address); err != nil {
		return nil, err
	}
	return &Client{address: address}, nil
}

// Address returns the address the client dials.
func (c *Client) Address() string {
	return c.address
}

// Call sends a request for the given action and decodes the response.
//
// The request value (a struct or map, or nil for actions without
// parameters) supplies the action-specific fields; Call injects the
// "action" field itself. On success, if result is non-nil and the
// response carries data, the data is decoded into result.
//
// Failure responses come back as *status.Error with the server's code
// and message. Transport failures are classified: timeouts map to
// deadline_exceeded and unreachable servers to unavailable, so that a
// taint latched from a worker call records why the worker was lost.
func (c *Client) Call(ctx context.Context, action string, request any, result any) error {
	fields, err := requestFields(request)
	if err != nil {
		return fmt.Errorf("encoding %q request: %w", action, err)
	}
	fields["action"] = action

	response, err := c.send(ctx, fields)
	if err != nil {
		return classifyTransportError(action, err)
	}

	if !response.OK {
		code := response.Code
		if code == "" {
			code = status.Internal
		}
		return &status.Error{Code: code, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return status.Errorf(status.Internal, "decoding %q response: %v", action, err)
		}
	}
	return nil
}

// requestFields flattens the request value into a string-keyed map so
// the "action" routing field can be injected alongside the caller's
// fields, preserving the flat wire shape the server expects.
func requestFields(request any) (map[string]any, error) {
	if request == nil {
		return make(map[string]any, 1), nil
	}
	encoded, err := codec.Marshal(request)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := codec.Unmarshal(encoded, &fields); err != nil {
		return nil, fmt.Errorf("request must encode as a CBOR map: %w", err)
	}
	return fields, nil
}

// send connects, writes the request, and reads the response envelope.
// The context deadline covers the whole exchange.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	network, target, err := SplitAddress(c.address)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.address, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side. CBOR is self-delimiting so this
	// isn't strictly necessary, but it lets the server's read side
	// see EOF cleanly.
	switch c := conn.(type) {
	case *net.UnixConn:
		c.CloseWrite()
	case *net.TCPConn:
		c.CloseWrite()
	}

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

// classifyTransportError maps connection-level failures to protocol
// status codes.
func classifyTransportError(action string, err error) error {
	switch {
	case os.IsTimeout(err), errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(status.DeadlineExceeded, "calling %q: %v", action, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENOENT),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return status.Errorf(status.Unavailable, "calling %q: %v", action, err)
	default:
		return status.Errorf(status.Internal, "calling %q: %v", action, err)
	}
}
