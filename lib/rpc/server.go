// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/rollup/lib/codec"
	"github.com/bureau-foundation/rollup/lib/status"
)

// ActionFunc processes a request for a specific action. The raw
// parameter is the full CBOR request (including the "action" field);
// the handler decodes action-specific fields from it.
//
// Return a value to include in the success response, or an error for
// a failure response. A *status.Error keeps its code across the wire;
// any other error is reported as internal. If the returned value is
// nil, the response contains only {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the wire-format envelope for all protocol responses.
// Handlers return a result value (or nil) and an error; the server
// wraps these into a Response before encoding.
type Response struct {
	OK    bool             `cbor:"ok"`
	Code  status.Code      `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// readTimeout is how long the server waits for the client to send its
// request. A well-behaved client sends the request immediately after
// connecting.
const readTimeout = 30 * time.Second

// writeTimeout is how long the server waits for the response to be
// written.
const writeTimeout = 10 * time.Second

// maxRequestSize is the maximum size of a single CBOR request. Input
// payloads are bounded by the machine's rx buffer (a few megabytes);
// 32 MB leaves headroom for the largest configured buffer plus
// metadata without letting a broken client exhaust memory.
const maxRequestSize = 32 * 1024 * 1024

// Server serves the CBOR request-response protocol on a tcp or unix
// address. Each connection handles exactly one request-response cycle.
//
// Actions are registered with Handle before calling Listen. Unknown
// actions receive an invalid_argument response.
type Server struct {
	address  string
	handlers map[string]ActionFunc
	logger   *slog.Logger

	listener net.Listener

	// activeConnections tracks in-flight request handlers for
	// graceful shutdown. Serve waits for all active connections to
	// complete before returning.
	activeConnections sync.WaitGroup
}

// NewServer creates a server for the given address ("host:port" or
// "unix:<path>"). Register actions with Handle, then call Listen and
// Serve.
func NewServer(address string, logger *slog.Logger) *Server {
	return &Server{
		address:  address,
		handlers: make(map[string]ActionFunc),
		logger:   logger,
	}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("rpc.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Listen binds the server socket and returns the resolved address. A
// tcp address with port 0 resolves to the actual port chosen by the
// kernel; spawned workers are told this resolved address, so Listen
// must happen before the first worker spawn. A stale unix socket file
// at the configured path is removed before binding.
func (s *Server) Listen() (string, error) {
	network, target, err := SplitAddress(s.address)
	if err != nil {
		return "", err
	}
	if network == "unix" {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("removing stale socket %s: %w", target, err)
		}
	}
	listener, err := net.Listen(network, target)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.listener = listener
	return JoinAddress(network, listener.Addr().String()), nil
}

// Serve accepts connections and dispatches requests to registered
// action handlers. Blocks until ctx is cancelled, then stops accepting
// new connections and waits for active handlers to complete. Listen
// must have been called first.
//
// The socket file of a unix listener is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("rpc: Serve called before Listen")
	}
	defer func() {
		s.listener.Close()
		if network, target, err := SplitAddress(s.address); err == nil && network == "unix" {
			os.Remove(target)
		}
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.logger.Info("rpc server listening", "address", s.listener.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// handleConnection processes one request-response cycle.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	// Decode one CBOR value from the connection. LimitReader prevents
	// a malicious client from exhausting memory.
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		s.writeError(conn, status.Errorf(status.InvalidArgument, "invalid request: %v", err))
		return
	}

	// Extract the action field for routing.
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, status.Errorf(status.InvalidArgument, "invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, status.Errorf(status.InvalidArgument, "missing required field: action"))
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, status.Errorf(status.InvalidArgument, "unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed",
			"action", header.Action,
			"code", status.CodeOf(err),
			"error", err,
		)
		s.writeError(conn, err)
		return
	}

	s.writeSuccess(conn, result)
}

// writeError sends a failure response carrying the error's status code
// and message. Write failures are logged at debug level — the
// connection is closing regardless, and the caller has already
// received the error.
func (s *Server) writeError(conn net.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if encodeErr := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Code:  status.CodeOf(err),
		Error: status.MessageOf(err),
	}); encodeErr != nil {
		s.logger.Debug("failed to write error response", "error", encodeErr)
	}
}

// writeSuccess sends a success response. If result is nil, the
// response is {ok: true}. If non-nil, the value is marshaled as CBOR
// and placed in the "data" field.
func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, status.Errorf(status.Internal, "marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
