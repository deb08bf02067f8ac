// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the CBOR request-response protocol spoken on
// every socket in the rollup system: the manager's public surface, the
// check-in endpoint, and the machine-emulator worker surface.
//
// Each connection carries exactly one request and one response, then
// closes. A request is a single CBOR map whose "action" field routes
// it to a registered handler; the response is an envelope carrying
// either the handler's CBOR-encoded result or a typed status code and
// message. CBOR is self-delimiting, so no framing protocol is needed.
//
// Addresses are either "host:port" (tcp, IPv4 or IPv6) or
// "unix:<path>". A Server listens with Listen (resolving ":0" to the
// actual port) and accepts with Serve; a Client dials per call and
// honors the context deadline across dial, write, and read.
package rpc
