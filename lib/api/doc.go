// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api defines the request and response types of the rollup
// machine manager RPC surface, plus the protocol constants that bind
// clients, the manager, and its workers together.
//
// Clients drive the manager with these types over the lib/rpc socket
// protocol: start a session (which spawns and hand-shakes a worker),
// enqueue inputs with AdvanceState, observe progress with the status
// queries, and finalize epochs with FinishEpoch. The check-in request
// is spoken by workers, not clients, but shares the surface.
package api
