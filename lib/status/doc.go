// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the typed failure codes of the rollup manager
// RPC protocol. A handler failure is an *status.Error carrying one of
// the Code constants; the RPC server writes the code into the response
// envelope, and clients rebuild the *status.Error on their side, so a
// status round-trips the wire intact.
//
// The same codes classify session taint: when a worker interaction
// fails, the originating status is latched into the session and
// reported by the status queries until the session ends.
package status
