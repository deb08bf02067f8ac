// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package machine defines the RPC surface of the machine-emulator
// worker process and a typed client for it.
//
// Workers are spawned by the manager, bind their own listening socket,
// and announce it back through the manager's check-in endpoint. From
// then on the manager drives the worker exclusively through Client:
// instantiating the emulator, running it in cycle increments, reading
// and writing its memory ranges, collecting Merkle proofs, and
// snapshotting or rolling back around each input.
//
// Every call takes a context; the caller chooses the deadline from its
// per-session deadline configuration. The protocol types in this
// package are shared with worker implementations (and the scripted
// fake workers used in tests).
package machine
