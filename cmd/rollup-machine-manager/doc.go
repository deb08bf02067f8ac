// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Rollup-machine-manager is a long-lived RPC service that orchestrates
// a fleet of machine-emulator worker processes for rollups. Clients
// create sessions, feed them inputs in epochs, and read back the
// side-effects (vouchers, notices, reports) together with Merkle
// proofs binding each side-effect to the machine state after its
// input.
//
// # Sessions and workers
//
// Each session owns one worker process, spawned into its own process
// group. A freshly spawned worker binds a listening socket and
// announces it through the manager's check-in endpoint; the session
// that triggered the spawn suspends until that check-in arrives. The
// worker respawns (and checks in again) around every snapshot and
// rollback, so the rendezvous is a steady part of input processing,
// not just session start.
//
// # Input processing
//
// Inputs enqueue through AdvanceState and are processed strictly in
// order by a single per-session drain loop: snapshot, write the input
// into the machine's rx buffer, run in cycle increments under a dual
// deadline (cycle budget and wall clock), harvest vouchers, notices,
// and reports from the tx buffer, and commit the voucher and notice
// hash range roots into the epoch's append-only Merkle trees. A
// rejected, halted, or over-budget input is rolled back and recorded
// as skipped with a zero leaf in both trees.
//
// A failed worker interaction taints the session permanently; only
// the status queries and EndSession work afterwards, and EndSession
// on a tainted session kills the worker's whole process group.
//
// # Protocol
//
// The manager serves the CBOR request-per-connection protocol of
// lib/rpc on --manager-address (host:port or unix:<path>); request
// and response types live in lib/api. The same server carries the
// worker check-in endpoint, mirroring the worker surface consumed via
// lib/machine.
package main
