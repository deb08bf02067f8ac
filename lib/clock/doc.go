// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source behind the
// manager's wall-clock decisions: the advance-state budget the input
// engine checks between run increments, and the bound on how long a
// session waits for a spawned worker's check-in.
//
// Production code injects Real(). Tests inject Fake(), under which
// time stands still until Advance is called, so a test can make an
// input overrun its advance-state budget (or a worker miss its
// check-in window) deterministically, without sleeping.
//
// Only the wall-clock side of the manager goes through this package.
// Per-call worker RPC deadlines are context deadlines on real time;
// collapsing the two would lose the distinction between "the input is
// taking too long" (a skip) and "the worker stopped answering" (a
// taint).
package clock
