// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. This exists because Unix domain sockets have a
// 108-byte path limit (sun_path in sockaddr_un), and test runners can
// set TMPDIR to deeply nested paths that exceed this limit, making
// t.TempDir() unsuitable for socket files. The directory is
// automatically removed when the test completes.
//
// [RequireEventually] and [RequireReceive] encapsulate the real-time
// waits the tests cannot avoid: the input engine drains its queue in
// a background goroutine, so observing "processed", "tainted", or
// "lock released" means polling until the state appears. Apart from
// per-call RPC deadlines, which are context deadlines on real time,
// these are the only places the test suite touches the real wall
// clock; the advance-state budget and the check-in wait run on
// clock.FakeClock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
