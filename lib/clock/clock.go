// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source consulted for wall-clock budgets. The
// manager needs exactly two operations: reading the current time (to
// measure how long an input has been running) and waiting for a
// duration to pass (to bound the check-in rendezvous).
//
// Code that would otherwise call time.Now or time.After takes a Clock
// instead, so the deadline paths stay testable.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time
}
