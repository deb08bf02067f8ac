// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Now always
// reports the same instant until Advance moves it; After waits fire
// only when an Advance carries the clock past their deadline.
//
// In the manager tests a fake worker's scripted run step calls
// Advance to burn through the session's advance-state budget between
// run increments, which is how the "skip by time limit" verdict is
// reached without sleeping through the budget in real time.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is the deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time

	// waits holds the pending After channels, each with the instant
	// it is due. Fired entries are removed; a wait whose deadline
	// never comes just sits here for the life of the test (the
	// check-in bound in a test that checks in promptly, for
	// example).
	waits []fakeWait
}

// fakeWait is one pending After.
type fakeWait struct {
	due     time.Time
	channel chan time.Time
}

// Now returns the frozen current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock has been
// advanced past duration d. A non-positive d fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waits = append(c.waits, fakeWait{
		due:     c.current.Add(d),
		channel: channel,
	})
	return channel
}

// Advance moves the clock forward by d and fires every pending After
// whose deadline has been reached. The channels are buffered, so
// firing never blocks on a receiver.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)

	remaining := c.waits[:0]
	for _, wait := range c.waits {
		if wait.due.After(c.current) {
			remaining = append(remaining, wait)
			continue
		}
		wait.channel <- c.current
	}
	c.waits = remaining
}

// PendingWaits reports how many After channels have not fired yet.
func (c *FakeClock) PendingWaits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waits)
}
