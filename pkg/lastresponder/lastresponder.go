// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package lastresponder factors out the "decrement-and-test" idiom that
// appears three times in the backfill controller (safe-time reduction,
// backfill completion reduction, and the empty-tablet-set edge case) into a
// single reusable counter, per the design note in spec.md section 9: "a
// counter that invokes a terminal closure exactly once, on the thread that
// observes the zero transition, with explicit handling of the initial-zero
// case."
package lastresponder

import "go.uber.org/atomic"

// Counter counts down from an initial value set by Reset and invokes a
// caller-supplied closure exactly once, on whichever goroutine's call to
// Decrement (or Reset, for the zero-tablets edge case) observes the count
// reach zero.
type Counter struct {
	pending atomic.Int64
	total   atomic.Int64
}

// Reset sets the counter to n and, if n is zero, immediately invokes onZero
// on the calling goroutine. This handles scenario 6 of spec.md section 8:
// an indexed table with zero tablets has no RPC responder to drive the
// terminal transition, so the caller must check for zero right after
// setting the counters.
func (c *Counter) Reset(n int64, onZero func()) {
	c.total.Store(n)
	c.pending.Store(n)
	if n == 0 {
		onZero()
	}
}

// Total returns the value most recently passed to Reset.
func (c *Counter) Total() int64 {
	return c.total.Load()
}

// Pending returns the number of outstanding responses.
func (c *Counter) Pending() int64 {
	return c.pending.Load()
}

// Decrement decrements the pending count by one and invokes onZero exactly
// once, on the goroutine whose decrement drops the count to zero.
func (c *Counter) Decrement(onZero func()) {
	if c.pending.Dec() == 0 {
		onZero()
	}
}
