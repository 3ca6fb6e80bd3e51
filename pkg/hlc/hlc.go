// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package hlc implements a hybrid logical clock: a physical wall-clock
// component paired with a logical counter that lets the master hand out a
// strictly increasing timestamp even when several events share the same
// wall-clock millisecond. It is the basis of the "safe time" the backfill
// controller elects before scanning the indexed table (see the backfill
// package).
package hlc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Timestamp is a hybrid logical timestamp: a physical component (wall time,
// nanoseconds since the Unix epoch) and a logical component that
// disambiguates events sharing the same physical tick.
type Timestamp struct {
	WallTime int64
	Logical  int32
}

// Invalid is the zero value; it never compares greater than a real
// timestamp and is used the way original_source uses HybridTime::kInvalid.
var Invalid = Timestamp{}

// IsValid reports whether t was ever assigned from a clock reading.
func (t Timestamp) IsValid() bool {
	return t != Invalid
}

// Less reports whether t happened strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	if t.WallTime != o.WallTime {
		return t.WallTime < o.WallTime
	}
	return t.Logical < o.Logical
}

// String implements fmt.Stringer.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d,%d", t.WallTime/int64(time.Second), t.WallTime%int64(time.Second), t.Logical)
}

// ToUint64 encodes t the way the wire protocol and the persisted
// backfilling_timestamp property represent a HybridTime: as a single
// opaque integer safe to round-trip through FromUint64.
func (t Timestamp) ToUint64() uint64 {
	return uint64(t.WallTime)<<12 | uint64(uint32(t.Logical)&0xfff)
}

// FromUint64 decodes a timestamp produced by ToUint64.
func FromUint64(v uint64) Timestamp {
	return Timestamp{
		WallTime: int64(v >> 12),
		Logical:  int32(v & 0xfff),
	}
}

// Max returns the later of a and b.
func Max(a, b Timestamp) Timestamp {
	if a.Less(b) {
		return b
	}
	return a
}

// Clock is a hybrid logical clock safe for concurrent use. Every RPC
// response observed by the master is fed back through Update, propagating
// the remote peer's clock reading into the master's own, per spec.md
// section 4.6.
type Clock struct {
	mu      sync.Mutex
	physNow func() time.Time

	logical  atomic.Int32
	wallTime atomic.Int64
}

// NewClock constructs a Clock. physNow defaults to time.Now when nil; tests
// may substitute a deterministic source.
func NewClock(physNow func() time.Time) *Clock {
	if physNow == nil {
		physNow = time.Now
	}
	return &Clock{physNow: physNow}
}

// Now returns a timestamp guaranteed to be greater than any timestamp
// previously returned by Now or observed by Update on this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physNow().UnixNano()
	wall := c.wallTime.Load()
	if phys > wall {
		c.wallTime.Store(phys)
		c.logical.Store(0)
		return Timestamp{WallTime: phys, Logical: 0}
	}
	l := c.logical.Inc()
	return Timestamp{WallTime: wall, Logical: l}
}

// Update propagates a timestamp observed on the wire (e.g. a tablet
// server's propagated_hybrid_time) into this clock, ensuring subsequent
// calls to Now() stay ahead of it.
func (c *Clock) Update(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physNow().UnixNano()
	wall := c.wallTime.Load()
	switch {
	case remote.WallTime > wall && remote.WallTime > phys:
		c.wallTime.Store(remote.WallTime)
		c.logical.Store(remote.Logical + 1)
	case remote.WallTime == wall && wall >= phys:
		if remote.Logical >= c.logical.Load() {
			c.logical.Store(remote.Logical + 1)
		}
	case phys > wall:
		c.wallTime.Store(phys)
		if remote.WallTime == phys {
			c.logical.Store(remote.Logical + 1)
		} else {
			c.logical.Store(0)
		}
	}
}
