// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampLess(t *testing.T) {
	require.True(t, Timestamp{WallTime: 1}.Less(Timestamp{WallTime: 2}))
	require.True(t, Timestamp{WallTime: 1, Logical: 0}.Less(Timestamp{WallTime: 1, Logical: 1}))
	require.False(t, Timestamp{WallTime: 2}.Less(Timestamp{WallTime: 1}))
}

func TestMax(t *testing.T) {
	a := Timestamp{WallTime: 80}
	b := Timestamp{WallTime: 110}
	c := Timestamp{WallTime: 95}
	require.Equal(t, b, Max(Max(a, b), c))
}

func TestToFromUint64RoundTrip(t *testing.T) {
	ts := Timestamp{WallTime: 1234567890, Logical: 7}
	require.Equal(t, ts, FromUint64(ts.ToUint64()))
}

func TestClockNowIsMonotonic(t *testing.T) {
	fixed := time.Unix(1000, 0)
	c := NewClock(func() time.Time { return fixed })
	a := c.Now()
	b := c.Now()
	require.True(t, a.Less(b))
}

func TestClockUpdateAdvancesPastRemote(t *testing.T) {
	fixed := time.Unix(1000, 0)
	c := NewClock(func() time.Time { return fixed })
	remote := Timestamp{WallTime: fixed.UnixNano() + int64(time.Hour)}
	c.Update(remote)
	now := c.Now()
	require.True(t, remote.Less(now))
}

func TestIsValid(t *testing.T) {
	require.False(t, Invalid.IsValid())
	require.True(t, Timestamp{WallTime: 1}.IsValid())
}
