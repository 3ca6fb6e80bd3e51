// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package lastresponder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResetWithZeroFiresImmediately(t *testing.T) {
	var c Counter
	fired := false
	c.Reset(0, func() { fired = true })
	require.True(t, fired, "scenario 6: an empty set must trigger the terminal action at Reset time")
}

func TestDecrementFiresExactlyOnceOnLastResponder(t *testing.T) {
	var c Counter
	var fireCount int
	var mu sync.Mutex
	c.Reset(5, func() {})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Decrement(func() {
				mu.Lock()
				fireCount++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fireCount)
	require.Equal(t, int64(0), c.Pending())
	require.Equal(t, int64(5), c.Total())
}

func TestDecrementDoesNotFireBeforeZero(t *testing.T) {
	var c Counter
	fired := false
	c.Reset(2, func() {})
	c.Decrement(func() { fired = true })
	require.False(t, fired)
	c.Decrement(func() { fired = true })
	require.True(t, fired)
}
