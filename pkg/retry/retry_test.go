// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2, MaxRetries: 3},
		func(error) Classification { return Retry },
		func(ctx context.Context, attempt int) error {
			calls++
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2, MaxRetries: 5},
		func(error) Classification { return Retry },
		func(ctx context.Context, attempt int) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsImmediatelyOnFatal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2, MaxRetries: 5},
		func(error) Classification { return Fatal },
		func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("TABLET_NOT_FOUND")
		})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2, MaxRetries: 3},
		func(error) Classification { return Retry },
		func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("always fails")
		})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	require.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Options{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2, MaxRetries: 5},
		func(error) Classification { return Retry },
		func(ctx context.Context, attempt int) error {
			t.Fatal("fn should not be called once context is already done")
			return nil
		})
	require.ErrorIs(t, err, context.Canceled)
}
