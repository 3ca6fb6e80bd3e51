// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package retry provides the exponential-backoff retry loop shared by both
// TabletRpc variants (GetSafeTime and BackfillChunk). It is modeled on the
// pkg/util/retry idiom used throughout the teacher corpus (Options with
// InitialBackoff/MaxBackoff/Multiplier, consumed via retry.StartWithCtx at
// call sites like pkg/jobs/wait.go) and on pkg/util/retry/batch.go's
// distinction between a caller-classified retryable error and a fatal one
// that aborts the loop immediately.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// Options configures a retry loop. It corresponds to the per-RPC-class
// knobs in spec.md section 4.6: MaxRetries is rpc_max_retries, MaxBackoff is
// rpc_max_delay_ms.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxRetries     int
}

// Classification is returned by a caller's IsFatal callback to decide
// whether an attempt's error terminates the loop.
type Classification int

const (
	// Retry means the error is transient; the loop should back off and
	// try again, subject to MaxRetries.
	Retry Classification = iota
	// Fatal means the error must not be retried (spec.md section 4.6's
	// TABLET_NOT_FOUND, MISMATCHED_SCHEMA, TABLET_HAS_A_NEWER_SCHEMA,
	// OPERATION_NOT_SUPPORTED).
	Fatal
)

// Classifier decides, given the error from one attempt, whether the loop
// should retry or stop.
type Classifier func(err error) Classification

// ErrMaxRetriesExceeded is wrapped around the last error seen when the
// retry budget is exhausted.
var ErrMaxRetriesExceeded = errors.New("retry: max retries exceeded")

// Do runs fn, retrying on errors classified as Retry by classify, until fn
// succeeds, an attempt is classified Fatal, MaxRetries is exhausted, or ctx
// is done. Each attempt's deadline is left to the caller (fn should derive
// its own context.WithDeadline per spec.md section 4.6's
// "min(now + rpc_timeout_ms, overall_deadline)" rule); Do only owns the
// inter-attempt backoff.
func Do(ctx context.Context, opts Options, classify Classifier, fn func(ctx context.Context, attempt int) error) error {
	backoff := opts.InitialBackoff
	var lastErr error
	for attempt := 1; opts.MaxRetries <= 0 || attempt <= opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if classify(err) == Fatal {
			return err
		}
		if opts.MaxRetries > 0 && attempt == opts.MaxRetries {
			break
		}
		sleep := backoff
		// Full jitter, in the spirit of the doubling-with-cap idiom in
		// pkg/util/retry/batch.go, without borrowing its batch-size-halving
		// semantics (that package solves a different problem: shrinking a
		// batch, not delaying a retry).
		jittered := time.Duration(rand.Int63n(int64(sleep) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		backoff = time.Duration(float64(backoff) * opts.Multiplier)
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
	return fmt.Errorf("%w: gave up after %d attempts: %w", ErrMaxRetriesExceeded, opts.MaxRetries, lastErr)
}
