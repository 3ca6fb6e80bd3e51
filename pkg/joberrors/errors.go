// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package joberrors defines the sentinel errors and error-marking helpers
// shared across the catalog and backfill packages, following the
// sentinel-marking idiom used by pkg/jobs/errors.go in the teacher corpus
// (MarkAsRetryJobError / MarkAsPermanentJobError / IsPermanentJobError).
package joberrors

import "github.com/cockroachdb/errors"

// ErrAlreadyPresent is returned by CatalogMutator operations when the
// caller's expected schema version no longer matches reality: some other
// actor has already advanced the ladder. Spec.md section 7 calls this
// VersionMismatch.
var ErrAlreadyPresent = errors.New("already present: schema version has moved on")

// ErrLeaderChanged is returned when a catalog write is rejected because the
// caller's leader term is no longer current (spec.md section 7's
// LeaderLost).
var ErrLeaderChanged = errors.New("rejected: leader term is stale")

// errPermanentSentinel marks an error that must not be retried by any
// caller-side retry loop, mirroring pkg/jobs/errors.go's
// errJobPermanentSentinel.
var errPermanentSentinel = errors.New("permanent backfill error")

// errRetryableSentinel marks an error explicitly eligible for retry.
var errRetryableSentinel = errors.New("retryable backfill error")

// MarkPermanent marks err as non-retryable.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanentSentinel)
}

// MarkRetryable marks err as eligible for retry.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errRetryableSentinel)
}

// IsPermanent reports whether err (or anything it wraps) was marked
// permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanentSentinel)
}

// IsRetryable reports whether err (or anything it wraps) was marked
// retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, errRetryableSentinel)
}

// IsAlreadyPresent reports whether err is (or wraps) ErrAlreadyPresent.
func IsAlreadyPresent(err error) bool {
	return errors.Is(err, ErrAlreadyPresent)
}

// IsLeaderChanged reports whether err is (or wraps) ErrLeaderChanged.
func IsLeaderChanged(err error) bool {
	return errors.Is(err, ErrLeaderChanged)
}
