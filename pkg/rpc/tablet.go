// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package rpc models the tablet-server RPCs the backfill controller issues
// (GetSafeTime, BackfillChunk, BackfillDone) and the shared retry/deadline/fatal-code
// wrapper described in spec.md section 4.6. The client interface is shaped
// like a generated gRPC service stub, following the corpus's use of
// google.golang.org/grpc/codes and status for RPC error classification
// (pkg/util/grpcutil/grpc_util.go), even though no concrete transport is
// wired up here — TabletServiceClient is the seam a real grpc.ClientConn
// implementation would satisfy.
package rpc

import (
	"context"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/metrics"
	"github.com/brianfdc/yugabyte-db/pkg/retry"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GetSafeTimeRequest is the wire request for GetSafeTime (spec.md 4.6).
type GetSafeTimeRequest struct {
	DestUUID                 string
	TabletID                 string
	MinHybridTimeForBackfill hlc.Timestamp
	PropagatedHybridTime     hlc.Timestamp
}

// GetSafeTimeResponse is the wire response for GetSafeTime.
type GetSafeTimeResponse struct {
	SafeTime             hlc.Timestamp
	PropagatedHybridTime hlc.Timestamp
}

// BackfillChunkRequest is the wire request for BackfillChunk (spec.md 4.6).
type BackfillChunkRequest struct {
	DestUUID             string
	TabletID             string
	ReadAtHybridTime     hlc.Timestamp
	SchemaVersion        int64
	StartKey             []byte
	Indexes              []string
	PropagatedHybridTime hlc.Timestamp
}

// BackfillChunkResponse is the wire response for BackfillChunk. An empty
// BackfilledUntil means the chunk reached the end of the tablet.
type BackfillChunkResponse struct {
	BackfilledUntil      []byte
	PropagatedHybridTime hlc.Timestamp
}

// BackfillDoneRequest is the wire request for BackfillDone (spec.md section
// 4.4.5 step 3c): the fire-and-forget notification sent to an index table's
// own tablets once compactions are allowed to start GC'ing delete markers.
type BackfillDoneRequest struct {
	DestUUID             string
	TabletID             string
	Indexes              []string
	PropagatedHybridTime hlc.Timestamp
}

// BackfillDoneResponse is the wire response for BackfillDone.
type BackfillDoneResponse struct {
	PropagatedHybridTime hlc.Timestamp
}

// TabletServiceClient is the subset of the tablet server's RPC surface the
// backfill controller calls. A production implementation wraps a
// google.golang.org/grpc client stub; tests use an in-memory fake.
type TabletServiceClient interface {
	GetSafeTime(ctx context.Context, req *GetSafeTimeRequest) (*GetSafeTimeResponse, error)
	BackfillChunk(ctx context.Context, req *BackfillChunkRequest) (*BackfillChunkResponse, error)
	BackfillDone(ctx context.Context, req *BackfillDoneRequest) (*BackfillDoneResponse, error)
}

// ClockSink receives the peer's propagated clock reading after every RPC
// attempt that returns a response. An attempt that returns only an error
// carries no peer clock reading, and the clock is not updated for it.
type ClockSink interface {
	Update(remote hlc.Timestamp)
}

// Dispatcher wraps a TabletServiceClient with the shared retry, deadline and
// fatal-code classification policy every TabletRpc in spec.md section 4.6
// obeys.
type Dispatcher struct {
	client  TabletServiceClient
	clock   ClockSink
	opts    retry.Options
	metrics *metrics.Metrics
	// rpcTimeout is the per-attempt deadline (index_backfill_rpc_timeout_ms).
	rpcTimeout time.Duration
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(client TabletServiceClient, clock ClockSink, opts retry.Options, rpcTimeout time.Duration) *Dispatcher {
	return &Dispatcher{client: client, clock: clock, opts: opts, rpcTimeout: rpcTimeout}
}

// WithMetrics attaches m so every classified attempt increments
// RPCRetries or RPCFatalFailures. m may be nil, which disables recording.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// classify maps a gRPC status code to retry.Fatal or retry.Retry per the
// fixed list in spec.md section 4.6.
func classify(err error) retry.Classification {
	st, ok := status.FromError(err)
	if !ok {
		return retry.Retry
	}
	switch st.Code() {
	case codes.NotFound, codes.FailedPrecondition, codes.Unimplemented, codes.InvalidArgument:
		return retry.Fatal
	default:
		return retry.Retry
	}
}

// classifyAndRecord wraps classify with the dispatcher's optional metrics.
func (d *Dispatcher) classifyAndRecord(err error) retry.Classification {
	c := classify(err)
	if d.metrics != nil {
		if c == retry.Fatal {
			d.metrics.RPCFatalFailures.Inc()
		} else {
			d.metrics.RPCRetries.Inc()
		}
	}
	return c
}

// attemptDeadline returns the smaller of now+rpcTimeout and overallDeadline.
func (d *Dispatcher) attemptDeadline(now time.Time, overallDeadline time.Time) time.Time {
	perAttempt := now.Add(d.rpcTimeout)
	if overallDeadline.IsZero() || perAttempt.Before(overallDeadline) {
		return perAttempt
	}
	return overallDeadline
}

// GetSafeTime dispatches a GetSafeTime RPC with retry, per-attempt deadlines
// and clock propagation.
func (d *Dispatcher) GetSafeTime(
	ctx context.Context, overallDeadline time.Time, req *GetSafeTimeRequest,
) (*GetSafeTimeResponse, error) {
	var resp *GetSafeTimeResponse
	err := retry.Do(ctx, d.opts, d.classifyAndRecord, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithDeadline(ctx, d.attemptDeadline(time.Now(), overallDeadline))
		defer cancel()
		r, err := d.client.GetSafeTime(attemptCtx, req)
		if r != nil {
			d.clock.Update(r.PropagatedHybridTime)
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BackfillChunk dispatches a BackfillChunk RPC with retry, per-attempt
// deadlines and clock propagation.
func (d *Dispatcher) BackfillChunk(
	ctx context.Context, overallDeadline time.Time, req *BackfillChunkRequest,
) (*BackfillChunkResponse, error) {
	var resp *BackfillChunkResponse
	err := retry.Do(ctx, d.opts, d.classifyAndRecord, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithDeadline(ctx, d.attemptDeadline(time.Now(), overallDeadline))
		defer cancel()
		r, err := d.client.BackfillChunk(attemptCtx, req)
		if r != nil {
			d.clock.Update(r.PropagatedHybridTime)
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// BackfillDone dispatches a fire-and-forget BackfillDone RPC with retry,
// per-attempt deadlines and clock propagation.
func (d *Dispatcher) BackfillDone(
	ctx context.Context, overallDeadline time.Time, req *BackfillDoneRequest,
) (*BackfillDoneResponse, error) {
	var resp *BackfillDoneResponse
	err := retry.Do(ctx, d.opts, d.classifyAndRecord, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithDeadline(ctx, d.attemptDeadline(time.Now(), overallDeadline))
		defer cancel()
		r, err := d.client.BackfillDone(attemptCtx, req)
		if r != nil {
			d.clock.Update(r.PropagatedHybridTime)
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SpanStartKey extracts the start key BackfillChunk should resume from,
// given a tablet's persisted checkpoint (empty means "beginning of tablet",
// matching keyspan.Span's convention for an unset Key).
func SpanStartKey(checkpoint string) []byte {
	if checkpoint == "" {
		return nil
	}
	return []byte(checkpoint)
}
