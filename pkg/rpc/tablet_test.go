// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/retry"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeClient struct {
	getSafeTimeCalls int
	failTimes        int
	safeTime         hlc.Timestamp
	fatal            bool
}

func (f *fakeClient) GetSafeTime(ctx context.Context, req *GetSafeTimeRequest) (*GetSafeTimeResponse, error) {
	f.getSafeTimeCalls++
	if f.fatal {
		return nil, status.Error(codes.NotFound, "TABLET_NOT_FOUND")
	}
	if f.getSafeTimeCalls <= f.failTimes {
		return nil, status.Error(codes.Unavailable, "transient")
	}
	return &GetSafeTimeResponse{SafeTime: f.safeTime, PropagatedHybridTime: f.safeTime}, nil
}

func (f *fakeClient) BackfillChunk(ctx context.Context, req *BackfillChunkRequest) (*BackfillChunkResponse, error) {
	return &BackfillChunkResponse{}, nil
}

func (f *fakeClient) BackfillDone(ctx context.Context, req *BackfillDoneRequest) (*BackfillDoneResponse, error) {
	return &BackfillDoneResponse{}, nil
}

type fakeClockSink struct {
	updates []hlc.Timestamp
}

func (f *fakeClockSink) Update(ts hlc.Timestamp) { f.updates = append(f.updates, ts) }

func testOpts() retry.Options {
	return retry.Options{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2, MaxRetries: 5}
}

func TestDispatcherRetriesTransientThenSucceeds(t *testing.T) {
	client := &fakeClient{failTimes: 2, safeTime: hlc.Timestamp{WallTime: 100}}
	sink := &fakeClockSink{}
	d := NewDispatcher(client, sink, testOpts(), time.Second)

	resp, err := d.GetSafeTime(context.Background(), time.Now().Add(time.Minute), &GetSafeTimeRequest{TabletID: "p1"})
	require.NoError(t, err)
	require.Equal(t, hlc.Timestamp{WallTime: 100}, resp.SafeTime)
	require.Equal(t, 3, client.getSafeTimeCalls)
}

func TestDispatcherDoesNotRetryFatalCode(t *testing.T) {
	client := &fakeClient{fatal: true}
	sink := &fakeClockSink{}
	d := NewDispatcher(client, sink, testOpts(), time.Second)

	_, err := d.GetSafeTime(context.Background(), time.Now().Add(time.Minute), &GetSafeTimeRequest{TabletID: "p1"})
	require.Error(t, err)
	require.Equal(t, 1, client.getSafeTimeCalls, "TABLET_NOT_FOUND must not be retried")
}

func TestSpanStartKey(t *testing.T) {
	require.Nil(t, SpanStartKey(""))
	require.Equal(t, []byte("k042"), SpanStartKey("k042"))
}

func TestAttemptDeadlineCapsAtOverallDeadline(t *testing.T) {
	d := NewDispatcher(nil, nil, retry.Options{}, time.Hour)
	now := time.Now()
	overall := now.Add(time.Minute)
	require.Equal(t, overall, d.attemptDeadline(now, overall))

	d2 := NewDispatcher(nil, nil, retry.Options{}, time.Minute)
	perAttempt := d2.attemptDeadline(now, now.Add(time.Hour))
	require.True(t, perAttempt.Before(now.Add(time.Hour)))
}
