// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"context"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/catalog"
	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/rpc"
	"github.com/cockroachdb/errors"
)

// Tablet is the BackfillTablet of spec.md section 4.5: a per-tablet driver
// that resumes from a durable checkpoint and issues chunks strictly in
// row-key order, one at a time.
type Tablet struct {
	table    *Table
	tablet   *catalog.Tablet
	readTime hlc.Timestamp

	state struct {
		nextRowToBackfill string
		done              bool
	}
}

func newTablet(table *Table, tb *catalog.Tablet, readTime hlc.Timestamp) *Tablet {
	bt := &Tablet{table: table, tablet: tb, readTime: readTime}
	checkpoint, present := tb.BackfilledUntil(table.indexID)
	switch {
	case !present:
		bt.state.nextRowToBackfill = ""
	case checkpoint == "":
		bt.state.done = true
	default:
		bt.state.nextRowToBackfill = checkpoint
	}
	return bt
}

// launchNextOrDone implements spec.md section 4.5's launch_next_or_done.
func (bt *Tablet) launchNextOrDone(ctx context.Context) {
	if bt.state.done {
		bt.table.tabletDone(ctx, nil)
		return
	}
	bt.launchChunk(ctx)
}

// launchChunk dispatches one BackfillChunk RPC (spec.md section 4.4/4.6) and
// routes the result to done.
func (bt *Tablet) launchChunk(ctx context.Context) {
	dispatcher := bt.table.deps.Dispatcher(bt.tablet.ID).WithMetrics(bt.table.deps.Metrics)
	deadline := computeChunkDeadline(bt.table.deps.Config.RPCTimeout(), bt.table.deps.Config.RPCMaxDelay())
	resp, err := dispatcher.BackfillChunk(ctx, deadline, &rpc.BackfillChunkRequest{
		DestUUID:             bt.table.deps.DestUUIDFunc(bt.tablet.ID),
		TabletID:             bt.tablet.ID,
		ReadAtHybridTime:     bt.readTime,
		SchemaVersion:        bt.table.schemaVersion,
		StartKey:             rpc.SpanStartKey(bt.state.nextRowToBackfill),
		Indexes:              []string{bt.table.indexID},
		PropagatedHybridTime: bt.table.deps.Clock.Now(),
	})
	if err != nil {
		bt.done(ctx, errors.Wrapf(err, "BackfillChunk failed for tablet %s", bt.tablet.ID), "")
		return
	}
	if bt.table.deps.Metrics != nil {
		bt.table.deps.Metrics.ChunksProcessed.Inc()
	}
	bt.done(ctx, nil, string(resp.BackfilledUntil))
}

// done implements spec.md section 4.5's done(status, next_row_key).
func (bt *Tablet) done(ctx context.Context, err error, nextRowKey string) {
	if err != nil {
		bt.table.tabletDone(ctx, err)
		return
	}
	bt.state.nextRowToBackfill = nextRowKey
	if persistErr := bt.table.deps.Mutator.SetTabletCheckpoint(
		ctx, bt.tablet, bt.table.indexID, nextRowKey, bt.table.leaderTerm,
	); persistErr != nil {
		bt.table.tabletDone(ctx, errors.Wrapf(persistErr, "persisting checkpoint for tablet %s", bt.tablet.ID))
		return
	}
	if nextRowKey == "" {
		bt.state.done = true
	}
	bt.launchNextOrDone(ctx)
}

// computeChunkDeadline mirrors BackfillChunk::ComputeDeadline in
// original_source: the per-attempt RPC timeout plus the maximum retry
// backoff, i.e. room for one full attempt and one maximal backoff gap.
// Attempts begun after this deadline has passed get an already-expired
// per-attempt deadline.
func computeChunkDeadline(rpcTimeout, rpcMaxDelay time.Duration) time.Time {
	return time.Now().Add(rpcTimeout + rpcMaxDelay)
}
