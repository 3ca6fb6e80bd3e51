// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/catalog"
	"github.com/brianfdc/yugabyte-db/pkg/config"
	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/job"
	"github.com/brianfdc/yugabyte-db/pkg/keyspan"
	"github.com/brianfdc/yugabyte-db/pkg/metrics"
	"github.com/brianfdc/yugabyte-db/pkg/permission"
	"github.com/brianfdc/yugabyte-db/pkg/retry"
	"github.com/brianfdc/yugabyte-db/pkg/rpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeTablet configures one tablet's scripted RPC behavior.
type fakeTablet struct {
	safeTime       hlc.Timestamp
	safeTimeErr    error
	chunkSequence        []string // successive BackfilledUntil values; last should be ""
	chunkCallCount       int
	doneCallCount        int
	fatalChunkErr        bool
	lastReadAtHybridTime hlc.Timestamp
}

type fakeTabletClient struct {
	mu      sync.Mutex
	tablets map[string]*fakeTablet
}

func (f *fakeTabletClient) GetSafeTime(ctx context.Context, req *rpc.GetSafeTimeRequest) (*rpc.GetSafeTimeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.tablets[req.TabletID]
	if ft.safeTimeErr != nil {
		return nil, ft.safeTimeErr
	}
	return &rpc.GetSafeTimeResponse{SafeTime: ft.safeTime, PropagatedHybridTime: ft.safeTime}, nil
}

func (f *fakeTabletClient) BackfillChunk(ctx context.Context, req *rpc.BackfillChunkRequest) (*rpc.BackfillChunkResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := f.tablets[req.TabletID]
	ft.lastReadAtHybridTime = req.ReadAtHybridTime
	if ft.fatalChunkErr {
		return nil, status.Error(codes.FailedPrecondition, "MISMATCHED_SCHEMA")
	}
	idx := ft.chunkCallCount
	if idx >= len(ft.chunkSequence) {
		idx = len(ft.chunkSequence) - 1
	}
	next := ft.chunkSequence[idx]
	ft.chunkCallCount++
	return &rpc.BackfillChunkResponse{BackfilledUntil: []byte(next)}, nil
}

func (f *fakeTabletClient) BackfillDone(ctx context.Context, req *rpc.BackfillDoneRequest) (*rpc.BackfillDoneResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft := f.tablets[req.TabletID]; ft != nil {
		ft.doneCallCount++
	}
	return &rpc.BackfillDoneResponse{}, nil
}

func testDeps(t *testing.T, store *catalog.MemStore, tablets catalog.TabletLister, client *fakeTabletClient, clock *hlc.Clock) Deps {
	opts := retry.Options{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 2, MaxRetries: 5}
	cfg := config.Defaults()
	mutator := catalog.NewMutator(store)
	mutator.TestSlowdown = cfg.TestSlowdownAlterTableRPCs
	return Deps{
		Mutator: mutator,
		Tablets: tablets,
		Dispatcher: func(tabletID string) *rpc.Dispatcher {
			return rpc.NewDispatcher(client, clock, opts, 50*time.Millisecond)
		},
		Clock:        clock,
		Config:       cfg,
		Metrics:      metrics.New(nil),
		DestUUIDFunc: func(tabletID string) string { return "uuid-" + tabletID },
	}
}

// quiesceInBackground plays the role of the next MultiStageAlterTable sweep:
// once the table observes state==Altering it clears it back to Running, the
// way a real quiescence callback would once the alter-table RPC burst
// settles. Without this, allow_compactions_to_gc_delete_markers's poll loop
// would never observe Running.
func quiesceInBackground(t *testing.T, table *catalog.IndexedTable, mutator *catalog.Mutator, leaderTerm int64, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if table.State() == catalog.Altering {
					_ = mutator.ClearAlteringState(context.Background(), table, table.SchemaVersion(), leaderTerm)
				}
			}
		}
	}()
}

func waitForTerminal(t *testing.T, j *job.BackfillTableJob, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if j.State().IsTerminal() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("job did not reach a terminal state within %s (last state %s)", timeout, j.State())
}

// Scenario 1: single-tablet happy path.
func TestBackfillTableSingleTabletHappyPath(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DoBackfill, HasPermission: true},
	})
	reg := catalog.NewMemTabletRegistry()
	tablet := catalog.NewTablet("p1", keyspan.Span{})
	reg.AddTablet("t1", tablet)
	reg.AddTablet("idx1", tablet)

	client := &fakeTabletClient{tablets: map[string]*fakeTablet{
		"p1": {safeTime: hlc.Timestamp{WallTime: 100}, chunkSequence: []string{""}},
	}}
	clock := hlc.NewClock(nil)
	deps := testDeps(t, store, reg, client, clock)

	bt := New(table, "idx1", 0, 1, deps)
	stop := make(chan struct{})
	defer close(stop)
	quiesceInBackground(t, table, deps.Mutator, 1, stop)

	bt.Launch(context.Background())
	waitForTerminal(t, bt.Job(), time.Second)

	require.Equal(t, job.Complete, bt.Job().State())
	require.Equal(t, permission.ReadWriteAndDelete, table.Indexes()[0].Permission)
	// Checkpoint clearing is the last step of the success path and runs
	// after the job is marked Complete, so wait for it to land.
	require.Eventually(t, func() bool {
		_, hasTimestamp := table.BackfillingTimestamp()
		return !hasTimestamp
	}, time.Second, time.Millisecond, "backfilling_timestamp must be cleared on completion")
	require.Eventually(t, func() bool {
		_, hasCheckpoint := tablet.BackfilledUntil("idx1")
		return !hasCheckpoint
	}, time.Second, time.Millisecond, "checkpoints must be cleared on completion")
}

// Scenario 2: resume after master failover mid-backfill.
func TestBackfillTableResumesFromPersistedCheckpoint(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DoBackfill, HasPermission: true},
	})
	require.NoError(t, catalog.NewMutator(store).SetBackfillingTimestamp(context.Background(), table, hlc.Timestamp{WallTime: 100}, 1))

	reg := catalog.NewMemTabletRegistry()
	p1 := catalog.NewTablet("p1", keyspan.Span{})
	require.NoError(t, catalog.NewMutator(store).SetTabletCheckpoint(context.Background(), p1, "idx1", "k042", 1))
	p2 := catalog.NewTablet("p2", keyspan.Span{})
	require.NoError(t, catalog.NewMutator(store).SetTabletCheckpoint(context.Background(), p2, "idx1", "", 1))
	reg.AddTablet("t1", p1)
	reg.AddTablet("t1", p2)
	reg.AddTablet("idx1", p1)
	reg.AddTablet("idx1", p2)

	client := &fakeTabletClient{tablets: map[string]*fakeTablet{
		"p1": {chunkSequence: []string{""}},
		"p2": {chunkSequence: []string{""}},
	}}
	clock := hlc.NewClock(nil)
	deps := testDeps(t, store, reg, client, clock)

	bt := New(table, "idx1", table.SchemaVersion(), 1, deps)
	stop := make(chan struct{})
	defer close(stop)
	quiesceInBackground(t, table, deps.Mutator, 1, stop)

	bt.Launch(context.Background())
	waitForTerminal(t, bt.Job(), time.Second)

	require.Equal(t, job.Complete, bt.Job().State())
	require.Equal(t, 1, client.tablets["p1"].chunkCallCount, "p1 resumes with exactly one more chunk from k042")
	require.Equal(t, 0, client.tablets["p2"].chunkCallCount, "p2's persisted empty checkpoint already marks it done, no chunk needed")
}

// Scenario 3: fatal RPC mid-backfill drives the coordinator to abort.
func TestBackfillTableFatalChunkAborts(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DoBackfill, HasPermission: true},
	})
	reg := catalog.NewMemTabletRegistry()
	tablet := catalog.NewTablet("p1", keyspan.Span{})
	reg.AddTablet("t1", tablet)

	client := &fakeTabletClient{tablets: map[string]*fakeTablet{
		"p1": {safeTime: hlc.Timestamp{WallTime: 100}, fatalChunkErr: true},
	}}
	clock := hlc.NewClock(nil)
	deps := testDeps(t, store, reg, client, clock)

	bt := New(table, "idx1", 0, 1, deps)
	stop := make(chan struct{})
	defer close(stop)
	quiesceInBackground(t, table, deps.Mutator, 1, stop)

	bt.Launch(context.Background())
	waitForTerminal(t, bt.Job(), time.Second)

	require.Equal(t, job.Failed, bt.Job().State())
	require.Equal(t, permission.WriteAndDeleteWhileRemoving, table.Indexes()[0].Permission)
}

// Scenario 5: safe-time election with one lagging tablet elects the max.
func TestBackfillTableSafeTimeElectionPicksMax(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DoBackfill, HasPermission: true},
	})
	reg := catalog.NewMemTabletRegistry()
	p1, p2, p3 := catalog.NewTablet("p1", keyspan.Span{}), catalog.NewTablet("p2", keyspan.Span{}), catalog.NewTablet("p3", keyspan.Span{})
	reg.AddTablet("t1", p1)
	reg.AddTablet("t1", p2)
	reg.AddTablet("t1", p3)
	reg.AddTablet("idx1", p1)
	reg.AddTablet("idx1", p2)
	reg.AddTablet("idx1", p3)

	client := &fakeTabletClient{tablets: map[string]*fakeTablet{
		"p1": {safeTime: hlc.Timestamp{WallTime: 80}, chunkSequence: []string{""}},
		"p2": {safeTime: hlc.Timestamp{WallTime: 110}, chunkSequence: []string{""}},
		"p3": {safeTime: hlc.Timestamp{WallTime: 95}, chunkSequence: []string{""}},
	}}
	clock := hlc.NewClock(nil)
	deps := testDeps(t, store, reg, client, clock)

	bt := New(table, "idx1", 0, 1, deps)
	stop := make(chan struct{})
	defer close(stop)
	quiesceInBackground(t, table, deps.Mutator, 1, stop)

	bt.Launch(context.Background())
	waitForTerminal(t, bt.Job(), time.Second)

	require.Equal(t, job.Complete, bt.Job().State())
	for _, id := range []string{"p1", "p2", "p3"} {
		require.Equal(t, hlc.Timestamp{WallTime: 110}, client.tablets[id].lastReadAtHybridTime,
			"every BackfillChunk must read at the elected max safe time, not its own tablet's safe time")
	}
}

// A LeaderLost failure while persisting the elected timestamp must not
// attempt a second catalog write (spec.md section 7): the permission stays
// exactly where it was, since this coordinator is fenced and has nothing
// left to record.
func TestBackfillTableLeaderChangedDuringElectionTerminatesWithoutAbortWrite(t *testing.T) {
	store := catalog.NewMemStore(2) // current term is 2
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DoBackfill, HasPermission: true},
	})
	reg := catalog.NewMemTabletRegistry()
	tablet := catalog.NewTablet("p1", keyspan.Span{})
	reg.AddTablet("t1", tablet)

	client := &fakeTabletClient{tablets: map[string]*fakeTablet{
		"p1": {safeTime: hlc.Timestamp{WallTime: 100}, chunkSequence: []string{""}},
	}}
	clock := hlc.NewClock(nil)
	deps := testDeps(t, store, reg, client, clock)

	bt := New(table, "idx1", 0, 1, deps) // leaderTerm=1, stale against the store's term=2
	bt.Launch(context.Background())
	waitForTerminal(t, bt.Job(), time.Second)

	require.Equal(t, job.Failed, bt.Job().State())
	require.Equal(t, permission.DoBackfill, table.Indexes()[0].Permission,
		"a fenced coordinator must not write WriteAndDeleteWhileRemoving either")
}

// Scenario 6: an indexed table with zero tablets must still reach a
// terminal transition.
func TestBackfillTableEmptyTabletSetCompletesImmediately(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DoBackfill, HasPermission: true},
	})
	reg := catalog.NewMemTabletRegistry() // no tablets registered for "t1"

	client := &fakeTabletClient{tablets: map[string]*fakeTablet{}}
	clock := hlc.NewClock(nil)
	deps := testDeps(t, store, reg, client, clock)

	bt := New(table, "idx1", 0, 1, deps)
	stop := make(chan struct{})
	defer close(stop)
	quiesceInBackground(t, table, deps.Mutator, 1, stop)

	bt.Launch(context.Background())
	waitForTerminal(t, bt.Job(), time.Second)

	require.Equal(t, job.Complete, bt.Job().State())
	require.Equal(t, permission.ReadWriteAndDelete, table.Indexes()[0].Permission)
}
