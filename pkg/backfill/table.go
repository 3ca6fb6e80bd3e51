// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package backfill implements BackfillTable and BackfillTablet (spec.md
// section 4.4 and 4.5): the per-indexed-table coordinator that elects a
// consistent read timestamp, fans out per-tablet backfill drivers, and
// drives the affected index to its terminal permission. The orchestration
// tree and its "last responder wins" reduction pattern are grounded on
// original_source's BackfillTable/BackfillTablet/BackfillChunk classes,
// translated into goroutines plus pkg/lastresponder in place of the
// original's callback-based async task pool.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/catalog"
	"github.com/brianfdc/yugabyte-db/pkg/config"
	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/job"
	"github.com/brianfdc/yugabyte-db/pkg/joberrors"
	"github.com/brianfdc/yugabyte-db/pkg/lastresponder"
	"github.com/brianfdc/yugabyte-db/pkg/metrics"
	"github.com/brianfdc/yugabyte-db/pkg/permission"
	"github.com/brianfdc/yugabyte-db/pkg/rpc"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
)

// AlterTableBroadcaster is the "send_alter_table_request" external
// collaborator of spec.md section 6: it pushes a newly persisted schema
// version to every tablet server hosting a table. It is out of scope to
// implement (owned by the catalog manager); only its contract is modeled.
type AlterTableBroadcaster interface {
	SendAlterTableRequest(ctx context.Context, tableID string) error
}

// Deps bundles BackfillTable's external collaborators, following the
// "configuration record passed in at construction" idiom spec.md section 9
// recommends for the global tuning flags, generalized to the rest of the
// coordinator's dependencies.
type Deps struct {
	Mutator      *catalog.Mutator
	Tablets      catalog.TabletLister
	Dispatcher   func(tabletID string) *rpc.Dispatcher
	Broadcaster  AlterTableBroadcaster
	Clock        *hlc.Clock
	Config       *config.Config
	Metrics      *metrics.Metrics
	DestUUIDFunc func(tabletID string) string
}

// Table is the BackfillTable of spec.md section 4.4: the coordinator for
// backfilling exactly one index of exactly one indexed table.
type Table struct {
	deps Deps

	indexedTable  *catalog.IndexedTable
	indexID       string // the single index_to_build, per spec.md section 9's open question
	schemaVersion int64
	leaderTerm    int64

	job *job.BackfillTableJob

	tsMu struct {
		sync.Mutex
		readTimeForBackfill hlc.Timestamp
	}
	timestampChosen atomic.Bool
	done            atomic.Bool

	// electionStart is set once, in launchSafeTimeElection, before any
	// goroutine that could observe it is spawned; onSafeTimeElectionComplete
	// reads it to report SafeTimeElection's duration.
	electionStart time.Time

	electionCounter   *lastresponder.Counter
	completionCounter *lastresponder.Counter

	tabletsMu struct {
		sync.Mutex
		tablets map[string]*Tablet
	}
}

// New constructs a BackfillTable for indexID on indexedTable, capturing
// schemaVersion and leaderTerm as fencing tokens for the duration of the
// run. If indexedTable already carries a persisted backfilling_timestamp,
// the constructed Table resumes directly into LaunchBackfill.
func New(indexedTable *catalog.IndexedTable, indexID string, schemaVersion, leaderTerm int64, deps Deps) *Table {
	t := &Table{
		deps:              deps,
		indexedTable:      indexedTable,
		indexID:           indexID,
		schemaVersion:     schemaVersion,
		leaderTerm:        leaderTerm,
		electionCounter:   &lastresponder.Counter{},
		completionCounter: &lastresponder.Counter{},
	}
	t.tabletsMu.tablets = make(map[string]*Tablet)
	if ts, ok := indexedTable.BackfillingTimestamp(); ok {
		t.tsMu.readTimeForBackfill = ts
		t.timestampChosen.Store(true)
	}
	t.job = job.New(t)
	return t
}

// Job returns the coordinator's job handle.
func (t *Table) Job() *job.BackfillTableJob { return t.job }

// Description implements job.Describer, reporting phase-aware progress the
// way original_source's BackfillTable::description does.
func (t *Table) Description() string {
	if !t.timestampChosen.Load() {
		return fmt.Sprintf("Waiting to GetSafeTime from %d/%d tablets",
			t.electionCounter.Pending(), t.electionCounter.Total())
	}
	total := t.completionCounter.Total()
	if t.done.Load() {
		return fmt.Sprintf("Backfill %d/%d tablets done", total, total)
	}
	completed := total - t.completionCounter.Pending()
	return fmt.Sprintf("Backfilling %d/%d tablets", completed, total)
}

// Launch starts the coordinator: it resumes directly into LaunchBackfill if
// a timestamp was already chosen, otherwise it runs the safe-time election
// (spec.md section 4.4.1).
func (t *Table) Launch(ctx context.Context) {
	t.job.SetRunning()
	if t.deps.Metrics != nil {
		t.deps.Metrics.ActiveBackfills.Inc()
	}
	if t.timestampChosen.Load() {
		t.launchBackfill(ctx)
		return
	}
	t.launchSafeTimeElection(ctx)
}

func (t *Table) launchSafeTimeElection(ctx context.Context) {
	t.electionStart = time.Now()
	tablets, err := t.deps.Tablets.TabletsForTable(ctx, t.indexedTable.ID)
	if err != nil {
		t.alterTableStateToAbort(ctx, errors.Wrapf(err, "enumerating tablets for safe time election"))
		return
	}
	// scenario 6: an empty tablet set must still reach the terminal
	// transition, since there is no responder left to decrement to zero.
	t.electionCounter.Reset(int64(len(tablets)), func() {
		t.onSafeTimeElectionComplete(ctx)
	})
	if len(tablets) == 0 {
		return
	}

	minCutoff := t.deps.Clock.Now()
	for _, tb := range tablets {
		tb := tb
		go t.dispatchGetSafeTime(ctx, tb, minCutoff)
	}
}

func (t *Table) dispatchGetSafeTime(ctx context.Context, tb *catalog.Tablet, minCutoff hlc.Timestamp) {
	deadline := time.Now().Add(t.deps.Config.RPCTimeout() * time.Duration(t.deps.Config.RPCMaxRetries.Load()))
	dispatcher := t.deps.Dispatcher(tb.ID).WithMetrics(t.deps.Metrics)
	resp, err := dispatcher.GetSafeTime(ctx, deadline, &rpc.GetSafeTimeRequest{
		DestUUID:                 t.deps.DestUUIDFunc(tb.ID),
		TabletID:                 tb.ID,
		MinHybridTimeForBackfill: minCutoff,
		PropagatedHybridTime:     t.deps.Clock.Now(),
	})
	if err != nil {
		// spec.md 4.4.2: on failure, only the first responder aborts;
		// later failures are ignored. Success/failure both still count
		// against the election counter so scenario progression is not
		// stalled by a lost RPC.
		if t.timestampChosen.CompareAndSwap(false, true) {
			t.alterTableStateToAbort(ctx, errors.Wrapf(err, "GetSafeTime failed for tablet %s", tb.ID))
		}
		t.electionCounter.Decrement(func() {})
		return
	}

	t.tsMu.Lock()
	t.tsMu.readTimeForBackfill = hlc.Max(t.tsMu.readTimeForBackfill, resp.SafeTime)
	t.tsMu.Unlock()

	t.electionCounter.Decrement(func() {
		t.onSafeTimeElectionComplete(ctx)
	})
}

// onSafeTimeElectionComplete persists the elected timestamp exactly once
// and launches the backfill phase, per spec.md section 4.4.2 steps 1-3.
func (t *Table) onSafeTimeElectionComplete(ctx context.Context) {
	if !t.timestampChosen.CompareAndSwap(false, true) {
		return
	}
	t.tsMu.Lock()
	chosen := t.tsMu.readTimeForBackfill
	t.tsMu.Unlock()

	if err := t.deps.Mutator.SetBackfillingTimestamp(ctx, t.indexedTable, chosen, t.leaderTerm); err != nil {
		t.terminateOrAbort(ctx, errors.Wrapf(err, "persisting backfilling timestamp"))
		return
	}
	if t.deps.Metrics != nil {
		t.deps.Metrics.SafeTimeElection.Observe(time.Since(t.electionStart).Seconds())
	}
	t.launchBackfill(ctx)
}

// launchBackfill implements spec.md section 4.4.3: re-enumerate tablets,
// instantiate a Tablet driver for each, launch its first chunk.
func (t *Table) launchBackfill(ctx context.Context) {
	tablets, err := t.deps.Tablets.TabletsForTable(ctx, t.indexedTable.ID)
	if err != nil {
		t.alterTableStateToAbort(ctx, errors.Wrapf(err, "enumerating tablets for backfill"))
		return
	}

	t.completionCounter.Reset(int64(len(tablets)), func() {
		t.onBackfillComplete(ctx)
	})
	if len(tablets) == 0 {
		return
	}

	t.tsMu.Lock()
	readTime := t.tsMu.readTimeForBackfill
	t.tsMu.Unlock()

	t.tabletsMu.Lock()
	for _, tb := range tablets {
		bt := newTablet(t, tb, readTime)
		t.tabletsMu.tablets[tb.ID] = bt
	}
	toLaunch := make([]*Tablet, 0, len(t.tabletsMu.tablets))
	for _, bt := range t.tabletsMu.tablets {
		toLaunch = append(toLaunch, bt)
	}
	t.tabletsMu.Unlock()

	for _, bt := range toLaunch {
		go bt.launchNextOrDone(ctx)
	}
}

// tabletDone is called by a Tablet driver exactly once, with either nil (all
// chunks completed) or the error that ended its run early.
func (t *Table) tabletDone(ctx context.Context, err error) {
	if err != nil {
		if t.done.CompareAndSwap(false, true) {
			t.terminateOrAbort(ctx, err)
		}
		return
	}
	t.completionCounter.Decrement(func() {
		t.onBackfillComplete(ctx)
	})
}

func (t *Table) onBackfillComplete(ctx context.Context) {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	t.alterTableStateToSuccess(ctx)
}

// alterTableStateToSuccess implements spec.md section 4.4.5's success path.
func (t *Table) alterTableStateToSuccess(ctx context.Context) {
	if t.deps.Metrics != nil {
		t.deps.Metrics.ActiveBackfills.Dec()
	}
	perm := map[string]permission.Permission{t.indexID: permission.ReadWriteAndDelete}
	if err := t.deps.Mutator.UpdateIndexPermissions(ctx, t.indexedTable, perm, nil, t.leaderTerm); err != nil {
		// This is the sole actor that makes this transition; a failure here
		// means the write itself failed (e.g. LeaderLost), not a version
		// race. There is nothing left to retry under the old term.
		t.job.SetFailed(err.Error())
		return
	}
	if t.deps.Metrics != nil {
		t.deps.Metrics.BackfillsSucceeded.Inc()
	}
	if t.deps.Broadcaster != nil {
		_ = t.deps.Broadcaster.SendAlterTableRequest(ctx, t.indexedTable.ID)
	}
	t.allowCompactionsToGCDeleteMarkers(ctx)
	t.indexedTable.ClearBackfilling()
	t.job.SetComplete("backfill complete")
	t.clearCheckpointStateInTablets(ctx)
}

// terminateOrAbort implements spec.md section 7's distinction between the
// two catalog-write failure classes: a LeaderLost failure means this
// coordinator is fenced and must not attempt any further catalog write (the
// next leader's bootstrap resumes from persisted state instead); anything
// else still has a chance to record the removal branch via alterTableStateToAbort.
func (t *Table) terminateOrAbort(ctx context.Context, cause error) {
	if joberrors.IsLeaderChanged(cause) {
		if t.deps.Metrics != nil {
			t.deps.Metrics.ActiveBackfills.Dec()
			t.deps.Metrics.BackfillsAborted.Inc()
		}
		t.job.SetFailed(cause.Error())
		return
	}
	t.alterTableStateToAbort(ctx, cause)
}

// alterTableStateToAbort implements spec.md section 4.4.5's abort path: the
// index enters the removal branch of the ladder instead of becoming fully
// readable, and step 3 (compaction GC unlock) is skipped.
func (t *Table) alterTableStateToAbort(ctx context.Context, cause error) {
	if t.deps.Metrics != nil {
		t.deps.Metrics.ActiveBackfills.Dec()
		t.deps.Metrics.BackfillsAborted.Inc()
	}
	perm := map[string]permission.Permission{t.indexID: permission.WriteAndDeleteWhileRemoving}
	if err := t.deps.Mutator.UpdateIndexPermissions(ctx, t.indexedTable, perm, nil, t.leaderTerm); err != nil {
		t.job.SetFailed(errors.Wrapf(err, "aborting after: %s", cause).Error())
		return
	}
	if t.deps.Broadcaster != nil {
		_ = t.deps.Broadcaster.SendAlterTableRequest(ctx, t.indexedTable.ID)
	}
	t.indexedTable.ClearBackfilling()
	t.job.SetFailed(cause.Error())
	t.clearCheckpointStateInTablets(ctx)
}

// allowCompactionsToGCDeleteMarkers implements spec.md section 4.4.5 step 3:
// poll the index table until Running, then unlock compaction GC and notify
// its tablets.
func (t *Table) allowCompactionsToGCDeleteMarkers(ctx context.Context) {
	indexTable := t.indexedTable // in this model the index-table-properties
	// live on the same catalog entry as the base table; a real
	// implementation would look up the index's own IndexedTable record.
	for indexTable.State() == catalog.Altering {
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.deps.Config.WaitForAlterTableCompletion()):
		}
	}
	if err := t.deps.Mutator.SetIsBackfilling(ctx, indexTable, false, t.leaderTerm); err != nil {
		return
	}
	tablets, err := t.deps.Tablets.TabletsForTable(ctx, t.indexID)
	if err != nil {
		return
	}
	for _, tb := range tablets {
		tb := tb
		go func() {
			dispatcher := t.deps.Dispatcher(tb.ID).WithMetrics(t.deps.Metrics)
			_, _ = dispatcher.BackfillDone(ctx, time.Now().Add(t.deps.Config.RPCTimeout()), &rpc.BackfillDoneRequest{
				DestUUID:             t.deps.DestUUIDFunc(tb.ID),
				TabletID:             tb.ID,
				Indexes:              []string{t.indexID},
				PropagatedHybridTime: t.deps.Clock.Now(),
			})
		}()
	}
}

// clearCheckpointStateInTablets implements spec.md section 4.4.5's final
// step, shared by both success and abort.
func (t *Table) clearCheckpointStateInTablets(ctx context.Context) {
	tablets, err := t.deps.Tablets.TabletsForTable(ctx, t.indexedTable.ID)
	if err != nil {
		return
	}
	if err := t.deps.Mutator.ClearTabletCheckpoints(ctx, tablets, t.indexID, t.leaderTerm); err != nil {
		return
	}
	_ = t.deps.Mutator.ClearBackfillingTimestamp(ctx, t.indexedTable, t.leaderTerm)
}

// tabletsSnapshot exposes the current set of per-tablet drivers, used by
// tests to assert on individual tablet progress without exporting the
// coordinator's internal map directly.
func (t *Table) tabletsSnapshot() map[string]*Tablet {
	t.tabletsMu.Lock()
	defer t.tabletsMu.Unlock()
	out := make(map[string]*Tablet, len(t.tabletsMu.tablets))
	for k, v := range t.tabletsMu.tablets {
		out[k] = v
	}
	return out
}
