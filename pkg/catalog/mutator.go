// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/joberrors"
	"github.com/brianfdc/yugabyte-db/pkg/permission"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
)

// Mutator is the CatalogMutator of spec.md section 4.2: it advances or
// clears an indexed table's permission ladder under the table's write
// lock, persisting before committing the in-memory change, exactly as
// original_source's MultiStageAlterTable::UpdateIndexPermission and
// ::ClearAlteringState do.
type Mutator struct {
	store Store

	// TestSlowdown, when non-nil, is consulted immediately before and after
	// the persist step of UpdateIndexPermissions, mirroring
	// TEST_slowdown_backfill_alter_table_rpcs_ms: it exists purely to widen
	// the window in which a test can interleave a master restart between
	// permission-ladder steps.
	TestSlowdown func() time.Duration
}

// NewMutator constructs a Mutator backed by store.
func NewMutator(store Store) *Mutator {
	return &Mutator{store: store}
}

func (m *Mutator) testSlowdown() {
	if m.TestSlowdown == nil {
		return
	}
	if d := m.TestSlowdown(); d > 0 {
		time.Sleep(d)
	}
}

// UpdateIndexPermissions implements spec.md section 4.2's
// update_index_permissions. expectedVersion, when non-nil, causes the call
// to fail with joberrors.ErrAlreadyPresent if the table's schema version has
// moved on since the caller observed it. permMapping maps index-table-id to
// the permission it should be set to.
func (m *Mutator) UpdateIndexPermissions(
	ctx context.Context,
	table *IndexedTable,
	permMapping map[string]permission.Permission,
	expectedVersion *int64,
	leaderTerm int64,
) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	if expectedVersion != nil && *expectedVersion != table.mu.schemaVersion {
		return errors.Wrapf(joberrors.ErrAlreadyPresent,
			"table %s schema version is %d, wanted to update at %d", table.ID, table.mu.schemaVersion, *expectedVersion)
	}

	draft := table.snapshotLocked()
	draft.fullyApplied = fullyAppliedSnapshot{
		populated:     true,
		schemaVersion: draft.schemaVersion,
		indexes:       append([]IndexInfo(nil), draft.indexes...),
	}
	for i := range draft.indexes {
		if newPerm, ok := permMapping[draft.indexes[i].TableID]; ok {
			draft.indexes[i].Permission = newPerm
			draft.indexes[i].HasPermission = true
			draft.indexes[i].LastTransitionAt = time.Now()
		}
	}
	draft.schemaVersion++
	draft.state = Altering
	draft.stateMessage = fmt.Sprintf("Alter table version=%d", draft.schemaVersion)

	// The write lock is held across mutate-in-memory-copy -> persist ->
	// commit (spec.md section 5), matching original_source's
	// LockForWrite()/UpdateItem()/Commit() span in backfill_index.cc: a
	// second sweep observing the pre-bump schemaVersion must block here,
	// not race the persist, or two concurrent sweeps could both pass the
	// expectedVersion check above and both commit v+1.
	ctx = logtags.AddTag(ctx, "table", table.ID)
	m.testSlowdown()
	err := m.store.UpdateItem(ctx, table.ID, leaderTerm)
	m.testSlowdown()
	if err != nil {
		return errors.Wrapf(err, "updating indexed table metadata on disk, abandoning in-memory change")
	}

	table.commitLocked(draft)
	return nil
}

// ClearAlteringState implements spec.md section 4.2's clear_altering_state.
func (m *Mutator) ClearAlteringState(
	ctx context.Context, table *IndexedTable, expectedVersion int64, leaderTerm int64,
) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	if expectedVersion != table.mu.schemaVersion {
		return errors.Wrapf(joberrors.ErrAlreadyPresent,
			"table %s schema version is %d, wanted to clear at %d", table.ID, table.mu.schemaVersion, expectedVersion)
	}
	draft := table.snapshotLocked()
	draft.fullyApplied = fullyAppliedSnapshot{}
	draft.state = Running
	draft.stateMessage = fmt.Sprintf("Current schema version=%d", draft.schemaVersion)

	ctx = logtags.AddTag(ctx, "table", table.ID)
	if err := m.store.UpdateItem(ctx, table.ID, leaderTerm); err != nil {
		return errors.Wrapf(err, "clearing altering state on disk, abandoning in-memory change")
	}

	table.commitLocked(draft)
	return nil
}

// SetBackfillingTimestamp persists table_properties.backfilling_timestamp,
// the safe-time election's output (spec.md section 4.4.2 step 1). It does
// not touch schema_version, matching the invariant in spec.md section 3
// that only permission-ladder advances bump the version.
func (m *Mutator) SetBackfillingTimestamp(
	ctx context.Context, table *IndexedTable, ts hlc.Timestamp, leaderTerm int64,
) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	draft := table.snapshotLocked()
	draft.properties.backfillingTimestamp = ts
	draft.properties.hasBackfillingTimestamp = true

	if err := m.store.UpdateItem(ctx, table.ID, leaderTerm); err != nil {
		return errors.Wrapf(err, "persisting backfilling timestamp")
	}

	table.commitLocked(draft)
	return nil
}

// ClearBackfillingTimestamp implements the final step of
// ClearCheckpointStateInTablets (spec.md section 4.4.5): once every
// tablet's checkpoint has been erased, the chosen safe-time is no longer
// needed for resumption and is cleared.
func (m *Mutator) ClearBackfillingTimestamp(
	ctx context.Context, table *IndexedTable, leaderTerm int64,
) error {
	table.mu.Lock()
	defer table.mu.Unlock()

	draft := table.snapshotLocked()
	draft.properties.backfillingTimestamp = hlc.Timestamp{}
	draft.properties.hasBackfillingTimestamp = false

	if err := m.store.UpdateItem(ctx, table.ID, leaderTerm); err != nil {
		return errors.Wrapf(err, "clearing backfilling timestamp")
	}

	table.commitLocked(draft)
	return nil
}

// SetIsBackfilling persists the index table's table_properties.is_backfilling
// flag, which gates compaction GC of delete markers (spec.md section 4.4.5
// step 3b). Note this is called with the *index* table's IndexedTable value,
// not the indexed (base) table's.
func (m *Mutator) SetIsBackfilling(
	ctx context.Context, indexTable *IndexedTable, isBackfilling bool, leaderTerm int64,
) error {
	indexTable.mu.Lock()
	defer indexTable.mu.Unlock()

	draft := indexTable.snapshotLocked()
	draft.properties.isBackfilling = isBackfilling

	if err := m.store.UpdateItem(ctx, indexTable.ID, leaderTerm); err != nil {
		return errors.Wrapf(err, "setting is_backfilling=%v on index table %s", isBackfilling, indexTable.ID)
	}

	indexTable.commitLocked(draft)
	return nil
}

// SetTabletCheckpoint persists tablet.backfilled_until[indexTableID] =
// nextRowKey, matching BackfillTablet::Done in original_source.
func (m *Mutator) SetTabletCheckpoint(
	ctx context.Context, tablet *Tablet, indexTableID, nextRowKey string, leaderTerm int64,
) error {
	tablet.mu.Lock()
	defer tablet.mu.Unlock()

	draft := tablet.snapshotChkptLocked()
	draft[indexTableID] = nextRowKey

	if err := m.store.UpdateItem(ctx, tablet.ID, leaderTerm); err != nil {
		return errors.Wrapf(err, "persisting checkpoint for tablet %s", tablet.ID)
	}
	tablet.commitChkptLocked(draft)
	return nil
}

// ClearTabletCheckpoints erases the checkpoint entry for indexTableID from
// every tablet in one atomic multi-item write, per
// ClearCheckpointStateInTablets (spec.md section 4.4.5). Every tablet's
// lock is held, in a fixed tablet-ID order to avoid deadlocking against a
// concurrent call over an overlapping tablet set, across the persist and
// commit, for the same reason UpdateIndexPermissions does.
func (m *Mutator) ClearTabletCheckpoints(
	ctx context.Context, tablets []*Tablet, indexTableID string, leaderTerm int64,
) error {
	ordered := append([]*Tablet(nil), tablets...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	for _, tb := range ordered {
		tb.mu.Lock()
		defer tb.mu.Unlock()
	}

	drafts := make([]map[string]string, len(tablets))
	ids := make([]string, len(tablets))
	for i, tb := range tablets {
		d := tb.snapshotChkptLocked()
		delete(d, indexTableID)
		drafts[i] = d
		ids[i] = tb.ID
	}
	if err := m.store.UpdateItems(ctx, ids, leaderTerm); err != nil {
		return errors.Wrapf(err, "clearing checkpoints for index %s", indexTableID)
	}
	for i, tb := range tablets {
		tb.commitChkptLocked(drafts[i])
	}
	return nil
}
