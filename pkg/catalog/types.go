// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package catalog implements the persistent catalog entities of spec.md
// section 3 (IndexedTable, Tablet) and the locked-read/write,
// persist-then-commit discipline of section 4.2's CatalogMutator. The
// locking and version-fencing pattern is grounded in original_source's
// TableInfo::LockForWrite/LockForRead plus sys_catalog_->UpdateItem, adapted
// to Go with syncutil-style embedded mutexes as used throughout the teacher
// corpus (pkg/util/syncutil/mutex_sync.go).
package catalog

import (
	"sync"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/keyspan"
	"github.com/brianfdc/yugabyte-db/pkg/permission"
)

// TableState mirrors SysTablesEntryPB's state enum, restricted to the two
// values this controller cares about.
type TableState int

const (
	// Running: no alter is in flight.
	Running TableState = iota
	// Altering: fully_applied_* fields are populated and being propagated.
	Altering
)

func (s TableState) String() string {
	if s == Altering {
		return "ALTERING"
	}
	return "RUNNING"
}

// IndexInfo is one entry of an IndexedTable's index list.
type IndexInfo struct {
	// TableID is the catalog id of the index's own backing table.
	TableID string
	// Permission is this index's current rung of the ladder.
	Permission permission.Permission
	// HasPermission mirrors idx_pb.has_index_permissions(): an index with
	// no permission field set (e.g. one created directly, without going
	// through the ladder) is never touched by launch_next_if_necessary.
	HasPermission bool
	// LastTransitionAt is set whenever Permission changes, for
	// observability only; it plays no role in correctness.
	LastTransitionAt time.Time
}

func (i IndexInfo) clone() IndexInfo { return i }

// tableProperties mirrors the subset of SchemaPB.TableProperties this
// controller reads and writes.
type tableProperties struct {
	backfillingTimestamp    hlc.Timestamp
	hasBackfillingTimestamp bool
	// isBackfilling here is the *persisted* index-table-side flag consulted
	// by compactions to decide whether it's safe to GC delete markers
	// (spec.md section 4.4.5 step 3b); it is distinct from
	// IndexedTable.backfillActive below, which is an in-memory, per-leader
	// test-and-set guarding "at most one BackfillTable" and is never
	// persisted.
	isBackfilling bool
}

// fullyAppliedSnapshot is the shadow copy retained on an IndexedTable while
// state == Altering (spec.md section 3's fully_applied_* fields).
type fullyAppliedSnapshot struct {
	populated     bool
	schemaVersion int64
	indexes       []IndexInfo
}

// IndexedTable is the persistent catalog entry for a table carrying one or
// more secondary indexes, per spec.md section 3.
type IndexedTable struct {
	// ID is this table's catalog identifier, stable for its lifetime.
	ID string

	mu struct {
		sync.RWMutex

		schemaVersion int64
		indexes       []IndexInfo
		fullyApplied  fullyAppliedSnapshot
		state         TableState
		stateMessage  string
		properties    tableProperties

		// backfillActive is the in-memory "IsBackfilling" test-and-set from
		// original_source: TestAndSetBackfilling enforces spec.md section
		// 3's "at most one BackfillTable per indexed table" invariant. It
		// resets to false on every process restart, which is intentional:
		// a fresh leader must be able to reattach a BackfillTable to an
		// index still sitting at DoBackfill after a failover.
		backfillActive bool
	}
}

// NewIndexedTable constructs an IndexedTable at schema version 0, state
// Running, with the given initial indexes.
func NewIndexedTable(id string, indexes []IndexInfo) *IndexedTable {
	t := &IndexedTable{ID: id}
	t.mu.indexes = append([]IndexInfo(nil), indexes...)
	t.mu.state = Running
	return t
}

// SchemaVersion returns the current schema version under a read lock.
func (t *IndexedTable) SchemaVersion() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mu.schemaVersion
}

// State returns the current table state under a read lock.
func (t *IndexedTable) State() TableState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mu.state
}

// Indexes returns a copy of the current index list under a read lock.
func (t *IndexedTable) Indexes() []IndexInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]IndexInfo, len(t.mu.indexes))
	copy(out, t.mu.indexes)
	return out
}

// BackfillingTimestamp returns the persisted safe-time for the in-progress
// backfill, if any.
func (t *IndexedTable) BackfillingTimestamp() (hlc.Timestamp, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mu.properties.backfillingTimestamp, t.mu.properties.hasBackfillingTimestamp
}

// TestAndSetBackfilling atomically checks whether a BackfillTable is
// already active for this indexed table and, if not, marks one active. It
// returns true if the caller won the race and may proceed to launch a
// BackfillTable.
func (t *IndexedTable) TestAndSetBackfilling() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.backfillActive {
		return false
	}
	t.mu.backfillActive = true
	return true
}

// ClearBackfilling releases the in-memory backfillActive latch, permitting
// a future BackfillTable to be started for this indexed table.
func (t *IndexedTable) ClearBackfilling() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mu.backfillActive = false
}

// snapshot is a value copy of everything the Mutator methods might change,
// produced under the write lock so a change can be applied to the copy
// before anything is persisted, and committed with commitLocked afterwards.
type snapshot struct {
	schemaVersion int64
	indexes       []IndexInfo
	fullyApplied  fullyAppliedSnapshot
	state         TableState
	stateMessage  string
	properties    tableProperties
}

func (t *IndexedTable) snapshotLocked() snapshot {
	return snapshot{
		schemaVersion: t.mu.schemaVersion,
		indexes:       append([]IndexInfo(nil), t.mu.indexes...),
		fullyApplied: fullyAppliedSnapshot{
			populated:     t.mu.fullyApplied.populated,
			schemaVersion: t.mu.fullyApplied.schemaVersion,
			indexes:       append([]IndexInfo(nil), t.mu.fullyApplied.indexes...),
		},
		state:        t.mu.state,
		stateMessage: t.mu.stateMessage,
		properties:   t.mu.properties,
	}
}

func (t *IndexedTable) commitLocked(s snapshot) {
	t.mu.schemaVersion = s.schemaVersion
	t.mu.indexes = s.indexes
	t.mu.fullyApplied = s.fullyApplied
	t.mu.state = s.state
	t.mu.stateMessage = s.stateMessage
	t.mu.properties = s.properties
}

// Tablet is the persistent catalog entry for one key-range partition of an
// indexed table, per spec.md section 3.
type Tablet struct {
	// ID is this tablet's catalog identifier.
	ID string
	// Partition is this tablet's key range.
	Partition keyspan.Span

	mu struct {
		sync.RWMutex
		// backfilledUntil maps index-table-id to the next row key to
		// resume from. Absence means "not started"; empty string means
		// "complete".
		backfilledUntil map[string]string
	}
}

// NewTablet constructs a Tablet with an empty checkpoint map.
func NewTablet(id string, partition keyspan.Span) *Tablet {
	tb := &Tablet{ID: id, Partition: partition}
	tb.mu.backfilledUntil = make(map[string]string)
	return tb
}

// BackfilledUntil returns (nextRowKey, present) for the given index.
func (tb *Tablet) BackfilledUntil(indexTableID string) (string, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	v, ok := tb.mu.backfilledUntil[indexTableID]
	return v, ok
}

// snapshotChkptLocked is a defensive copy of the checkpoint map, taken
// under tb.mu (held by the caller) so it can be mutated speculatively,
// persisted, and committed without releasing the lock in between.
func (tb *Tablet) snapshotChkptLocked() map[string]string {
	out := make(map[string]string, len(tb.mu.backfilledUntil))
	for k, v := range tb.mu.backfilledUntil {
		out[k] = v
	}
	return out
}

func (tb *Tablet) commitChkptLocked(m map[string]string) {
	tb.mu.backfilledUntil = m
}
