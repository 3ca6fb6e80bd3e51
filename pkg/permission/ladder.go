// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package permission implements the index-permission ladder: the totally
// ordered sequence of states a secondary index moves through while it is
// created (or torn down) concurrently with reads and writes on its base
// table. See spec.md section 4.1 and original_source's IsTransientState /
// NextPermission free functions, which this package turns into a closed
// sum type per the "state machine as data" note in spec.md section 9.
package permission

import "fmt"

// Permission is one rung of the index-permission ladder.
type Permission int

const (
	// DeleteOnly: only delete operations on the base table maintain the
	// index; it is not yet visible to reads or writes.
	DeleteOnly Permission = iota
	// WriteAndDelete: writes and deletes maintain the index; still not
	// readable.
	WriteAndDelete
	// DoBackfill: the ladder has reached the point where a BackfillTable
	// must run before the index can serve reads.
	DoBackfill
	// ReadWriteAndDelete: terminal steady state; the index is fully live.
	ReadWriteAndDelete

	// WriteAndDeleteWhileRemoving begins the removal branch, entered when
	// backfill aborts or the index is explicitly dropped.
	WriteAndDeleteWhileRemoving
	// DeleteOnlyWhileRemoving is the next step of the removal branch.
	DeleteOnlyWhileRemoving
	// IndexUnused: writes/deletes/reads have all stopped maintaining the
	// index; the only remaining step is deleting its catalog entry.
	IndexUnused
	// NotUsed: the index catalog entry has been deleted. Terminal.
	NotUsed
)

func (p Permission) String() string {
	switch p {
	case DeleteOnly:
		return "DELETE_ONLY"
	case WriteAndDelete:
		return "WRITE_AND_DELETE"
	case DoBackfill:
		return "DO_BACKFILL"
	case ReadWriteAndDelete:
		return "READ_WRITE_AND_DELETE"
	case WriteAndDeleteWhileRemoving:
		return "WRITE_AND_DELETE_WHILE_REMOVING"
	case DeleteOnlyWhileRemoving:
		return "DELETE_ONLY_WHILE_REMOVING"
	case IndexUnused:
		return "INDEX_UNUSED"
	case NotUsed:
		return "NOT_USED"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// IsTerminal reports whether p is a steady state that launch_next_if_necessary
// should simply ignore (spec.md section 4.3 step 2's "ignore" branch).
func (p Permission) IsTerminal() bool {
	return p == ReadWriteAndDelete || p == NotUsed
}

// IsTransient is the complement of IsTerminal: every permission other than
// ReadWriteAndDelete and NotUsed requires further action from
// MultiStageAlterTable, including IndexUnused, which still needs its
// catalog row deleted.
func IsTransient(p Permission) bool {
	return !p.IsTerminal()
}

// RequiresSpecialHandling reports whether p is one of the two states that
// launch_next_if_necessary must route through a dedicated handler
// (start-backfill or delete-index) rather than through the generic
// Next-based batch advance.
func (p Permission) RequiresSpecialHandling() bool {
	return p == DoBackfill || p == IndexUnused
}

// Next returns the successor of a transient, non-specially-handled
// permission. Next panics if called on DoBackfill, ReadWriteAndDelete,
// IndexUnused, or NotUsed: those states are not expected to reach Next and
// callers must route them through the specialized handlers described by
// RequiresSpecialHandling/IsTerminal. This is a programmer error, exactly
// as CHECK(false) marks it in original_source's NextPermission.
func Next(p Permission) Permission {
	switch p {
	case DeleteOnly:
		return WriteAndDelete
	case WriteAndDelete:
		return DoBackfill
	case WriteAndDeleteWhileRemoving:
		return DeleteOnlyWhileRemoving
	case DeleteOnlyWhileRemoving:
		return IndexUnused
	default:
		panic(fmt.Sprintf("permission: Next called on %s, which has no defined successor "+
			"(callers must route DoBackfill/IndexUnused/ReadWriteAndDelete/NotUsed through "+
			"the specialized handlers)", p))
	}
}

// IsLegalTransition reports whether observing `to` immediately after `from`
// on the same index is one of the edges of the ladder, including the
// self-edge produced when a racing update_index_permissions call returns
// AlreadyPresent and the permission is observed unchanged. Used by tests
// checking the "Ladder legality" invariant (spec.md section 8).
func IsLegalTransition(from, to Permission) bool {
	if from == to {
		return true
	}
	switch from {
	case DeleteOnly:
		return to == WriteAndDelete
	case WriteAndDelete:
		return to == DoBackfill
	case DoBackfill:
		return to == ReadWriteAndDelete || to == WriteAndDeleteWhileRemoving
	case WriteAndDeleteWhileRemoving:
		return to == DeleteOnlyWhileRemoving
	case DeleteOnlyWhileRemoving:
		return to == IndexUnused
	default:
		return false
	}
}
