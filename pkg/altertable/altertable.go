// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package altertable implements MultiStageAlterTable (spec.md section 4.3):
// the entry point invoked whenever an indexed table's schema settles at a
// quiescent version, deciding whether to advance transient indexes, start a
// backfill, or delete a no-longer-used index. It is grounded on
// original_source's MultiStageAlterTable::LaunchNextTableInfoVersionIfNecessary,
// reworked from its mutable-locals control flow into the classify-then-act
// shape spec.md section 9 recommends.
package altertable

import (
	"context"

	"github.com/brianfdc/yugabyte-db/pkg/backfill"
	"github.com/brianfdc/yugabyte-db/pkg/catalog"
	"github.com/brianfdc/yugabyte-db/pkg/permission"
)

// IndexDeleter removes an index's row from the catalog once it has reached
// IndexUnused. It is out of scope to implement (owned by the catalog
// manager's generic DDL machinery); only its contract is modeled.
type IndexDeleter interface {
	DeleteIndex(ctx context.Context, indexTableID string) error
}

// Controller ties together the collaborators LaunchNextIfNecessary needs:
// the mutator for permission-ladder advances, a deleter for finished
// removals, and the factory for starting a new BackfillTable.
type Controller struct {
	Mutator     *catalog.Mutator
	Deleter     IndexDeleter
	Broadcaster backfill.AlterTableBroadcaster
	NewBackfill func(indexedTable *catalog.IndexedTable, indexID string, schemaVersion, leaderTerm int64) *backfill.Table
}

// LaunchNextIfNecessary implements spec.md section 4.3. currentVersion is
// the schema version the caller observed when it decided to invoke this
// sweep; leaderTerm fences any catalog write this call performs.
func (c *Controller) LaunchNextIfNecessary(
	ctx context.Context, table *catalog.IndexedTable, currentVersion, leaderTerm int64,
) error {
	if table.SchemaVersion() != currentVersion {
		// Another invocation already raced ahead; nothing to do.
		return nil
	}

	var toAdvance map[string]permission.Permission
	var toDelete []string
	var toBackfill []string

	for _, idx := range table.Indexes() {
		if !idx.HasPermission {
			continue
		}
		switch {
		case idx.Permission == permission.DoBackfill:
			toBackfill = append(toBackfill, idx.TableID)
		case idx.Permission == permission.IndexUnused:
			toDelete = append(toDelete, idx.TableID)
		case idx.Permission == permission.ReadWriteAndDelete:
			// Terminal steady state; nothing to do.
		default:
			if toAdvance == nil {
				toAdvance = make(map[string]permission.Permission)
			}
			toAdvance[idx.TableID] = permission.Next(idx.Permission)
		}
	}

	switch {
	case len(toAdvance) > 0:
		expected := currentVersion
		if err := c.Mutator.UpdateIndexPermissions(ctx, table, toAdvance, &expected, leaderTerm); err != nil {
			return err
		}
		if c.Broadcaster != nil {
			return c.Broadcaster.SendAlterTableRequest(ctx, table.ID)
		}
		return nil

	case len(toDelete) > 0:
		if err := c.Deleter.DeleteIndex(ctx, toDelete[0]); err != nil {
			return err
		}
		return c.Mutator.ClearAlteringState(ctx, table, currentVersion, leaderTerm)

	case len(toBackfill) > 0:
		if !table.TestAndSetBackfilling() {
			// A BackfillTable is already active for this table, most likely
			// reattached by an earlier sweep after a failover; nothing to do.
			return nil
		}
		bt := c.NewBackfill(table, toBackfill[0], currentVersion, leaderTerm)
		bt.Launch(ctx)
		return nil

	default:
		return c.Mutator.ClearAlteringState(ctx, table, currentVersion, leaderTerm)
	}
}
