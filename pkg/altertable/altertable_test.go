// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package altertable

import (
	"context"
	"testing"
	"time"

	"github.com/brianfdc/yugabyte-db/pkg/backfill"
	"github.com/brianfdc/yugabyte-db/pkg/catalog"
	"github.com/brianfdc/yugabyte-db/pkg/config"
	"github.com/brianfdc/yugabyte-db/pkg/hlc"
	"github.com/brianfdc/yugabyte-db/pkg/permission"
	"github.com/stretchr/testify/require"
)

// quiesceInBackground plays the role of the next MultiStageAlterTable sweep:
// once the table observes state==Altering it clears it back to Running, the
// way a real quiescence callback would once the alter-table RPC burst
// settles. Without this, allow_compactions_to_gc_delete_markers's poll loop
// would never observe Running.
func quiesceInBackground(table *catalog.IndexedTable, mutator *catalog.Mutator, leaderTerm int64, stop <-chan struct{}) {
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

type fakeBroadcaster struct{ calls int }

func (f *fakeBroadcaster) SendAlterTableRequest(ctx context.Context, tableID string) error {
	f.calls++
	return nil
}

type fakeDeleter struct{ deleted []string }

func (f *fakeDeleter) DeleteIndex(ctx context.Context, indexTableID string) error {
	f.deleted = append(f.deleted, indexTableID)
	return nil
}

func TestLaunchNextIfNecessaryNoopsOnStaleVersion(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DeleteOnly, HasPermission: true},
	})
	c := &Controller{Mutator: catalog.NewMutator(store), Broadcaster: &fakeBroadcaster{}}
	err := c.LaunchNextIfNecessary(context.Background(), table, 7, 1)
	require.NoError(t, err)
	require.Equal(t, permission.DeleteOnly, table.Indexes()[0].Permission, "a stale current_version observation must not mutate anything")
}

func TestLaunchNextIfNecessaryAdvancesTransientIndexes(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DeleteOnly, HasPermission: true},
	})
	bcast := &fakeBroadcaster{}
	c := &Controller{Mutator: catalog.NewMutator(store), Broadcaster: bcast}

	err := c.LaunchNextIfNecessary(context.Background(), table, 0, 1)
	require.NoError(t, err)
	require.Equal(t, permission.WriteAndDelete, table.Indexes()[0].Permission)
	require.Equal(t, int64(1), table.SchemaVersion())
	require.Equal(t, 1, bcast.calls)
}

func TestLaunchNextIfNecessaryDeletesIndexUnused(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.IndexUnused, HasPermission: true},
	})
	deleter := &fakeDeleter{}
	c := &Controller{Mutator: catalog.NewMutator(store), Deleter: deleter}

	err := c.LaunchNextIfNecessary(context.Background(), table, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"idx1"}, deleter.deleted)
	require.Equal(t, catalog.Running, table.State())
}

func TestLaunchNextIfNecessaryStartsBackfillForDoBackfillIndex(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.DoBackfill, HasPermission: true},
	})
	var launched *backfill.Table
	c := &Controller{
		Mutator: catalog.NewMutator(store),
		NewBackfill: func(indexedTable *catalog.IndexedTable, indexID string, schemaVersion, leaderTerm int64) *backfill.Table {
			bt := backfill.New(indexedTable, indexID, schemaVersion, leaderTerm, backfill.Deps{
				Mutator: catalog.NewMutator(store),
				Tablets: catalog.NewMemTabletRegistry(),
				Clock:   hlc.NewClock(nil),
				Config:  config.Defaults(),
			})
			launched = bt
			return bt
		},
	}

	stop := make(chan struct{})
	defer close(stop)
	quiesceInBackground(table, catalog.NewMutator(store), 1, stop)

	err := c.LaunchNextIfNecessary(context.Background(), table, 0, 1)
	require.NoError(t, err)
	require.NotNil(t, launched, "a DoBackfill index must instantiate a BackfillTable")
}

func TestLaunchNextIfNecessaryClearsAlteringStateWhenQuiescent(t *testing.T) {
	store := catalog.NewMemStore(1)
	table := catalog.NewIndexedTable("t1", []catalog.IndexInfo{
		{TableID: "idx1", Permission: permission.ReadWriteAndDelete, HasPermission: true},
	})
	// Force state=Altering so there is something to clear.
	require.NoError(t, catalog.NewMutator(store).UpdateIndexPermissions(context.Background(), table,
		map[string]permission.Permission{"other": permission.DeleteOnly}, nil, 1))
	version := table.SchemaVersion()

	c := &Controller{Mutator: catalog.NewMutator(store)}
	err := c.LaunchNextIfNecessary(context.Background(), table, version, 1)
	require.NoError(t, err)
	require.Equal(t, catalog.Running, table.State())
}
