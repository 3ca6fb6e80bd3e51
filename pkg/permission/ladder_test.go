// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package permission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextAdvancesTransientStates(t *testing.T) {
	require.Equal(t, WriteAndDelete, Next(DeleteOnly))
	require.Equal(t, DoBackfill, Next(WriteAndDelete))
	require.Equal(t, DeleteOnlyWhileRemoving, Next(WriteAndDeleteWhileRemoving))
	require.Equal(t, IndexUnused, Next(DeleteOnlyWhileRemoving))
}

func TestNextPanicsOnNonAdvancingStates(t *testing.T) {
	for _, p := range []Permission{DoBackfill, ReadWriteAndDelete, IndexUnused, NotUsed} {
		p := p
		require.Panics(t, func() { Next(p) }, "Next(%s) should panic", p)
	}
}

func TestIsTerminal(t *testing.T) {
	require.True(t, ReadWriteAndDelete.IsTerminal())
	require.True(t, NotUsed.IsTerminal())
	require.False(t, DoBackfill.IsTerminal())
	require.False(t, IndexUnused.IsTerminal())
}

func TestIsTransientIsComplementOfTerminal(t *testing.T) {
	for p := DeleteOnly; p <= NotUsed; p++ {
		require.Equal(t, !p.IsTerminal(), IsTransient(p))
	}
}

func TestRequiresSpecialHandling(t *testing.T) {
	require.True(t, DoBackfill.RequiresSpecialHandling())
	require.True(t, IndexUnused.RequiresSpecialHandling())
	require.False(t, DeleteOnly.RequiresSpecialHandling())
	require.False(t, ReadWriteAndDelete.RequiresSpecialHandling())
}

func TestIsLegalTransition(t *testing.T) {
	require.True(t, IsLegalTransition(DeleteOnly, WriteAndDelete))
	require.True(t, IsLegalTransition(DoBackfill, ReadWriteAndDelete))
	require.True(t, IsLegalTransition(DoBackfill, WriteAndDeleteWhileRemoving))
	require.True(t, IsLegalTransition(DeleteOnly, DeleteOnly), "self-edge from a retried AlreadyPresent")
	require.False(t, IsLegalTransition(DeleteOnly, DoBackfill))
	require.False(t, IsLegalTransition(ReadWriteAndDelete, DeleteOnly))
}

func TestPermissionString(t *testing.T) {
	require.Equal(t, "DO_BACKFILL", DoBackfill.String())
	require.Equal(t, "NOT_USED", NotUsed.String())
}
