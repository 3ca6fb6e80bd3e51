// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package catalog

import (
	"context"
	"testing"

	"github.com/brianfdc/yugabyte-db/pkg/keyspan"
	"github.com/stretchr/testify/require"
)

func TestMemTabletRegistry(t *testing.T) {
	reg := NewMemTabletRegistry()
	p1 := NewTablet("p1", keyspan.Span{})
	p2 := NewTablet("p2", keyspan.Span{})
	reg.AddTablet("t1", p1)
	reg.AddTablet("t1", p2)

	got, err := reg.TabletsForTable(context.Background(), "t1")
	require.NoError(t, err)
	require.ElementsMatch(t, []*Tablet{p1, p2}, got)

	empty, err := reg.TabletsForTable(context.Background(), "unknown")
	require.NoError(t, err)
	require.Empty(t, empty)
}
