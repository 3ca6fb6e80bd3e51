// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package catalog

import "context"

// TabletLister enumerates the tablets backing an indexed table. It stands in
// for the catalog manager's generic table/tablet registry, which spec.md
// section 1 explicitly places out of scope; only the narrow query the
// backfill controller needs is modeled here.
type TabletLister interface {
	// TabletsForTable returns every tablet partitioning tableID, in an
	// unspecified order. The backfill controller fans out to all of them
	// independently, so order does not matter (spec.md section 4.4.3).
	TabletsForTable(ctx context.Context, tableID string) ([]*Tablet, error)
}

// MemTabletRegistry is an in-process TabletLister backed by a static
// tableID -> tablets mapping, useful for tests and for wiring a
// single-process demonstration of the controller.
type MemTabletRegistry struct {
	byTable map[string][]*Tablet
}

// NewMemTabletRegistry constructs an empty registry.
func NewMemTabletRegistry() *MemTabletRegistry {
	return &MemTabletRegistry{byTable: make(map[string][]*Tablet)}
}

// AddTablet registers tablet as one of tableID's partitions.
func (r *MemTabletRegistry) AddTablet(tableID string, tablet *Tablet) {
	r.byTable[tableID] = append(r.byTable[tableID], tablet)
}

// TabletsForTable implements TabletLister.
func (r *MemTabletRegistry) TabletsForTable(ctx context.Context, tableID string) ([]*Tablet, error) {
	out := make([]*Tablet, len(r.byTable[tableID]))
	copy(out, r.byTable[tableID])
	return out, nil
}
