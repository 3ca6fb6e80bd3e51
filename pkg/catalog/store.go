// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package catalog

import (
	"context"
	"sync"

	"github.com/brianfdc/yugabyte-db/pkg/joberrors"
	"github.com/cockroachdb/errors"
)

// Store is the external "catalog store" collaborator of spec.md section 6:
// a linearizable KV of typed items, compare-and-swapped on leader term. Only
// the fencing contract matters here — the actual mutable state lives on the
// IndexedTable/Tablet values themselves, exactly as sys_catalog_->UpdateItem
// in original_source takes a pointer to the in-memory descriptor and
// persists its current bytes rather than a separately-tracked value.
type Store interface {
	// UpdateItem persists a single item, rejecting the write with
	// joberrors.ErrLeaderChanged if leaderTerm is stale.
	UpdateItem(ctx context.Context, itemID string, leaderTerm int64) error
	// UpdateItems persists several items atomically, all-or-nothing.
	UpdateItems(ctx context.Context, itemIDs []string, leaderTerm int64) error
}

// MemStore is an in-process Store standing in for the system catalog's
// write-ahead log. It supports the two forms of injected failure spec.md
// section 7 requires tests to exercise: a stale leader term, and an
// arbitrary one-shot persistence error.
type MemStore struct {
	mu struct {
		sync.Mutex
		currentTerm int64
		written     []string
		nextErr     error
	}
}

// NewMemStore constructs a MemStore that currently accepts writes fenced at
// leaderTerm.
func NewMemStore(leaderTerm int64) *MemStore {
	s := &MemStore{}
	s.mu.currentTerm = leaderTerm
	return s
}

// SetLeaderTerm simulates a master failover: subsequent writes stamped with
// the old term are rejected.
func (s *MemStore) SetLeaderTerm(term int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.currentTerm = term
}

// InjectFailure makes the next call to UpdateItem or UpdateItems return err
// instead of succeeding, then clears the injection. Used to exercise
// spec.md section 7's PersistenceFailure path.
func (s *MemStore) InjectFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mu.nextErr = err
}

// Written returns the item ids persisted so far, in order, for test
// assertions.
func (s *MemStore) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.mu.written))
	copy(out, s.mu.written)
	return out
}

func (s *MemStore) UpdateItem(ctx context.Context, itemID string, leaderTerm int64) error {
	return s.UpdateItems(ctx, []string{itemID}, leaderTerm)
}

func (s *MemStore) UpdateItems(ctx context.Context, itemIDs []string, leaderTerm int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.nextErr != nil {
		err := s.mu.nextErr
		s.mu.nextErr = nil
		return err
	}
	if leaderTerm != s.mu.currentTerm {
		return errors.Wrapf(joberrors.ErrLeaderChanged,
			"write for %v stamped with term %d, current term is %d", itemIDs, leaderTerm, s.mu.currentTerm)
	}
	s.mu.written = append(s.mu.written, itemIDs...)
	return nil
}
