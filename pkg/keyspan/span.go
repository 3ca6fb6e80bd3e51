// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package keyspan provides the byte-range key partition type shared by
// tablets, checkpoints and RPC start keys. It mirrors the shape of
// roachpb.Span (see pkg/roachpb/merge_spans.go in the teacher corpus)
// without pulling in any of CockroachDB's range/replication machinery.
package keyspan

import "bytes"

// Span represents a key range [Key, EndKey). An empty EndKey means the
// span runs to the end of the keyspace; both empty means the whole table.
type Span struct {
	Key    []byte
	EndKey []byte
}

// Empty reports whether the span carries neither a start key nor an end
// key, i.e. whether it is the whole-table span. A span with an empty Key
// but a set EndKey is not Empty.
func (s Span) Empty() bool {
	return len(s.Key) == 0 && len(s.EndKey) == 0
}

// Compare orders spans first by Key, then by EndKey, matching
// roachpb.MergeSpans's sort key.
func (s Span) Compare(o Span) int {
	if c := bytes.Compare(s.Key, o.Key); c != 0 {
		return c
	}
	return bytes.Compare(s.EndKey, o.EndKey)
}

// ContainsKey reports whether key falls within [s.Key, s.EndKey), treating
// an empty EndKey as +infinity.
func (s Span) ContainsKey(key []byte) bool {
	if bytes.Compare(key, s.Key) < 0 {
		return false
	}
	if len(s.EndKey) == 0 {
		return true
	}
	return bytes.Compare(key, s.EndKey) < 0
}

// Contains reports whether o falls entirely within s, treating an empty
// EndKey on either span as +infinity, matching roachpb.Span.Contains.
func (s Span) Contains(o Span) bool {
	if bytes.Compare(o.Key, s.Key) < 0 {
		return false
	}
	if len(s.EndKey) == 0 {
		return true
	}
	if len(o.EndKey) == 0 {
		return false
	}
	return bytes.Compare(o.EndKey, s.EndKey) <= 0
}

// String renders the span for logging.
func (s Span) String() string {
	return string(s.Key) + "-" + string(s.EndKey)
}
