// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package config holds the tuning knobs of the backfill controller (spec.md
// section 6's configurable-parameters table). Loading these from a flag set
// or an environment is explicitly out of scope (spec.md section 1); this
// package only defines the record and the runtime-mutability needed for
// test injection, mirroring the TAG_FLAG(..., runtime) treatment the
// original gives FLAGS_TEST_slowdown_backfill_alter_table_rpcs_ms.
package config

import (
	"time"

	"go.uber.org/atomic"
)

// Config carries the five tuning knobs named in spec.md section 6. All
// durations are stored as milliseconds to match the original flags
// (index_backfill_rpc_timeout_ms and friends).
type Config struct {
	// RPCTimeoutMillis is the per-RPC time budget from which the backfill
	// coordinator derives the overall deadlines of its RPCs. The
	// per-attempt timeout of an rpc.Dispatcher is the one passed to
	// rpc.NewDispatcher.
	RPCTimeoutMillis atomic.Int64
	// RPCMaxRetries sizes the safe-time election's overall deadline
	// (RPCTimeout times this value). The attempt cap of an rpc.Dispatcher
	// is its retry.Options.MaxRetries.
	RPCMaxRetries atomic.Int64
	// RPCMaxDelayMillis is added to RPCTimeout to form a BackfillChunk
	// call's overall deadline. The backoff cap of an rpc.Dispatcher is its
	// retry.Options.MaxBackoff.
	RPCMaxDelayMillis atomic.Int64
	// WaitForAlterTableCompletionMillis is the poll interval used while
	// waiting for the index table to quiesce before sending BackfillDone.
	WaitForAlterTableCompletionMillis atomic.Int64
	// TestSlowdownAlterTableRPCsMillis, when non-zero, sleeps for this long
	// immediately before and after each update_index_permissions call. It
	// exists purely to let tests interleave a master restart between
	// permission-ladder steps, mirroring
	// TEST_slowdown_backfill_alter_table_rpcs_ms.
	TestSlowdownAlterTableRPCsMillis atomic.Int64
}

// Defaults returns a Config populated with the defaults from spec.md
// section 6's table (which match original_source's DEFINE_int32 defaults).
func Defaults() *Config {
	c := &Config{}
	c.RPCTimeoutMillis.Store(60000)
	c.RPCMaxRetries.Store(150)
	c.RPCMaxDelayMillis.Store(600000)
	c.WaitForAlterTableCompletionMillis.Store(100)
	c.TestSlowdownAlterTableRPCsMillis.Store(0)
	return c
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMillis.Load()) * time.Millisecond
}

func (c *Config) RPCMaxDelay() time.Duration {
	return time.Duration(c.RPCMaxDelayMillis.Load()) * time.Millisecond
}

func (c *Config) WaitForAlterTableCompletion() time.Duration {
	return time.Duration(c.WaitForAlterTableCompletionMillis.Load()) * time.Millisecond
}

func (c *Config) TestSlowdownAlterTableRPCs() time.Duration {
	return time.Duration(c.TestSlowdownAlterTableRPCsMillis.Load()) * time.Millisecond
}
