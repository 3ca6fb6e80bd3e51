// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDescriber struct{ desc string }

func (f *fakeDescriber) Description() string { return f.desc }

func TestJobLifecycleAndOnDoneFiresOnce(t *testing.T) {
	d := &fakeDescriber{desc: "backfilling idx1"}
	j := New(d)
	require.Equal(t, Scheduling, j.State())
	require.Equal(t, "backfilling idx1", j.Description())

	var doneCount int
	var lastState State
	j.SetOnDone(func(s State) { doneCount++; lastState = s })

	j.SetRunning()
	require.Equal(t, Running, j.State())
	require.Equal(t, 0, doneCount, "Running is not terminal")

	j.SetComplete("ok")
	require.Equal(t, Complete, j.State())
	require.Equal(t, 1, doneCount)
	require.Equal(t, Complete, lastState)

	j.SetFailed("should not re-fire")
	require.Equal(t, 1, doneCount, "MarkDone is one-shot")
}

func TestAbortAndReturnPrevState(t *testing.T) {
	j := New(&fakeDescriber{})
	j.SetRunning()
	prev := j.AbortAndReturnPrevState()
	require.Equal(t, Running, prev)
	require.Equal(t, Aborted, j.State())
}

func TestAbortOnAlreadyTerminalJobIsNoop(t *testing.T) {
	j := New(&fakeDescriber{})
	j.SetComplete("done")
	prev := j.AbortAndReturnPrevState()
	require.Equal(t, Complete, prev)
	require.Equal(t, Complete, j.State(), "a terminal job cannot be re-aborted")
}

func TestDescriptionFallsBackAfterForgetCoordinator(t *testing.T) {
	d := &fakeDescriber{desc: "running"}
	j := New(d)
	require.Equal(t, "running", j.Description())
	d.desc = "changed"
	require.Equal(t, "changed", j.Description(), "still reads through while coordinator is reachable")

	j.ForgetCoordinator()
	d.desc = "should not be observed"
	require.Equal(t, "changed", j.Description(), "frozen at last value once coordinator reference is dropped")
}
