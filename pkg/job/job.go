// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package job implements BackfillTableJob (spec.md section 4.7): the small
// state machine an external job-scheduling framework polls to learn whether
// a backfill is still running. The one-shot MarkDone hook and CAS-based
// abort are grounded on the teacher corpus's own job bookkeeping
// (pkg/jobs/errors.go's status transitions and pkg/jobs/wait.go's
// terminal-state polling), adapted from cockroach's persisted job records to
// this controller's simpler in-memory job.
package job

import (
	"sync"
)

// State is one of BackfillTableJob's five states.
type State int

const (
	Scheduling State = iota
	Running
	Complete
	Failed
	Aborted
)

func (s State) String() string {
	switch s {
	case Scheduling:
		return "SCHEDULING"
	case Running:
		return "RUNNING"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of Complete, Failed, Aborted.
func (s State) IsTerminal() bool {
	return s == Complete || s == Failed || s == Aborted
}

// Describer renders a human-readable description of the job's owning
// coordinator. It is implemented by the backfill coordinator (spec.md
// section 9's cyclic-ownership note): the job keeps its reference to the
// coordinator until ForgetCoordinator is called, and from then on returns
// the last description it cached.
type Describer interface {
	Description() string
}

// BackfillTableJob is the job-framework-facing handle for one BackfillTable
// run. The coordinator holds a reference to its Job; the Job holds the
// coordinator only as a Describer, and drops it in ForgetCoordinator.
type BackfillTableJob struct {
	mu struct {
		sync.Mutex
		state      State
		message    string
		describer  Describer
		cachedDesc string
		onDone     func(State)
		markedDone bool
	}
}

// New constructs a job in Scheduling state.
func New(describer Describer) *BackfillTableJob {
	j := &BackfillTableJob{}
	j.mu.state = Scheduling
	j.mu.describer = describer
	return j
}

// SetOnDone registers the one-shot hook fired the first time the job
// transitions from non-terminal to terminal.
func (j *BackfillTableJob) SetOnDone(fn func(State)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.mu.onDone = fn
}

// State returns the current state.
func (j *BackfillTableJob) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mu.state
}

// Description renders the coordinator's description if it is still
// reachable, else the last description observed before it went away.
func (j *BackfillTableJob) Description() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mu.describer != nil {
		j.mu.cachedDesc = j.mu.describer.Description()
	}
	return j.mu.cachedDesc
}

// ForgetCoordinator drops the strong-cycle-avoiding reference to the
// coordinator, freezing Description() at its last observed value. Call this
// once the coordinator's run is complete and it is no longer needed.
func (j *BackfillTableJob) ForgetCoordinator() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.mu.describer != nil {
		j.mu.cachedDesc = j.mu.describer.Description()
		j.mu.describer = nil
	}
}

// transitionLocked moves to next and fires the one-shot onDone hook if this
// is the job's first transition into a terminal state. A job already in a
// terminal state never leaves it, matching the original's SetState guard
// against retreating from a terminal status.
func (j *BackfillTableJob) transitionLocked(next State, message string) {
	if j.mu.state.IsTerminal() {
		return
	}
	j.mu.state = next
	j.mu.message = message
	if next.IsTerminal() && !j.mu.markedDone {
		j.mu.markedDone = true
		if fn := j.mu.onDone; fn != nil {
			fn(next)
		}
	}
}

// SetRunning transitions Scheduling -> Running.
func (j *BackfillTableJob) SetRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitionLocked(Running, "")
}

// SetComplete transitions to Complete, firing MarkDone if this is the first
// terminal transition.
func (j *BackfillTableJob) SetComplete(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitionLocked(Complete, message)
}

// SetFailed transitions to Failed, firing MarkDone if this is the first
// terminal transition.
func (j *BackfillTableJob) SetFailed(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitionLocked(Failed, message)
}

// AbortAndReturnPrevState atomically CASes from any non-terminal state to
// Aborted and returns the state observed just before the CAS. If the job is
// already terminal, it is left unchanged and the current (terminal) state is
// returned, since there is nothing left to abort.
func (j *BackfillTableJob) AbortAndReturnPrevState() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	prev := j.mu.state
	if prev.IsTerminal() {
		return prev
	}
	j.transitionLocked(Aborted, "aborted")
	return prev
}
