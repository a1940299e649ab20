// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"errors"
	"fmt"
)

// RunState represents the lifecycle state of a pipeline run or a workflow run.
// Both state machines share this single transition table. The integer codes
// are stable: they appear on the wire and in storage and must never be
// renumbered.
type RunState int

const (
	RunStateQueued     RunState = 1
	RunStateNotStarted RunState = 2
	RunStateRunning    RunState = 3
	RunStateCompleted  RunState = 4
	RunStateFailed     RunState = 5
	RunStateCancelled  RunState = 6
)

// ErrInvalidTransition is returned when a requested state change is not an
// edge of the transition table. A same-state change is not an error; callers
// treat it as a no-op before consulting the table.
var ErrInvalidTransition = errors.New("invalid run state transition")

// ErrUnknownRunState is returned by ParseRunState for unrecognised names.
var ErrUnknownRunState = errors.New("unknown run state")

// transitions is the single source of truth for legal state changes.
// Terminal states have no outgoing edges.
var transitions = map[RunState][]RunState{
	RunStateQueued:     {RunStateNotStarted, RunStateCancelled},
	RunStateNotStarted: {RunStateRunning, RunStateFailed, RunStateCancelled},
	RunStateRunning:    {RunStateCompleted, RunStateFailed, RunStateCancelled},
	RunStateFailed:     {},
	RunStateCompleted:  {},
	RunStateCancelled:  {},
}

// String returns the wire name of the state.
func (s RunState) String() string {
	switch s {
	case RunStateQueued:
		return "QUEUED"
	case RunStateNotStarted:
		return "NOT_STARTED"
	case RunStateRunning:
		return "RUNNING"
	case RunStateCompleted:
		return "COMPLETED"
	case RunStateFailed:
		return "FAILED"
	case RunStateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// ParseRunState converts a wire name back into a RunState.
func ParseRunState(name string) (RunState, error) {
	switch name {
	case "QUEUED":
		return RunStateQueued, nil
	case "NOT_STARTED":
		return RunStateNotStarted, nil
	case "RUNNING":
		return RunStateRunning, nil
	case "COMPLETED":
		return RunStateCompleted, nil
	case "FAILED":
		return RunStateFailed, nil
	case "CANCELLED":
		return RunStateCancelled, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRunState, name)
	}
}

// IsValid reports whether s is one of the six known states.
func (s RunState) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (s RunState) IsTerminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether the table contains the edge s -> next.
// A same-state change is not an edge; callers handle it as an idempotent
// no-op before calling this.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil for a legal edge and a wrapped
// ErrInvalidTransition otherwise.
func ValidateTransition(from, to RunState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s->%s", ErrInvalidTransition, from, to)
	}
	return nil
}
