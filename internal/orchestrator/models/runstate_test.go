// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    RunState
		to      RunState
		allowed bool
	}{
		{"queued to not_started", RunStateQueued, RunStateNotStarted, true},
		{"queued to cancelled", RunStateQueued, RunStateCancelled, true},
		{"queued to running", RunStateQueued, RunStateRunning, false},
		{"queued to completed", RunStateQueued, RunStateCompleted, false},
		{"queued to failed", RunStateQueued, RunStateFailed, false},
		{"not_started to running", RunStateNotStarted, RunStateRunning, true},
		{"not_started to failed", RunStateNotStarted, RunStateFailed, true},
		{"not_started to cancelled", RunStateNotStarted, RunStateCancelled, true},
		{"not_started to completed", RunStateNotStarted, RunStateCompleted, false},
		{"not_started to queued", RunStateNotStarted, RunStateQueued, false},
		{"running to completed", RunStateRunning, RunStateCompleted, true},
		{"running to failed", RunStateRunning, RunStateFailed, true},
		{"running to cancelled", RunStateRunning, RunStateCancelled, true},
		{"running to queued", RunStateRunning, RunStateQueued, false},
		{"completed is terminal", RunStateCompleted, RunStateRunning, false},
		{"failed is terminal", RunStateFailed, RunStateRunning, false},
		{"cancelled is terminal", RunStateCancelled, RunStateNotStarted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))

			err := ValidateTransition(tt.from, tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestRunStateSameStateIsNotAnEdge(t *testing.T) {
	for _, s := range []RunState{
		RunStateQueued, RunStateNotStarted, RunStateRunning,
		RunStateCompleted, RunStateFailed, RunStateCancelled,
	} {
		assert.False(t, s.CanTransitionTo(s), "state %s", s)
	}
}

func TestRunStateTerminal(t *testing.T) {
	assert.True(t, RunStateCompleted.IsTerminal())
	assert.True(t, RunStateFailed.IsTerminal())
	assert.True(t, RunStateCancelled.IsTerminal())
	assert.False(t, RunStateQueued.IsTerminal())
	assert.False(t, RunStateNotStarted.IsTerminal())
	assert.False(t, RunStateRunning.IsTerminal())
}

func TestRunStateCodesAreStable(t *testing.T) {
	// Wire and storage depend on these integers.
	assert.Equal(t, 1, int(RunStateQueued))
	assert.Equal(t, 2, int(RunStateNotStarted))
	assert.Equal(t, 3, int(RunStateRunning))
	assert.Equal(t, 4, int(RunStateCompleted))
	assert.Equal(t, 5, int(RunStateFailed))
	assert.Equal(t, 6, int(RunStateCancelled))
}

func TestParseRunStateRoundTrip(t *testing.T) {
	for _, s := range []RunState{
		RunStateQueued, RunStateNotStarted, RunStateRunning,
		RunStateCompleted, RunStateFailed, RunStateCancelled,
	} {
		parsed, err := ParseRunState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
}

func TestParseRunStateUnknown(t *testing.T) {
	_, err := ParseRunState("EXPLODED")
	assert.ErrorIs(t, err, ErrUnknownRunState)

	_, err = ParseRunState("")
	assert.ErrorIs(t, err, ErrUnknownRunState)
}

func TestRunStateIsValid(t *testing.T) {
	assert.True(t, RunStateQueued.IsValid())
	assert.True(t, RunStateCancelled.IsValid())
	assert.False(t, RunState(0).IsValid())
	assert.False(t, RunState(7).IsValid())
}
