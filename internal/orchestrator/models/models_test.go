// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUUIDFormat(t *testing.T) {
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		uuid := NewUUID()
		assert.Regexp(t, hex32, uuid)
		_, dup := seen[uuid]
		assert.False(t, dup, "duplicate uuid %s", uuid)
		seen[uuid] = struct{}{}
	}
}

func TestArtifactKey(t *testing.T) {
	key := ArtifactKey("p1", "r1", "a1", "results.csv")
	assert.Equal(t, "p1/r1/a1-results.csv", key)
}

func TestPipelineRunCurrentState(t *testing.T) {
	run := &PipelineRun{}
	assert.Equal(t, RunState(0), run.CurrentState())

	run.States = []PipelineRunState{
		{Code: RunStateQueued},
		{Code: RunStateNotStarted},
		{Code: RunStateRunning},
	}
	assert.Equal(t, RunStateRunning, run.CurrentState())
}

func TestWorkflowRunCurrentState(t *testing.T) {
	wr := &WorkflowRun{}
	assert.Equal(t, RunState(0), wr.CurrentState())

	wr.States = []WorkflowRunState{
		{Code: RunStateNotStarted},
		{Code: RunStateRunning},
		{Code: RunStateCompleted},
	}
	assert.Equal(t, RunStateCompleted, wr.CurrentState())
}

func TestStateLogEntryJSON(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := PipelineRunState{
		Common: Common{UUID: NewUUID(), CreatedAt: at},
		Code:   RunStateRunning,
	}

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "RUNNING", decoded["state"])
	assert.Contains(t, decoded, "created_at")
	assert.NotContains(t, decoded, "uuid")
	assert.NotContains(t, decoded, "Code")
}

func TestWorkflowRunStateJSON(t *testing.T) {
	entry := WorkflowRunState{Code: RunStateCancelled}

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "CANCELLED", decoded["state"])
}
