// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the event messages broadcast to websocket
// subscribers when runs change state.
package protocol

import "time"

// Metadata contains common fields for all events pushed to subscribers.
type Metadata struct {
	// WorkflowRunUUID correlates pipeline-run events with the workflow run
	// they belong to. Empty for standalone pipeline runs.
	WorkflowRunUUID string `json:"workflow_run_uuid,omitempty"`

	// EmittedAt is the server-side emission time.
	EmittedAt time.Time `json:"emitted_at"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents messages pushed from the orchestrator to subscribers.
// Any type implementing this interface can be sent through the broadcaster.
type Event interface {
	GetMetadata() Metadata
	EventType() string
}

// NewMetadata builds event metadata stamped with the current protocol version.
func NewMetadata(workflowRunUUID string) Metadata {
	return Metadata{
		WorkflowRunUUID: workflowRunUUID,
		EmittedAt:       time.Now().UTC(),
		Version:         CurrentProtocolVersion,
	}
}

// PipelineRunStateChangedEvent is emitted after a pipeline run's state log
// grows a new entry.
type PipelineRunStateChangedEvent struct {
	Metadata     Metadata `json:"metadata"`
	PipelineUUID string   `json:"pipeline_uuid"`
	RunUUID      string   `json:"run_uuid"`
	State        string   `json:"state"`
}

func (e PipelineRunStateChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e PipelineRunStateChangedEvent) EventType() string     { return "pipeline_run_state_changed" }

// WorkflowRunStateChangedEvent is emitted after a workflow run's aggregate
// state changes.
type WorkflowRunStateChangedEvent struct {
	Metadata     Metadata `json:"metadata"`
	WorkflowUUID string   `json:"workflow_uuid"`
	RunUUID      string   `json:"run_uuid"`
	State        string   `json:"state"`
}

func (e WorkflowRunStateChangedEvent) GetMetadata() Metadata { return e.Metadata }
func (e WorkflowRunStateChangedEvent) EventType() string     { return "workflow_run_state_changed" }
