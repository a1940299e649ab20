// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"io"

	"github.com/flumeworks/flume/internal/protocol"
)

// InputFile is a named, fetchable file handed to a worker before a run
// starts.
type InputFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ExecuteRequest carries everything a worker needs to run one pipeline run.
type ExecuteRequest struct {
	PipelineUUID     string      `json:"pipeline_uuid"`
	RunUUID          string      `json:"run_uuid"`
	Inputs           []InputFile `json:"inputs"`
	DockerImageURL   string      `json:"docker_image_url"`
	RepositorySSHURL string      `json:"repository_ssh_url"`
	RepositoryBranch string      `json:"repository_branch"`
}

// Executor hands a run off to the external worker pool. Dispatch is
// fire-and-forget; workers report progress through the run callbacks.
// Owned by the services package so both the Temporal client and test fakes
// satisfy it.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) error
	// Cancel requests a best-effort stop of a previously dispatched run.
	// The state log, not this signal, is what makes the cancellation stick.
	Cancel(ctx context.Context, runUUID string) error
}

// ArtifactStore persists artifact bytes and mints download URLs. Keys follow
// models.ArtifactKey.
type ArtifactStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	PresignGet(ctx context.Context, key string) (string, error)
}

// EventPublisher fans run events out to subscribers. Implementations must not
// block.
type EventPublisher interface {
	Publish(event protocol.Event)
}

// RunObserver is notified after a pipeline run's state log changes. The
// scheduler implements it; the pipeline service calls it for runs bound to a
// workflow run.
type RunObserver interface {
	OnPipelineRunUpdated(ctx context.Context, runID uint) error
}
