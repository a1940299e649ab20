// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the persisted entities of the workflow runtime and
// the shared run-state machine. Numeric primary keys stay internal; the
// external handle of every entity is its UUID column.
package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewUUID mints an external identifier: a v4 UUID rendered as 32 hex
// characters without dashes, matching the format stored in uuid columns.
func NewUUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Common holds the columns shared by every entity.
type Common struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UUID      string    `gorm:"type:text;uniqueIndex;not null" json:"uuid"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Pipeline is the template describing how to run a containerised job.
// At least one of DockerImageURL and RepositorySSHURL is always set.
type Pipeline struct {
	Common
	Name             string `gorm:"not null;type:text" json:"name"`
	Description      string `gorm:"type:text" json:"description"`
	DockerImageURL   string `gorm:"type:text" json:"docker_image_url"`
	RepositorySSHURL string `gorm:"type:text" json:"repository_ssh_url"`
	RepositoryBranch string `gorm:"type:text" json:"repository_branch"`
	IsDeleted        bool   `gorm:"not null;default:false" json:"-"`

	Runs []PipelineRun `gorm:"foreignKey:PipelineID" json:"-"`
}

func (Pipeline) TableName() string {
	return "pipelines"
}

// PipelineRun is a single execution of a Pipeline. Its state history is an
// append-only log of PipelineRunState rows; the current state is the latest
// entry. A run is never deleted once created.
type PipelineRun struct {
	Common
	PipelineID  uint       `gorm:"index;not null;uniqueIndex:idx_pipeline_run_sequence" json:"-"`
	Sequence    int        `gorm:"not null;uniqueIndex:idx_pipeline_run_sequence" json:"sequence"`
	WorkerIP    string     `gorm:"type:text" json:"worker_ip,omitempty"`
	CallbackURL string     `gorm:"type:text" json:"callback_url,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	StdOut      string     `gorm:"type:text" json:"-"`
	StdErr      string     `gorm:"type:text" json:"-"`

	Inputs    []PipelineRunInput    `gorm:"foreignKey:PipelineRunID" json:"inputs"`
	Artifacts []PipelineRunArtifact `gorm:"foreignKey:PipelineRunID" json:"artifacts"`
	States    []PipelineRunState    `gorm:"foreignKey:PipelineRunID" json:"states"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

// CurrentState returns the most recent state entry. States are loaded in
// insertion order, so the last element is the head of the log. Every
// persisted run has at least one entry; the zero value is only seen on
// unsaved instances.
func (pr *PipelineRun) CurrentState() RunState {
	if len(pr.States) == 0 {
		return 0
	}
	return pr.States[len(pr.States)-1].Code
}

// PipelineRunInput is a {filename, url} pair handed to the worker before the
// run starts. SourceArtifactUUID is set when the input was copied from an
// upstream run's artifact; it is what makes artifact copies idempotent.
type PipelineRunInput struct {
	Common
	PipelineRunID      uint   `gorm:"index;not null" json:"-"`
	Filename           string `gorm:"not null;type:text" json:"name"`
	URL                string `gorm:"not null;type:text" json:"url"`
	SourceArtifactUUID string `gorm:"type:text;index" json:"-"`
}

func (PipelineRunInput) TableName() string {
	return "pipeline_run_inputs"
}

// PipelineRunArtifact is a file produced by a run. The bytes live in the
// object store under ArtifactKey; only metadata is persisted here.
type PipelineRunArtifact struct {
	Common
	PipelineRunID uint   `gorm:"index;not null" json:"-"`
	Name          string `gorm:"not null;type:text" json:"name"`
}

func (PipelineRunArtifact) TableName() string {
	return "pipeline_run_artifacts"
}

// ArtifactKey builds the object-store key for an artifact. Keys are unique
// across the store because artifact UUIDs are.
func ArtifactKey(pipelineUUID, runUUID, artifactUUID, name string) string {
	return fmt.Sprintf("%s/%s/%s-%s", pipelineUUID, runUUID, artifactUUID, name)
}

// PipelineRunState is one entry of a run's state log. Entries are never
// mutated after insertion.
type PipelineRunState struct {
	Common
	PipelineRunID uint     `gorm:"index;not null" json:"-"`
	Code          RunState `gorm:"not null" json:"-"`
}

func (PipelineRunState) TableName() string {
	return "pipeline_run_states"
}

// MarshalJSON exports a state entry as {state, created_at}, the shape the
// HTTP surface serves.
func (s PipelineRunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateLogEntry{State: s.Code.String(), CreatedAt: s.CreatedAt})
}

type stateLogEntry struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow is a named DAG of WorkflowPipelines.
type Workflow struct {
	Common
	Name        string `gorm:"not null;type:text" json:"name"`
	Description string `gorm:"type:text" json:"description"`
	IsDeleted   bool   `gorm:"not null;default:false" json:"-"`

	WorkflowPipelines []WorkflowPipeline `gorm:"foreignKey:WorkflowID" json:"-"`
}

func (Workflow) TableName() string {
	return "workflows"
}

// WorkflowPipeline is a node of a workflow graph, binding one Pipeline to one
// Workflow. The same pipeline may back multiple nodes of a workflow.
type WorkflowPipeline struct {
	Common
	WorkflowID uint `gorm:"index;not null" json:"-"`
	PipelineID uint `gorm:"index;not null" json:"-"`
	IsDeleted  bool `gorm:"not null;default:false" json:"-"`
}

func (WorkflowPipeline) TableName() string {
	return "workflow_pipelines"
}

// WorkflowPipelineDependency is a directed edge between two nodes of the same
// workflow. The composite unique index coalesces duplicate edges.
type WorkflowPipelineDependency struct {
	Common
	FromWorkflowPipelineID uint `gorm:"not null;index;uniqueIndex:idx_workflow_pipeline_edge" json:"-"`
	ToWorkflowPipelineID   uint `gorm:"not null;index;uniqueIndex:idx_workflow_pipeline_edge" json:"-"`
}

func (WorkflowPipelineDependency) TableName() string {
	return "workflow_pipeline_dependencies"
}

// WorkflowRun is one execution of a Workflow, owning one WorkflowPipelineRun
// per node that was live at creation time and its own append-only state log.
type WorkflowRun struct {
	Common
	WorkflowID uint `gorm:"index;not null" json:"-"`

	WorkflowPipelineRuns []WorkflowPipelineRun `gorm:"foreignKey:WorkflowRunID" json:"-"`
	States               []WorkflowRunState    `gorm:"foreignKey:WorkflowRunID" json:"states"`
}

func (WorkflowRun) TableName() string {
	return "workflow_runs"
}

// CurrentState returns the head of the workflow run's state log.
func (wr *WorkflowRun) CurrentState() RunState {
	if len(wr.States) == 0 {
		return 0
	}
	return wr.States[len(wr.States)-1].Code
}

// WorkflowPipelineRun binds a WorkflowPipeline to the PipelineRun created for
// it inside a WorkflowRun.
type WorkflowPipelineRun struct {
	Common
	WorkflowRunID      uint `gorm:"index;not null" json:"-"`
	WorkflowPipelineID uint `gorm:"index;not null" json:"-"`
	PipelineRunID      uint `gorm:"uniqueIndex;not null" json:"-"`
}

func (WorkflowPipelineRun) TableName() string {
	return "workflow_pipeline_runs"
}

// WorkflowRunState is one entry of a workflow run's state log.
type WorkflowRunState struct {
	Common
	WorkflowRunID uint     `gorm:"index;not null" json:"-"`
	Code          RunState `gorm:"not null" json:"-"`
}

func (WorkflowRunState) TableName() string {
	return "workflow_run_states"
}

// MarshalJSON exports a state entry as {state, created_at}.
func (s WorkflowRunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateLogEntry{State: s.Code.String(), CreatedAt: s.CreatedAt})
}
