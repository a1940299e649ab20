// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/orchestrator/database"
	"github.com/flumeworks/flume/internal/orchestrator/models"
	"github.com/flumeworks/flume/internal/protocol"
)

// fakeExecutor records dispatched requests and cancel signals instead of
// talking to a task queue.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []ExecuteRequest
	cancels  []string
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, req ExecuteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeExecutor) Cancel(_ context.Context, runUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, runUUID)
	return nil
}

func (f *fakeExecutor) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func (f *fakeExecutor) dispatched() []ExecuteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ExecuteRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// dispatchedRunUUIDs returns the run UUIDs in dispatch order.
func (f *fakeExecutor) dispatchedRunUUIDs() []string {
	var uuids []string
	for _, req := range f.dispatched() {
		uuids = append(uuids, req.RunUUID)
	}
	return uuids
}

// fakeStore keeps artifact bytes in memory and mints deterministic presigned
// URLs.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	_, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("object %s not found", key)
	}
	return "https://store.test/" + key + "?sig=test", nil
}

// fakePublisher collects events published to websocket subscribers.
type fakePublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (f *fakePublisher) Publish(event protocol.Event) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

// testEnv wires the three services over a throwaway sqlite database.
type testEnv struct {
	db        *database.GormDB
	exec      *fakeExecutor
	store     *fakeStore
	pipelines *PipelineService
	workflows *WorkflowService
	scheduler *SchedulerService
}

func newTestEnv(t *testing.T, name string) *testEnv {
	t.Helper()
	dbFile := fmt.Sprintf("%s.db", name)
	t.Cleanup(func() { os.Remove(dbFile) })

	db, err := database.NewGormDB(&config.DatabaseConfig{Driver: "sqlite", Database: dbFile})
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.AutoMigrate(), "Failed to run migrations")

	exec := &fakeExecutor{}
	store := newFakeStore()
	pipelines := NewPipelineService(db, store, exec, nil)
	workflows := NewWorkflowService(db)
	scheduler := NewSchedulerService(db, pipelines, workflows, exec)

	return &testEnv{
		db:        db,
		exec:      exec,
		store:     store,
		pipelines: pipelines,
		workflows: workflows,
		scheduler: scheduler,
	}
}

func (env *testEnv) createPipeline(t *testing.T, name string) *models.Pipeline {
	t.Helper()
	pipeline, err := env.pipelines.CreatePipeline(context.Background(), PipelineParams{
		Name:           name,
		DockerImageURL: "registry.example.com/" + name + ":latest",
	})
	require.NoError(t, err)
	return pipeline
}

// wfNode pairs a node with the pipeline backing it.
type wfNode struct {
	pipeline *models.Pipeline
	wpUUID   string
}

// buildWorkflow creates a workflow with one node per name and the given
// edges (by name). Each node gets its own pipeline.
func (env *testEnv) buildWorkflow(t *testing.T, names []string, edges [][2]string) (string, map[string]*wfNode) {
	t.Helper()
	ctx := context.Background()

	workflow, err := env.workflows.CreateWorkflow(ctx, WorkflowParams{Name: "wf"})
	require.NoError(t, err)

	nodes := make(map[string]*wfNode, len(names))
	for _, name := range names {
		pipeline := env.createPipeline(t, name)
		node, err := env.workflows.CreateWorkflowPipeline(ctx, workflow.UUID, WorkflowPipelineSpec{
			PipelineUUID: pipeline.UUID,
		})
		require.NoError(t, err)
		nodes[name] = &wfNode{pipeline: pipeline, wpUUID: node.UUID}
	}

	for _, edge := range edges {
		from, to := nodes[edge[0]], nodes[edge[1]]
		// carry the node's current edges so updates accumulate
		view, err := env.workflows.DescribeWorkflowPipeline(ctx, workflow.UUID, to.wpUUID)
		require.NoError(t, err)
		_, err = env.workflows.UpdateWorkflowPipeline(ctx, workflow.UUID, to.wpUUID, WorkflowPipelineSpec{
			PipelineUUID:                     to.pipeline.UUID,
			SourceWorkflowPipelineUUIDs:      append(view.SourceWorkflowPipelineUUIDs, from.wpUUID),
			DestinationWorkflowPipelineUUIDs: view.DestinationWorkflowPipelineUUIDs,
		})
		require.NoError(t, err)
	}

	return workflow.UUID, nodes
}

// nodeRun finds the pipeline run bound to the named node inside a workflow run.
func (env *testEnv) nodeRun(t *testing.T, workflowUUID, wrUUID string, node *wfNode) WorkflowNodeRunView {
	t.Helper()
	view, err := env.scheduler.DescribeWorkflowRun(context.Background(), workflowUUID, wrUUID)
	require.NoError(t, err)
	for _, nr := range view.NodeRuns {
		if nr.WorkflowPipelineUUID == node.wpUUID {
			return nr
		}
	}
	t.Fatalf("no run bound to node %s", node.wpUUID)
	return WorkflowNodeRunView{}
}

// report simulates an executor state callback for the node's run.
func (env *testEnv) report(t *testing.T, workflowUUID, wrUUID string, node *wfNode, state models.RunState) {
	t.Helper()
	nr := env.nodeRun(t, workflowUUID, wrUUID, node)
	_, err := env.pipelines.UpdatePipelineRunState(context.Background(),
		node.pipeline.UUID, nr.PipelineRunUUID, UpdateRunStateParams{State: state})
	require.NoError(t, err)
}

// workflowRunState reads the current aggregate state of a workflow run.
func (env *testEnv) workflowRunState(t *testing.T, workflowUUID, wrUUID string) models.RunState {
	t.Helper()
	wr, err := env.scheduler.GetWorkflowRun(context.Background(), workflowUUID, wrUUID)
	require.NoError(t, err)
	return wr.CurrentState()
}
