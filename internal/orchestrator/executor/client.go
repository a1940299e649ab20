// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor hands pipeline runs to the external worker pool via
// Temporal, and implements the worker side: pulling the pipeline's container
// image, running it over the run's inputs, and reporting state, console
// output and artifacts back through the run callbacks.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/flumeworks/flume/internal/logger"
	"github.com/flumeworks/flume/internal/orchestrator/services"
)

var (
	executorLog     *zerolog.Logger
	executorLogOnce sync.Once
)

func getExecutorLog() *zerolog.Logger {
	executorLogOnce.Do(func() {
		l := logger.GetExecutorLogger().With().Str("component", "client").Logger()
		executorLog = &l
	})
	return executorLog
}

// Client wraps the Temporal client and provides additional functionality
type Client struct {
	temporalClient client.Client
	namespace      string
	taskQueue      string
}

// NewClient creates a new Temporal client wrapper
func NewClient(hostPort, namespace, taskQueue string) (*Client, error) {
	options := client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    logger.GetTemporalLogAdapter("executor"),
	}

	temporalClient, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}

	getExecutorLog().Info().Msgf("Connected to Temporal at %s, namespace: %s", hostPort, namespace)

	return &Client{
		temporalClient: temporalClient,
		namespace:      namespace,
		taskQueue:      taskQueue,
	}, nil
}

// GetTemporalClient returns the underlying Temporal client
func (c *Client) GetTemporalClient() client.Client {
	return c.temporalClient
}

// GetTaskQueue returns the task queue name
func (c *Client) GetTaskQueue() string {
	return c.taskQueue
}

// StartWorkflow starts a new workflow execution.
// Uses ALLOW_DUPLICATE_FAILED_ONLY policy for idempotency: re-dispatching a
// run whose previous attempt failed starts fresh, while a running or
// completed execution with the same ID is rejected.
func (c *Client) StartWorkflow(ctx context.Context, workflowID string, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	options := client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                c.taskQueue,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_FAIL,
	}

	we, err := c.temporalClient.ExecuteWorkflow(ctx, options, workflow, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	getExecutorLog().Info().Msgf("Started workflow %s with ID: %s", workflow, workflowID)
	return we, nil
}

// CancelWorkflow requests cancellation of a running workflow.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := c.temporalClient.CancelWorkflow(ctx, workflowID, ""); err != nil {
		return fmt.Errorf("failed to cancel workflow: %w", err)
	}
	getExecutorLog().Info().Msgf("Cancelled workflow %s", workflowID)
	return nil
}

// Close closes the Temporal client connection
func (c *Client) Close() error {
	if c.temporalClient != nil {
		c.temporalClient.Close()
		getExecutorLog().Info().Msg("Temporal client closed")
	}
	return nil
}

// WorkflowIDForRun derives the deterministic workflow ID of a pipeline run.
func WorkflowIDForRun(runUUID string) string {
	return "pipeline-run-" + runUUID
}

// TemporalExecutor satisfies services.Executor by starting one
// PipelineRunWorkflow per dispatched run.
type TemporalExecutor struct {
	client *Client
}

// NewTemporalExecutor creates a TemporalExecutor over the given client.
func NewTemporalExecutor(c *Client) *TemporalExecutor {
	return &TemporalExecutor{client: c}
}

// Execute dispatches the run. Fire-and-forget: the workflow reports progress
// through the run callbacks, not through this return value.
func (e *TemporalExecutor) Execute(ctx context.Context, req services.ExecuteRequest) error {
	_, err := e.client.StartWorkflow(ctx, WorkflowIDForRun(req.RunUUID), PipelineRunWorkflowName, req)
	return err
}

// Cancel requests cancellation of the run's workflow execution. An execution
// that already finished yields an error the caller may ignore.
func (e *TemporalExecutor) Cancel(ctx context.Context, runUUID string) error {
	return e.client.CancelWorkflow(ctx, WorkflowIDForRun(runUUID))
}
