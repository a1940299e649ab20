// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/flumeworks/flume/internal/orchestrator/models"
	"github.com/flumeworks/flume/internal/orchestrator/services"
)

const (
	PipelineRunWorkflowName = "PipelineRunWorkflow"
)

// PipelineRunOutput summarises one executed run.
type PipelineRunOutput struct {
	RunUUID  string `json:"run_uuid"`
	ExitCode int    `json:"exit_code"`
	Success  bool   `json:"success"`
}

// PipelineRunWorkflow executes one pipeline run end to end:
// report RUNNING, stage inputs, run the container, publish console output,
// upload artifacts, report the terminal state. Any failure along the way
// reports FAILED; the core treats the callback as authoritative.
func PipelineRunWorkflow(ctx workflow.Context, input services.ExecuteRequest) (*PipelineRunOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting pipeline run", "runUUID", input.RunUUID, "pipelineUUID", input.PipelineUUID)

	output := &PipelineRunOutput{RunUUID: input.RunUUID}

	// Callback activities are short and safe to retry.
	callbackOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	callbackCtx := workflow.WithActivityOptions(ctx, callbackOptions)

	// The container run is side-effectful and must not be blindly retried.
	containerOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 24 * time.Hour,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	containerCtx := workflow.WithActivityOptions(ctx, containerOptions)

	reportState := func(ctx workflow.Context, state models.RunState) error {
		return workflow.ExecuteActivity(ctx, "ReportRunStateActivity", ReportRunStateInput{
			PipelineUUID: input.PipelineUUID,
			RunUUID:      input.RunUUID,
			State:        state.String(),
		}).Get(ctx, nil)
	}

	// Cleanup must run even after failure or cancellation.
	var workspace WorkspacePaths
	defer func() {
		if workspace.RootDir == "" {
			return
		}
		cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
		cleanupCtx = workflow.WithActivityOptions(cleanupCtx, callbackOptions)
		if err := workflow.ExecuteActivity(cleanupCtx, "CleanupWorkspaceActivity", workspace).Get(cleanupCtx, nil); err != nil {
			logger.Warn("Workspace cleanup failed", "error", err)
		}
	}()

	fail := func(reason string, cause error) (*PipelineRunOutput, error) {
		logger.Error("Pipeline run failed", "runUUID", input.RunUUID, "reason", reason, "error", cause)
		failCtx, _ := workflow.NewDisconnectedContext(ctx)
		failCtx = workflow.WithActivityOptions(failCtx, callbackOptions)
		if err := reportState(failCtx, models.RunStateFailed); err != nil {
			logger.Error("Failed to report FAILED state", "runUUID", input.RunUUID, "error", err)
		}
		return output, cause
	}

	if err := reportState(callbackCtx, models.RunStateRunning); err != nil {
		return fail("report running", err)
	}

	if err := workflow.ExecuteActivity(containerCtx, "PrepareWorkspaceActivity", input).Get(ctx, &workspace); err != nil {
		return fail("prepare workspace", err)
	}

	var result ContainerRunResult
	err := workflow.ExecuteActivity(containerCtx, "RunContainerActivity", RunContainerInput{
		Request:   input,
		Workspace: workspace,
	}).Get(ctx, &result)
	if err != nil {
		return fail("run container", err)
	}
	output.ExitCode = result.ExitCode

	if err := workflow.ExecuteActivity(callbackCtx, "PublishConsoleActivity", PublishConsoleInput{
		PipelineUUID: input.PipelineUUID,
		RunUUID:      input.RunUUID,
		StdOut:       result.StdOut,
		StdErr:       result.StdErr,
	}).Get(ctx, nil); err != nil {
		logger.Warn("Failed to publish console output", "runUUID", input.RunUUID, "error", err)
	}

	if result.ExitCode != 0 {
		return fail("non-zero exit", temporal.NewApplicationError("pipeline exited non-zero", "PipelineExitError"))
	}

	if err := workflow.ExecuteActivity(containerCtx, "UploadArtifactsActivity", UploadArtifactsInput{
		PipelineUUID: input.PipelineUUID,
		RunUUID:      input.RunUUID,
		OutputDir:    workspace.OutputDir,
	}).Get(ctx, nil); err != nil {
		return fail("upload artifacts", err)
	}

	if err := reportState(callbackCtx, models.RunStateCompleted); err != nil {
		return fail("report completed", err)
	}

	output.Success = true
	logger.Info("Pipeline run completed", "runUUID", input.RunUUID)
	return output, nil
}
