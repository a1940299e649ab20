// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/logger"
)

var (
	workerLog     *zerolog.Logger
	workerLogOnce sync.Once
)

func getWorkerLog() *zerolog.Logger {
	workerLogOnce.Do(func() {
		l := logger.GetExecutorLogger().With().Str("component", "worker").Logger()
		workerLog = &l
	})
	return workerLog
}

// Worker polls the executor task queue and runs pipeline containers.
type Worker struct {
	temporalClient client.Client
	taskQueue      string
	worker         worker.Worker
	activities     *RunActivities
	cfg            *config.ExecutorConfig
	mu             sync.Mutex
	stopped        bool
}

// NewWorker creates a worker over an established Temporal connection.
func NewWorker(temporalClient client.Client, cfg *config.ExecutorConfig, activities *RunActivities) *Worker {
	return &Worker{
		temporalClient: temporalClient,
		taskQueue:      cfg.TaskQueue,
		activities:     activities,
		cfg:            cfg,
	}
}

// Start registers the run workflow and activities and begins polling.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return fmt.Errorf("cannot restart a stopped worker - create a new worker instance")
	}
	if w.worker != nil {
		getWorkerLog().Info().Msg("Worker already started")
		return nil
	}

	getWorkerLog().Info().Str("task_queue", w.taskQueue).Msg("Starting executor worker")

	// The worker inherits its logger from the client.
	workerOptions := worker.Options{
		MaxConcurrentActivityExecutionSize:     w.cfg.MaxConcurrentRuns,
		MaxConcurrentWorkflowTaskExecutionSize: w.cfg.MaxConcurrentRuns,
	}
	w.worker = worker.New(w.temporalClient, w.taskQueue, workerOptions)

	w.worker.RegisterWorkflow(PipelineRunWorkflow)

	w.worker.RegisterActivity(w.activities.ReportRunStateActivity)
	w.worker.RegisterActivity(w.activities.PrepareWorkspaceActivity)
	w.worker.RegisterActivity(w.activities.RunContainerActivity)
	w.worker.RegisterActivity(w.activities.PublishConsoleActivity)
	w.worker.RegisterActivity(w.activities.UploadArtifactsActivity)
	w.worker.RegisterActivity(w.activities.CleanupWorkspaceActivity)

	workerInstance := w.worker

	go func() {
		if err := workerInstance.Run(worker.InterruptCh()); err != nil {
			getWorkerLog().Error().Err(err).Msg("Worker stopped with error")
		}
	}()

	getWorkerLog().Info().Msg("Executor worker started")
	return nil
}

// Stop drains the worker. A stopped worker cannot be restarted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.worker != nil {
		getWorkerLog().Info().Msg("Stopping executor worker...")
		w.worker.Stop()
		w.stopped = true
		w.worker = nil
		getWorkerLog().Info().Msg("Executor worker stopped")
	}
	return nil
}
