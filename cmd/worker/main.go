// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/logger"
	"github.com/flumeworks/flume/internal/orchestrator/executor"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Str("task_queue", cfg.Executor.TaskQueue).Msg("Starting flume executor worker")

	client, err := executor.NewClient(cfg.Executor.HostPort, cfg.Executor.Namespace, cfg.Executor.TaskQueue)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to Temporal")
		os.Exit(1)
	}
	defer client.Close()

	activities, err := executor.NewRunActivities(&cfg.Executor)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to docker")
		os.Exit(1)
	}
	defer activities.Close()

	worker := executor.NewWorker(client.GetTemporalClient(), &cfg.Executor, activities)
	if err := worker.Start(); err != nil {
		mainLog.Error().Err(err).Msg("Error starting worker")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	mainLog.Info().Msgf("Received signal %v, shutting down...", sig)

	if err := worker.Stop(); err != nil {
		mainLog.Error().Err(err).Msg("Error stopping worker")
	}
	mainLog.Info().Msg("Executor worker shut down")
}
