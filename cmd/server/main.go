// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/logger"
	"github.com/flumeworks/flume/internal/orchestrator/database"
	"github.com/flumeworks/flume/internal/orchestrator/executor"
	"github.com/flumeworks/flume/internal/orchestrator/services"
	"github.com/flumeworks/flume/internal/orchestrator/storage"
	"github.com/flumeworks/flume/internal/server"
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
	mainLog.Info().Msg("Starting flume API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewGormDB(&cfg.Database)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to database")
		os.Exit(1)
	}
	defer db.Close()
	if err := db.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("Error migrating database")
		os.Exit(1)
	}

	store, err := storage.NewS3Store(ctx, &cfg.S3)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error creating artifact store")
		os.Exit(1)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		mainLog.Error().Err(err).Msg("Error preparing artifact bucket")
		os.Exit(1)
	}

	executorClient, err := executor.NewClient(cfg.Executor.HostPort, cfg.Executor.Namespace, cfg.Executor.TaskQueue)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error connecting to Temporal")
		os.Exit(1)
	}
	defer executorClient.Close()

	notifier := services.NewCallbackNotifier(cfg.Callback.Timeout)
	pipelines := services.NewPipelineService(db, store, executor.NewTemporalExecutor(executorClient), notifier)
	workflows := services.NewWorkflowService(db)
	scheduler := services.NewSchedulerService(db, pipelines, workflows, executor.NewTemporalExecutor(executorClient))

	srv := server.New(&cfg.Server, cfg.Artifact.MaxUploadBytes, pipelines, workflows, scheduler)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the
	// server's lifetime context.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}
	cancel()

	mainLog.Info().Msg("API server shut down")
}
