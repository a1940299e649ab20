// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/orchestrator/services"
)

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer  *http.Server
	broadcaster *EventBroadcaster
}

// New creates and wires up the API server. It does NOT start listening;
// call Run() for that. The returned broadcaster is registered on the services
// so run state changes reach WebSocket subscribers.
func New(
	cfg *config.ServerConfig,
	maxUploadBytes int64,
	pipelines *services.PipelineService,
	workflows *services.WorkflowService,
	scheduler *services.SchedulerService,
) *Server {
	registry := NewClientRegistry()
	broadcaster := NewEventBroadcaster(registry)
	pipelines.SetEventPublisher(broadcaster)
	scheduler.SetEventPublisher(broadcaster)

	handlers := NewHandlers(pipelines, workflows, scheduler)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(maxUploadBytes))

	// REST routes
	r.Route("/v1", func(r chi.Router) {
		// Pipelines
		r.Get("/pipelines", handlers.ListPipelines)
		r.Post("/pipelines", handlers.CreatePipeline)
		r.Post("/pipelines/search", handlers.SearchPipelines)

		r.Route("/pipelines/{pipelineUUID}", func(r chi.Router) {
			r.Get("/", handlers.GetPipeline)
			r.Put("/", handlers.UpdatePipeline)
			r.Delete("/", handlers.DeletePipeline)

			r.Get("/runs", handlers.ListPipelineRuns)
			r.Post("/runs", handlers.CreatePipelineRun)

			r.Route("/runs/{runUUID}", func(r chi.Router) {
				r.Get("/", handlers.GetPipelineRun)
				r.Post("/state", handlers.UpdatePipelineRunState)
				r.Get("/console", handlers.GetPipelineRunConsole)
				r.Post("/console", handlers.UpdatePipelineRunConsole)
				r.Post("/artifacts", handlers.CreatePipelineRunArtifact)
				r.Get("/artifacts/{artifactUUID}", handlers.GetPipelineRunArtifact)
			})
		})

		// Workflows
		r.Get("/workflows", handlers.ListWorkflows)
		r.Post("/workflows", handlers.CreateWorkflow)
		r.Post("/workflows/search", handlers.SearchWorkflows)

		r.Route("/workflows/{workflowUUID}", func(r chi.Router) {
			r.Get("/", handlers.GetWorkflow)
			r.Put("/", handlers.UpdateWorkflow)
			r.Delete("/", handlers.DeleteWorkflow)

			r.Get("/pipelines", handlers.ListWorkflowPipelines)
			r.Post("/pipelines", handlers.CreateWorkflowPipeline)
			r.Get("/pipelines/{workflowPipelineUUID}", handlers.GetWorkflowPipeline)
			r.Put("/pipelines/{workflowPipelineUUID}", handlers.UpdateWorkflowPipeline)
			r.Delete("/pipelines/{workflowPipelineUUID}", handlers.DeleteWorkflowPipeline)

			r.Get("/runs", handlers.ListWorkflowRuns)
			r.Post("/runs", handlers.CreateWorkflowRun)
			r.Get("/runs/{workflowRunUUID}", handlers.GetWorkflowRun)
		})
	})

	// WebSocket
	r.Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			// Artifact uploads can be large; the body cap is enforced by
			// MaxBodySize, not a read deadline.
			ReadTimeout:  10 * time.Minute,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		broadcaster: broadcaster,
	}
}

// Run starts the event broadcaster goroutine and the HTTP server.
// Blocks until the server is shut down or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		const maxRetries = 3
		for attempt := 1; attempt <= maxRetries; attempt++ {
			func() {
				defer func() {
					if r := recover(); r != nil {
						getLog().Error().Interface("panic", r).Int("attempt", attempt).Msg("Event broadcaster panic")
					}
				}()
				s.broadcaster.Run(ctx)
			}()

			// Normal return (context cancelled), exit without retry.
			if ctx.Err() != nil {
				return
			}

			if attempt < maxRetries {
				getLog().Warn().Int("attempt", attempt).Msg("Restarting event broadcaster after panic")
				time.Sleep(1 * time.Second)
			}
		}
		getLog().Error().Msg("Event broadcaster exhausted retries - events will no longer be dispatched")
	}()

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
