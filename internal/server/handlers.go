// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flumeworks/flume/internal/orchestrator/dag"
	"github.com/flumeworks/flume/internal/orchestrator/models"
	"github.com/flumeworks/flume/internal/orchestrator/services"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	pipelines *services.PipelineService
	workflows *services.WorkflowService
	scheduler *services.SchedulerService
}

// NewHandlers creates the handler set.
func NewHandlers(pipelines *services.PipelineService, workflows *services.WorkflowService, scheduler *services.SchedulerService) *Handlers {
	return &Handlers{pipelines: pipelines, workflows: workflows, scheduler: scheduler}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors onto status codes. Anything unrecognised is an
// internal error and gets logged with the request ID.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalid),
		errors.Is(err, dag.ErrCycleDetected),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrUnknownRunState):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrInUse),
		errors.Is(err, services.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		getLog().Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// searchRequest is the JSON body of the search endpoints.
type searchRequest struct {
	UUIDs []string `json:"uuids"`
}

// --- Pipelines ---

// CreatePipeline handles POST /v1/pipelines
func (h *Handlers) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var body services.PipelineParams
	if !decodeJSON(w, r, &body) {
		return
	}

	pipeline, err := h.pipelines.CreatePipeline(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// ListPipelines handles GET /v1/pipelines
func (h *Handlers) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.pipelines.ListPipelines(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pipelines == nil {
		pipelines = []*models.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// SearchPipelines handles POST /v1/pipelines/search
func (h *Handlers) SearchPipelines(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	pipelines, err := h.pipelines.SearchPipelines(r.Context(), body.UUIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pipelines == nil {
		pipelines = []*models.Pipeline{}
	}
	writeJSON(w, http.StatusOK, pipelines)
}

// GetPipeline handles GET /v1/pipelines/{pipelineUUID}
func (h *Handlers) GetPipeline(w http.ResponseWriter, r *http.Request) {
	pipeline, err := h.pipelines.GetPipeline(r.Context(), chi.URLParam(r, "pipelineUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// UpdatePipeline handles PUT /v1/pipelines/{pipelineUUID}
func (h *Handlers) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	var body services.PipelineParams
	if !decodeJSON(w, r, &body) {
		return
	}

	pipeline, err := h.pipelines.UpdatePipeline(r.Context(), chi.URLParam(r, "pipelineUUID"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline)
}

// DeletePipeline handles DELETE /v1/pipelines/{pipelineUUID}
func (h *Handlers) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.pipelines.DeletePipeline(r.Context(), chi.URLParam(r, "pipelineUUID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Pipeline runs ---

// createRunRequest is the JSON body for pipeline run creation.
type createRunRequest struct {
	Inputs      []services.InputFile `json:"inputs"`
	CallbackURL string               `json:"callback_url,omitempty"`
}

// CreatePipelineRun handles POST /v1/pipelines/{pipelineUUID}/runs
func (h *Handlers) CreatePipelineRun(w http.ResponseWriter, r *http.Request) {
	var body createRunRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	run, err := h.pipelines.CreatePipelineRun(r.Context(), chi.URLParam(r, "pipelineUUID"), services.CreateRunParams{
		Inputs:      body.Inputs,
		CallbackURL: body.CallbackURL,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ListPipelineRuns handles GET /v1/pipelines/{pipelineUUID}/runs
func (h *Handlers) ListPipelineRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.pipelines.ListPipelineRuns(r.Context(), chi.URLParam(r, "pipelineUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*models.PipelineRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetPipelineRun handles GET /v1/pipelines/{pipelineUUID}/runs/{runUUID}
func (h *Handlers) GetPipelineRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.pipelines.GetPipelineRun(r.Context(), chi.URLParam(r, "pipelineUUID"), chi.URLParam(r, "runUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// updateRunStateRequest is the JSON body of the state callback.
type updateRunStateRequest struct {
	State    string `json:"state"`
	WorkerIP string `json:"worker_ip,omitempty"`
}

// UpdatePipelineRunState handles POST /v1/pipelines/{pipelineUUID}/runs/{runUUID}/state
func (h *Handlers) UpdatePipelineRunState(w http.ResponseWriter, r *http.Request) {
	var body updateRunStateRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	state, err := models.ParseRunState(strings.ToUpper(strings.TrimSpace(body.State)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	workerIP := body.WorkerIP
	if workerIP == "" {
		workerIP = remoteHost(r)
	}

	run, err := h.pipelines.UpdatePipelineRunState(r.Context(),
		chi.URLParam(r, "pipelineUUID"), chi.URLParam(r, "runUUID"),
		services.UpdateRunStateParams{State: state, WorkerIP: workerIP})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// remoteHost strips the port from the peer address.
func remoteHost(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 {
		return strings.Trim(addr[:idx], "[]")
	}
	return addr
}

// consoleBody is the JSON shape of the console callback and its readback.
type consoleBody struct {
	StdOut string `json:"stdout"`
	StdErr string `json:"stderr"`
}

// GetPipelineRunConsole handles GET /v1/pipelines/{pipelineUUID}/runs/{runUUID}/console
func (h *Handlers) GetPipelineRunConsole(w http.ResponseWriter, r *http.Request) {
	run, err := h.pipelines.GetPipelineRun(r.Context(), chi.URLParam(r, "pipelineUUID"), chi.URLParam(r, "runUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, consoleBody{StdOut: run.StdOut, StdErr: run.StdErr})
}

// UpdatePipelineRunConsole handles POST /v1/pipelines/{pipelineUUID}/runs/{runUUID}/console
func (h *Handlers) UpdatePipelineRunConsole(w http.ResponseWriter, r *http.Request) {
	var body consoleBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if _, err := h.pipelines.UpdatePipelineRunOutput(r.Context(),
		chi.URLParam(r, "pipelineUUID"), chi.URLParam(r, "runUUID"),
		body.StdOut, body.StdErr); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreatePipelineRunArtifact handles POST /v1/pipelines/{pipelineUUID}/runs/{runUUID}/artifacts
// The artifact arrives as a multipart form with a single "file" part.
func (h *Handlers) CreatePipelineRunArtifact(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field \"file\" is required"})
		return
	}
	defer file.Close()

	artifact, err := h.pipelines.CreatePipelineRunArtifact(r.Context(),
		chi.URLParam(r, "pipelineUUID"), chi.URLParam(r, "runUUID"),
		header.Filename, file, header.Size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// artifactDownloadBody carries the artifact metadata plus a presigned URL the
// client fetches the bytes through.
type artifactDownloadBody struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// GetPipelineRunArtifact handles GET /v1/pipelines/{pipelineUUID}/runs/{runUUID}/artifacts/{artifactUUID}
func (h *Handlers) GetPipelineRunArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, url, err := h.pipelines.GetPipelineRunArtifactURL(r.Context(),
		chi.URLParam(r, "pipelineUUID"), chi.URLParam(r, "runUUID"), chi.URLParam(r, "artifactUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, artifactDownloadBody{UUID: artifact.UUID, Name: artifact.Name, URL: url})
}

// --- Workflows ---

// CreateWorkflow handles POST /v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body services.WorkflowParams
	if !decodeJSON(w, r, &body) {
		return
	}

	workflow, err := h.workflows.CreateWorkflow(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

// ListWorkflows handles GET /v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.workflows.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

// SearchWorkflows handles POST /v1/workflows/search
func (h *Handlers) SearchWorkflows(w http.ResponseWriter, r *http.Request) {
	var body searchRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	workflows, err := h.workflows.SearchWorkflows(r.Context(), body.UUIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

// GetWorkflow handles GET /v1/workflows/{workflowUUID}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.workflows.GetWorkflow(r.Context(), chi.URLParam(r, "workflowUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

// UpdateWorkflow handles PUT /v1/workflows/{workflowUUID}
func (h *Handlers) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body services.WorkflowParams
	if !decodeJSON(w, r, &body) {
		return
	}

	workflow, err := h.workflows.UpdateWorkflow(r.Context(), chi.URLParam(r, "workflowUUID"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

// DeleteWorkflow handles DELETE /v1/workflows/{workflowUUID}
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.DeleteWorkflow(r.Context(), chi.URLParam(r, "workflowUUID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Workflow pipelines ---

// CreateWorkflowPipeline handles POST /v1/workflows/{workflowUUID}/pipelines
func (h *Handlers) CreateWorkflowPipeline(w http.ResponseWriter, r *http.Request) {
	workflowUUID := chi.URLParam(r, "workflowUUID")
	var body services.WorkflowPipelineSpec
	if !decodeJSON(w, r, &body) {
		return
	}

	node, err := h.workflows.CreateWorkflowPipeline(r.Context(), workflowUUID, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.workflows.DescribeWorkflowPipeline(r.Context(), workflowUUID, node.UUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListWorkflowPipelines handles GET /v1/workflows/{workflowUUID}/pipelines
func (h *Handlers) ListWorkflowPipelines(w http.ResponseWriter, r *http.Request) {
	views, err := h.workflows.DescribeWorkflowPipelines(r.Context(), chi.URLParam(r, "workflowUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if views == nil {
		views = []services.WorkflowPipelineView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// GetWorkflowPipeline handles GET /v1/workflows/{workflowUUID}/pipelines/{workflowPipelineUUID}
func (h *Handlers) GetWorkflowPipeline(w http.ResponseWriter, r *http.Request) {
	view, err := h.workflows.DescribeWorkflowPipeline(r.Context(),
		chi.URLParam(r, "workflowUUID"), chi.URLParam(r, "workflowPipelineUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateWorkflowPipeline handles PUT /v1/workflows/{workflowUUID}/pipelines/{workflowPipelineUUID}
func (h *Handlers) UpdateWorkflowPipeline(w http.ResponseWriter, r *http.Request) {
	workflowUUID := chi.URLParam(r, "workflowUUID")
	wpUUID := chi.URLParam(r, "workflowPipelineUUID")
	var body services.WorkflowPipelineSpec
	if !decodeJSON(w, r, &body) {
		return
	}

	if _, err := h.workflows.UpdateWorkflowPipeline(r.Context(), workflowUUID, wpUUID, body); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.workflows.DescribeWorkflowPipeline(r.Context(), workflowUUID, wpUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DeleteWorkflowPipeline handles DELETE /v1/workflows/{workflowUUID}/pipelines/{workflowPipelineUUID}
func (h *Handlers) DeleteWorkflowPipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.workflows.DeleteWorkflowPipeline(r.Context(),
		chi.URLParam(r, "workflowUUID"), chi.URLParam(r, "workflowPipelineUUID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Workflow runs ---

// createWorkflowRunRequest is the JSON body for workflow run creation.
type createWorkflowRunRequest struct {
	Inputs []services.InputFile `json:"inputs"`
}

// CreateWorkflowRun handles POST /v1/workflows/{workflowUUID}/runs
func (h *Handlers) CreateWorkflowRun(w http.ResponseWriter, r *http.Request) {
	workflowUUID := chi.URLParam(r, "workflowUUID")
	var body createWorkflowRunRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	wr, err := h.scheduler.CreateWorkflowRun(r.Context(), workflowUUID, services.CreateWorkflowRunParams{
		Inputs: body.Inputs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	view, err := h.scheduler.DescribeWorkflowRun(r.Context(), workflowUUID, wr.UUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListWorkflowRuns handles GET /v1/workflows/{workflowUUID}/runs
func (h *Handlers) ListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	views, err := h.scheduler.DescribeWorkflowRuns(r.Context(), chi.URLParam(r, "workflowUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if views == nil {
		views = []*services.WorkflowRunView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// GetWorkflowRun handles GET /v1/workflows/{workflowUUID}/runs/{workflowRunUUID}
func (h *Handlers) GetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	view, err := h.scheduler.DescribeWorkflowRun(r.Context(),
		chi.URLParam(r, "workflowUUID"), chi.URLParam(r, "workflowRunUUID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
