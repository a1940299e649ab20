// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flumeworks/flume/internal/logger"
	"github.com/flumeworks/flume/internal/orchestrator/database"
	"github.com/flumeworks/flume/internal/orchestrator/models"
	"github.com/flumeworks/flume/internal/protocol"
)

var (
	pipelineLog     *zerolog.Logger
	pipelineLogOnce sync.Once
)

func getPipelineLog() *zerolog.Logger {
	pipelineLogOnce.Do(func() {
		l := logger.GetPipelinesLogger().With().Str("component", "pipeline_service").Logger()
		pipelineLog = &l
	})
	return pipelineLog
}

// PipelineService manages pipeline templates, their runs, and run artifacts.
// The scheduler hooks in through the RunObserver to react to state changes of
// runs bound to a workflow run.
type PipelineService struct {
	db       *database.GormDB
	store    ArtifactStore
	executor Executor
	notifier *CallbackNotifier

	publisher EventPublisher
	observer  RunObserver
}

// NewPipelineService creates a PipelineService with its dependencies.
// notifier may be nil to disable callback notifications.
func NewPipelineService(db *database.GormDB, store ArtifactStore, executor Executor, notifier *CallbackNotifier) *PipelineService {
	return &PipelineService{
		db:       db,
		store:    store,
		executor: executor,
		notifier: notifier,
	}
}

// SetEventPublisher wires the websocket broadcaster. Optional.
func (ps *PipelineService) SetEventPublisher(publisher EventPublisher) {
	ps.publisher = publisher
}

// SetRunObserver wires the scheduler. Set after construction because the
// scheduler itself depends on this service.
func (ps *PipelineService) SetRunObserver(observer RunObserver) {
	ps.observer = observer
}

// --- Param types ---

// PipelineParams groups input for CreatePipeline and UpdatePipeline.
type PipelineParams struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	DockerImageURL   string `json:"docker_image_url"`
	RepositorySSHURL string `json:"repository_ssh_url"`
	RepositoryBranch string `json:"repository_branch"`
}

func (p PipelineParams) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: pipeline name is required", ErrInvalid)
	}
	if p.DockerImageURL == "" && p.RepositorySSHURL == "" {
		return fmt.Errorf("%w: one of docker_image_url and repository_ssh_url is required", ErrInvalid)
	}
	return nil
}

// CreateRunParams groups input for CreatePipelineRun.
type CreateRunParams struct {
	Inputs      []InputFile
	CallbackURL string
	// Queued leaves the run in QUEUED without dispatching. The scheduler
	// creates workflow-bound runs this way.
	Queued bool
}

// UpdateRunStateParams groups input for UpdatePipelineRunState.
type UpdateRunStateParams struct {
	State models.RunState
	// WorkerIP records the reporting worker, captured on the RUNNING callback.
	WorkerIP string
}

// --- Pipelines ---

// CreatePipeline validates inputs and persists a new pipeline.
func (ps *PipelineService) CreatePipeline(ctx context.Context, params PipelineParams) (*models.Pipeline, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	pipeline := &models.Pipeline{
		Common:           models.Common{UUID: models.NewUUID()},
		Name:             params.Name,
		Description:      params.Description,
		DockerImageURL:   params.DockerImageURL,
		RepositorySSHURL: params.RepositorySSHURL,
		RepositoryBranch: params.RepositoryBranch,
	}
	if err := ps.db.CreatePipeline(ctx, pipeline); err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	getPipelineLog().Info().Str("pipeline_uuid", pipeline.UUID).Str("name", pipeline.Name).Msg("Created pipeline")
	return pipeline, nil
}

// GetPipeline retrieves a live pipeline by UUID.
func (ps *PipelineService) GetPipeline(ctx context.Context, uuid string) (*models.Pipeline, error) {
	pipeline, err := ps.db.FindPipeline(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to find pipeline: %w", err)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, uuid)
	}
	return pipeline, nil
}

// ListPipelines retrieves all live pipelines.
func (ps *PipelineService) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	return ps.db.ListPipelines(ctx)
}

// SearchPipelines retrieves the live pipelines matching the given UUIDs.
// Unknown UUIDs are silently absent from the result.
func (ps *PipelineService) SearchPipelines(ctx context.Context, uuids []string) ([]*models.Pipeline, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	return ps.db.SearchPipelines(ctx, uuids)
}

// UpdatePipeline overwrites a pipeline's attributes.
func (ps *PipelineService) UpdatePipeline(ctx context.Context, uuid string, params PipelineParams) (*models.Pipeline, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	pipeline, err := ps.GetPipeline(ctx, uuid)
	if err != nil {
		return nil, err
	}

	pipeline.Name = params.Name
	pipeline.Description = params.Description
	pipeline.DockerImageURL = params.DockerImageURL
	pipeline.RepositorySSHURL = params.RepositorySSHURL
	pipeline.RepositoryBranch = params.RepositoryBranch
	if err := ps.db.SavePipeline(ctx, pipeline); err != nil {
		return nil, fmt.Errorf("failed to update pipeline: %w", err)
	}

	getPipelineLog().Info().Str("pipeline_uuid", pipeline.UUID).Msg("Updated pipeline")
	return pipeline, nil
}

// DeletePipeline soft-deletes a pipeline unless a live workflow node still
// references it.
func (ps *PipelineService) DeletePipeline(ctx context.Context, uuid string) error {
	pipeline, err := ps.GetPipeline(ctx, uuid)
	if err != nil {
		return err
	}

	refs, err := ps.db.CountWorkflowPipelinesForPipeline(ctx, pipeline.ID)
	if err != nil {
		return fmt.Errorf("failed to count pipeline references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("%w: pipeline %s is referenced by %d workflow pipeline(s)", ErrInUse, uuid, refs)
	}

	pipeline.IsDeleted = true
	if err := ps.db.SavePipeline(ctx, pipeline); err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}

	getPipelineLog().Info().Str("pipeline_uuid", uuid).Msg("Deleted pipeline")
	return nil
}

// --- Pipeline runs ---

func validateInputs(inputs []InputFile) error {
	for _, input := range inputs {
		if strings.TrimSpace(input.Name) == "" {
			return fmt.Errorf("%w: input name is required", ErrInvalid)
		}
		parsed, err := url.ParseRequestURI(input.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: input %q has a malformed url", ErrInvalid, input.Name)
		}
	}
	return nil
}

// CreatePipelineRun creates a run of the pipeline with an initial QUEUED
// state entry and a 1-based sequence number. Unless params.Queued is set the
// run is started immediately.
func (ps *PipelineService) CreatePipelineRun(ctx context.Context, pipelineUUID string, params CreateRunParams) (*models.PipelineRun, error) {
	pipeline, err := ps.GetPipeline(ctx, pipelineUUID)
	if err != nil {
		return nil, err
	}
	if err := validateInputs(params.Inputs); err != nil {
		return nil, err
	}
	if params.CallbackURL != "" {
		if err := validateInputs([]InputFile{{Name: "callback", URL: params.CallbackURL}}); err != nil {
			return nil, fmt.Errorf("%w: malformed callback_url", ErrInvalid)
		}
	}

	run, err := ps.createRun(ctx, ps.db, pipeline, params.Inputs, params.CallbackURL)
	if err != nil {
		return nil, err
	}

	if !params.Queued {
		if err := ps.StartPipelineRun(ctx, run); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// createRun persists a run with its inputs and initial QUEUED state using the
// given database handle, which may be transactional. Count and insert happen
// in one transaction under a lock on the pipeline row, so concurrent creations
// cannot claim the same sequence number; the unique index on
// (pipeline_id, sequence) is the backstop.
func (ps *PipelineService) createRun(ctx context.Context, db *database.GormDB, pipeline *models.Pipeline, inputs []InputFile, callbackURL string) (*models.PipelineRun, error) {
	var run *models.PipelineRun
	err := db.WithTransaction(ctx, func(tx *database.GormDB) error {
		if _, err := tx.LockPipeline(ctx, pipeline.ID); err != nil {
			return fmt.Errorf("failed to lock pipeline: %w", err)
		}
		count, err := tx.CountPipelineRuns(ctx, pipeline.ID)
		if err != nil {
			return fmt.Errorf("failed to count pipeline runs: %w", err)
		}

		run = &models.PipelineRun{
			Common:      models.Common{UUID: models.NewUUID()},
			PipelineID:  pipeline.ID,
			Sequence:    int(count) + 1,
			CallbackURL: callbackURL,
		}
		run.States = []models.PipelineRunState{
			{Common: models.Common{UUID: models.NewUUID()}, Code: models.RunStateQueued},
		}
		for _, input := range inputs {
			run.Inputs = append(run.Inputs, models.PipelineRunInput{
				Common:   models.Common{UUID: models.NewUUID()},
				Filename: input.Name,
				URL:      input.URL,
			})
		}

		if err := tx.CreatePipelineRun(ctx, run); err != nil {
			return fmt.Errorf("failed to create pipeline run: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	getPipelineLog().Info().
		Str("pipeline_uuid", pipeline.UUID).Str("run_uuid", run.UUID).Int("sequence", run.Sequence).
		Msg("Created pipeline run")
	return run, nil
}

// CreateWorkflowBoundRun creates a QUEUED run for the scheduler inside its
// transaction. No executor dispatch happens here.
func (ps *PipelineService) CreateWorkflowBoundRun(ctx context.Context, tx *database.GormDB, pipeline *models.Pipeline, inputs []InputFile) (*models.PipelineRun, error) {
	if err := validateInputs(inputs); err != nil {
		return nil, err
	}
	return ps.createRun(ctx, tx, pipeline, inputs, "")
}

// StartPipelineRun moves a QUEUED run to NOT_STARTED and dispatches it to the
// executor. Starting an already-NOT_STARTED run is a no-op.
func (ps *PipelineService) StartPipelineRun(ctx context.Context, run *models.PipelineRun) error {
	req, err := ps.StartPipelineRunTx(ctx, ps.db, run)
	if err != nil || req == nil {
		return err
	}
	if err := ps.executor.Execute(ctx, *req); err != nil {
		return fmt.Errorf("failed to dispatch pipeline run: %w", err)
	}
	return nil
}

// StartPipelineRunTx appends the NOT_STARTED entry using the given database
// handle and returns the executor request the caller must dispatch after its
// transaction commits. Returns nil, nil when the run is already NOT_STARTED.
func (ps *PipelineService) StartPipelineRunTx(ctx context.Context, db *database.GormDB, run *models.PipelineRun) (*ExecuteRequest, error) {
	switch current := run.CurrentState(); current {
	case models.RunStateNotStarted:
		return nil, nil // replay-safe
	case models.RunStateQueued:
	default:
		return nil, models.ValidateTransition(current, models.RunStateNotStarted)
	}

	pipeline, err := db.GetPipelineByID(ctx, run.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline for run: %w", err)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline id %d", ErrNotFound, run.PipelineID)
	}

	if err := ps.appendRunState(ctx, db, run, models.RunStateNotStarted); err != nil {
		return nil, err
	}

	req := &ExecuteRequest{
		PipelineUUID:     pipeline.UUID,
		RunUUID:          run.UUID,
		DockerImageURL:   pipeline.DockerImageURL,
		RepositorySSHURL: pipeline.RepositorySSHURL,
		RepositoryBranch: pipeline.RepositoryBranch,
	}
	for _, input := range run.Inputs {
		req.Inputs = append(req.Inputs, InputFile{Name: input.Filename, URL: input.URL})
	}

	getPipelineLog().Info().Str("run_uuid", run.UUID).Msg("Started pipeline run")
	return req, nil
}

// appendRunState writes one state-log entry and keeps the in-memory run
// consistent with it.
func (ps *PipelineService) appendRunState(ctx context.Context, db *database.GormDB, run *models.PipelineRun, code models.RunState) error {
	state := models.PipelineRunState{
		Common:        models.Common{UUID: models.NewUUID()},
		PipelineRunID: run.ID,
		Code:          code,
	}
	if err := db.AppendPipelineRunState(ctx, &state); err != nil {
		return fmt.Errorf("failed to append run state: %w", err)
	}
	run.States = append(run.States, state)
	return nil
}

// GetPipelineRun retrieves a run of the pipeline with inputs, artifacts and
// state log loaded.
func (ps *PipelineService) GetPipelineRun(ctx context.Context, pipelineUUID, runUUID string) (*models.PipelineRun, error) {
	pipeline, err := ps.GetPipeline(ctx, pipelineUUID)
	if err != nil {
		return nil, err
	}
	run, err := ps.db.FindPipelineRun(ctx, pipeline.ID, runUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find pipeline run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: pipeline run %s", ErrNotFound, runUUID)
	}
	return run, nil
}

// ListPipelineRuns retrieves all runs of a pipeline in creation order.
func (ps *PipelineService) ListPipelineRuns(ctx context.Context, pipelineUUID string) ([]*models.PipelineRun, error) {
	pipeline, err := ps.GetPipeline(ctx, pipelineUUID)
	if err != nil {
		return nil, err
	}
	return ps.db.ListPipelineRuns(ctx, pipeline.ID)
}

// UpdatePipelineRunState appends a state entry after enforcing the transition
// table. Same-state updates are idempotent no-ops. Runs bound to a workflow
// run are reported to the scheduler; callback URLs are notified best-effort.
func (ps *PipelineService) UpdatePipelineRunState(ctx context.Context, pipelineUUID, runUUID string, params UpdateRunStateParams) (*models.PipelineRun, error) {
	if !params.State.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %d", ErrInvalid, int(params.State))
	}

	pipeline, err := ps.GetPipeline(ctx, pipelineUUID)
	if err != nil {
		return nil, err
	}

	// Concurrent worker callbacks race on the head of the state log, so the
	// check-and-append happens under a row lock in one transaction. A loser
	// re-reads the winner's entry and is rejected by the transition table.
	var run *models.PipelineRun
	var from models.RunState
	changed := false
	err = ps.db.WithTransaction(ctx, func(tx *database.GormDB) error {
		var err error
		run, err = tx.FindPipelineRun(ctx, pipeline.ID, runUUID)
		if err != nil {
			return fmt.Errorf("failed to find pipeline run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("%w: pipeline run %s", ErrNotFound, runUUID)
		}

		// Runs bound to a workflow run also serialise against scheduler
		// reactions on the aggregate lock. Lock order is workflow run first,
		// then the run row, everywhere.
		wpr, err := tx.FindWorkflowPipelineRunForPipelineRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve workflow binding: %w", err)
		}
		if wpr != nil {
			if _, err := tx.LockWorkflowRun(ctx, wpr.WorkflowRunID); err != nil {
				return fmt.Errorf("failed to lock workflow run: %w", err)
			}
		}

		run, err = tx.LockPipelineRun(ctx, pipeline.ID, runUUID)
		if err != nil {
			return fmt.Errorf("failed to lock pipeline run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("%w: pipeline run %s", ErrNotFound, runUUID)
		}

		from = run.CurrentState()
		if from == params.State {
			return nil // idempotent
		}
		if err := models.ValidateTransition(from, params.State); err != nil {
			getPipelineLog().Warn().
				Str("run_uuid", runUUID).Str("from", from.String()).Str("to", params.State.String()).
				Msg("Rejected run state transition")
			return err
		}

		if err := ps.appendRunState(ctx, tx, run, params.State); err != nil {
			return err
		}

		now := time.Now().UTC()
		dirty := false
		if params.State == models.RunStateRunning {
			if run.StartedAt == nil {
				run.StartedAt = &now
				dirty = true
			}
			if params.WorkerIP != "" && run.WorkerIP != params.WorkerIP {
				run.WorkerIP = params.WorkerIP
				dirty = true
			}
		}
		if params.State.IsTerminal() && run.CompletedAt == nil {
			run.CompletedAt = &now
			dirty = true
		}
		if dirty {
			if err := tx.SavePipelineRun(ctx, run); err != nil {
				return fmt.Errorf("failed to update pipeline run: %w", err)
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return run, nil
	}

	getPipelineLog().Info().
		Str("run_uuid", runUUID).Str("from", from.String()).Str("to", params.State.String()).
		Msg("Pipeline run state changed")

	ps.notifyRunObservers(ctx, run, pipelineUUID, params.State)
	return run, nil
}

// notifyRunObservers fans a state change out to the scheduler, the callback
// URL, and websocket subscribers. Observer errors are logged, not surfaced:
// the state entry is already committed.
func (ps *PipelineService) notifyRunObservers(ctx context.Context, run *models.PipelineRun, pipelineUUID string, state models.RunState) {
	workflowRunUUID := ""
	if ps.observer != nil {
		wpr, err := ps.db.FindWorkflowPipelineRunForPipelineRun(ctx, run.ID)
		if err != nil {
			getPipelineLog().Error().Err(err).Str("run_uuid", run.UUID).Msg("Failed to resolve workflow binding")
		} else if wpr != nil {
			if err := ps.observer.OnPipelineRunUpdated(ctx, run.ID); err != nil {
				getPipelineLog().Error().Err(err).Str("run_uuid", run.UUID).Msg("Scheduler reaction failed")
			}
			if wr, err := ps.db.GetWorkflowRunByID(ctx, wpr.WorkflowRunID); err == nil && wr != nil {
				workflowRunUUID = wr.UUID
			}
		}
	}

	if ps.notifier != nil && run.CallbackURL != "" {
		notification := RunStateNotification{PipelineRunUUID: run.UUID, State: state.String()}
		callbackURL := run.CallbackURL
		go ps.notifier.NotifyRunStateChanged(context.WithoutCancel(ctx), callbackURL, notification)
	}

	if ps.publisher != nil {
		ps.publisher.Publish(protocol.PipelineRunStateChangedEvent{
			Metadata:     protocol.NewMetadata(workflowRunUUID),
			PipelineUUID: pipelineUUID,
			RunUUID:      run.UUID,
			State:        state.String(),
		})
	}
}

// UpdatePipelineRunOutput stores the captured console streams. Last writer
// wins.
func (ps *PipelineService) UpdatePipelineRunOutput(ctx context.Context, pipelineUUID, runUUID, stdout, stderr string) (*models.PipelineRun, error) {
	run, err := ps.GetPipelineRun(ctx, pipelineUUID, runUUID)
	if err != nil {
		return nil, err
	}

	run.StdOut = stdout
	run.StdErr = stderr
	if err := ps.db.SavePipelineRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run output: %w", err)
	}
	return run, nil
}

// --- Artifacts ---

// sanitizeFilename strips path components and leading dots; the result is a
// bare filename safe to embed in an object-store key.
func sanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" || strings.ContainsAny(name, "/\x00") {
		return "", fmt.Errorf("%w: invalid artifact filename", ErrInvalid)
	}
	return name, nil
}

// CreatePipelineRunArtifact uploads a file produced by a run and records its
// metadata.
func (ps *PipelineService) CreatePipelineRunArtifact(ctx context.Context, pipelineUUID, runUUID, filename string, body io.Reader, size int64) (*models.PipelineRunArtifact, error) {
	run, err := ps.GetPipelineRun(ctx, pipelineUUID, runUUID)
	if err != nil {
		return nil, err
	}

	name, err := sanitizeFilename(filename)
	if err != nil {
		return nil, err
	}

	artifact := &models.PipelineRunArtifact{
		Common:        models.Common{UUID: models.NewUUID()},
		PipelineRunID: run.ID,
		Name:          name,
	}
	key := models.ArtifactKey(pipelineUUID, runUUID, artifact.UUID, name)
	if err := ps.store.Upload(ctx, key, body, size); err != nil {
		return nil, fmt.Errorf("failed to upload artifact: %w", err)
	}
	if err := ps.db.CreatePipelineRunArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}

	getPipelineLog().Info().
		Str("run_uuid", runUUID).Str("artifact_uuid", artifact.UUID).Str("name", name).
		Msg("Created run artifact")
	return artifact, nil
}

// GetPipelineRunArtifactURL resolves an artifact of the run to a presigned
// download URL. Bytes are served by the object store, never by this process.
func (ps *PipelineService) GetPipelineRunArtifactURL(ctx context.Context, pipelineUUID, runUUID, artifactUUID string) (*models.PipelineRunArtifact, string, error) {
	run, err := ps.GetPipelineRun(ctx, pipelineUUID, runUUID)
	if err != nil {
		return nil, "", err
	}

	artifact, err := ps.db.FindArtifactForRun(ctx, run.ID, artifactUUID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to query artifact: %w", err)
	}
	if artifact == nil {
		return nil, "", fmt.Errorf("%w: artifact %s", ErrNotFound, artifactUUID)
	}

	key := models.ArtifactKey(pipelineUUID, runUUID, artifact.UUID, artifact.Name)
	url, err := ps.store.PresignGet(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("failed to presign artifact: %w", err)
	}
	return artifact, url, nil
}

// CopyPipelineRunArtifact appends a presigned-URL input for the artifact onto
// the destination run. No bytes move; the downstream worker fetches through
// the URL. Copies are idempotent, deduped by source artifact UUID.
func (ps *PipelineService) CopyPipelineRunArtifact(ctx context.Context, db *database.GormDB, srcPipelineUUID string, srcRun *models.PipelineRun, artifact *models.PipelineRunArtifact, dstRun *models.PipelineRun) error {
	copied, err := db.HasInputFromArtifact(ctx, dstRun.ID, artifact.UUID)
	if err != nil {
		return fmt.Errorf("failed to check artifact copy: %w", err)
	}
	if copied {
		return nil
	}

	key := models.ArtifactKey(srcPipelineUUID, srcRun.UUID, artifact.UUID, artifact.Name)
	presigned, err := ps.store.PresignGet(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to presign artifact: %w", err)
	}

	input := models.PipelineRunInput{
		Common:             models.Common{UUID: models.NewUUID()},
		PipelineRunID:      dstRun.ID,
		Filename:           artifact.Name,
		URL:                presigned,
		SourceArtifactUUID: artifact.UUID,
	}
	if err := db.CreatePipelineRunInput(ctx, &input); err != nil {
		return fmt.Errorf("failed to copy artifact input: %w", err)
	}
	dstRun.Inputs = append(dstRun.Inputs, input)
	return nil
}
