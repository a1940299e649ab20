// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/flumeworks/flume/internal/logger"
	"github.com/flumeworks/flume/internal/orchestrator/database"
	"github.com/flumeworks/flume/internal/orchestrator/models"
	"github.com/flumeworks/flume/internal/protocol"
)

var (
	schedulerLog     *zerolog.Logger
	schedulerLogOnce sync.Once
)

func getSchedulerLog() *zerolog.Logger {
	schedulerLogOnce.Do(func() {
		l := logger.GetSchedulerLogger().With().Str("component", "scheduler_service").Logger()
		schedulerLog = &l
	})
	return schedulerLog
}

// SchedulerService creates workflow runs and reacts to pipeline-run state
// changes. Every reaction executes inside one transaction over the workflow
// run aggregate; executor dispatches are collected during the transaction and
// fired only after it commits.
type SchedulerService struct {
	db        *database.GormDB
	pipelines *PipelineService
	workflows *WorkflowService
	executor  Executor
	publisher EventPublisher
}

// NewSchedulerService creates a SchedulerService and registers it as the
// pipeline service's run observer.
func NewSchedulerService(db *database.GormDB, pipelines *PipelineService, workflows *WorkflowService, executor Executor) *SchedulerService {
	ss := &SchedulerService{
		db:        db,
		pipelines: pipelines,
		workflows: workflows,
		executor:  executor,
	}
	pipelines.SetRunObserver(ss)
	return ss
}

// SetEventPublisher wires the websocket broadcaster. Optional.
func (ss *SchedulerService) SetEventPublisher(publisher EventPublisher) {
	ss.publisher = publisher
}

// CreateWorkflowRunParams groups input for CreateWorkflowRun. Inputs are
// attached to every root node's pipeline run.
type CreateWorkflowRunParams struct {
	Inputs []InputFile
}

// CreateWorkflowRun materialises one execution of the workflow: a QUEUED
// pipeline run per live node, bound through WorkflowPipelineRuns, with root
// runs started immediately. Non-root runs stay QUEUED until their
// predecessors complete.
func (ss *SchedulerService) CreateWorkflowRun(ctx context.Context, workflowUUID string, params CreateWorkflowRunParams) (*models.WorkflowRun, error) {
	workflow, err := ss.workflows.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	if err := validateInputs(params.Inputs); err != nil {
		return nil, err
	}

	var wr *models.WorkflowRun
	var dispatches []ExecuteRequest

	err = ss.db.WithTransaction(ctx, func(tx *database.GormDB) error {
		nodes, deps, err := loadGraph(ctx, tx, workflow.ID)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("%w: workflow has no runnable roots", ErrInvalid)
		}

		graph := buildGraph(nodes, deps)
		if err := graph.Validate(); err != nil { // defence in depth
			return err
		}
		roots := graph.Roots()
		if len(roots) == 0 {
			return fmt.Errorf("%w: workflow has no runnable roots", ErrInvalid)
		}
		rootSet := lo.SliceToMap(roots, func(id uint) (uint, struct{}) { return id, struct{}{} })

		wr = &models.WorkflowRun{
			Common:     models.Common{UUID: models.NewUUID()},
			WorkflowID: workflow.ID,
			States: []models.WorkflowRunState{
				{Common: models.Common{UUID: models.NewUUID()}, Code: models.RunStateNotStarted},
			},
		}
		if err := tx.CreateWorkflowRun(ctx, wr); err != nil {
			return fmt.Errorf("failed to create workflow run: %w", err)
		}

		runsByNode := make(map[uint]*models.PipelineRun, len(nodes))
		for _, node := range nodes {
			pipeline, err := tx.GetPipelineByID(ctx, node.PipelineID)
			if err != nil {
				return fmt.Errorf("failed to load pipeline for node: %w", err)
			}
			if pipeline == nil {
				return fmt.Errorf("%w: pipeline id %d", ErrNotFound, node.PipelineID)
			}

			var inputs []InputFile
			if _, isRoot := rootSet[node.ID]; isRoot {
				inputs = params.Inputs
			}
			run, err := ss.pipelines.CreateWorkflowBoundRun(ctx, tx, pipeline, inputs)
			if err != nil {
				return err
			}
			runsByNode[node.ID] = run

			wpr := &models.WorkflowPipelineRun{
				Common:             models.Common{UUID: models.NewUUID()},
				WorkflowRunID:      wr.ID,
				WorkflowPipelineID: node.ID,
				PipelineRunID:      run.ID,
			}
			if err := tx.CreateWorkflowPipelineRun(ctx, wpr); err != nil {
				return fmt.Errorf("failed to bind workflow pipeline run: %w", err)
			}
			wr.WorkflowPipelineRuns = append(wr.WorkflowPipelineRuns, *wpr)
		}

		for _, rootID := range roots {
			req, err := ss.pipelines.StartPipelineRunTx(ctx, tx, runsByNode[rootID])
			if err != nil {
				return err
			}
			if req != nil {
				dispatches = append(dispatches, *req)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ss.dispatch(ctx, dispatches)

	getSchedulerLog().Info().
		Str("workflow_uuid", workflowUUID).Str("workflow_run_uuid", wr.UUID).
		Int("nodes", len(wr.WorkflowPipelineRuns)).Int("roots", len(dispatches)).
		Msg("Created workflow run")
	return wr, nil
}

// GetWorkflowRun retrieves a run of the workflow with node runs and state log
// loaded.
func (ss *SchedulerService) GetWorkflowRun(ctx context.Context, workflowUUID, runUUID string) (*models.WorkflowRun, error) {
	workflow, err := ss.workflows.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	wr, err := ss.db.FindWorkflowRun(ctx, workflow.ID, runUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find workflow run: %w", err)
	}
	if wr == nil {
		return nil, fmt.Errorf("%w: workflow run %s", ErrNotFound, runUUID)
	}
	return wr, nil
}

// ListWorkflowRuns retrieves all runs of a workflow in creation order.
func (ss *SchedulerService) ListWorkflowRuns(ctx context.Context, workflowUUID string) ([]*models.WorkflowRun, error) {
	workflow, err := ss.workflows.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	return ss.db.ListWorkflowRuns(ctx, workflow.ID)
}

// WorkflowRunView is the read model of a workflow run: the state log plus the
// node-to-run bindings a client needs to follow progress.
type WorkflowRunView struct {
	UUID      string                    `json:"uuid"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
	States    []models.WorkflowRunState `json:"states"`
	NodeRuns  []WorkflowNodeRunView     `json:"workflow_pipeline_runs"`
}

// WorkflowNodeRunView binds one node to its pipeline run inside a workflow run.
type WorkflowNodeRunView struct {
	WorkflowPipelineUUID string `json:"workflow_pipeline_uuid"`
	PipelineRunUUID      string `json:"pipeline_run_uuid"`
	State                string `json:"state"`
}

func (ss *SchedulerService) describeWorkflowRun(ctx context.Context, wr *models.WorkflowRun) (*WorkflowRunView, error) {
	view := &WorkflowRunView{
		UUID:      wr.UUID,
		CreatedAt: wr.CreatedAt,
		UpdatedAt: wr.UpdatedAt,
		States:    wr.States,
		NodeRuns:  []WorkflowNodeRunView{},
	}
	for _, wpr := range wr.WorkflowPipelineRuns {
		node, err := ss.db.GetWorkflowPipelineByID(ctx, wpr.WorkflowPipelineID)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow pipeline: %w", err)
		}
		run, err := ss.db.GetPipelineRunByID(ctx, wpr.PipelineRunID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pipeline run: %w", err)
		}
		if node == nil || run == nil {
			continue
		}
		view.NodeRuns = append(view.NodeRuns, WorkflowNodeRunView{
			WorkflowPipelineUUID: node.UUID,
			PipelineRunUUID:      run.UUID,
			State:                run.CurrentState().String(),
		})
	}
	return view, nil
}

// DescribeWorkflowRun returns the read model of one workflow run.
func (ss *SchedulerService) DescribeWorkflowRun(ctx context.Context, workflowUUID, runUUID string) (*WorkflowRunView, error) {
	wr, err := ss.GetWorkflowRun(ctx, workflowUUID, runUUID)
	if err != nil {
		return nil, err
	}
	return ss.describeWorkflowRun(ctx, wr)
}

// DescribeWorkflowRuns returns the read model of every run of the workflow.
func (ss *SchedulerService) DescribeWorkflowRuns(ctx context.Context, workflowUUID string) ([]*WorkflowRunView, error) {
	runs, err := ss.ListWorkflowRuns(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	views := make([]*WorkflowRunView, 0, len(runs))
	for _, wr := range runs {
		view, err := ss.describeWorkflowRun(ctx, wr)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// runAggregate is the in-memory image of a workflow run: every node run, the
// node graph, and the binding between them. The reaction operates on it
// without further navigation queries.
type runAggregate struct {
	wr        *models.WorkflowRun
	runsByID  map[uint]*models.PipelineRun
	runByNode map[uint]*models.PipelineRun
	nodeByRun map[uint]uint
	succ      map[uint][]uint
	pred      map[uint][]uint
}

func loadRunAggregate(ctx context.Context, tx *database.GormDB, workflowRunID uint) (*runAggregate, error) {
	wr, err := tx.LockWorkflowRun(ctx, workflowRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock workflow run: %w", err)
	}
	if wr == nil {
		return nil, fmt.Errorf("%w: workflow run id %d", ErrNotFound, workflowRunID)
	}

	runIDs := lo.Map(wr.WorkflowPipelineRuns, func(wpr models.WorkflowPipelineRun, _ int) uint { return wpr.PipelineRunID })
	runs, err := tx.GetPipelineRunsByIDs(ctx, runIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow run aggregate: %w", err)
	}

	agg := &runAggregate{
		wr:        wr,
		runsByID:  make(map[uint]*models.PipelineRun, len(runs)),
		runByNode: make(map[uint]*models.PipelineRun, len(runs)),
		nodeByRun: make(map[uint]uint, len(runs)),
		succ:      make(map[uint][]uint),
		pred:      make(map[uint][]uint),
	}
	for _, run := range runs {
		agg.runsByID[run.ID] = run
	}
	nodeIDs := make([]uint, 0, len(wr.WorkflowPipelineRuns))
	for _, wpr := range wr.WorkflowPipelineRuns {
		nodeIDs = append(nodeIDs, wpr.WorkflowPipelineID)
		if run, ok := agg.runsByID[wpr.PipelineRunID]; ok {
			agg.runByNode[wpr.WorkflowPipelineID] = run
			agg.nodeByRun[run.ID] = wpr.WorkflowPipelineID
		}
	}

	deps, err := tx.ListDependencies(ctx, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow run edges: %w", err)
	}
	for _, dep := range deps {
		agg.succ[dep.FromWorkflowPipelineID] = append(agg.succ[dep.FromWorkflowPipelineID], dep.ToWorkflowPipelineID)
		agg.pred[dep.ToWorkflowPipelineID] = append(agg.pred[dep.ToWorkflowPipelineID], dep.FromWorkflowPipelineID)
	}
	return agg, nil
}

// allRuns returns every pipeline run of the aggregate.
func (agg *runAggregate) allRuns() []*models.PipelineRun {
	return lo.Values(agg.runsByID)
}

// aggregateTerminal implements the terminal rule: all COMPLETED gives
// COMPLETED, anything else gives CANCELLED.
func aggregateTerminal(runs []*models.PipelineRun) models.RunState {
	for _, run := range runs {
		if run.CurrentState() != models.RunStateCompleted {
			return models.RunStateCancelled
		}
	}
	return models.RunStateCompleted
}

// OnPipelineRunUpdated is the scheduler reaction invoked after a pipeline
// run's state log changed. It is safe to replay: every step it takes is
// idempotent against the re-read aggregate.
func (ss *SchedulerService) OnPipelineRunUpdated(ctx context.Context, runID uint) error {
	var dispatches []ExecuteRequest
	var cancels []string
	var events []protocol.Event

	err := ss.db.WithTransaction(ctx, func(tx *database.GormDB) error {
		wpr, err := tx.FindWorkflowPipelineRunForPipelineRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to resolve workflow binding: %w", err)
		}
		if wpr == nil {
			return nil // standalone run
		}

		agg, err := loadRunAggregate(ctx, tx, wpr.WorkflowRunID)
		if err != nil {
			return err
		}
		pr, ok := agg.runsByID[runID]
		if !ok {
			return fmt.Errorf("%w: pipeline run id %d not part of workflow run", ErrInvalid, runID)
		}
		node := wpr.WorkflowPipelineID

		// Re-read the state inside the lock; a stale callback may race a
		// sibling's reaction.
		switch state := pr.CurrentState(); state {
		case models.RunStateQueued:
			return fmt.Errorf("%w: run %s reported QUEUED after creation", ErrInvalid, pr.UUID)

		case models.RunStateNotStarted, models.RunStateRunning:
			if err := ss.promoteWorkflowRun(ctx, tx, agg, &events); err != nil {
				return err
			}

		case models.RunStateFailed:
			for _, sibling := range agg.allRuns() {
				if sibling.ID == pr.ID || sibling.CurrentState().IsTerminal() {
					continue
				}
				// runs past QUEUED were dispatched and get a stop signal
				dispatched := sibling.CurrentState() != models.RunStateQueued
				if err := ss.cancelRun(ctx, tx, agg, sibling, &events); err != nil {
					return err
				}
				if dispatched {
					cancels = append(cancels, sibling.UUID)
				}
			}
			if err := ss.setWorkflowRunState(ctx, tx, agg, models.RunStateCancelled, &events); err != nil {
				return err
			}

		case models.RunStateCancelled:
			for _, descendant := range reachableFrom(agg.succ, node) {
				run := agg.runByNode[descendant]
				if run == nil || run.CurrentState() != models.RunStateQueued {
					continue
				}
				if err := ss.cancelRun(ctx, tx, agg, run, &events); err != nil {
					return err
				}
			}
			if err := ss.settleIfTerminal(ctx, tx, agg, &events); err != nil {
				return err
			}

		case models.RunStateCompleted:
			if err := ss.promoteWorkflowRun(ctx, tx, agg, &events); err != nil {
				return err
			}

			srcPipeline, err := tx.GetPipelineByID(ctx, pr.PipelineID)
			if err != nil {
				return fmt.Errorf("failed to load pipeline of completed run: %w", err)
			}
			if srcPipeline == nil {
				return fmt.Errorf("%w: pipeline id %d", ErrNotFound, pr.PipelineID)
			}

			for _, successor := range agg.succ[node] {
				run := agg.runByNode[successor]
				if run == nil || run.CurrentState() != models.RunStateQueued {
					continue
				}
				for i := range pr.Artifacts {
					if err := ss.pipelines.CopyPipelineRunArtifact(ctx, tx, srcPipeline.UUID, pr, &pr.Artifacts[i], run); err != nil {
						return err
					}
				}
				if ss.allPredecessorsCompleted(agg, successor) {
					req, err := ss.pipelines.StartPipelineRunTx(ctx, tx, run)
					if err != nil {
						return err
					}
					if req != nil {
						dispatches = append(dispatches, *req)
					}
				}
			}

			if err := ss.settleIfTerminal(ctx, tx, agg, &events); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ss.dispatch(ctx, dispatches)
	ss.cancel(ctx, cancels)
	ss.publish(events)
	return nil
}

// cancelRun appends a CANCELLED entry for the run and records the per-run
// event, so subscribers filtered on the run's UUID learn it terminated.
func (ss *SchedulerService) cancelRun(ctx context.Context, tx *database.GormDB, agg *runAggregate, run *models.PipelineRun, events *[]protocol.Event) error {
	if err := ss.pipelines.appendRunState(ctx, tx, run, models.RunStateCancelled); err != nil {
		return err
	}
	pipelineUUID := ""
	if pipeline, err := tx.GetPipelineByID(ctx, run.PipelineID); err == nil && pipeline != nil {
		pipelineUUID = pipeline.UUID
	}
	*events = append(*events, protocol.PipelineRunStateChangedEvent{
		Metadata:     protocol.NewMetadata(agg.wr.UUID),
		PipelineUUID: pipelineUUID,
		RunUUID:      run.UUID,
		State:        models.RunStateCancelled.String(),
	})
	return nil
}

// reachableFrom collects the transitive successors of start.
func reachableFrom(succ map[uint][]uint, start uint) []uint {
	var order []uint
	seen := map[uint]struct{}{start: {}}
	queue := append([]uint(nil), succ[start]...)
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if _, visited := seen[node]; visited {
			continue
		}
		seen[node] = struct{}{}
		order = append(order, node)
		queue = append(queue, succ[node]...)
	}
	return order
}

func (ss *SchedulerService) allPredecessorsCompleted(agg *runAggregate, node uint) bool {
	for _, predecessor := range agg.pred[node] {
		run := agg.runByNode[predecessor]
		if run == nil || run.CurrentState() != models.RunStateCompleted {
			return false
		}
	}
	return true
}

// promoteWorkflowRun moves a NOT_STARTED workflow run to RUNNING. Any run
// activity implies the workflow run is live.
func (ss *SchedulerService) promoteWorkflowRun(ctx context.Context, tx *database.GormDB, agg *runAggregate, events *[]protocol.Event) error {
	if agg.wr.CurrentState() != models.RunStateNotStarted {
		return nil
	}
	return ss.setWorkflowRunState(ctx, tx, agg, models.RunStateRunning, events)
}

// settleIfTerminal applies the aggregate terminal rule once every pipeline
// run is terminal.
func (ss *SchedulerService) settleIfTerminal(ctx context.Context, tx *database.GormDB, agg *runAggregate, events *[]protocol.Event) error {
	runs := agg.allRuns()
	for _, run := range runs {
		if !run.CurrentState().IsTerminal() {
			return nil
		}
	}
	return ss.setWorkflowRunState(ctx, tx, agg, aggregateTerminal(runs), events)
}

// setWorkflowRunState appends a workflow-run state entry, tolerating
// same-state replays. A COMPLETED settle on a NOT_STARTED workflow run (a
// single node that never reported RUNNING) is promoted first so the log stays
// a path in the transition graph.
func (ss *SchedulerService) setWorkflowRunState(ctx context.Context, tx *database.GormDB, agg *runAggregate, code models.RunState, events *[]protocol.Event) error {
	current := agg.wr.CurrentState()
	if current == code || current.IsTerminal() {
		return nil
	}
	if current == models.RunStateNotStarted && code == models.RunStateCompleted {
		if err := ss.setWorkflowRunState(ctx, tx, agg, models.RunStateRunning, events); err != nil {
			return err
		}
		current = agg.wr.CurrentState()
	}
	if err := models.ValidateTransition(current, code); err != nil {
		return err
	}

	state := models.WorkflowRunState{
		Common:        models.Common{UUID: models.NewUUID()},
		WorkflowRunID: agg.wr.ID,
		Code:          code,
	}
	if err := tx.AppendWorkflowRunState(ctx, &state); err != nil {
		return fmt.Errorf("failed to append workflow run state: %w", err)
	}
	agg.wr.States = append(agg.wr.States, state)

	getSchedulerLog().Info().
		Str("workflow_run_uuid", agg.wr.UUID).
		Str("from", current.String()).Str("to", code.String()).
		Msg("Workflow run state changed")

	workflowUUID := ""
	if workflow, err := tx.GetWorkflowByID(ctx, agg.wr.WorkflowID); err == nil && workflow != nil {
		workflowUUID = workflow.UUID
	}
	*events = append(*events, protocol.WorkflowRunStateChangedEvent{
		Metadata:     protocol.NewMetadata(agg.wr.UUID),
		WorkflowUUID: workflowUUID,
		RunUUID:      agg.wr.UUID,
		State:        code.String(),
	})
	return nil
}

// dispatch fires collected executor requests after the owning transaction
// committed. Failures are logged; the watchdog path (an external FAILED
// callback) recovers runs whose dispatch was lost.
func (ss *SchedulerService) dispatch(ctx context.Context, requests []ExecuteRequest) {
	for _, req := range requests {
		if err := ss.executor.Execute(ctx, req); err != nil {
			getSchedulerLog().Error().Err(err).
				Str("run_uuid", req.RunUUID).Str("pipeline_uuid", req.PipelineUUID).
				Msg("Executor dispatch failed")
		}
	}
}

// cancel signals the executor to stop runs cancelled by a committed reaction.
// Best effort: the CANCELLED entry is already in the log, and a late worker
// callback is rejected by the transition table either way.
func (ss *SchedulerService) cancel(ctx context.Context, runUUIDs []string) {
	for _, uuid := range runUUIDs {
		if err := ss.executor.Cancel(ctx, uuid); err != nil {
			getSchedulerLog().Warn().Err(err).Str("run_uuid", uuid).Msg("Executor cancel failed")
		}
	}
}

func (ss *SchedulerService) publish(events []protocol.Event) {
	if ss.publisher == nil {
		return
	}
	for _, event := range events {
		ss.publisher.Publish(event)
	}
}
