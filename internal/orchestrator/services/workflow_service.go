// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/flumeworks/flume/internal/logger"
	"github.com/flumeworks/flume/internal/orchestrator/dag"
	"github.com/flumeworks/flume/internal/orchestrator/database"
	"github.com/flumeworks/flume/internal/orchestrator/models"
)

var (
	workflowLog     *zerolog.Logger
	workflowLogOnce sync.Once
)

func getWorkflowLog() *zerolog.Logger {
	workflowLogOnce.Do(func() {
		l := logger.GetWorkflowsLogger().With().Str("component", "workflow_service").Logger()
		workflowLog = &l
	})
	return workflowLog
}

const (
	maxWorkflowNameLen        = 50
	maxWorkflowDescriptionLen = 300
)

// WorkflowService manages workflows and their graph of workflow pipelines.
// Every edge mutation re-validates the whole graph and rejects atomically on
// a cycle.
type WorkflowService struct {
	db *database.GormDB
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(db *database.GormDB) *WorkflowService {
	return &WorkflowService{db: db}
}

// WorkflowParams groups input for CreateWorkflow and UpdateWorkflow.
type WorkflowParams struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (p WorkflowParams) validate() error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("%w: workflow name is required", ErrInvalid)
	}
	if len(name) > maxWorkflowNameLen {
		return fmt.Errorf("%w: workflow name exceeds %d characters", ErrInvalid, maxWorkflowNameLen)
	}
	if len(p.Description) > maxWorkflowDescriptionLen {
		return fmt.Errorf("%w: workflow description exceeds %d characters", ErrInvalid, maxWorkflowDescriptionLen)
	}
	return nil
}

// WorkflowPipelineSpec describes a node and its incident edges.
// Source nodes point at this node; destination nodes are pointed at by it.
// Duplicates in either list are coalesced.
type WorkflowPipelineSpec struct {
	PipelineUUID                     string   `json:"pipeline_uuid"`
	SourceWorkflowPipelineUUIDs      []string `json:"source_workflow_pipelines"`
	DestinationWorkflowPipelineUUIDs []string `json:"destination_workflow_pipelines"`
}

// --- Workflows ---

// CreateWorkflow validates inputs and persists a new workflow.
func (ws *WorkflowService) CreateWorkflow(ctx context.Context, params WorkflowParams) (*models.Workflow, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	workflow := &models.Workflow{
		Common:      models.Common{UUID: models.NewUUID()},
		Name:        params.Name,
		Description: params.Description,
	}
	if err := ws.db.CreateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	getWorkflowLog().Info().Str("workflow_uuid", workflow.UUID).Str("name", workflow.Name).Msg("Created workflow")
	return workflow, nil
}

// GetWorkflow retrieves a live workflow by UUID.
func (ws *WorkflowService) GetWorkflow(ctx context.Context, uuid string) (*models.Workflow, error) {
	workflow, err := ws.db.FindWorkflow(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to find workflow: %w", err)
	}
	if workflow == nil {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, uuid)
	}
	return workflow, nil
}

// ListWorkflows retrieves all live workflows.
func (ws *WorkflowService) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	return ws.db.ListWorkflows(ctx)
}

// SearchWorkflows retrieves the live workflows matching the given UUIDs.
func (ws *WorkflowService) SearchWorkflows(ctx context.Context, uuids []string) ([]*models.Workflow, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	return ws.db.SearchWorkflows(ctx, uuids)
}

// UpdateWorkflow overwrites a workflow's attributes.
func (ws *WorkflowService) UpdateWorkflow(ctx context.Context, uuid string, params WorkflowParams) (*models.Workflow, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	workflow, err := ws.GetWorkflow(ctx, uuid)
	if err != nil {
		return nil, err
	}

	workflow.Name = params.Name
	workflow.Description = params.Description
	if err := ws.db.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	return workflow, nil
}

// DeleteWorkflow soft-deletes a workflow and cascades to its nodes. Edges of
// deleted nodes are removed.
func (ws *WorkflowService) DeleteWorkflow(ctx context.Context, uuid string) error {
	workflow, err := ws.GetWorkflow(ctx, uuid)
	if err != nil {
		return err
	}

	err = ws.db.WithTransaction(ctx, func(tx *database.GormDB) error {
		nodes, err := tx.ListWorkflowPipelines(ctx, workflow.ID)
		if err != nil {
			return err
		}
		for _, node := range nodes {
			node.IsDeleted = true
			if err := tx.SaveWorkflowPipeline(ctx, node); err != nil {
				return err
			}
			if err := tx.DeleteDependenciesTouching(ctx, node.ID); err != nil {
				return err
			}
		}
		workflow.IsDeleted = true
		return tx.SaveWorkflow(ctx, workflow)
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	getWorkflowLog().Info().Str("workflow_uuid", uuid).Msg("Deleted workflow")
	return nil
}

// --- Workflow pipelines ---

// buildGraph assembles the DAG of the given nodes and edges.
func buildGraph(nodes []*models.WorkflowPipeline, deps []*models.WorkflowPipelineDependency) *dag.Graph {
	g := dag.New()
	for _, node := range nodes {
		g.AddNode(node.ID)
	}
	for _, dep := range deps {
		g.AddEdge(dep.FromWorkflowPipelineID, dep.ToWorkflowPipelineID)
	}
	return g
}

// LoadGraph loads the live graph of a workflow: its nodes and the edges among
// them. The scheduler uses it to find roots and successors.
func (ws *WorkflowService) LoadGraph(ctx context.Context, workflowID uint) ([]*models.WorkflowPipeline, []*models.WorkflowPipelineDependency, error) {
	return loadGraph(ctx, ws.db, workflowID)
}

func loadGraph(ctx context.Context, db *database.GormDB, workflowID uint) ([]*models.WorkflowPipeline, []*models.WorkflowPipelineDependency, error) {
	nodes, err := db.ListWorkflowPipelines(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load workflow pipelines: %w", err)
	}
	nodeIDs := lo.Map(nodes, func(n *models.WorkflowPipeline, _ int) uint { return n.ID })
	deps, err := db.ListDependencies(ctx, nodeIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load workflow dependencies: %w", err)
	}
	return nodes, deps, nil
}

// validateGraph re-reads the live graph inside tx and rejects cycles.
func validateGraph(ctx context.Context, tx *database.GormDB, workflowID uint) error {
	nodes, deps, err := loadGraph(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	return buildGraph(nodes, deps).Validate()
}

// resolveNodes maps UUIDs to live nodes of the workflow, deduping the input.
// Unknown UUIDs are ErrInvalid: the request referenced them explicitly.
func resolveNodes(ctx context.Context, tx *database.GormDB, workflowID uint, uuids []string) ([]*models.WorkflowPipeline, error) {
	var nodes []*models.WorkflowPipeline
	for _, uuid := range lo.Uniq(uuids) {
		node, err := tx.FindWorkflowPipeline(ctx, workflowID, uuid)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workflow pipeline: %w", err)
		}
		if node == nil {
			return nil, fmt.Errorf("%w: unknown workflow pipeline %s", ErrInvalid, uuid)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// CreateWorkflowPipeline adds a node bound to a pipeline, wiring the listed
// source and destination edges. The whole operation is atomic: a cycle rolls
// everything back.
func (ws *WorkflowService) CreateWorkflowPipeline(ctx context.Context, workflowUUID string, spec WorkflowPipelineSpec) (*models.WorkflowPipeline, error) {
	workflow, err := ws.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}

	var node *models.WorkflowPipeline
	err = ws.db.WithTransaction(ctx, func(tx *database.GormDB) error {
		pipeline, err := tx.FindPipeline(ctx, spec.PipelineUUID)
		if err != nil {
			return fmt.Errorf("failed to resolve pipeline: %w", err)
		}
		if pipeline == nil {
			return fmt.Errorf("%w: unknown pipeline %s", ErrInvalid, spec.PipelineUUID)
		}

		sources, err := resolveNodes(ctx, tx, workflow.ID, spec.SourceWorkflowPipelineUUIDs)
		if err != nil {
			return err
		}
		destinations, err := resolveNodes(ctx, tx, workflow.ID, spec.DestinationWorkflowPipelineUUIDs)
		if err != nil {
			return err
		}

		node = &models.WorkflowPipeline{
			Common:     models.Common{UUID: models.NewUUID()},
			WorkflowID: workflow.ID,
			PipelineID: pipeline.ID,
		}
		if err := tx.CreateWorkflowPipeline(ctx, node); err != nil {
			return fmt.Errorf("failed to create workflow pipeline: %w", err)
		}

		for _, src := range sources {
			if err := createEdge(ctx, tx, src.ID, node.ID); err != nil {
				return err
			}
		}
		for _, dst := range destinations {
			if err := createEdge(ctx, tx, node.ID, dst.ID); err != nil {
				return err
			}
		}

		return validateGraph(ctx, tx, workflow.ID)
	})
	if err != nil {
		return nil, err
	}

	getWorkflowLog().Info().
		Str("workflow_uuid", workflowUUID).Str("workflow_pipeline_uuid", node.UUID).
		Msg("Created workflow pipeline")
	return node, nil
}

func createEdge(ctx context.Context, tx *database.GormDB, fromID, toID uint) error {
	dep := &models.WorkflowPipelineDependency{
		Common:                 models.Common{UUID: models.NewUUID()},
		FromWorkflowPipelineID: fromID,
		ToWorkflowPipelineID:   toID,
	}
	if err := tx.CreateDependency(ctx, dep); err != nil {
		return fmt.Errorf("failed to create dependency edge: %w", err)
	}
	return nil
}

// GetWorkflowPipeline retrieves a live node of the workflow by UUID.
func (ws *WorkflowService) GetWorkflowPipeline(ctx context.Context, workflowUUID, wpUUID string) (*models.WorkflowPipeline, error) {
	workflow, err := ws.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	node, err := ws.db.FindWorkflowPipeline(ctx, workflow.ID, wpUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find workflow pipeline: %w", err)
	}
	if node == nil {
		return nil, fmt.Errorf("%w: workflow pipeline %s", ErrNotFound, wpUUID)
	}
	return node, nil
}

// ListWorkflowPipelines retrieves the live nodes of a workflow.
func (ws *WorkflowService) ListWorkflowPipelines(ctx context.Context, workflowUUID string) ([]*models.WorkflowPipeline, error) {
	workflow, err := ws.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	return ws.db.ListWorkflowPipelines(ctx, workflow.ID)
}

// UpdateWorkflowPipeline reconciles a node's incident edges to match spec and
// swaps its pipeline binding if changed. Re-posting the current spec yields
// no diff.
func (ws *WorkflowService) UpdateWorkflowPipeline(ctx context.Context, workflowUUID, wpUUID string, spec WorkflowPipelineSpec) (*models.WorkflowPipeline, error) {
	workflow, err := ws.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}

	var node *models.WorkflowPipeline
	err = ws.db.WithTransaction(ctx, func(tx *database.GormDB) error {
		node, err = tx.FindWorkflowPipeline(ctx, workflow.ID, wpUUID)
		if err != nil {
			return fmt.Errorf("failed to find workflow pipeline: %w", err)
		}
		if node == nil {
			return fmt.Errorf("%w: workflow pipeline %s", ErrNotFound, wpUUID)
		}

		pipeline, err := tx.FindPipeline(ctx, spec.PipelineUUID)
		if err != nil {
			return fmt.Errorf("failed to resolve pipeline: %w", err)
		}
		if pipeline == nil {
			return fmt.Errorf("%w: unknown pipeline %s", ErrInvalid, spec.PipelineUUID)
		}
		if node.PipelineID != pipeline.ID {
			node.PipelineID = pipeline.ID
			if err := tx.SaveWorkflowPipeline(ctx, node); err != nil {
				return fmt.Errorf("failed to update workflow pipeline: %w", err)
			}
		}

		sources, err := resolveNodes(ctx, tx, workflow.ID, spec.SourceWorkflowPipelineUUIDs)
		if err != nil {
			return err
		}
		destinations, err := resolveNodes(ctx, tx, workflow.ID, spec.DestinationWorkflowPipelineUUIDs)
		if err != nil {
			return err
		}

		if err := reconcileEdges(ctx, tx, workflow.ID, node, sources, destinations); err != nil {
			return err
		}

		return validateGraph(ctx, tx, workflow.ID)
	})
	if err != nil {
		return nil, err
	}

	getWorkflowLog().Info().
		Str("workflow_uuid", workflowUUID).Str("workflow_pipeline_uuid", wpUUID).
		Msg("Updated workflow pipeline")
	return node, nil
}

// reconcileEdges diffs the node's current incident edges against the desired
// source/destination sets and applies only the additions and removals.
func reconcileEdges(ctx context.Context, tx *database.GormDB, workflowID uint, node *models.WorkflowPipeline, sources, destinations []*models.WorkflowPipeline) error {
	nodes, err := tx.ListWorkflowPipelines(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow pipelines: %w", err)
	}
	nodeIDs := lo.Map(nodes, func(n *models.WorkflowPipeline, _ int) uint { return n.ID })
	deps, err := tx.ListDependencies(ctx, nodeIDs)
	if err != nil {
		return fmt.Errorf("failed to load workflow dependencies: %w", err)
	}

	currentIncoming := lo.Filter(deps, func(d *models.WorkflowPipelineDependency, _ int) bool {
		return d.ToWorkflowPipelineID == node.ID
	})
	currentOutgoing := lo.Filter(deps, func(d *models.WorkflowPipelineDependency, _ int) bool {
		return d.FromWorkflowPipelineID == node.ID
	})

	haveIncoming := lo.Map(currentIncoming, func(d *models.WorkflowPipelineDependency, _ int) uint { return d.FromWorkflowPipelineID })
	haveOutgoing := lo.Map(currentOutgoing, func(d *models.WorkflowPipelineDependency, _ int) uint { return d.ToWorkflowPipelineID })
	wantIncoming := lo.Map(sources, func(n *models.WorkflowPipeline, _ int) uint { return n.ID })
	wantOutgoing := lo.Map(destinations, func(n *models.WorkflowPipeline, _ int) uint { return n.ID })

	addIncoming, _ := lo.Difference(wantIncoming, haveIncoming)
	addOutgoing, _ := lo.Difference(wantOutgoing, haveOutgoing)
	for _, fromID := range addIncoming {
		if err := createEdge(ctx, tx, fromID, node.ID); err != nil {
			return err
		}
	}
	for _, toID := range addOutgoing {
		if err := createEdge(ctx, tx, node.ID, toID); err != nil {
			return err
		}
	}

	var removeIDs []uint
	for _, dep := range currentIncoming {
		if !lo.Contains(wantIncoming, dep.FromWorkflowPipelineID) {
			removeIDs = append(removeIDs, dep.ID)
		}
	}
	for _, dep := range currentOutgoing {
		if !lo.Contains(wantOutgoing, dep.ToWorkflowPipelineID) {
			removeIDs = append(removeIDs, dep.ID)
		}
	}
	if err := tx.DeleteDependencies(ctx, removeIDs); err != nil {
		return fmt.Errorf("failed to remove dependency edges: %w", err)
	}

	return nil
}

// WorkflowPipelineView is the read model of a node: its pipeline binding and
// incident edges by UUID.
type WorkflowPipelineView struct {
	UUID                             string    `json:"uuid"`
	CreatedAt                        time.Time `json:"created_at"`
	UpdatedAt                        time.Time `json:"updated_at"`
	PipelineUUID                     string    `json:"pipeline_uuid"`
	SourceWorkflowPipelineUUIDs      []string  `json:"source_workflow_pipelines"`
	DestinationWorkflowPipelineUUIDs []string  `json:"destination_workflow_pipelines"`
}

// DescribeWorkflowPipelines returns the read model of every live node of the
// workflow.
func (ws *WorkflowService) DescribeWorkflowPipelines(ctx context.Context, workflowUUID string) ([]WorkflowPipelineView, error) {
	workflow, err := ws.GetWorkflow(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}

	nodes, deps, err := loadGraph(ctx, ws.db, workflow.ID)
	if err != nil {
		return nil, err
	}
	uuidByID := lo.SliceToMap(nodes, func(n *models.WorkflowPipeline) (uint, string) { return n.ID, n.UUID })

	views := make([]WorkflowPipelineView, 0, len(nodes))
	for _, node := range nodes {
		pipeline, err := ws.db.GetPipelineByID(ctx, node.PipelineID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pipeline for node: %w", err)
		}
		view := WorkflowPipelineView{
			UUID:                             node.UUID,
			CreatedAt:                        node.CreatedAt,
			UpdatedAt:                        node.UpdatedAt,
			SourceWorkflowPipelineUUIDs:      []string{},
			DestinationWorkflowPipelineUUIDs: []string{},
		}
		if pipeline != nil {
			view.PipelineUUID = pipeline.UUID
		}
		for _, dep := range deps {
			if dep.ToWorkflowPipelineID == node.ID {
				view.SourceWorkflowPipelineUUIDs = append(view.SourceWorkflowPipelineUUIDs, uuidByID[dep.FromWorkflowPipelineID])
			}
			if dep.FromWorkflowPipelineID == node.ID {
				view.DestinationWorkflowPipelineUUIDs = append(view.DestinationWorkflowPipelineUUIDs, uuidByID[dep.ToWorkflowPipelineID])
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// DescribeWorkflowPipeline returns the read model of one node.
func (ws *WorkflowService) DescribeWorkflowPipeline(ctx context.Context, workflowUUID, wpUUID string) (*WorkflowPipelineView, error) {
	views, err := ws.DescribeWorkflowPipelines(ctx, workflowUUID)
	if err != nil {
		return nil, err
	}
	for i := range views {
		if views[i].UUID == wpUUID {
			return &views[i], nil
		}
	}
	return nil, fmt.Errorf("%w: workflow pipeline %s", ErrNotFound, wpUUID)
}

// DeleteWorkflowPipeline soft-deletes a node and removes its incident edges.
func (ws *WorkflowService) DeleteWorkflowPipeline(ctx context.Context, workflowUUID, wpUUID string) error {
	node, err := ws.GetWorkflowPipeline(ctx, workflowUUID, wpUUID)
	if err != nil {
		return err
	}

	err = ws.db.WithTransaction(ctx, func(tx *database.GormDB) error {
		node.IsDeleted = true
		if err := tx.SaveWorkflowPipeline(ctx, node); err != nil {
			return err
		}
		return tx.DeleteDependenciesTouching(ctx, node.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow pipeline: %w", err)
	}

	getWorkflowLog().Info().
		Str("workflow_uuid", workflowUUID).Str("workflow_pipeline_uuid", wpUUID).
		Msg("Deleted workflow pipeline")
	return nil
}
