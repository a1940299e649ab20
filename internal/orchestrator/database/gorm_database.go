// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/flumeworks/flume/internal/config"
	"github.com/flumeworks/flume/internal/orchestrator/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db     *gorm.DB
	driver string
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogAdapter(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db, driver: cfg.Driver}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.Pipeline{},
		&models.PipelineRun{},
		&models.PipelineRunInput{},
		&models.PipelineRunArtifact{},
		&models.PipelineRunState{},
		&models.Workflow{},
		&models.WorkflowPipeline{},
		&models.WorkflowPipelineDependency{},
		&models.WorkflowRun{},
		&models.WorkflowPipelineRun{},
		&models.WorkflowRunState{},
	)
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string

	tables := []interface{}{
		&models.Pipeline{},
		&models.PipelineRun{},
		&models.PipelineRunInput{},
		&models.PipelineRunArtifact{},
		&models.PipelineRunState{},
		&models.Workflow{},
		&models.WorkflowPipeline{},
		&models.WorkflowPipelineDependency{},
		&models.WorkflowRun{},
		&models.WorkflowPipelineRun{},
		&models.WorkflowRunState{},
	}
	for _, table := range tables {
		if !db.db.Migrator().HasTable(table) {
			stmt := &gorm.Statement{DB: db.db}
			_ = stmt.Parse(table)
			missingTables = append(missingTables, stmt.Schema.Table)
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v (run the migrate command to create them)", missingTables)
	}

	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTransaction runs fn inside a single database transaction. The *GormDB
// passed to fn shares the transaction handle; a returned error rolls back.
func (db *GormDB) WithTransaction(ctx context.Context, fn func(tx *GormDB) error) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormDB{db: tx, driver: db.driver})
	})
}

// ============================================================================
// Pipeline Operations
// ============================================================================

// CreatePipeline creates a new pipeline
func (db *GormDB) CreatePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Create(pipeline).Error
}

// SavePipeline persists changes to a pipeline
func (db *GormDB) SavePipeline(ctx context.Context, pipeline *models.Pipeline) error {
	return db.db.WithContext(ctx).Save(pipeline).Error
}

// FindPipeline retrieves a live pipeline by UUID. Soft-deleted pipelines are
// treated as absent; returns nil, nil when not found.
func (db *GormDB) FindPipeline(ctx context.Context, uuid string) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := db.db.WithContext(ctx).
		Where("uuid = ? AND is_deleted = ?", uuid, false).
		First(&pipeline).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

// ListPipelines retrieves all live pipelines
func (db *GormDB) ListPipelines(ctx context.Context) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := db.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("id ASC").
		Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// SearchPipelines retrieves the live pipelines whose UUID is in uuids
func (db *GormDB) SearchPipelines(ctx context.Context, uuids []string) ([]*models.Pipeline, error) {
	var pipelines []*models.Pipeline
	err := db.db.WithContext(ctx).
		Where("uuid IN ? AND is_deleted = ?", uuids, false).
		Order("id ASC").
		Find(&pipelines).Error
	if err != nil {
		return nil, err
	}
	return pipelines, nil
}

// CountWorkflowPipelinesForPipeline counts the live workflow nodes that still
// reference the pipeline. A non-zero count blocks pipeline deletion.
func (db *GormDB) CountWorkflowPipelinesForPipeline(ctx context.Context, pipelineID uint) (int64, error) {
	var count int64
	err := db.db.WithContext(ctx).
		Model(&models.WorkflowPipeline{}).
		Where("pipeline_id = ? AND is_deleted = ?", pipelineID, false).
		Count(&count).Error
	return count, err
}

// ============================================================================
// PipelineRun Operations
// ============================================================================

// CreatePipelineRun creates a pipeline run together with its associated
// inputs and initial state entries
func (db *GormDB) CreatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Create(run).Error
}

// SavePipelineRun persists changes to a pipeline run
func (db *GormDB) SavePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	return db.db.WithContext(ctx).Save(run).Error
}

// CountPipelineRuns counts the runs of a pipeline. Used to assign the next
// 1-based sequence number.
func (db *GormDB) CountPipelineRuns(ctx context.Context, pipelineID uint) (int64, error) {
	var count int64
	err := db.db.WithContext(ctx).
		Model(&models.PipelineRun{}).
		Where("pipeline_id = ?", pipelineID).
		Count(&count).Error
	return count, err
}

// preloadRunAssociations loads a run's inputs, artifacts and state log in
// insertion order so CurrentState() sees the head of the log last.
func preloadRunAssociations(q *gorm.DB) *gorm.DB {
	ordered := func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}
	return q.
		Preload("Inputs", ordered).
		Preload("Artifacts", ordered).
		Preload("States", ordered)
}

// FindPipelineRun retrieves a run of the given pipeline by UUID, with inputs,
// artifacts and states loaded. Returns nil, nil when not found.
func (db *GormDB) FindPipelineRun(ctx context.Context, pipelineID uint, uuid string) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := preloadRunAssociations(db.db.WithContext(ctx)).
		Where("pipeline_id = ? AND uuid = ?", pipelineID, uuid).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// GetPipelineRunByID retrieves a run by primary key, with associations loaded
func (db *GormDB) GetPipelineRunByID(ctx context.Context, id uint) (*models.PipelineRun, error) {
	var run models.PipelineRun
	err := preloadRunAssociations(db.db.WithContext(ctx)).
		First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// LockPipelineRun reloads a run of the given pipeline by UUID while holding a
// row lock for the rest of the transaction, so the caller's check-and-append
// sees the true head of the state log. SQLite serialises writers on its own,
// so the locking clause is only issued on postgres.
func (db *GormDB) LockPipelineRun(ctx context.Context, pipelineID uint, uuid string) (*models.PipelineRun, error) {
	q := db.db.WithContext(ctx)
	if db.driver == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "pipeline_runs"}})
	}
	var run models.PipelineRun
	err := preloadRunAssociations(q).
		Where("pipeline_id = ? AND uuid = ?", pipelineID, uuid).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// GetPipelineRunsByIDs retrieves runs by primary key, with associations
// loaded. Used by the scheduler to fetch a workflow run's aggregate at once.
func (db *GormDB) GetPipelineRunsByIDs(ctx context.Context, ids []uint) ([]*models.PipelineRun, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var runs []*models.PipelineRun
	err := preloadRunAssociations(db.db.WithContext(ctx)).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ListPipelineRuns retrieves all runs of a pipeline in creation order
func (db *GormDB) ListPipelineRuns(ctx context.Context, pipelineID uint) ([]*models.PipelineRun, error) {
	var runs []*models.PipelineRun
	err := preloadRunAssociations(db.db.WithContext(ctx)).
		Where("pipeline_id = ?", pipelineID).
		Order("id ASC").
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// GetPipelineByID retrieves a pipeline by primary key regardless of deletion,
// so run lookups keep working for runs of a since-deleted pipeline
func (db *GormDB) GetPipelineByID(ctx context.Context, id uint) (*models.Pipeline, error) {
	var pipeline models.Pipeline
	err := db.db.WithContext(ctx).First(&pipeline, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

// LockPipeline reloads a pipeline by primary key while holding a row lock for
// the rest of the transaction. Guards sequence assignment for new runs.
func (db *GormDB) LockPipeline(ctx context.Context, id uint) (*models.Pipeline, error) {
	q := db.db.WithContext(ctx)
	if db.driver == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "pipelines"}})
	}
	var pipeline models.Pipeline
	err := q.First(&pipeline, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pipeline, nil
}

// AppendPipelineRunState appends one entry to a run's state log
func (db *GormDB) AppendPipelineRunState(ctx context.Context, state *models.PipelineRunState) error {
	return db.db.WithContext(ctx).Create(state).Error
}

// CreatePipelineRunInput creates a single run input
func (db *GormDB) CreatePipelineRunInput(ctx context.Context, input *models.PipelineRunInput) error {
	return db.db.WithContext(ctx).Create(input).Error
}

// CreatePipelineRunArtifact creates a run artifact record
func (db *GormDB) CreatePipelineRunArtifact(ctx context.Context, artifact *models.PipelineRunArtifact) error {
	return db.db.WithContext(ctx).Create(artifact).Error
}

// FindArtifactForRun retrieves an artifact of the given run by UUID. Returns
// nil, nil when not found.
func (db *GormDB) FindArtifactForRun(ctx context.Context, runID uint, uuid string) (*models.PipelineRunArtifact, error) {
	var artifact models.PipelineRunArtifact
	err := db.db.WithContext(ctx).
		Where("pipeline_run_id = ? AND uuid = ?", runID, uuid).
		First(&artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &artifact, nil
}

// HasInputFromArtifact reports whether the run already carries an input copied
// from the given artifact. This is what makes artifact copies idempotent.
func (db *GormDB) HasInputFromArtifact(ctx context.Context, runID uint, artifactUUID string) (bool, error) {
	var count int64
	err := db.db.WithContext(ctx).
		Model(&models.PipelineRunInput{}).
		Where("pipeline_run_id = ? AND source_artifact_uuid = ?", runID, artifactUUID).
		Count(&count).Error
	return count > 0, err
}

// ============================================================================
// Workflow Operations
// ============================================================================

// CreateWorkflow creates a new workflow
func (db *GormDB) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return db.db.WithContext(ctx).Create(workflow).Error
}

// SaveWorkflow persists changes to a workflow
func (db *GormDB) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return db.db.WithContext(ctx).Save(workflow).Error
}

// FindWorkflow retrieves a live workflow by UUID. Returns nil, nil when not
// found or soft-deleted.
func (db *GormDB) FindWorkflow(ctx context.Context, uuid string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := db.db.WithContext(ctx).
		Where("uuid = ? AND is_deleted = ?", uuid, false).
		First(&workflow).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &workflow, nil
}

// ListWorkflows retrieves all live workflows
func (db *GormDB) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	err := db.db.WithContext(ctx).
		Where("is_deleted = ?", false).
		Order("id ASC").
		Find(&workflows).Error
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

// SearchWorkflows retrieves the live workflows whose UUID is in uuids
func (db *GormDB) SearchWorkflows(ctx context.Context, uuids []string) ([]*models.Workflow, error) {
	var workflows []*models.Workflow
	err := db.db.WithContext(ctx).
		Where("uuid IN ? AND is_deleted = ?", uuids, false).
		Order("id ASC").
		Find(&workflows).Error
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

// ============================================================================
// WorkflowPipeline Operations
// ============================================================================

// CreateWorkflowPipeline creates a workflow graph node
func (db *GormDB) CreateWorkflowPipeline(ctx context.Context, wp *models.WorkflowPipeline) error {
	return db.db.WithContext(ctx).Create(wp).Error
}

// SaveWorkflowPipeline persists changes to a workflow graph node
func (db *GormDB) SaveWorkflowPipeline(ctx context.Context, wp *models.WorkflowPipeline) error {
	return db.db.WithContext(ctx).Save(wp).Error
}

// FindWorkflowPipeline retrieves a live node of the given workflow by UUID.
// Returns nil, nil when not found.
func (db *GormDB) FindWorkflowPipeline(ctx context.Context, workflowID uint, uuid string) (*models.WorkflowPipeline, error) {
	var wp models.WorkflowPipeline
	err := db.db.WithContext(ctx).
		Where("workflow_id = ? AND uuid = ? AND is_deleted = ?", workflowID, uuid, false).
		First(&wp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wp, nil
}

// ListWorkflowPipelines retrieves the live nodes of a workflow
func (db *GormDB) ListWorkflowPipelines(ctx context.Context, workflowID uint) ([]*models.WorkflowPipeline, error) {
	var wps []*models.WorkflowPipeline
	err := db.db.WithContext(ctx).
		Where("workflow_id = ? AND is_deleted = ?", workflowID, false).
		Order("id ASC").
		Find(&wps).Error
	if err != nil {
		return nil, err
	}
	return wps, nil
}

// ListDependencies retrieves every edge whose endpoints both belong to the
// given set of node IDs
func (db *GormDB) ListDependencies(ctx context.Context, nodeIDs []uint) ([]*models.WorkflowPipelineDependency, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	var deps []*models.WorkflowPipelineDependency
	err := db.db.WithContext(ctx).
		Where("from_workflow_pipeline_id IN ? AND to_workflow_pipeline_id IN ?", nodeIDs, nodeIDs).
		Order("id ASC").
		Find(&deps).Error
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// CreateDependency creates a graph edge. The composite unique index rejects
// duplicates; callers reconcile before inserting.
func (db *GormDB) CreateDependency(ctx context.Context, dep *models.WorkflowPipelineDependency) error {
	return db.db.WithContext(ctx).Create(dep).Error
}

// DeleteDependencies removes the given edges
func (db *GormDB) DeleteDependencies(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).
		Delete(&models.WorkflowPipelineDependency{}, "id IN ?", ids).Error
}

// DeleteDependenciesTouching removes every edge with the given node as either
// endpoint. Used when a node is soft-deleted.
func (db *GormDB) DeleteDependenciesTouching(ctx context.Context, nodeID uint) error {
	return db.db.WithContext(ctx).
		Where("from_workflow_pipeline_id = ? OR to_workflow_pipeline_id = ?", nodeID, nodeID).
		Delete(&models.WorkflowPipelineDependency{}).Error
}

// ============================================================================
// WorkflowRun Operations
// ============================================================================

// CreateWorkflowRun creates a workflow run together with its node runs and
// initial state entries
func (db *GormDB) CreateWorkflowRun(ctx context.Context, wr *models.WorkflowRun) error {
	return db.db.WithContext(ctx).Create(wr).Error
}

// CreateWorkflowPipelineRun binds a node to the pipeline run created for it
func (db *GormDB) CreateWorkflowPipelineRun(ctx context.Context, wpr *models.WorkflowPipelineRun) error {
	return db.db.WithContext(ctx).Create(wpr).Error
}

// GetWorkflowByID retrieves a workflow by primary key regardless of deletion
func (db *GormDB) GetWorkflowByID(ctx context.Context, id uint) (*models.Workflow, error) {
	var workflow models.Workflow
	err := db.db.WithContext(ctx).First(&workflow, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &workflow, nil
}

// preloadWorkflowRunAssociations loads node runs and the state log in
// insertion order.
func preloadWorkflowRunAssociations(q *gorm.DB) *gorm.DB {
	ordered := func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}
	return q.
		Preload("WorkflowPipelineRuns", ordered).
		Preload("States", ordered)
}

// FindWorkflowRun retrieves a run of the given workflow by UUID, with node
// runs and states loaded. Returns nil, nil when not found.
func (db *GormDB) FindWorkflowRun(ctx context.Context, workflowID uint, uuid string) (*models.WorkflowRun, error) {
	var wr models.WorkflowRun
	err := preloadWorkflowRunAssociations(db.db.WithContext(ctx)).
		Where("workflow_id = ? AND uuid = ?", workflowID, uuid).
		First(&wr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wr, nil
}

// GetWorkflowRunByID retrieves a workflow run by primary key, with node runs
// and states loaded
func (db *GormDB) GetWorkflowRunByID(ctx context.Context, id uint) (*models.WorkflowRun, error) {
	var wr models.WorkflowRun
	err := preloadWorkflowRunAssociations(db.db.WithContext(ctx)).
		First(&wr, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wr, nil
}

// LockWorkflowRun reloads a workflow run by primary key while holding a row
// lock for the rest of the transaction. SQLite serialises writers on its own,
// so the locking clause is only issued on postgres.
func (db *GormDB) LockWorkflowRun(ctx context.Context, id uint) (*models.WorkflowRun, error) {
	q := db.db.WithContext(ctx)
	if db.driver == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "workflow_runs"}})
	}
	var wr models.WorkflowRun
	err := preloadWorkflowRunAssociations(q).
		First(&wr, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wr, nil
}

// ListWorkflowRuns retrieves all runs of a workflow in creation order
func (db *GormDB) ListWorkflowRuns(ctx context.Context, workflowID uint) ([]*models.WorkflowRun, error) {
	var wrs []*models.WorkflowRun
	err := preloadWorkflowRunAssociations(db.db.WithContext(ctx)).
		Where("workflow_id = ?", workflowID).
		Order("id ASC").
		Find(&wrs).Error
	if err != nil {
		return nil, err
	}
	return wrs, nil
}

// AppendWorkflowRunState appends one entry to a workflow run's state log
func (db *GormDB) AppendWorkflowRunState(ctx context.Context, state *models.WorkflowRunState) error {
	return db.db.WithContext(ctx).Create(state).Error
}

// FindWorkflowPipelineRunForPipelineRun retrieves the node-run binding that
// owns the given pipeline run, or nil, nil when the run does not belong to a
// workflow run
func (db *GormDB) FindWorkflowPipelineRunForPipelineRun(ctx context.Context, pipelineRunID uint) (*models.WorkflowPipelineRun, error) {
	var wpr models.WorkflowPipelineRun
	err := db.db.WithContext(ctx).
		Where("pipeline_run_id = ?", pipelineRunID).
		First(&wpr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wpr, nil
}

// GetWorkflowPipelineByID retrieves a node by primary key regardless of
// deletion, so in-flight runs can keep resolving their graph
func (db *GormDB) GetWorkflowPipelineByID(ctx context.Context, id uint) (*models.WorkflowPipeline, error) {
	var wp models.WorkflowPipeline
	err := db.db.WithContext(ctx).First(&wp, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wp, nil
}
