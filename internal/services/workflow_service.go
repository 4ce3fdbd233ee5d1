package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/internal/validators"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/validator"
)

// WorkflowStore persists workflow definitions
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	ListWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error)
}

// WorkflowService manages the lifecycle of workflow definitions:
// draft -> active <-> paused, and archived from any state
type WorkflowService struct {
	store     WorkflowStore
	validator *validators.WorkflowValidator
	logger    *logger.Logger
	now       func() time.Time
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(store WorkflowStore, v *validators.WorkflowValidator, log *logger.Logger) *WorkflowService {
	if log == nil {
		log = logger.NewNop()
	}
	return &WorkflowService{
		store:     store,
		validator: v,
		logger:    log.Component("workflow_service"),
		now:       time.Now,
	}
}

// Create stores a new draft workflow. The graph is only checked on publish.
func (s *WorkflowService) Create(ctx context.Context, req *models.CreateWorkflowRequest) (*models.Workflow, error) {
	if err := validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidConfig, err)
	}

	now := s.now().UTC()
	workflow := &models.Workflow{
		ID:                      uuid.New(),
		TenantID:                req.TenantID,
		Name:                    req.Name,
		Description:             req.Description,
		Version:                 1,
		Status:                  models.WorkflowStatusDraft,
		Trigger:                 req.Trigger,
		Nodes:                   req.Nodes,
		ErrorHandler:            req.ErrorHandler,
		MaxConcurrentExecutions: req.MaxConcurrentExecutions,
		Tags:                    req.Tags,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	s.logger.Info("Workflow created",
		logger.String("workflow_id", workflow.ID.String()),
		logger.String("tenant_id", workflow.TenantID),
	)
	return workflow, nil
}

// Update replaces the definition of a workflow. The version is bumped and
// the workflow returns to draft until it is published again.
func (s *WorkflowService) Update(ctx context.Context, id uuid.UUID, req *models.CreateWorkflowRequest) (*models.Workflow, error) {
	if err := validator.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidConfig, err)
	}

	workflow, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if workflow.Status == models.WorkflowStatusArchived {
		return nil, fmt.Errorf("%w: workflow %s is archived", engine.ErrInvalidState, id)
	}
	if req.TenantID != workflow.TenantID {
		return nil, fmt.Errorf("%w: workflow %s belongs to another tenant", engine.ErrInvalidState, id)
	}

	workflow.Name = req.Name
	workflow.Description = req.Description
	workflow.Trigger = req.Trigger
	workflow.Nodes = req.Nodes
	workflow.ErrorHandler = req.ErrorHandler
	workflow.MaxConcurrentExecutions = req.MaxConcurrentExecutions
	workflow.Tags = req.Tags
	workflow.Version++
	workflow.Status = models.WorkflowStatusDraft
	workflow.UpdatedAt = s.now().UTC()

	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	s.logger.Info("Workflow updated",
		logger.String("workflow_id", id.String()),
		logger.Int("version", workflow.Version),
	)
	return workflow, nil
}

// Get returns a workflow by id
func (s *WorkflowService) Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

// List returns workflows matching the filter
func (s *WorkflowService) List(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// Publish validates a draft or paused workflow and activates it
func (s *WorkflowService) Publish(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	workflow, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	switch workflow.Status {
	case models.WorkflowStatusActive:
		return workflow, nil
	case models.WorkflowStatusArchived:
		return nil, fmt.Errorf("%w: workflow %s is archived", engine.ErrInvalidState, id)
	}

	if err := s.validator.Validate(workflow); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	workflow.Status = models.WorkflowStatusActive
	workflow.PublishedAt = &now
	workflow.UpdatedAt = now

	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}

	s.logger.Info("Workflow published",
		logger.String("workflow_id", id.String()),
		logger.Int("version", workflow.Version),
	)
	return workflow, nil
}

// Pause stops new executions of an active workflow. Executions already
// running or waiting are not affected.
func (s *WorkflowService) Pause(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.transition(ctx, id, models.WorkflowStatusPaused, models.WorkflowStatusActive)
}

// Archive retires a workflow. Archived workflows are kept for their
// execution history and cannot be published again.
func (s *WorkflowService) Archive(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.transition(ctx, id, models.WorkflowStatusArchived,
		models.WorkflowStatusDraft, models.WorkflowStatusActive, models.WorkflowStatusPaused)
}

func (s *WorkflowService) transition(ctx context.Context, id uuid.UUID, to models.WorkflowStatus, from ...models.WorkflowStatus) (*models.Workflow, error) {
	workflow, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if workflow.Status == to {
		return workflow, nil
	}

	allowed := false
	for _, st := range from {
		if workflow.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: cannot move workflow %s from %s to %s", engine.ErrInvalidState, id, workflow.Status, to)
	}

	workflow.Status = to
	workflow.UpdatedAt = s.now().UTC()
	if err := s.store.SaveWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow status: %w", err)
	}

	s.logger.Info("Workflow status changed",
		logger.String("workflow_id", id.String()),
		logger.String("status", string(to)),
	)
	return workflow, nil
}
