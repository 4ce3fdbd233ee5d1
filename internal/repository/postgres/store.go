package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
)

// Store implements engine.Store on PostgreSQL
type Store struct {
	Workflows  *WorkflowRepository
	Executions *ExecutionRepository
	Logs       *LogRepository
}

// NewStore creates the repositories over one connection pool
func NewStore(db DB) *Store {
	return &Store{
		Workflows:  NewWorkflowRepository(db),
		Executions: NewExecutionRepository(db),
		Logs:       NewLogRepository(db),
	}
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	return s.Workflows.GetByID(ctx, id)
}

func (s *Store) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	return s.Workflows.Save(ctx, workflow)
}

func (s *Store) ListWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	return s.Workflows.List(ctx, filter)
}

func (s *Store) GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	return s.Executions.GetByID(ctx, id)
}

func (s *Store) SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error {
	return s.Executions.Save(ctx, execution)
}

func (s *Store) ClaimExecution(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus) (bool, error) {
	return s.Executions.UpdateStatusIf(ctx, id, from, to)
}

func (s *Store) ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	return s.Executions.List(ctx, filter)
}

func (s *Store) AppendLog(ctx context.Context, entry *models.ExecutionLog) error {
	return s.Logs.Append(ctx, entry)
}

func (s *Store) ListLogs(ctx context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error) {
	return s.Logs.List(ctx, executionID)
}
