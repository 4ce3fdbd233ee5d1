package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
)

// Store is the persistence contract of the engine. Get methods return an
// error wrapping ErrNotFound for missing records.
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	ListWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error)

	GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	SaveExecution(ctx context.Context, execution *models.WorkflowExecution) error
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error)

	AppendLog(ctx context.Context, entry *models.ExecutionLog) error
	ListLogs(ctx context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error)
}

// ExecutionClaimer is implemented by stores that can change an execution's
// status atomically. ClaimExecution sets the status to "to" only if it is
// still "from" and reports whether it did. When the store implements it, a
// waiting execution is claimed before it is resumed, so only one process
// continues it.
type ExecutionClaimer interface {
	ClaimExecution(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus) (bool, error)
}

// EventSink receives execution lifecycle events. Publish must not block.
type EventSink interface {
	Publish(event models.ExecutionEvent)
}

type noopSink struct{}

func (noopSink) Publish(models.ExecutionEvent) {}
