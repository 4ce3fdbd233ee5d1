package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
)

const workflowColumns = `id, tenant_id, name, description, version, status, trigger, nodes,
		       error_handler, max_concurrent_executions, execution_count, last_executed,
		       tags, created_at, updated_at, published_at`

// WorkflowRepository handles workflow database operations
type WorkflowRepository struct {
	db DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// Save inserts the workflow or replaces the stored definition
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()
	if workflow.ID == uuid.Nil {
		workflow.ID = uuid.New()
	}
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now

	query := `
		INSERT INTO workflows (
			id, tenant_id, name, description, version, status, trigger, nodes,
			error_handler, max_concurrent_executions, execution_count, last_executed,
			tags, created_at, updated_at, published_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    version = EXCLUDED.version,
		    status = EXCLUDED.status,
		    trigger = EXCLUDED.trigger,
		    nodes = EXCLUDED.nodes,
		    error_handler = EXCLUDED.error_handler,
		    max_concurrent_executions = EXCLUDED.max_concurrent_executions,
		    execution_count = EXCLUDED.execution_count,
		    last_executed = EXCLUDED.last_executed,
		    tags = EXCLUDED.tags,
		    updated_at = EXCLUDED.updated_at,
		    published_at = EXCLUDED.published_at`

	_, err := r.db.ExecContext(
		ctx, query,
		workflow.ID, workflow.TenantID, workflow.Name, workflow.Description, workflow.Version,
		workflow.Status, workflow.Trigger, workflow.Nodes, workflow.ErrorHandler,
		workflow.MaxConcurrentExecutions, workflow.ExecutionCount, workflow.LastExecuted,
		pq.Array(workflow.Tags), workflow.CreatedAt, workflow.UpdatedAt, workflow.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

// GetByID retrieves a workflow by ID
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return workflow, nil
}

// List retrieves workflows matching the filter, newest first
func (r *WorkflowRepository) List(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	var where whereBuilder
	if filter.TenantID != "" {
		where.add("tenant_id = ?", filter.TenantID)
	}
	if filter.Status != nil {
		where.add("status = ?", *filter.Status)
	}
	if filter.TriggerType != nil {
		where.add("trigger->>'type' = ?", *filter.TriggerType)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows` + where.String() + ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, workflow)
	}

	return workflows, rows.Err()
}

// Delete deletes a workflow and, by cascade, its executions
func (r *WorkflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("workflow %s: %w", id, engine.ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	workflow := &models.Workflow{}
	var tags pq.StringArray

	err := row.Scan(
		&workflow.ID, &workflow.TenantID, &workflow.Name, &workflow.Description, &workflow.Version,
		&workflow.Status, &workflow.Trigger, &workflow.Nodes, &workflow.ErrorHandler,
		&workflow.MaxConcurrentExecutions, &workflow.ExecutionCount, &workflow.LastExecuted,
		&tags, &workflow.CreatedAt, &workflow.UpdatedAt, &workflow.PublishedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.Tags = tags
	return workflow, nil
}
