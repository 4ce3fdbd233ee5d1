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

const executionColumns = `id, workflow_id, workflow_version, tenant_id, status, context, variables,
		       current_node_id, error_node_id, error_message, error_type, retry_count,
		       waiting_for, resume_at, started_at, completed_at, duration_ms, created_at, updated_at`

// ExecutionRepository handles execution and step database operations
type ExecutionRepository struct {
	db DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Save upserts the execution and its steps in one transaction. Steps keep
// their slice position; steps no longer present are removed.
func (r *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	now := time.Now().UTC()
	if execution.ID == uuid.Nil {
		execution.ID = uuid.New()
	}
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}
	execution.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO workflow_executions (
			id, workflow_id, workflow_version, tenant_id, status, context, variables,
			current_node_id, error_node_id, error_message, error_type, retry_count,
			waiting_for, resume_at, started_at, completed_at, duration_ms, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    context = EXCLUDED.context,
		    variables = EXCLUDED.variables,
		    current_node_id = EXCLUDED.current_node_id,
		    error_node_id = EXCLUDED.error_node_id,
		    error_message = EXCLUDED.error_message,
		    error_type = EXCLUDED.error_type,
		    retry_count = EXCLUDED.retry_count,
		    waiting_for = EXCLUDED.waiting_for,
		    resume_at = EXCLUDED.resume_at,
		    started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at,
		    duration_ms = EXCLUDED.duration_ms,
		    updated_at = EXCLUDED.updated_at`

	_, err = tx.ExecContext(
		ctx, query,
		execution.ID, execution.WorkflowID, execution.WorkflowVersion, execution.TenantID,
		execution.Status, execution.Context, execution.Variables,
		execution.CurrentNodeID, execution.ErrorNodeID, execution.ErrorMessage, execution.ErrorType,
		execution.RetryCount, execution.WaitingFor, execution.ResumeAt,
		execution.StartedAt, execution.CompletedAt, execution.DurationMs,
		execution.CreatedAt, execution.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	stepIDs := make([]string, 0, len(execution.Steps))
	for i := range execution.Steps {
		step := &execution.Steps[i]
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		step.ExecutionID = execution.ID
		if err := saveStep(ctx, tx, step, i); err != nil {
			return err
		}
		stepIDs = append(stepIDs, step.ID.String())
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM execution_steps WHERE execution_id = $1 AND NOT (id::text = ANY($2))`,
		execution.ID, pq.Array(stepIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to prune steps: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}
	return nil
}

func saveStep(ctx context.Context, tx *sql.Tx, step *models.ExecutionStep, position int) error {
	query := `
		INSERT INTO execution_steps (
			id, execution_id, position, node_id, node_type, node_name, status,
			input, output, error, started_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET position = EXCLUDED.position,
		    status = EXCLUDED.status,
		    input = EXCLUDED.input,
		    output = EXCLUDED.output,
		    error = EXCLUDED.error,
		    completed_at = EXCLUDED.completed_at,
		    duration_ms = EXCLUDED.duration_ms`

	_, err := tx.ExecContext(
		ctx, query,
		step.ID, step.ExecutionID, position, step.NodeID, step.NodeType, step.NodeName, step.Status,
		step.Input, step.Output, step.Error, step.StartedAt, step.CompletedAt, step.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to save step %s: %w", step.NodeID, err)
	}
	return nil
}

// GetByID retrieves an execution with its steps
func (r *ExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`

	execution, err := scanExecution(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	steps, err := r.GetSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	execution.Steps = steps

	return execution, nil
}

// UpdateStatusIf sets the status of an execution only if it currently has
// status from. It reports whether a row was updated.
func (r *ExecutionRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to models.ExecutionStatus) (bool, error) {
	query := `
		UPDATE workflow_executions
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query, id, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update execution status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// GetSteps retrieves the steps of an execution in visit order
func (r *ExecutionRepository) GetSteps(ctx context.Context, executionID uuid.UUID) ([]models.ExecutionStep, error) {
	query := `
		SELECT id, execution_id, node_id, node_type, node_name, status,
		       input, output, error, started_at, completed_at, duration_ms
		FROM execution_steps
		WHERE execution_id = $1
		ORDER BY position`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	steps := []models.ExecutionStep{}
	for rows.Next() {
		var step models.ExecutionStep
		err := rows.Scan(
			&step.ID, &step.ExecutionID, &step.NodeID, &step.NodeType, &step.NodeName, &step.Status,
			&step.Input, &step.Output, &step.Error, &step.StartedAt, &step.CompletedAt, &step.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}

	return steps, rows.Err()
}

// List retrieves executions matching the filter, newest first. Steps are
// not loaded.
func (r *ExecutionRepository) List(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	var where whereBuilder
	if filter.WorkflowID != nil {
		where.add("workflow_id = ?", *filter.WorkflowID)
	}
	if filter.TenantID != "" {
		where.add("tenant_id = ?", filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where.add("status = ANY(?)", pq.Array(statuses))
	}
	if filter.WaitingFor != "" {
		where.add("waiting_for = ?", filter.WaitingFor)
	}
	if filter.ResumeBefore != nil {
		where.add("resume_at <= ?", *filter.ResumeBefore)
	}
	if filter.CreatedAfter != nil {
		where.add("created_at >= ?", *filter.CreatedAfter)
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions` + where.String() + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + where.next(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + where.next(filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, where.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.WorkflowExecution
	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, execution)
	}

	return executions, rows.Err()
}

func scanExecution(row rowScanner) (*models.WorkflowExecution, error) {
	execution := &models.WorkflowExecution{}
	err := row.Scan(
		&execution.ID, &execution.WorkflowID, &execution.WorkflowVersion, &execution.TenantID,
		&execution.Status, &execution.Context, &execution.Variables,
		&execution.CurrentNodeID, &execution.ErrorNodeID, &execution.ErrorMessage, &execution.ErrorType,
		&execution.RetryCount, &execution.WaitingFor, &execution.ResumeAt,
		&execution.StartedAt, &execution.CompletedAt, &execution.DurationMs,
		&execution.CreatedAt, &execution.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return execution, nil
}
