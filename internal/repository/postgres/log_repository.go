package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
)

// LogRepository handles execution log database operations
type LogRepository struct {
	db DB
}

// NewLogRepository creates a new execution log repository
func NewLogRepository(db DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append stores a log entry
func (r *LogRepository) Append(ctx context.Context, entry *models.ExecutionLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO execution_logs (id, execution_id, step_id, level, message, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.ExecutionID, entry.StepID, entry.Level, entry.Message, entry.Data, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	return nil
}

// List retrieves the log of an execution in chronological order
func (r *LogRepository) List(ctx context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error) {
	query := `
		SELECT id, execution_id, step_id, level, message, data, timestamp
		FROM execution_logs
		WHERE execution_id = $1
		ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.ExecutionLog
	for rows.Next() {
		entry := &models.ExecutionLog{}
		if err := rows.Scan(
			&entry.ID, &entry.ExecutionID, &entry.StepID, &entry.Level,
			&entry.Message, &entry.Data, &entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution log: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
