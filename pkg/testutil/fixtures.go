package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
)

// FixtureBuilder provides methods to create test fixtures
type FixtureBuilder struct {
	TenantID string
}

// NewFixtureBuilder creates a new fixture builder for tenant "tenant-1"
func NewFixtureBuilder() *FixtureBuilder {
	return &FixtureBuilder{TenantID: "tenant-1"}
}

// Workflow creates an active invoice workflow: a condition on the invoice
// amount routing to one of two log actions.
func (fb *FixtureBuilder) Workflow(overrides ...func(*models.Workflow)) *models.Workflow {
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	workflow := &models.Workflow{
		ID:          id,
		TenantID:    fb.TenantID,
		Name:        "invoice-review-" + id.String()[:8],
		Description: StringPtr("Routes large invoices to review"),
		Version:     1,
		Status:      models.WorkflowStatusActive,
		Trigger: models.TriggerDefinition{
			Type:   models.TriggerTypeEvent,
			Entity: "invoice",
			Event:  "created",
		},
		Nodes: models.WorkflowNodes{
			{ID: "start", Type: models.NodeTypeTrigger, Next: "check"},
			{
				ID:   "check",
				Type: models.NodeTypeCondition,
				Config: map[string]interface{}{
					"conditions": []interface{}{
						map[string]interface{}{"expression": "amount > 1000", "next": "review"},
					},
					"default": "approve",
				},
			},
			{
				ID:     "review",
				Type:   models.NodeTypeAction,
				Config: map[string]interface{}{"action_type": "log", "message": "review {{invoice_id}}"},
				Next:   "done",
			},
			{
				ID:     "approve",
				Type:   models.NodeTypeAction,
				Config: map[string]interface{}{"action_type": "log", "message": "approve {{invoice_id}}"},
				Next:   "done",
			},
			{ID: "done", Type: models.NodeTypeEnd},
		},
		ErrorHandler: models.ErrorHandlerPolicy{RetryCount: 1, RetryDelaySeconds: 5},
		Tags:         []string{"billing"},
		CreatedAt:    now,
		UpdatedAt:    now,
		PublishedAt:  TimePtr(now),
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// Execution creates a running execution of the given workflow
func (fb *FixtureBuilder) Execution(workflowID uuid.UUID, overrides ...func(*models.WorkflowExecution)) *models.WorkflowExecution {
	now := time.Now().UTC().Truncate(time.Microsecond)

	execution := &models.WorkflowExecution{
		ID:              uuid.New(),
		WorkflowID:      workflowID,
		WorkflowVersion: 1,
		TenantID:        fb.TenantID,
		Status:          models.ExecutionStatusRunning,
		Context: models.ExecutionContext{
			TriggerType: models.TriggerTypeEvent,
			TriggerData: map[string]interface{}{"invoice_id": "INV-1", "amount": 1500.0},
		},
		Variables: models.JSONB{"invoice_id": "INV-1", "amount": 1500.0},
		StartedAt: TimePtr(now),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(execution)
	}

	return execution
}

// Step creates a completed step of the given execution
func (fb *FixtureBuilder) Step(executionID uuid.UUID, nodeID string, overrides ...func(*models.ExecutionStep)) models.ExecutionStep {
	now := time.Now().UTC().Truncate(time.Microsecond)

	step := models.ExecutionStep{
		ID:          uuid.New(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeType:    models.NodeTypeAction,
		Status:      models.StepStatusCompleted,
		Input:       models.JSONB{"action_type": "log"},
		Output:      models.JSONB{"logged": true},
		StartedAt:   now,
		CompletedAt: TimePtr(now.Add(5 * time.Millisecond)),
		DurationMs:  Int64Ptr(5),
	}

	for _, override := range overrides {
		override(&step)
	}

	return step
}

// Log creates an info log entry of the given execution
func (fb *FixtureBuilder) Log(executionID uuid.UUID, message string) *models.ExecutionLog {
	return &models.ExecutionLog{
		ID:          uuid.New(),
		ExecutionID: executionID,
		Level:       models.LogLevelInfo,
		Message:     message,
		Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

// StringPtr returns a pointer to a string
func StringPtr(s string) *string {
	return &s
}

// Int64Ptr returns a pointer to an int64
func Int64Ptr(i int64) *int64 {
	return &i
}

// TimePtr returns a pointer to a time.Time
func TimePtr(t time.Time) *time.Time {
	return &t
}

// UUIDPtr returns a pointer to a UUID
func UUIDPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
