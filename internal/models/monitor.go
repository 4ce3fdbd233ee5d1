package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionEventType identifies a monitor event
type ExecutionEventType string

const (
	EventExecutionStarted   ExecutionEventType = "execution.started"
	EventExecutionCompleted ExecutionEventType = "execution.completed"
	EventExecutionFailed    ExecutionEventType = "execution.failed"
	EventExecutionWaiting   ExecutionEventType = "execution.waiting"
	EventExecutionResumed   ExecutionEventType = "execution.resumed"
	EventExecutionCancelled ExecutionEventType = "execution.cancelled"
	EventExecutionRetrying  ExecutionEventType = "execution.retrying"
	EventStepStarted        ExecutionEventType = "step.started"
	EventStepCompleted      ExecutionEventType = "step.completed"
	EventStepFailed         ExecutionEventType = "step.failed"
	EventLog                ExecutionEventType = "log"
)

// ExecutionEvent is published to execution subscribers
type ExecutionEvent struct {
	Type        ExecutionEventType     `json:"type"`
	ExecutionID uuid.UUID              `json:"execution_id"`
	WorkflowID  uuid.UUID              `json:"workflow_id"`
	Status      ExecutionStatus        `json:"status,omitempty"`
	Step        *ExecutionStep         `json:"step,omitempty"`
	Log         *ExecutionLog          `json:"log,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ExecutionStats summarizes executions over a window
type ExecutionStats struct {
	WorkflowID      *uuid.UUID     `json:"workflow_id,omitempty"`
	WindowDays      int            `json:"window_days"`
	TotalExecutions int            `json:"total_executions"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Cancelled       int            `json:"cancelled"`
	Running         int            `json:"running"`
	Waiting         int            `json:"waiting"`
	Pending         int            `json:"pending"`
	SuccessRate     float64        `json:"success_rate"`
	AvgDurationMs   int64          `json:"avg_duration_ms"`
	FailuresByType  map[string]int `json:"failures_by_type"`
	ExecutionsByDay map[string]int `json:"executions_by_day"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// TimelineEntry is one step positioned relative to the execution start
type TimelineEntry struct {
	StepID      uuid.UUID  `json:"step_id"`
	NodeID      string     `json:"node_id"`
	NodeType    NodeType   `json:"node_type"`
	NodeName    string     `json:"node_name,omitempty"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	OffsetMs    int64      `json:"offset_ms"`
	DurationMs  *int64     `json:"duration_ms,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Timeline is the ordered step history of an execution
type Timeline struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	WorkflowID  uuid.UUID       `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
	Entries     []TimelineEntry `json:"entries"`
}
