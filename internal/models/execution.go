package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the status of a workflow execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Error classes recorded on failed executions
const (
	ErrorTypeAuthoring = "authoring"
	ErrorTypeTransient = "transient"
	ErrorTypeCancelled = "cancelled"
)

// WaitingForDelay marks an execution suspended on a long delay node
const WaitingForDelay = "delay"

// ExecutionContext is captured when an execution is triggered
type ExecutionContext struct {
	TriggerType TriggerType            `json:"trigger_type"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
}

// WorkflowExecution represents one run of a workflow
type WorkflowExecution struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	WorkflowID      uuid.UUID        `json:"workflow_id" db:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version" db:"workflow_version"`
	TenantID        string           `json:"tenant_id" db:"tenant_id"`
	Status          ExecutionStatus  `json:"status" db:"status"`
	Context         ExecutionContext `json:"context" db:"context"`
	Variables       JSONB            `json:"variables" db:"variables"`
	Steps           []ExecutionStep  `json:"steps"`
	CurrentNodeID   string           `json:"current_node_id,omitempty" db:"current_node_id"`
	ErrorNodeID     string           `json:"error_node_id,omitempty" db:"error_node_id"`
	ErrorMessage    *string          `json:"error_message,omitempty" db:"error_message"`
	ErrorType       string           `json:"error_type,omitempty" db:"error_type"`
	RetryCount      int              `json:"retry_count" db:"retry_count"`
	WaitingFor      string           `json:"waiting_for,omitempty" db:"waiting_for"`
	ResumeAt        *time.Time       `json:"resume_at,omitempty" db:"resume_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs      *int64           `json:"duration_ms,omitempty" db:"duration_ms"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that shares no slices or top-level maps with e
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.Variables = copyMap(e.Variables)
	c.Context.TriggerData = copyMap(e.Context.TriggerData)
	c.Steps = make([]ExecutionStep, len(e.Steps))
	copy(c.Steps, e.Steps)
	return &c
}

// StepStatus represents the status of a single node execution
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ExecutionStep records one node visit
type ExecutionStep struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	ExecutionID uuid.UUID  `json:"execution_id" db:"execution_id"`
	NodeID      string     `json:"node_id" db:"node_id"`
	NodeType    NodeType   `json:"node_type" db:"node_type"`
	NodeName    string     `json:"node_name,omitempty" db:"node_name"`
	Status      StepStatus `json:"status" db:"status"`
	Input       JSONB      `json:"input,omitempty" db:"input"`
	Output      JSONB      `json:"output,omitempty" db:"output"`
	Error       *string    `json:"error,omitempty" db:"error"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs  *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
}

// LogLevel is the severity of an execution log entry
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ExecutionLog is an append-only entry attached to an execution
type ExecutionLog struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	ExecutionID uuid.UUID  `json:"execution_id" db:"execution_id"`
	StepID      *uuid.UUID `json:"step_id,omitempty" db:"step_id"`
	Level       LogLevel   `json:"level" db:"level"`
	Message     string     `json:"message" db:"message"`
	Data        JSONB      `json:"data,omitempty" db:"data"`
	Timestamp   time.Time  `json:"timestamp" db:"timestamp"`
}

// ExecutionFilter narrows execution listings
type ExecutionFilter struct {
	WorkflowID   *uuid.UUID
	TenantID     string
	Statuses     []ExecutionStatus
	WaitingFor   string
	ResumeBefore *time.Time
	CreatedAfter *time.Time
	Limit        int
	Offset       int
}

// TriggerRequest is the body of a manual trigger
type TriggerRequest struct {
	TriggerType TriggerType            `json:"trigger_type,omitempty"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	Async       bool                   `json:"async"`
}

// ResumeRequest is the body of a resume call
type ResumeRequest struct {
	Data map[string]interface{} `json:"data,omitempty"`
}

// ExecutionListResponse represents a list of executions
type ExecutionListResponse struct {
	Executions []*WorkflowExecution `json:"executions"`
	Total      int                  `json:"total"`
}

// Scan implements sql.Scanner for the execution context
func (c *ExecutionContext) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// Value implements driver.Valuer for the execution context
func (c ExecutionContext) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// JSONB is a custom type for handling JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		*j = make(map[string]interface{})
		return nil
	}

	result := make(map[string]interface{})
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}

	*j = result
	return nil
}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(j)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
