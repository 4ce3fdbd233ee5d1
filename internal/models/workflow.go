package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the lifecycle state of a workflow definition
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// NodeType identifies how the executor handles a node
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeCondition NodeType = "condition"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeEnd       NodeType = "end"
)

// TriggerType identifies what starts a workflow
type TriggerType string

const (
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeManual   TriggerType = "manual"
)

// Workflow represents a versioned workflow definition
type Workflow struct {
	ID                      uuid.UUID          `json:"id" db:"id"`
	TenantID                string             `json:"tenant_id" db:"tenant_id"`
	Name                    string             `json:"name" db:"name"`
	Description             *string            `json:"description,omitempty" db:"description"`
	Version                 int                `json:"version" db:"version"`
	Status                  WorkflowStatus     `json:"status" db:"status"`
	Trigger                 TriggerDefinition  `json:"trigger" db:"trigger"`
	Nodes                   WorkflowNodes      `json:"nodes" db:"nodes"`
	ErrorHandler            ErrorHandlerPolicy `json:"error_handler" db:"error_handler"`
	MaxConcurrentExecutions int                `json:"max_concurrent_executions,omitempty" db:"max_concurrent_executions"`
	ExecutionCount          int64              `json:"execution_count" db:"execution_count"`
	LastExecuted            *time.Time         `json:"last_executed,omitempty" db:"last_executed"`
	Tags                    []string           `json:"tags,omitempty" db:"tags"`
	CreatedAt               time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at" db:"updated_at"`
	PublishedAt             *time.Time         `json:"published_at,omitempty" db:"published_at"`
}

// TriggerDefinition defines what starts the workflow
type TriggerDefinition struct {
	Type   TriggerType `json:"type" yaml:"type"`
	Entity string      `json:"entity,omitempty" yaml:"entity,omitempty"`
	Event  string      `json:"event,omitempty" yaml:"event,omitempty"` // supports a trailing * wildcard
	Cron   string      `json:"cron,omitempty" yaml:"cron,omitempty"`
	Filter *RuleGroup  `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// WorkflowNode is a single vertex of the workflow graph
type WorkflowNode struct {
	ID       string                 `json:"id" yaml:"id"`
	Type     NodeType               `json:"type" yaml:"type"`
	Name     string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Next     string                 `json:"next,omitempty" yaml:"next,omitempty"`
	Branches []Branch               `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// Branch is a named entry point of a parallel node
type Branch struct {
	ID    string `json:"id" yaml:"id"`
	Start string `json:"start" yaml:"start"`
}

// ErrorHandlerPolicy is the workflow-level failure policy
type ErrorHandlerPolicy struct {
	RetryCount        int           `json:"retry_count" yaml:"retry_count"`
	RetryDelaySeconds float64       `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	OnFailure         *ActionConfig `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// ActionConfig references a registered action kind and its configuration
type ActionConfig struct {
	Action string                 `json:"action" yaml:"action"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// WorkflowNodes is the ordered node list persisted as JSONB
type WorkflowNodes []WorkflowNode

// NodeByID returns the node with the given id
func (w *Workflow) NodeByID(id string) (*WorkflowNode, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// StartNodeID returns the id of the first node to execute: the trigger
// node's successor, or the first non-trigger node.
func (w *Workflow) StartNodeID() string {
	for _, n := range w.Nodes {
		if n.Type == NodeTypeTrigger {
			return n.Next
		}
	}
	for _, n := range w.Nodes {
		if n.Type != NodeTypeTrigger {
			return n.ID
		}
	}
	return ""
}

// IsRunnable reports whether new executions may start
func (w *Workflow) IsRunnable() bool {
	return w.Status == WorkflowStatusActive
}

// CreateWorkflowRequest represents the request to create a workflow
type CreateWorkflowRequest struct {
	TenantID                string             `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name                    string             `json:"name" yaml:"name" validate:"required,max=255"`
	Description             *string            `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger                 TriggerDefinition  `json:"trigger" yaml:"trigger"`
	Nodes                   []WorkflowNode     `json:"nodes" yaml:"nodes" validate:"required,min=1"`
	ErrorHandler            ErrorHandlerPolicy `json:"error_handler" yaml:"error_handler"`
	MaxConcurrentExecutions int                `json:"max_concurrent_executions,omitempty" yaml:"max_concurrent_executions,omitempty" validate:"gte=0"`
	Tags                    []string           `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// WorkflowFilter narrows workflow listings
type WorkflowFilter struct {
	TenantID    string
	Status      *WorkflowStatus
	TriggerType *TriggerType
}

// Scan implements sql.Scanner for the node list
func (n *WorkflowNodes) Scan(value interface{}) error {
	return scanJSON(value, n)
}

// Value implements driver.Valuer for the node list
func (n WorkflowNodes) Value() (driver.Value, error) {
	if n == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(n)
}

func (t *TriggerDefinition) Scan(value interface{}) error {
	return scanJSON(value, t)
}

func (t TriggerDefinition) Value() (driver.Value, error) {
	return json.Marshal(t)
}

func (p *ErrorHandlerPolicy) Scan(value interface{}) error {
	return scanJSON(value, p)
}

func (p ErrorHandlerPolicy) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func scanJSON(value interface{}, dest interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	if len(bytes) == 0 {
		return nil
	}
	return json.Unmarshal(bytes, dest)
}
