// Package memory implements the engine store in process memory. It backs
// single-node deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
)

// Store is an in-memory engine.Store. Records are copied on the way in and
// out so callers never share state with the store.
type Store struct {
	mu         sync.RWMutex
	workflows  map[uuid.UUID]*models.Workflow
	executions map[uuid.UUID]*models.WorkflowExecution
	logs       map[uuid.UUID][]*models.ExecutionLog
	now        func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		workflows:  make(map[uuid.UUID]*models.Workflow),
		executions: make(map[uuid.UUID]*models.WorkflowExecution),
		logs:       make(map[uuid.UUID][]*models.ExecutionLog),
		now:        time.Now,
	}
}

// SaveWorkflow inserts or replaces a workflow
func (s *Store) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if workflow.ID == uuid.Nil {
		workflow.ID = uuid.New()
	}
	now := s.now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now

	s.workflows[workflow.ID] = copyWorkflow(workflow)
	return nil
}

// GetWorkflow retrieves a workflow by ID
func (s *Store) GetWorkflow(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, exists := s.workflows[id]
	if !exists {
		return nil, fmt.Errorf("workflow %s: %w", id, engine.ErrNotFound)
	}
	return copyWorkflow(workflow), nil
}

// ListWorkflows returns workflows matching the filter, newest first
func (s *Store) ListWorkflows(_ context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Workflow
	for _, wf := range s.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.TriggerType != nil && wf.Trigger.Type != *filter.TriggerType {
			continue
		}
		out = append(out, copyWorkflow(wf))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteWorkflow removes a workflow and its executions
func (s *Store) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[id]; !exists {
		return fmt.Errorf("workflow %s: %w", id, engine.ErrNotFound)
	}
	delete(s.workflows, id)
	for execID, exec := range s.executions {
		if exec.WorkflowID == id {
			delete(s.executions, execID)
			delete(s.logs, execID)
		}
	}
	return nil
}

// SaveExecution inserts or replaces an execution with its steps
func (s *Store) SaveExecution(_ context.Context, execution *models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if execution.ID == uuid.Nil {
		execution.ID = uuid.New()
	}
	now := s.now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}
	execution.UpdatedAt = now

	s.executions[execution.ID] = execution.Clone()
	return nil
}

// GetExecution retrieves an execution with its steps
func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return nil, fmt.Errorf("execution %s: %w", id, engine.ErrNotFound)
	}
	return exec.Clone(), nil
}

// ClaimExecution moves an execution from one status to another if it is
// still in the first
func (s *Store) ClaimExecution(_ context.Context, id uuid.UUID, from, to models.ExecutionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[id]
	if !exists {
		return false, fmt.Errorf("execution %s: %w", id, engine.ErrNotFound)
	}
	if exec.Status != from {
		return false, nil
	}
	exec.Status = to
	exec.UpdatedAt = s.now().UTC()
	return true, nil
}

// ListExecutions returns executions matching the filter, newest first
func (s *Store) ListExecutions(_ context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowExecution
	for _, exec := range s.executions {
		if matchExecution(exec, filter) {
			out = append(out, exec.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchExecution(exec *models.WorkflowExecution, filter models.ExecutionFilter) bool {
	if filter.WorkflowID != nil && exec.WorkflowID != *filter.WorkflowID {
		return false
	}
	if filter.TenantID != "" && exec.TenantID != filter.TenantID {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if exec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.WaitingFor != "" && exec.WaitingFor != filter.WaitingFor {
		return false
	}
	if filter.ResumeBefore != nil && (exec.ResumeAt == nil || exec.ResumeAt.After(*filter.ResumeBefore)) {
		return false
	}
	if filter.CreatedAfter != nil && exec.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	return true
}

// AppendLog stores a log entry
func (s *Store) AppendLog(_ context.Context, entry *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	cp := *entry
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], &cp)
	return nil
}

// ListLogs returns the log of an execution in append order
func (s *Store) ListLogs(_ context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.logs[executionID]
	out := make([]*models.ExecutionLog, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func copyWorkflow(w *models.Workflow) *models.Workflow {
	cp := *w
	cp.Nodes = append(models.WorkflowNodes(nil), w.Nodes...)
	cp.Tags = append([]string(nil), w.Tags...)
	return &cp
}
