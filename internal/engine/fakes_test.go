package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
)

// memStore is an in-memory Store for engine tests
type memStore struct {
	mu         sync.Mutex
	workflows  map[uuid.UUID]*models.Workflow
	executions map[uuid.UUID]*models.WorkflowExecution
	logs       []*models.ExecutionLog

	saveExecutionFunc func(exec *models.WorkflowExecution)
	getWorkflowFunc   func()
}

func newMemStore() *memStore {
	return &memStore{
		workflows:  make(map[uuid.UUID]*models.Workflow),
		executions: make(map[uuid.UUID]*models.WorkflowExecution),
	}
}

func (s *memStore) GetWorkflow(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.Lock()
	hook := s.getWorkflowFunc
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	cp := *wf
	return &cp, nil
}

func (s *memStore) SaveWorkflow(_ context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *memStore) ListWorkflows(_ context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) GetExecution(_ context.Context, id uuid.UUID) (*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec.Clone(), nil
}

func (s *memStore) SaveExecution(_ context.Context, exec *models.WorkflowExecution) error {
	s.mu.Lock()
	s.executions[exec.ID] = exec.Clone()
	hook := s.saveExecutionFunc
	s.mu.Unlock()
	if hook != nil {
		hook(exec.Clone())
	}
	return nil
}

func (s *memStore) ClaimExecution(_ context.Context, id uuid.UUID, from, to models.ExecutionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return false, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if exec.Status != from {
		return false, nil
	}
	exec.Status = to
	return true, nil
}

func (s *memStore) setGetWorkflowFunc(fn func()) {
	s.mu.Lock()
	s.getWorkflowFunc = fn
	s.mu.Unlock()
}

func (s *memStore) ListExecutions(_ context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowExecution
	for _, exec := range s.executions {
		if filter.WorkflowID != nil && exec.WorkflowID != *filter.WorkflowID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if exec.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, exec.Clone())
	}
	return out, nil
}

func (s *memStore) AppendLog(_ context.Context, entry *models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *memStore) ListLogs(_ context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ExecutionLog
	for _, l := range s.logs {
		if l.ExecutionID == executionID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) execution(id uuid.UUID) *models.WorkflowExecution {
	exec, err := s.GetExecution(context.Background(), id)
	if err != nil {
		return nil
	}
	return exec
}

// recordingSink collects published events
type recordingSink struct {
	mu     sync.Mutex
	events []models.ExecutionEvent
}

func (s *recordingSink) Publish(event models.ExecutionEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) types() []models.ExecutionEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ExecutionEventType
	for _, e := range s.events {
		if e.Type != models.EventLog {
			out = append(out, e.Type)
		}
	}
	return out
}

// recordedSleeps replaces the engine sleep and records requested delays
type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// newTestWorkflow builds an active workflow whose trigger points at the
// first node
func newTestWorkflow(nodes ...models.WorkflowNode) *models.Workflow {
	all := make(models.WorkflowNodes, 0, len(nodes)+1)
	start := ""
	if len(nodes) > 0 {
		start = nodes[0].ID
	}
	all = append(all, models.WorkflowNode{ID: "trigger", Type: models.NodeTypeTrigger, Next: start})
	all = append(all, nodes...)

	return &models.Workflow{
		ID:       uuid.New(),
		TenantID: "tenant-1",
		Name:     "test-workflow",
		Version:  1,
		Status:   models.WorkflowStatusActive,
		Trigger:  models.TriggerDefinition{Type: models.TriggerTypeManual},
		Nodes:    all,
	}
}

func actionNode(id, kind, next string, config map[string]interface{}) models.WorkflowNode {
	cfg := map[string]interface{}{"action_type": kind}
	for k, v := range config {
		cfg[k] = v
	}
	return models.WorkflowNode{ID: id, Type: models.NodeTypeAction, Name: id, Config: cfg, Next: next}
}

// testHarness wires an engine over memStore with an instant sleep
type testHarness struct {
	store    *memStore
	registry *Registry
	sink     *recordingSink
	sleeps   *recordedSleeps
	engine   *Engine
}

func newHarness(cfg Config, register func(reg *Registry)) *testHarness {
	h := &testHarness{
		store:    newMemStore(),
		registry: NewRegistry(),
		sink:     &recordingSink{},
		sleeps:   &recordedSleeps{},
	}
	if register != nil {
		register(h.registry)
	}
	h.engine = New(h.store, h.registry, cfg,
		WithEventSink(h.sink),
		WithSleep(h.sleeps.sleep),
	)
	return h
}

func (h *testHarness) add(wf *models.Workflow) *models.Workflow {
	_ = h.store.SaveWorkflow(context.Background(), wf)
	return wf
}

func okAction(kind string, out map[string]interface{}) Action {
	return NewActionFunc(kind, func(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
		return out, nil
	})
}

func failingAction(kind string, err error) Action {
	return NewActionFunc(kind, func(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
		return nil, err
	})
}
