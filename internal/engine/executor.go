package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// ConditionNodeConfig is the config of a condition node
type ConditionNodeConfig struct {
	Conditions []ConditionBranch `json:"conditions" validate:"dive"`
	Default    string            `json:"default"`
}

// ConditionBranch routes to Next when its expression or structured
// condition holds
type ConditionBranch struct {
	Expression string            `json:"expression"`
	Condition  *models.Condition `json:"condition"`
	Next       string            `json:"next" validate:"required"`
}

// ParallelNodeConfig is the config of a parallel node
type ParallelNodeConfig struct {
	WaitAll *bool `json:"wait_all"`
}

// DelayNodeConfig is the config of a delay node
type DelayNodeConfig struct {
	Duration float64 `json:"duration" validate:"gte=0"`
	Unit     string  `json:"unit" validate:"omitempty,oneof=seconds minutes hours days"`
}

// Wait returns the configured delay as a duration
func (c DelayNodeConfig) Wait() time.Duration {
	unit := time.Second
	switch c.Unit {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	}
	return time.Duration(c.Duration * float64(unit))
}

// InlineStep is an action invocation nested inside a composite action
type InlineStep struct {
	Name           string                 `json:"name"`
	Action         string                 `json:"action" validate:"required"`
	Config         map[string]interface{} `json:"config"`
	OutputVariable string                 `json:"output_variable"`
}

// StepRunner runs inline steps against the variables of the current
// execution. Composite actions obtain it with RunnerFromContext.
type StepRunner interface {
	RunStep(ctx context.Context, step InlineStep) (map[string]interface{}, error)
	SetVariable(key string, value interface{})
	Variables() map[string]interface{}
	Resolve(v interface{}) interface{}
	Sleep(ctx context.Context, d time.Duration) error
	Now() time.Time
}

type runnerKey struct{}
type branchKey struct{}

// ContextWithRunner returns a context carrying r
func ContextWithRunner(ctx context.Context, r StepRunner) context.Context {
	return context.WithValue(ctx, runnerKey{}, r)
}

// RunnerFromContext returns the StepRunner of the execution running ctx
func RunnerFromContext(ctx context.Context) (StepRunner, bool) {
	r, ok := ctx.Value(runnerKey{}).(StepRunner)
	return r, ok
}

// variableStore holds execution variables. Parallel branches share it;
// concurrent writes to one key are last-writer-wins.
type variableStore struct {
	mu   sync.RWMutex
	vars map[string]interface{}
}

func newVariableStore(initial map[string]interface{}) *variableStore {
	vars := make(map[string]interface{}, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &variableStore{vars: vars}
}

func (s *variableStore) Set(key string, value interface{}) {
	s.mu.Lock()
	s.vars[key] = value
	s.mu.Unlock()
}

func (s *variableStore) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// WorkflowExecutor walks the node graph of one execution
type WorkflowExecutor struct {
	engine    *Engine
	workflow  *models.Workflow
	execution *models.WorkflowExecution
	logger    *logger.Logger
	vars      *variableStore

	mu sync.Mutex // guards execution
}

func newWorkflowExecutor(e *Engine, wf *models.Workflow, exec *models.WorkflowExecution, log *logger.Logger) *WorkflowExecutor {
	return &WorkflowExecutor{
		engine:    e,
		workflow:  wf,
		execution: exec,
		logger:    log,
		vars:      newVariableStore(exec.Variables),
	}
}

// seedVariables resets variables from the trigger context
func (x *WorkflowExecutor) seedVariables() {
	data := x.execution.Context.TriggerData
	vars := make(map[string]interface{}, len(data)+6)
	for k, v := range data {
		vars[k] = v
	}
	trigger := make(map[string]interface{}, len(data))
	for k, v := range data {
		trigger[k] = v
	}
	vars["trigger"] = trigger
	vars["trigger_type"] = string(x.execution.Context.TriggerType)
	vars["execution_id"] = x.execution.ID.String()
	vars["workflow_id"] = x.workflow.ID.String()
	vars["workflow_name"] = x.workflow.Name
	vars["tenant_id"] = x.execution.TenantID
	x.vars = newVariableStore(vars)
}

// Run walks the graph from startNodeID
func (x *WorkflowExecutor) Run(ctx context.Context, startNodeID string) NodeResult {
	if startNodeID == "" {
		return Completed(nil)
	}
	return x.walk(ctx, startNodeID)
}

// Resume continues after the node the execution suspended on
func (x *WorkflowExecutor) Resume(ctx context.Context, suspendedNodeID string) NodeResult {
	node, ok := x.workflow.NodeByID(suspendedNodeID)
	if !ok {
		return Failed(&NodeError{NodeID: suspendedNodeID, Err: ErrNodeNotFound})
	}
	x.log(ctx, models.LogLevelInfo, fmt.Sprintf("Resuming after node %s", node.ID), nil, nil)
	return x.Run(ctx, node.Next)
}

// walk executes nodes from nodeID until an end node, a node without a
// successor, a failure or a suspension
func (x *WorkflowExecutor) walk(ctx context.Context, nodeID string) NodeResult {
	last := Completed(nil)
	current := nodeID

	for current != "" {
		if ctx.Err() != nil {
			return Failed(fmt.Errorf("%w: %v", ErrExecutionCanceled, ctx.Err()))
		}

		node, ok := x.workflow.NodeByID(current)
		if !ok {
			return Failed(&NodeError{NodeID: current, Err: ErrNodeNotFound})
		}

		res, next := x.executeNode(ctx, node)
		switch res.Kind {
		case ResultFailed, ResultSuspended:
			return res
		case ResultCompleted:
			last = res
		}

		if node.Type == models.NodeTypeEnd {
			return res
		}
		current = next
	}
	return last
}

// executeNode runs one node and records its step and log entry
func (x *WorkflowExecutor) executeNode(ctx context.Context, node *models.WorkflowNode) (NodeResult, string) {
	e := x.engine
	started := e.now()
	step := models.ExecutionStep{
		ID:          uuid.New(),
		ExecutionID: x.execution.ID,
		NodeID:      node.ID,
		NodeType:    nodeType(node),
		NodeName:    node.Name,
		Status:      models.StepStatusRunning,
		Input:       node.Config,
		StartedAt:   started,
	}

	x.mu.Lock()
	x.execution.CurrentNodeID = node.ID
	x.execution.Steps = append(x.execution.Steps, step)
	x.mu.Unlock()
	x.persist(ctx)
	x.publish(models.EventStepStarted, &step)
	x.log(ctx, models.LogLevelInfo, fmt.Sprintf("Executing %s node %s", step.NodeType, node.ID), &step.ID, nil)

	res, next := x.dispatch(ctx, node)

	// a node that finishes after its context was cancelled never counts as completed
	if res.Kind == ResultCompleted && ctx.Err() != nil {
		res = Failed(fmt.Errorf("%w: %v", ErrExecutionCanceled, ctx.Err()))
	}
	if res.Kind == ResultFailed {
		if ctx.Err() != nil && !errors.Is(res.Err, ErrExecutionCanceled) {
			res.Err = fmt.Errorf("%w: %v", ErrExecutionCanceled, res.Err)
		}
		res.Err = &NodeError{NodeID: node.ID, Err: res.Err}
	}

	completed := e.now()
	duration := completed.Sub(started)
	durationMs := duration.Milliseconds()
	step.CompletedAt = &completed
	step.DurationMs = &durationMs

	switch res.Kind {
	case ResultCompleted:
		step.Status = models.StepStatusCompleted
		step.Output = res.Output
	case ResultSuspended:
		step.Status = models.StepStatusCompleted
		step.Output = models.JSONB{
			"waiting":     true,
			"waiting_for": res.Resume.WaitingFor,
			"resume_at":   res.Resume.ResumeAt.Format(time.RFC3339),
		}
	case ResultFailed:
		msg := errors.Unwrap(res.Err).Error()
		step.Status = models.StepStatusFailed
		step.Error = &msg
		var d detailer
		if errors.As(res.Err, &d) {
			step.Output = d.Details()
		}
	}

	x.updateStep(step)
	x.persist(ctx)
	e.metrics.RecordStep(string(step.NodeType), string(step.Status), duration)

	if step.Status == models.StepStatusFailed {
		x.publish(models.EventStepFailed, &step)
		x.log(ctx, models.LogLevelError, fmt.Sprintf("Node %s failed: %s", node.ID, *step.Error), &step.ID, nil)
	} else {
		x.publish(models.EventStepCompleted, &step)
	}
	return res, next
}

func (x *WorkflowExecutor) dispatch(ctx context.Context, node *models.WorkflowNode) (NodeResult, string) {
	switch node.Type {
	case models.NodeTypeCondition:
		return x.executeCondition(ctx, node)
	case models.NodeTypeParallel:
		return x.executeParallel(ctx, node), node.Next
	case models.NodeTypeDelay:
		return x.executeDelay(ctx, node), node.Next
	case models.NodeTypeEnd:
		return Completed(map[string]interface{}{"completed": true}), ""
	default:
		return x.executeAction(ctx, node), node.Next
	}
}

func (x *WorkflowExecutor) executeAction(ctx context.Context, node *models.WorkflowNode) NodeResult {
	out, err := x.runAction(ctx, node.Config)
	if err != nil {
		return Failed(err)
	}
	return Completed(out)
}

// runAction resolves the action kind from config, interpolates config and
// executes it. The raw result is stored under output_variable when set.
func (x *WorkflowExecutor) runAction(ctx context.Context, config map[string]interface{}) (map[string]interface{}, error) {
	kind := ActionKind(config)
	action, err := x.engine.registry.Get(kind)
	if err != nil {
		return nil, err
	}

	vars := x.vars.Snapshot()
	resolved := config
	if lazy, ok := action.(LazyInterpolation); !ok || !lazy.InterpolatesLazily() {
		resolved = x.engine.resolver.ResolveMap(config, vars)
	}

	out, err := action.Execute(ContextWithRunner(ctx, x), resolved, vars)
	if err != nil {
		return out, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}

	if name, ok := config["output_variable"].(string); ok && name != "" {
		x.vars.Set(name, out)
	}
	return out, nil
}

func (x *WorkflowExecutor) executeCondition(ctx context.Context, node *models.WorkflowNode) (NodeResult, string) {
	var cfg ConditionNodeConfig
	if err := DecodeConfig(node.Config, &cfg); err != nil {
		return Failed(err), ""
	}

	vars := x.vars.Snapshot()
	for i, branch := range cfg.Conditions {
		var matched bool
		if branch.Condition != nil {
			matched = x.engine.conditions.Evaluate(branch.Condition, vars)
		} else {
			ok, err := x.engine.expressions.Evaluate(branch.Expression, vars)
			if err != nil {
				return Failed(err), ""
			}
			matched = ok
		}

		if matched {
			return Completed(map[string]interface{}{
				"matched": true,
				"branch":  i,
				"next":    branch.Next,
			}), branch.Next
		}
	}

	if cfg.Default != "" {
		return Completed(map[string]interface{}{
			"matched": false,
			"branch":  "default",
			"next":    cfg.Default,
		}), cfg.Default
	}
	return Failed(fmt.Errorf("%w: none of %d conditions matched and no default is set", ErrNoMatchingBranch, len(cfg.Conditions))), ""
}

func (x *WorkflowExecutor) executeParallel(ctx context.Context, node *models.WorkflowNode) NodeResult {
	var cfg ParallelNodeConfig
	if err := DecodeConfig(node.Config, &cfg); err != nil {
		return Failed(err)
	}
	if len(node.Branches) == 0 {
		return Completed(nil)
	}

	branchCtx := context.WithValue(ctx, branchKey{}, true)

	if cfg.WaitAll == nil || *cfg.WaitAll {
		var mu sync.Mutex
		results := make(map[string]interface{}, len(node.Branches))

		var wg conc.WaitGroup
		for _, b := range node.Branches {
			b := b
			wg.Go(func() {
				out := branchOutput(x.walk(branchCtx, b.Start))
				mu.Lock()
				results[b.ID] = out
				mu.Unlock()
			})
		}
		wg.Wait()
		return Completed(results)
	}

	type outcome struct {
		branch string
		result NodeResult
	}

	raceCtx, cancel := context.WithCancel(branchCtx)
	defer cancel()

	outcomes := make(chan outcome, len(node.Branches))
	var wg conc.WaitGroup
	for _, b := range node.Branches {
		b := b
		wg.Go(func() {
			outcomes <- outcome{branch: b.ID, result: x.walk(raceCtx, b.Start)}
		})
	}

	var first outcome
	select {
	case first = <-outcomes:
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return Failed(fmt.Errorf("%w: %v", ErrExecutionCanceled, ctx.Err()))
	}
	cancel()
	wg.Wait()

	switch first.result.Kind {
	case ResultCompleted:
		return Completed(map[string]interface{}{first.branch: first.result.Output})
	case ResultSuspended:
		return Failed(ErrSuspendedInBranch)
	default:
		return Failed(fmt.Errorf("branch %s: %w", first.branch, first.result.Err))
	}
}

func branchOutput(res NodeResult) interface{} {
	switch res.Kind {
	case ResultCompleted:
		return res.Output
	case ResultSuspended:
		return map[string]interface{}{"error": ErrSuspendedInBranch.Error()}
	default:
		return map[string]interface{}{"error": res.Err.Error()}
	}
}

func (x *WorkflowExecutor) executeDelay(ctx context.Context, node *models.WorkflowNode) NodeResult {
	resolved := x.engine.resolver.ResolveMap(node.Config, x.vars.Snapshot())
	var cfg DelayNodeConfig
	if err := DecodeConfig(resolved, &cfg); err != nil {
		return Failed(err)
	}
	wait := cfg.Wait()

	if wait <= x.engine.cfg.ShortDelayThreshold {
		if err := x.engine.sleep(ctx, wait); err != nil {
			return Failed(fmt.Errorf("%w: %v", ErrExecutionCanceled, err))
		}
		return Completed(map[string]interface{}{
			"delayed":          true,
			"duration_seconds": wait.Seconds(),
		})
	}

	if inBranch, _ := ctx.Value(branchKey{}).(bool); inBranch {
		return Failed(ErrSuspendedInBranch)
	}

	resumeAt := x.engine.now().Add(wait)
	x.mu.Lock()
	x.execution.Status = models.ExecutionStatusWaiting
	x.execution.WaitingFor = models.WaitingForDelay
	x.execution.ResumeAt = &resumeAt
	x.execution.CurrentNodeID = node.ID
	x.mu.Unlock()
	x.persist(ctx)

	return Suspended(ResumeToken{
		NodeID:     node.ID,
		WaitingFor: models.WaitingForDelay,
		ResumeAt:   resumeAt,
	})
}

// RunStep executes an inline step through the action-node primitive
func (x *WorkflowExecutor) RunStep(ctx context.Context, step InlineStep) (map[string]interface{}, error) {
	config := make(map[string]interface{}, len(step.Config)+2)
	for k, v := range step.Config {
		config[k] = v
	}
	config["action_type"] = step.Action
	if step.OutputVariable != "" {
		config["output_variable"] = step.OutputVariable
	}

	name := step.Name
	if name == "" {
		name = step.Action
	}

	out, err := x.runAction(ctx, config)
	if err != nil {
		x.log(ctx, models.LogLevelWarn, fmt.Sprintf("Inline step %s failed: %v", name, err), nil, nil)
		return out, err
	}
	x.log(ctx, models.LogLevelDebug, fmt.Sprintf("Inline step %s completed", name), nil, nil)
	return out, nil
}

// SetVariable writes one execution variable
func (x *WorkflowExecutor) SetVariable(key string, value interface{}) {
	x.vars.Set(key, value)
}

// Variables returns a snapshot of the execution variables
func (x *WorkflowExecutor) Variables() map[string]interface{} {
	return x.vars.Snapshot()
}

// Resolve interpolates v against the current variables
func (x *WorkflowExecutor) Resolve(v interface{}) interface{} {
	return x.engine.resolver.ResolveValue(v, x.vars.Snapshot())
}

// Sleep waits for d or until ctx is done
func (x *WorkflowExecutor) Sleep(ctx context.Context, d time.Duration) error {
	return x.engine.sleep(ctx, d)
}

// Now returns the engine clock
func (x *WorkflowExecutor) Now() time.Time {
	return x.engine.now()
}

func (x *WorkflowExecutor) updateStep(step models.ExecutionStep) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := len(x.execution.Steps) - 1; i >= 0; i-- {
		if x.execution.Steps[i].ID == step.ID {
			x.execution.Steps[i] = step
			return
		}
	}
}

// snapshot returns a copy of the execution with current variables
func (x *WorkflowExecutor) snapshot() *models.WorkflowExecution {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.execution.Variables = x.vars.Snapshot()
	x.execution.UpdatedAt = x.engine.now()
	return x.execution.Clone()
}

// persist saves the execution. Saves survive cancellation of ctx so the
// final state of a cancelled run is still recorded.
func (x *WorkflowExecutor) persist(ctx context.Context) {
	if err := x.engine.store.SaveExecution(context.WithoutCancel(ctx), x.snapshot()); err != nil {
		x.logger.Error("Failed to persist execution", logger.Err(err))
	}
}

func (x *WorkflowExecutor) publish(eventType models.ExecutionEventType, step *models.ExecutionStep) {
	s := *step
	x.engine.sink.Publish(models.ExecutionEvent{
		Type:        eventType,
		ExecutionID: x.execution.ID,
		WorkflowID:  x.workflow.ID,
		Step:        &s,
		Timestamp:   x.engine.now(),
	})
}

func (x *WorkflowExecutor) log(ctx context.Context, level models.LogLevel, msg string, stepID *uuid.UUID, data map[string]interface{}) {
	x.engine.appendLog(ctx, x.execution, level, msg, stepID, data, x.logger)
}

func nodeType(node *models.WorkflowNode) models.NodeType {
	if node.Type == "" {
		return models.NodeTypeAction
	}
	return node.Type
}
