package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

// Config holds engine limits
type Config struct {
	// MaxConcurrentExecutions caps pending+running executions per workflow
	// unless the workflow sets its own limit. Zero disables the cap.
	MaxConcurrentExecutions int
	// ShortDelayThreshold is the longest delay slept in-process; longer
	// delays suspend the execution.
	ShortDelayThreshold time.Duration
}

// DefaultConfig returns the default engine limits
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 10,
		ShortDelayThreshold:     300 * time.Second,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithEventSink sets the receiver of execution events
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSleep replaces the context-aware sleep used for delays and retries
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces the clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type run struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Engine owns execution lifecycles: trigger, retry, cancel and resume
type Engine struct {
	store       Store
	registry    *Registry
	resolver    *Resolver
	expressions *ExpressionEvaluator
	conditions  *ConditionEvaluator
	rules       *RuleEvaluator
	sink        EventSink
	logger      *logger.Logger
	metrics     *metrics.Metrics
	cfg         Config
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu   sync.Mutex
	runs map[uuid.UUID]*run
	wg   sync.WaitGroup

	workflowMu sync.Mutex
}

// New creates a new workflow engine
func New(store Store, registry *Registry, cfg Config, opts ...Option) *Engine {
	if cfg.ShortDelayThreshold <= 0 {
		cfg.ShortDelayThreshold = DefaultConfig().ShortDelayThreshold
	}

	resolver := NewResolver()
	conditions := NewConditionEvaluator(resolver)
	baseCtx, baseCancel := context.WithCancel(context.Background())

	e := &Engine{
		store:       store,
		registry:    registry,
		resolver:    resolver,
		expressions: NewExpressionEvaluator(resolver),
		conditions:  conditions,
		rules:       NewRuleEvaluator(conditions),
		sink:        noopSink{},
		logger:      logger.NewNop(),
		cfg:         cfg,
		sleep:       sleepContext,
		now:         time.Now,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		runs:        make(map[uuid.UUID]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolver returns the variable resolver shared by the engine
func (e *Engine) Resolver() *Resolver { return e.resolver }

// Expressions returns the expression evaluator
func (e *Engine) Expressions() *ExpressionEvaluator { return e.expressions }

// Conditions returns the condition evaluator
func (e *Engine) Conditions() *ConditionEvaluator { return e.conditions }

// Rules returns the rule evaluator
func (e *Engine) Rules() *RuleEvaluator { return e.rules }

// Registry returns the action registry
func (e *Engine) Registry() *Registry { return e.registry }

// TriggerWorkflow creates a pending execution of an active workflow and
// runs it, inline or on its own goroutine. The returned execution is a
// snapshot: for async runs it is taken before the run starts.
func (e *Engine) TriggerWorkflow(ctx context.Context, workflowID uuid.UUID, execCtx models.ExecutionContext, runAsync bool) (*models.WorkflowExecution, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.RecordTriggerRejected("not_found")
		}
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if !wf.IsRunnable() {
		e.metrics.RecordTriggerRejected("inactive")
		return nil, fmt.Errorf("%w: workflow %s is %s", ErrInvalidState, wf.ID, wf.Status)
	}

	limit := e.cfg.MaxConcurrentExecutions
	if wf.MaxConcurrentExecutions > 0 {
		limit = wf.MaxConcurrentExecutions
	}
	if limit > 0 {
		active, err := e.store.ListExecutions(ctx, models.ExecutionFilter{
			WorkflowID: &wf.ID,
			Statuses:   []models.ExecutionStatus{models.ExecutionStatusPending, models.ExecutionStatusRunning},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to count active executions: %w", err)
		}
		if len(active) >= limit {
			e.metrics.RecordTriggerRejected("capacity")
			return nil, fmt.Errorf("%w: workflow %s has %d active executions (limit %d)", ErrCapacityExceeded, wf.ID, len(active), limit)
		}
	}

	if execCtx.TriggerType == "" {
		execCtx.TriggerType = models.TriggerTypeManual
	}

	now := e.now()
	exec := &models.WorkflowExecution{
		ID:              uuid.New(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		TenantID:        wf.TenantID,
		Status:          models.ExecutionStatusPending,
		Context:         execCtx,
		Variables:       models.JSONB{},
		Steps:           []models.ExecutionStep{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.SaveExecution(ctx, exec.Clone()); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	log := e.logger.ForExecution(exec.ID.String(), wf.ID.String())
	log.Info("Execution created", logger.String("trigger_type", string(execCtx.TriggerType)), logger.Bool("async", runAsync))

	if runAsync {
		snapshot := exec.Clone()
		runCtx, r := e.register(e.baseCtx, exec.ID)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer e.unregister(exec.ID)
			e.safeDrive(runCtx, r, wf, exec, "", log)
		}()
		return snapshot, nil
	}

	runCtx, r := e.register(ctx, exec.ID)
	defer e.unregister(exec.ID)
	e.safeDrive(runCtx, r, wf, exec, "", log)
	return exec.Clone(), nil
}

// CancelExecution cancels a running or waiting execution. It reports false
// when the execution is in any other status. A running execution observes
// the cancellation cooperatively at its next node boundary or blocking call.
func (e *Engine) CancelExecution(ctx context.Context, executionID uuid.UUID) (bool, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}

	switch exec.Status {
	case models.ExecutionStatusRunning, models.ExecutionStatusPending, models.ExecutionStatusWaiting:
	default:
		return false, nil
	}

	// driven here, including a waiting execution being resumed
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if ok {
		r.cancelled.Store(true)
		r.cancel()
		return true, nil
	}

	if exec.Status == models.ExecutionStatusPending {
		return false, nil
	}
	// waiting, or running in another process: record the cancellation only
	return true, e.markStoredCancelled(ctx, exec)
}

func (e *Engine) markStoredCancelled(ctx context.Context, exec *models.WorkflowExecution) error {
	now := e.now()
	exec.Status = models.ExecutionStatusCancelled
	exec.WaitingFor = ""
	exec.ResumeAt = nil
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	exec.ErrorType = models.ErrorTypeCancelled
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}
	e.publishStatus(models.EventExecutionCancelled, exec, nil)
	return nil
}

// ResumeExecution continues a waiting execution after the node it
// suspended on. data is merged into the execution variables. The call
// returns once the execution completes, fails or suspends again. ctx only
// bounds loading the execution: the continuation runs on the engine's
// context and is stopped by CancelExecution or Shutdown, not by the caller.
func (e *Engine) ResumeExecution(ctx context.Context, executionID uuid.UUID, data map[string]interface{}) error {
	if e.baseCtx.Err() != nil {
		return fmt.Errorf("%w: engine is shutting down", ErrInvalidState)
	}

	runCtx, r, ok := e.tryRegister(e.baseCtx, executionID)
	if !ok {
		return fmt.Errorf("%w: execution %s is already running", ErrInvalidState, executionID)
	}
	e.wg.Add(1)
	defer e.wg.Done()
	defer e.unregister(executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != models.ExecutionStatusWaiting {
		return fmt.Errorf("%w: execution %s is %s, not waiting", ErrInvalidState, executionID, exec.Status)
	}

	wf, err := e.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", exec.WorkflowID, err)
	}

	if claimer, ok := e.store.(ExecutionClaimer); ok {
		claimed, err := claimer.ClaimExecution(ctx, executionID, models.ExecutionStatusWaiting, models.ExecutionStatusRunning)
		if err != nil {
			return fmt.Errorf("failed to claim execution %s: %w", executionID, err)
		}
		if !claimed {
			return fmt.Errorf("%w: execution %s is no longer waiting", ErrInvalidState, executionID)
		}
	}

	if exec.Variables == nil {
		exec.Variables = models.JSONB{}
	}
	for k, v := range data {
		exec.Variables[k] = v
	}
	from := exec.CurrentNodeID
	exec.WaitingFor = ""
	exec.ResumeAt = nil

	log := e.logger.ForExecution(exec.ID.String(), wf.ID.String())
	e.safeDrive(runCtx, r, wf, exec, from, log)
	return nil
}

// safeDrive runs drive and records a panic as a failed execution
func (e *Engine) safeDrive(ctx context.Context, r *run, wf *models.Workflow, exec *models.WorkflowExecution, resumeFrom string, log *logger.Logger) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		stack := string(debug.Stack())
		log.Error("Recovered from panic in workflow execution",
			logger.Any("panic", rec),
			logger.String("stack_trace", stack))

		now := e.now()
		msg := fmt.Sprintf("panic: %v", rec)
		exec.Status = models.ExecutionStatusFailed
		exec.ErrorMessage = &msg
		exec.ErrorType = models.ErrorTypeTransient
		exec.CompletedAt = &now
		exec.UpdatedAt = now
		if err := e.store.SaveExecution(context.WithoutCancel(ctx), exec.Clone()); err != nil {
			log.Error("Failed to persist panicked execution", logger.Err(err))
		}
		e.appendLog(ctx, exec, models.LogLevelError, msg, nil, map[string]interface{}{
			"panic_recovered": true,
			"stack_trace":     stack,
		}, log)
		e.publishStatus(models.EventExecutionFailed, exec, map[string]interface{}{"error": msg})
	}()

	e.drive(ctx, r, wf, exec, resumeFrom, log)
}

// drive runs an execution until it completes, suspends, is cancelled or
// fails for good. resumeFrom is the suspended node id when resuming.
func (e *Engine) drive(ctx context.Context, r *run, wf *models.Workflow, exec *models.WorkflowExecution, resumeFrom string, log *logger.Logger) {
	resuming := resumeFrom != ""

	for {
		x := newWorkflowExecutor(e, wf, exec, log)
		if !resuming {
			x.seedVariables()
		}

		now := e.now()
		x.mu.Lock()
		exec.Status = models.ExecutionStatusRunning
		if exec.StartedAt == nil {
			exec.StartedAt = &now
		}
		exec.CompletedAt = nil
		exec.DurationMs = nil
		exec.ErrorMessage = nil
		exec.ErrorType = ""
		exec.ErrorNodeID = ""
		x.mu.Unlock()
		x.persist(ctx)

		if resuming {
			e.publishStatus(models.EventExecutionResumed, exec, nil)
			log.Info("Execution resumed", logger.String("node_id", resumeFrom))
		} else {
			e.publishStatus(models.EventExecutionStarted, exec, nil)
			log.Info("Execution started", logger.Int("attempt", exec.RetryCount+1))
		}

		e.metrics.ExecutionStarted(wf.ID.String())
		var res NodeResult
		if resuming {
			res = x.Resume(ctx, resumeFrom)
		} else {
			res = x.Run(ctx, wf.StartNodeID())
		}
		e.metrics.ExecutionStopped(wf.ID.String())

		switch res.Kind {
		case ResultCompleted:
			e.complete(ctx, x, wf, res.Output, log)
			return

		case ResultSuspended:
			e.publishStatus(models.EventExecutionWaiting, exec, map[string]interface{}{
				"resume_at":   res.Resume.ResumeAt,
				"waiting_for": res.Resume.WaitingFor,
			})
			log.Info("Execution suspended", logger.String("node_id", res.Resume.NodeID), logger.Any("resume_at", res.Resume.ResumeAt))
			return

		case ResultFailed:
			if r.cancelled.Load() || errors.Is(res.Err, ErrExecutionCanceled) {
				e.cancelled(ctx, x, wf, log)
				return
			}

			e.fail(ctx, x, wf, res.Err, log)
			if IsAuthoringDefect(res.Err) || exec.RetryCount >= wf.ErrorHandler.RetryCount {
				e.handleFailure(ctx, wf, exec, res.Err, log)
				return
			}

			exec.RetryCount++
			exec.Status = models.ExecutionStatusPending
			x.persist(ctx)
			e.metrics.RecordRetry(wf.ID.String())
			e.publishStatus(models.EventExecutionRetrying, exec, map[string]interface{}{"retry_count": exec.RetryCount})
			log.Warn("Retrying execution",
				logger.Int("retry_count", exec.RetryCount),
				logger.Any("delay_seconds", wf.ErrorHandler.RetryDelaySeconds))

			delay := time.Duration(wf.ErrorHandler.RetryDelaySeconds * float64(time.Second))
			if err := e.sleep(ctx, delay); err != nil {
				e.cancelled(ctx, x, wf, log)
				return
			}
			resuming = false
		}
	}
}

func (e *Engine) complete(ctx context.Context, x *WorkflowExecutor, wf *models.Workflow, output map[string]interface{}, log *logger.Logger) {
	exec := x.execution
	now := e.now()

	x.mu.Lock()
	exec.Status = models.ExecutionStatusCompleted
	exec.CompletedAt = &now
	exec.CurrentNodeID = ""
	duration := now.Sub(*exec.StartedAt)
	ms := duration.Milliseconds()
	exec.DurationMs = &ms
	x.mu.Unlock()
	x.persist(ctx)

	e.bumpExecutionCount(context.WithoutCancel(ctx), wf.ID, now, log)
	e.metrics.RecordExecution(wf.ID.String(), string(models.ExecutionStatusCompleted), duration)
	e.publishStatus(models.EventExecutionCompleted, exec, output)
	log.Info("Execution completed", logger.Int64("duration_ms", ms))
}

func (e *Engine) fail(ctx context.Context, x *WorkflowExecutor, wf *models.Workflow, cause error, log *logger.Logger) {
	exec := x.execution
	now := e.now()
	msg := cause.Error()
	kind := errorType(cause)

	x.mu.Lock()
	exec.Status = models.ExecutionStatusFailed
	exec.ErrorMessage = &msg
	exec.ErrorType = kind
	exec.ErrorNodeID = failingNodeID(cause)
	exec.CompletedAt = &now
	duration := now.Sub(*exec.StartedAt)
	ms := duration.Milliseconds()
	exec.DurationMs = &ms
	x.mu.Unlock()
	x.persist(ctx)

	e.metrics.RecordExecutionError(wf.ID.String(), kind)
	e.metrics.RecordExecution(wf.ID.String(), string(models.ExecutionStatusFailed), duration)
	e.publishStatus(models.EventExecutionFailed, exec, map[string]interface{}{"error": msg, "error_type": kind})
	log.Error("Execution failed", logger.Err(cause), logger.String("error_type", kind), logger.String("node_id", exec.ErrorNodeID))
}

func (e *Engine) cancelled(ctx context.Context, x *WorkflowExecutor, wf *models.Workflow, log *logger.Logger) {
	exec := x.execution
	now := e.now()

	x.mu.Lock()
	exec.Status = models.ExecutionStatusCancelled
	exec.ErrorType = models.ErrorTypeCancelled
	exec.CompletedAt = &now
	x.mu.Unlock()
	x.persist(ctx)

	e.metrics.RecordExecution(wf.ID.String(), string(models.ExecutionStatusCancelled), now.Sub(*exec.StartedAt))
	e.publishStatus(models.EventExecutionCancelled, exec, nil)
	log.Info("Execution cancelled")
}

// handleFailure dispatches the workflow's on_failure action once
func (e *Engine) handleFailure(ctx context.Context, wf *models.Workflow, exec *models.WorkflowExecution, cause error, log *logger.Logger) {
	handler := wf.ErrorHandler.OnFailure
	if handler == nil || handler.Action == "" {
		return
	}

	action, err := e.registry.Get(handler.Action)
	if err != nil {
		log.Error("Failure handler is not registered", logger.Err(err))
		return
	}

	vars := map[string]interface{}{
		"error":         cause.Error(),
		"error_type":    exec.ErrorType,
		"node_id":       exec.ErrorNodeID,
		"execution_id":  exec.ID.String(),
		"workflow_id":   wf.ID.String(),
		"workflow_name": wf.Name,
		"retry_count":   exec.RetryCount,
		"variables":     map[string]interface{}(exec.Variables),
	}
	config := e.resolver.ResolveMap(handler.Config, vars)

	out, err := action.Execute(context.WithoutCancel(ctx), config, vars)
	if err != nil {
		log.Error("Failure handler failed", logger.String("action", handler.Action), logger.Err(err))
		e.appendLog(ctx, exec, models.LogLevelError, fmt.Sprintf("Failure handler %s failed: %v", handler.Action, err), nil, nil, log)
		return
	}
	e.appendLog(ctx, exec, models.LogLevelInfo, fmt.Sprintf("Failure handler %s dispatched", handler.Action), nil, out, log)
}

func (e *Engine) bumpExecutionCount(ctx context.Context, workflowID uuid.UUID, at time.Time, log *logger.Logger) {
	e.workflowMu.Lock()
	defer e.workflowMu.Unlock()

	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		log.Error("Failed to load workflow for execution count", logger.Err(err))
		return
	}
	wf.ExecutionCount++
	wf.LastExecuted = &at
	if err := e.store.SaveWorkflow(ctx, wf); err != nil {
		log.Error("Failed to update execution count", logger.Err(err))
	}
}

func (e *Engine) appendLog(ctx context.Context, exec *models.WorkflowExecution, level models.LogLevel, msg string, stepID *uuid.UUID, data map[string]interface{}, log *logger.Logger) {
	entry := &models.ExecutionLog{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		StepID:      stepID,
		Level:       level,
		Message:     msg,
		Data:        data,
		Timestamp:   e.now(),
	}
	if err := e.store.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn("Failed to append execution log", logger.Err(err))
	}

	switch level {
	case models.LogLevelError:
		log.Error(msg)
	case models.LogLevelWarn:
		log.Warn(msg)
	default:
		log.Debug(msg)
	}

	e.sink.Publish(models.ExecutionEvent{
		Type:        models.EventLog,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Log:         entry,
		Timestamp:   entry.Timestamp,
	})
}

func (e *Engine) publishStatus(eventType models.ExecutionEventType, exec *models.WorkflowExecution, data map[string]interface{}) {
	e.sink.Publish(models.ExecutionEvent{
		Type:        eventType,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		Data:        data,
		Timestamp:   e.now(),
	})
}

func (e *Engine) register(parent context.Context, id uuid.UUID) (context.Context, *run) {
	ctx, cancel := context.WithCancel(parent)
	r := &run{cancel: cancel}
	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()
	return ctx, r
}

// tryRegister registers a run unless one is already registered for id
func (e *Engine) tryRegister(parent context.Context, id uuid.UUID) (context.Context, *run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.runs[id]; busy {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	r := &run{cancel: cancel}
	e.runs[id] = r
	return ctx, r, true
}

func (e *Engine) unregister(id uuid.UUID) {
	e.mu.Lock()
	if r, ok := e.runs[id]; ok {
		r.cancel()
		delete(e.runs, id)
	}
	e.mu.Unlock()
}

// Running returns the number of executions driven by this process
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Wait blocks until every asynchronous run has returned
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown waits for asynchronous runs until ctx is done, then cancels
// the remaining ones and waits for them to record their final state
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.baseCancel()
		<-done
		return ctx.Err()
	}
}

// failingNodeID returns the innermost node id attached to err
func failingNodeID(err error) string {
	id := ""
	var ne *NodeError
	for errors.As(err, &ne) {
		id = ne.NodeID
		err = ne.Err
	}
	return id
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
