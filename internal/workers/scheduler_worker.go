package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

// WorkflowLister lists workflow definitions
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error)
}

// WorkflowTrigger starts workflow executions
type WorkflowTrigger interface {
	TriggerWorkflow(ctx context.Context, workflowID uuid.UUID, execCtx models.ExecutionContext, runAsync bool) (*models.WorkflowExecution, error)
}

type scheduleEntry struct {
	entryID cron.EntryID
	spec    string
}

// SchedulerWorker keeps one cron entry per active schedule-triggered
// workflow and triggers the workflow when its entry fires
type SchedulerWorker struct {
	workflows       WorkflowLister
	trigger         WorkflowTrigger
	logger          *logger.Logger
	metrics         *metrics.Metrics
	refreshInterval time.Duration
	cron            *cron.Cron
	now             func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]scheduleEntry

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSchedulerWorker creates a new scheduler worker
func NewSchedulerWorker(
	workflows WorkflowLister,
	trigger WorkflowTrigger,
	log *logger.Logger,
	m *metrics.Metrics,
	refreshInterval time.Duration,
) *SchedulerWorker {
	if refreshInterval == 0 {
		refreshInterval = 1 * time.Minute
	}

	return &SchedulerWorker{
		workflows:       workflows,
		trigger:         trigger,
		logger:          log.Component("scheduler"),
		metrics:         m,
		refreshInterval: refreshInterval,
		cron:            cron.New(cron.WithLocation(time.UTC)),
		now:             time.Now,
		entries:         make(map[uuid.UUID]scheduleEntry),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start starts the scheduler in the background
func (w *SchedulerWorker) Start(ctx context.Context) {
	w.logger.Info("Starting scheduler worker",
		logger.String("refresh_interval", w.refreshInterval.String()),
	)

	w.cron.Start()
	go w.run(ctx)
}

// Stop stops the scheduler and waits for running jobs
func (w *SchedulerWorker) Stop() {
	w.logger.Info("Stopping scheduler worker")
	close(w.stopCh)
	<-w.doneCh
	<-w.cron.Stop().Done()
	w.logger.Info("Scheduler worker stopped")
}

func (w *SchedulerWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.refreshInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.refresh(ctx)

	for {
		select {
		case <-ticker.C:
			w.refresh(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refresh reconciles cron entries with the active schedule-triggered
// workflows: new workflows are added, changed expressions are replaced
// and workflows that are no longer active are removed
func (w *SchedulerWorker) refresh(ctx context.Context) {
	start := time.Now()

	status := models.WorkflowStatusActive
	triggerType := models.TriggerTypeSchedule
	workflows, err := w.workflows.ListWorkflows(ctx, models.WorkflowFilter{
		Status:      &status,
		TriggerType: &triggerType,
	})
	if err != nil {
		w.logger.Errorf("Failed to list scheduled workflows: %v", err)
		w.metrics.RecordWorkerJob("scheduler", time.Since(start), err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(workflows))
	for _, wf := range workflows {
		spec := wf.Trigger.Cron
		if spec == "" {
			continue
		}
		seen[wf.ID] = true

		if existing, ok := w.entries[wf.ID]; ok {
			if existing.spec == spec {
				continue
			}
			w.cron.Remove(existing.entryID)
			delete(w.entries, wf.ID)
		}

		workflowID := wf.ID
		id, err := w.cron.AddFunc(spec, func() { w.fire(ctx, workflowID, spec) })
		if err != nil {
			w.logger.Warn("Skipping workflow with invalid cron expression",
				logger.String("workflow_id", wf.ID.String()),
				logger.String("cron", spec),
				logger.Err(err),
			)
			continue
		}
		w.entries[wf.ID] = scheduleEntry{entryID: id, spec: spec}
		w.logger.Info("Scheduled workflow",
			logger.String("workflow_id", wf.ID.String()),
			logger.String("cron", spec),
		)
	}

	for id, entry := range w.entries {
		if seen[id] {
			continue
		}
		w.cron.Remove(entry.entryID)
		delete(w.entries, id)
		w.logger.Info("Unscheduled workflow", logger.String("workflow_id", id.String()))
	}

	w.metrics.RecordWorkerJob("scheduler", time.Since(start), nil)
}

// fire triggers one scheduled run. Capacity rejections are expected under
// load and only logged.
func (w *SchedulerWorker) fire(ctx context.Context, workflowID uuid.UUID, spec string) {
	if ctx.Err() != nil {
		return
	}

	exec, err := w.trigger.TriggerWorkflow(ctx, workflowID, models.ExecutionContext{
		TriggerType: models.TriggerTypeSchedule,
		TriggerData: map[string]interface{}{
			"cron":         spec,
			"scheduled_at": w.now().UTC().Format(time.RFC3339),
		},
	}, true)
	if err != nil {
		if errors.Is(err, engine.ErrCapacityExceeded) {
			w.logger.Warn("Scheduled run skipped at capacity", logger.String("workflow_id", workflowID.String()))
			return
		}
		w.logger.Errorf("Failed to trigger scheduled workflow %s: %v", workflowID, err)
		return
	}

	w.logger.Infof("Triggered scheduled workflow: workflow_id=%s, execution_id=%s", workflowID, exec.ID)
}

// Scheduled returns the number of workflows with a cron entry
func (w *SchedulerWorker) Scheduled() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
