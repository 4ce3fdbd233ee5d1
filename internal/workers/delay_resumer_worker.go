package workers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/metrics"
)

// ExecutionLister lists persisted executions
type ExecutionLister interface {
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error)
}

// ExecutionResumer continues a waiting execution
type ExecutionResumer interface {
	ResumeExecution(ctx context.Context, executionID uuid.UUID, data map[string]interface{}) error
}

// DelayResumerWorker resumes executions suspended on a long delay once
// their resume_at has passed
type DelayResumerWorker struct {
	executions    ExecutionLister
	resumer       ExecutionResumer
	logger        *logger.Logger
	metrics       *metrics.Metrics
	checkInterval time.Duration
	batchSize     int
	concurrency   int
	now           func() time.Time
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// NewDelayResumerWorker creates a new delay resumer worker
func NewDelayResumerWorker(
	executions ExecutionLister,
	resumer ExecutionResumer,
	log *logger.Logger,
	m *metrics.Metrics,
	checkInterval time.Duration,
	batchSize int,
	concurrency int,
) *DelayResumerWorker {
	if checkInterval == 0 {
		checkInterval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	return &DelayResumerWorker{
		executions:    executions,
		resumer:       resumer,
		logger:        log.Component("delay_resumer"),
		metrics:       m,
		checkInterval: checkInterval,
		batchSize:     batchSize,
		concurrency:   concurrency,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start starts the worker in the background
func (w *DelayResumerWorker) Start(ctx context.Context) {
	w.logger.Info("Starting delay resumer worker",
		logger.String("interval", w.checkInterval.String()),
		logger.Int("batch_size", w.batchSize),
		logger.Int("concurrency", w.concurrency),
	)

	go w.run(ctx)
}

// Stop stops the worker gracefully
func (w *DelayResumerWorker) Stop() {
	w.logger.Info("Stopping delay resumer worker")
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info("Delay resumer worker stopped")
}

func (w *DelayResumerWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.processDueExecutions(ctx)

	for {
		select {
		case <-ticker.C:
			w.processDueExecutions(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processDueExecutions resumes one batch of due executions and returns
// how many were resumed
func (w *DelayResumerWorker) processDueExecutions(ctx context.Context) int {
	start := time.Now()
	now := w.now()

	due, err := w.executions.ListExecutions(ctx, models.ExecutionFilter{
		Statuses:     []models.ExecutionStatus{models.ExecutionStatusWaiting},
		WaitingFor:   models.WaitingForDelay,
		ResumeBefore: &now,
		Limit:        w.batchSize,
	})
	if err != nil {
		w.logger.Errorf("Failed to list due executions: %v", err)
		w.metrics.RecordWorkerJob("delay_resumer", time.Since(start), err)
		return 0
	}

	if len(due) == 0 {
		w.logger.Debug("No due executions found")
		w.metrics.RecordWorkerJob("delay_resumer", time.Since(start), nil)
		return 0
	}

	w.logger.Infof("Found %d due executions to resume", len(due))

	var resumed, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(w.concurrency)
	for _, exec := range due {
		exec := exec
		p.Go(func() {
			if err := w.resumer.ResumeExecution(ctx, exec.ID, nil); err != nil {
				w.logger.Warn("Failed to resume execution",
					logger.String("execution_id", exec.ID.String()),
					logger.Err(err),
				)
				failed.Add(1)
				return
			}
			resumed.Add(1)
		})
	}
	p.Wait()

	w.logger.Infof("Due executions processed: resumed=%d, errors=%d", resumed.Load(), failed.Load())
	w.metrics.RecordWorkerJob("delay_resumer", time.Since(start), nil)
	return int(resumed.Load())
}
