package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// StatsCache stores computed statistics for a limited time
type StatsCache interface {
	Get(ctx context.Context, key string) (*models.ExecutionStats, bool, error)
	Set(ctx context.Context, key string, stats *models.ExecutionStats, ttl time.Duration) error
}

type cachedStats struct {
	stats   models.ExecutionStats
	expires time.Time
}

// MemoryStatsCache is a process-local StatsCache
type MemoryStatsCache struct {
	mu      sync.Mutex
	entries map[string]cachedStats
	now     func() time.Time
}

// NewMemoryStatsCache creates an empty cache. A nil clock uses time.Now.
func NewMemoryStatsCache(now func() time.Time) *MemoryStatsCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryStatsCache{entries: make(map[string]cachedStats), now: now}
}

func (c *MemoryStatsCache) Get(_ context.Context, key string) (*models.ExecutionStats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	stats := entry.stats
	return &stats, true, nil
}

func (c *MemoryStatsCache) Set(_ context.Context, key string, stats *models.ExecutionStats, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedStats{stats: *stats, expires: c.now().Add(ttl)}
	return nil
}

// GetStats aggregates executions created in the last windowDays days,
// optionally for one workflow. Results are cached for the configured TTL.
func (m *Monitor) GetStats(ctx context.Context, workflowID *uuid.UUID, windowDays int) (*models.ExecutionStats, error) {
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}
	if windowDays > maxWindowDays {
		windowDays = maxWindowDays
	}

	key := fmt.Sprintf("all:%d", windowDays)
	if workflowID != nil {
		key = fmt.Sprintf("%s:%d", workflowID, windowDays)
	}

	if cached, ok, err := m.cache.Get(ctx, key); err != nil {
		m.logger.Warn("stats cache read failed", logger.Err(err))
	} else if ok {
		return cached, nil
	}

	stats, err := m.computeStats(ctx, workflowID, windowDays)
	if err != nil {
		return nil, err
	}

	if err := m.cache.Set(ctx, key, stats, m.cfg.StatsTTL); err != nil {
		m.logger.Warn("stats cache write failed", logger.Err(err))
	}
	return stats, nil
}

func (m *Monitor) computeStats(ctx context.Context, workflowID *uuid.UUID, windowDays int) (*models.ExecutionStats, error) {
	now := m.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	since := today.AddDate(0, 0, -(windowDays - 1))

	executions, err := m.store.ListExecutions(ctx, models.ExecutionFilter{
		WorkflowID:   workflowID,
		CreatedAfter: &since,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}

	stats := &models.ExecutionStats{
		WorkflowID:      workflowID,
		WindowDays:      windowDays,
		FailuresByType:  make(map[string]int),
		ExecutionsByDay: make(map[string]int, windowDays),
		GeneratedAt:     now,
	}
	for d := 0; d < windowDays; d++ {
		stats.ExecutionsByDay[since.AddDate(0, 0, d).Format("2006-01-02")] = 0
	}

	var totalDuration, timed int64
	for _, exec := range executions {
		stats.TotalExecutions++
		stats.ExecutionsByDay[exec.CreatedAt.UTC().Format("2006-01-02")]++

		switch exec.Status {
		case models.ExecutionStatusCompleted:
			stats.Completed++
		case models.ExecutionStatusFailed:
			stats.Failed++
			errorType := exec.ErrorType
			if errorType == "" {
				errorType = "unknown"
			}
			stats.FailuresByType[errorType]++
		case models.ExecutionStatusCancelled:
			stats.Cancelled++
		case models.ExecutionStatusRunning:
			stats.Running++
		case models.ExecutionStatusWaiting:
			stats.Waiting++
		case models.ExecutionStatusPending:
			stats.Pending++
		}

		if exec.Status.IsTerminal() && exec.DurationMs != nil {
			totalDuration += *exec.DurationMs
			timed++
		}
	}

	if finished := stats.Completed + stats.Failed + stats.Cancelled; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	if timed > 0 {
		stats.AvgDurationMs = totalDuration / timed
	}

	return stats, nil
}
