package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/internal/repository/memory"
	"github.com/davidmoltin/bizflow/pkg/testutil"
)

var _ engine.EventSink = (*Monitor)(nil)

// testClock is a settable clock
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMonitor_SubscribePublish(t *testing.T) {
	m := New(memory.NewStore(), Config{SubscriberBuffer: 2})
	execID := uuid.New()

	sub := m.Subscribe(execID)
	other := m.Subscribe(uuid.New())
	assert.Equal(t, 2, m.SubscriberCount())

	m.Publish(models.ExecutionEvent{Type: models.EventStepStarted, ExecutionID: execID})
	m.Publish(models.ExecutionEvent{Type: models.EventStepCompleted, ExecutionID: execID})

	got := <-sub.Events()
	assert.Equal(t, models.EventStepStarted, got.Type)
	got = <-sub.Events()
	assert.Equal(t, models.EventStepCompleted, got.Type)
	assert.Empty(t, other.Events(), "events are scoped to one execution")

	t.Run("full queue drops instead of blocking", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			m.Publish(models.ExecutionEvent{Type: models.EventLog, ExecutionID: execID})
		}
		assert.Equal(t, int64(3), sub.Dropped())
		assert.Len(t, sub.Events(), 2)
	})

	t.Run("unsubscribe closes the feed", func(t *testing.T) {
		m.Unsubscribe(sub)
		m.Unsubscribe(sub)

		for range sub.Events() {
		}
		_, open := <-sub.Events()
		assert.False(t, open)
		assert.Equal(t, 1, m.SubscriberCount())

		// publishing to an execution without subscribers is a no-op
		m.Publish(models.ExecutionEvent{Type: models.EventLog, ExecutionID: execID})
	})

	t.Run("close ends everything", func(t *testing.T) {
		m.Close()
		assert.Equal(t, 0, m.SubscriberCount())
		_, open := <-other.Events()
		assert.False(t, open)
	})
}

func TestMonitor_GetTimeline(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fb := testutil.NewFixtureBuilder()
	m := New(store, DefaultConfig())

	start := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	exec := fb.Execution(uuid.New(), func(e *models.WorkflowExecution) {
		e.StartedAt = testutil.TimePtr(start)
		e.Steps = []models.ExecutionStep{
			fb.Step(e.ID, "notify", func(s *models.ExecutionStep) { s.StartedAt = start.Add(250 * time.Millisecond) }),
			fb.Step(e.ID, "check", func(s *models.ExecutionStep) {
				s.StartedAt = start.Add(10 * time.Millisecond)
				s.NodeType = models.NodeTypeCondition
			}),
		}
	})
	require.NoError(t, store.SaveExecution(ctx, exec))

	timeline, err := m.GetTimeline(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, timeline.ExecutionID)
	require.Len(t, timeline.Entries, 2)
	assert.Equal(t, "check", timeline.Entries[0].NodeID)
	assert.Equal(t, int64(10), timeline.Entries[0].OffsetMs)
	assert.Equal(t, "notify", timeline.Entries[1].NodeID)
	assert.Equal(t, int64(250), timeline.Entries[1].OffsetMs)

	_, err = m.GetTimeline(ctx, uuid.New())
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestMonitor_GetStats(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fb := testutil.NewFixtureBuilder()
	clock := &testClock{now: time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)}
	m := New(store, Config{StatsTTL: time.Minute}, WithClock(clock.Now))

	workflowID := uuid.New()
	add := func(status models.ExecutionStatus, daysAgo int, durationMs int64, errorType string) {
		exec := fb.Execution(workflowID, func(e *models.WorkflowExecution) {
			e.Status = status
			e.CreatedAt = clock.Now().AddDate(0, 0, -daysAgo)
			e.ErrorType = errorType
			if durationMs > 0 {
				e.DurationMs = testutil.Int64Ptr(durationMs)
			}
		})
		require.NoError(t, store.SaveExecution(ctx, exec))
	}

	add(models.ExecutionStatusCompleted, 0, 100, "")
	add(models.ExecutionStatusCompleted, 1, 300, "")
	add(models.ExecutionStatusCompleted, 1, 200, "")
	add(models.ExecutionStatusFailed, 2, 400, models.ErrorTypeTransient)
	add(models.ExecutionStatusFailed, 2, 0, "")
	add(models.ExecutionStatusRunning, 0, 0, "")
	add(models.ExecutionStatusCompleted, 30, 100, "") // outside the window

	stats, err := m.GetStats(ctx, &workflowID, 7)
	require.NoError(t, err)

	assert.Equal(t, 6, stats.TotalExecutions)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.InDelta(t, 0.6, stats.SuccessRate, 1e-9)
	assert.Equal(t, int64(250), stats.AvgDurationMs)
	assert.Equal(t, map[string]int{"transient": 1, "unknown": 1}, stats.FailuresByType)
	assert.Len(t, stats.ExecutionsByDay, 7)
	assert.Equal(t, 2, stats.ExecutionsByDay["2026-04-10"])
	assert.Equal(t, 2, stats.ExecutionsByDay["2026-04-09"])
	assert.Equal(t, 2, stats.ExecutionsByDay["2026-04-08"])
	assert.Equal(t, 0, stats.ExecutionsByDay["2026-04-04"])

	t.Run("served from cache within ttl", func(t *testing.T) {
		add(models.ExecutionStatusCompleted, 0, 100, "")
		cached, err := m.GetStats(ctx, &workflowID, 7)
		require.NoError(t, err)
		assert.Equal(t, 6, cached.TotalExecutions)

		clock.Advance(2 * time.Minute)
		fresh, err := m.GetStats(ctx, &workflowID, 7)
		require.NoError(t, err)
		assert.Equal(t, 7, fresh.TotalExecutions)
	})

	t.Run("window is clamped", func(t *testing.T) {
		stats, err := m.GetStats(ctx, nil, 0)
		require.NoError(t, err)
		assert.Equal(t, 7, stats.WindowDays)

		stats, err = m.GetStats(ctx, nil, 5000)
		require.NoError(t, err)
		assert.Equal(t, 365, stats.WindowDays)
		assert.Equal(t, 8, stats.TotalExecutions)
	})

	t.Run("empty window", func(t *testing.T) {
		stats, err := m.GetStats(ctx, testutil.UUIDPtr(uuid.New()), 3)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalExecutions)
		assert.Zero(t, stats.SuccessRate)
	})
}

func TestMemoryStatsCache(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewMemoryStatsCache(clock.Now)

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "k", &models.ExecutionStats{TotalExecutions: 4}, 10*time.Second))

	got, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got.TotalExecutions)

	got.TotalExecutions = 99
	again, _, _ := cache.Get(ctx, "k")
	assert.Equal(t, 4, again.TotalExecutions)

	clock.Advance(10 * time.Second)
	_, ok, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMonitor_RunWithoutRedis(t *testing.T) {
	m := New(memory.NewStore(), DefaultConfig())
	assert.NoError(t, m.Run(context.Background()))
}
