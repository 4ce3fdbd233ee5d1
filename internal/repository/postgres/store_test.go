package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/testutil"
)

var (
	_ engine.Store            = (*Store)(nil)
	_ engine.ExecutionClaimer = (*Store)(nil)
)

func TestWhereBuilder(t *testing.T) {
	var w whereBuilder
	assert.Equal(t, "", w.String())

	w.add("tenant_id = ?", "t1")
	w.add("created_at BETWEEN ? AND ?", 1, 2)
	limit := w.next(10)

	assert.Equal(t, " WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3", w.String())
	assert.Equal(t, "$4", limit)
	assert.Equal(t, []interface{}{"t1", 1, 2, 10}, w.args)
}

func TestStore_Integration(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := testutil.Context(t)
	store := NewStore(db.Wrap())
	fb := testutil.NewFixtureBuilder()

	wf := fb.Workflow()
	require.NoError(t, store.SaveWorkflow(ctx, wf))

	t.Run("workflow round trip", func(t *testing.T) {
		got, err := store.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.Name, got.Name)
		assert.Equal(t, wf.Trigger, got.Trigger)
		assert.Equal(t, []string{"billing"}, got.Tags)
		require.Len(t, got.Nodes, len(wf.Nodes))
		assert.Equal(t, "check", got.Nodes[0].Next)
		assert.Equal(t, 1, got.ErrorHandler.RetryCount)
	})

	t.Run("workflow update and filters", func(t *testing.T) {
		wf.Status = models.WorkflowStatusPaused
		wf.ExecutionCount = 4
		require.NoError(t, store.SaveWorkflow(ctx, wf))

		paused := models.WorkflowStatusPaused
		event := models.TriggerTypeEvent
		list, err := store.ListWorkflows(ctx, models.WorkflowFilter{TenantID: "tenant-1", Status: &paused, TriggerType: &event})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(4), list[0].ExecutionCount)
	})

	t.Run("missing records", func(t *testing.T) {
		_, err := store.GetWorkflow(ctx, uuid.New())
		assert.ErrorIs(t, err, engine.ErrNotFound)
		_, err = store.GetExecution(ctx, uuid.New())
		assert.ErrorIs(t, err, engine.ErrNotFound)
	})

	t.Run("execution with steps", func(t *testing.T) {
		exec := fb.Execution(wf.ID)
		exec.Steps = []models.ExecutionStep{fb.Step(exec.ID, "check"), fb.Step(exec.ID, "review")}
		require.NoError(t, store.SaveExecution(ctx, exec))

		exec.Steps = exec.Steps[:1]
		exec.Steps[0].Output = models.JSONB{"branch": "review"}
		exec.Status = models.ExecutionStatusCompleted
		require.NoError(t, store.SaveExecution(ctx, exec))

		got, err := store.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
		assert.Equal(t, "INV-1", got.Variables["invoice_id"])
		require.Len(t, got.Steps, 1)
		assert.Equal(t, "review", got.Steps[0].Output["branch"])
	})

	t.Run("due delayed executions", func(t *testing.T) {
		now := time.Now().UTC()
		due := fb.Execution(wf.ID, func(e *models.WorkflowExecution) {
			e.Status = models.ExecutionStatusWaiting
			e.WaitingFor = models.WaitingForDelay
			e.ResumeAt = testutil.TimePtr(now.Add(-time.Minute))
		})
		require.NoError(t, store.SaveExecution(ctx, due))

		got, err := store.ListExecutions(ctx, models.ExecutionFilter{
			Statuses:     []models.ExecutionStatus{models.ExecutionStatusWaiting},
			WaitingFor:   models.WaitingForDelay,
			ResumeBefore: &now,
			Limit:        10,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, due.ID, got[0].ID)
	})

	t.Run("claim waiting execution", func(t *testing.T) {
		exec := fb.Execution(wf.ID, func(e *models.WorkflowExecution) {
			e.Status = models.ExecutionStatusWaiting
		})
		require.NoError(t, store.SaveExecution(ctx, exec))

		ok, err := store.ClaimExecution(ctx, exec.ID, models.ExecutionStatusWaiting, models.ExecutionStatusRunning)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ClaimExecution(ctx, exec.ID, models.ExecutionStatusWaiting, models.ExecutionStatusRunning)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusRunning, got.Status)
	})

	t.Run("logs", func(t *testing.T) {
		exec := fb.Execution(wf.ID)
		require.NoError(t, store.SaveExecution(ctx, exec))
		require.NoError(t, store.AppendLog(ctx, fb.Log(exec.ID, "started")))

		logs, err := store.ListLogs(ctx, exec.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "started", logs[0].Message)
	})
}
