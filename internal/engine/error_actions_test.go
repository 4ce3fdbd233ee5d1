package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/internal/models"
)

// countingAction fails the first failures calls and then succeeds
func countingAction(kind string, failures int32) (Action, *atomic.Int32) {
	var calls atomic.Int32
	return NewActionFunc(kind, func(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
		n := calls.Add(1)
		if n <= failures {
			return nil, errors.New("upstream unavailable")
		}
		return map[string]interface{}{"call": int(n)}, nil
	}), &calls
}

func newErrorHandlingHarness(t *testing.T, circuits CircuitStore, actions ...Action) *testHarness {
	t.Helper()
	return newHarness(DefaultConfig(), func(reg *Registry) {
		reg.MustRegister(actions...)
		require.NoError(t, RegisterErrorHandlingActions(reg, circuits, nil))
	})
}

func runSingleNode(t *testing.T, h *testHarness, config map[string]interface{}) *models.WorkflowExecution {
	t.Helper()
	kind, _ := config["action_type"].(string)
	delete(config, "action_type")
	wf := h.add(newTestWorkflow(actionNode("guarded", kind, "", config)))
	exec, err := h.engine.TriggerWorkflow(context.Background(), wf.ID, models.ExecutionContext{
		TriggerData: map[string]interface{}{"endpoint": "https://billing.test"},
	}, false)
	require.NoError(t, err)
	return exec
}

func TestRetryConfig_Backoff(t *testing.T) {
	tests := []struct {
		name     string
		cfg      RetryConfig
		expected []time.Duration
	}{
		{
			name:     "exponential capped",
			cfg:      RetryConfig{Strategy: StrategyExponential, DelaySeconds: 1, MaxDelaySeconds: 20},
			expected: []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 20 * time.Second, 20 * time.Second},
		},
		{
			name:     "linear",
			cfg:      RetryConfig{Strategy: StrategyLinear, DelaySeconds: 2},
			expected: []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second},
		},
		{
			name:     "fixed",
			cfg:      RetryConfig{Strategy: StrategyFixed, DelaySeconds: 0.5},
			expected: []time.Duration{500 * time.Millisecond, 500 * time.Millisecond},
		},
		{
			name:     "fixed capped",
			cfg:      RetryConfig{Strategy: StrategyFixed, DelaySeconds: 10, MaxDelaySeconds: 3},
			expected: []time.Duration{3 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make([]time.Duration, len(tt.expected))
			for i := range tt.expected {
				got[i] = tt.cfg.Backoff(i + 1)
			}
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("delays never decrease and never exceed the cap", func(t *testing.T) {
		for _, strategy := range []string{StrategyFixed, StrategyLinear, StrategyExponential} {
			cfg := RetryConfig{Strategy: strategy, DelaySeconds: 1.5, MaxDelaySeconds: 45}
			prev := time.Duration(0)
			for attempt := 1; attempt <= 30; attempt++ {
				d := cfg.Backoff(attempt)
				assert.GreaterOrEqual(t, d, prev, strategy)
				assert.LessOrEqual(t, d, 45*time.Second, strategy)
				prev = d
			}
		}
	})
}

func TestRetryAction(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		flaky, calls := countingAction("charge", 2)
		h := newErrorHandlingHarness(t, nil, flaky)

		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type":   ActionRetry,
			"max_retries":   3,
			"delay_seconds": 1,
			"action":        map[string]interface{}{"action": "charge", "config": map[string]interface{}{"url": "{{endpoint}}"}},
		})

		assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, h.sleeps.all())

		out := exec.Steps[0].Output
		assert.Equal(t, true, out["success"])
		assert.Equal(t, 3, out["attempts"])
	})

	t.Run("exhaustion makes max_retries plus one attempts", func(t *testing.T) {
		flaky, calls := countingAction("charge", 100)
		h := newErrorHandlingHarness(t, nil, flaky)

		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type":       ActionRetry,
			"max_retries":       "4",
			"strategy":          StrategyExponential,
			"delay_seconds":     2,
			"max_delay_seconds": 5,
			"action":            map[string]interface{}{"action": "charge"},
		})

		assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
		assert.Equal(t, int32(5), calls.Load())
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, h.sleeps.all())
		assert.Contains(t, *exec.ErrorMessage, "retry exhausted after 5 attempts")
		assert.Equal(t, "guarded", exec.ErrorNodeID)

		step := exec.Steps[0]
		assert.Equal(t, models.StepStatusFailed, step.Status)
		assert.Equal(t, 5, step.Output["attempts"])
		history, ok := step.Output["history"].([]interface{})
		require.True(t, ok)
		assert.Len(t, history, 5)
	})

	t.Run("authoring defects are not retried", func(t *testing.T) {
		h := newErrorHandlingHarness(t, nil)

		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type": ActionRetry,
			"max_retries": 5,
			"action":      map[string]interface{}{"action": "not_registered"},
		})

		assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
		assert.Equal(t, models.ErrorTypeAuthoring, exec.ErrorType)
		assert.Empty(t, h.sleeps.all())
		assert.Equal(t, 1, exec.Steps[0].Output["attempts"])
	})

	t.Run("requires an execution context", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, RegisterErrorHandlingActions(reg, nil, nil))
		action, err := reg.Get(ActionRetry)
		require.NoError(t, err)

		_, err = action.Execute(context.Background(), map[string]interface{}{
			"action": map[string]interface{}{"action": "x"},
		}, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestTryCatchAction(t *testing.T) {
	newHarnessWithCapture := func(t *testing.T) (*testHarness, *[]map[string]interface{}) {
		var mu sync.Mutex
		var captured []map[string]interface{}
		capture := NewActionFunc("capture", func(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
			mu.Lock()
			captured = append(captured, map[string]interface{}{"config": config, "error": vars["failure"]})
			mu.Unlock()
			return map[string]interface{}{"captured": true}, nil
		})
		h := newErrorHandlingHarness(t, nil,
			okAction("reserve", map[string]interface{}{"reserved": true}),
			failingAction("charge", errors.New("card declined")),
			capture,
		)
		return h, &captured
	}

	t.Run("catch handles the failure", func(t *testing.T) {
		h, captured := newHarnessWithCapture(t)

		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type":    ActionTryCatch,
			"error_variable": "failure",
			"try": []interface{}{
				map[string]interface{}{"action": "reserve"},
				map[string]interface{}{"name": "charge card", "action": "charge"},
				map[string]interface{}{"action": "reserve"},
			},
			"catch": []interface{}{
				map[string]interface{}{"action": "capture", "config": map[string]interface{}{"note": "failed at {{failure.step}}"}},
			},
			"finally": []interface{}{
				map[string]interface{}{"action": "capture", "config": map[string]interface{}{"note": "cleanup"}},
			},
		})

		assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
		out := exec.Steps[0].Output
		assert.Equal(t, false, out["success"])
		assert.Equal(t, true, out["caught"])
		assert.Equal(t, "charge card", out["failed_step"])
		assert.Contains(t, out["error"], "card declined")
		assert.Len(t, out["results"], 1)

		require.Len(t, *captured, 2)
		catch := (*captured)[0]
		assert.Equal(t, "failed at charge card", catch["config"].(map[string]interface{})["note"])
		assert.Equal(t, "charge card", catch["error"].(map[string]interface{})["step"])
		assert.Equal(t, "cleanup", (*captured)[1]["config"].(map[string]interface{})["note"])
	})

	t.Run("rethrow fails the node after finally", func(t *testing.T) {
		h, captured := newHarnessWithCapture(t)

		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type": ActionTryCatch,
			"rethrow":     true,
			"try":         []interface{}{map[string]interface{}{"action": "charge"}},
			"catch":       []interface{}{map[string]interface{}{"action": "capture"}},
			"finally":     []interface{}{map[string]interface{}{"action": "capture"}},
		})

		assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
		assert.Contains(t, *exec.ErrorMessage, "card declined")
		assert.Len(t, *captured, 2)
	})

	t.Run("no catch steps propagates the error", func(t *testing.T) {
		h, captured := newHarnessWithCapture(t)

		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type": ActionTryCatch,
			"try":         []interface{}{map[string]interface{}{"action": "charge"}},
			"finally":     []interface{}{map[string]interface{}{"action": "capture"}},
		})

		assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
		assert.Len(t, *captured, 1)
	})

	t.Run("successful try skips catch", func(t *testing.T) {
		h, captured := newHarnessWithCapture(t)

		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type": ActionTryCatch,
			"try":         []interface{}{map[string]interface{}{"action": "reserve", "output_variable": "reservation"}},
			"catch":       []interface{}{map[string]interface{}{"action": "capture"}},
		})

		assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
		assert.Equal(t, true, exec.Steps[0].Output["success"])
		assert.Empty(t, *captured)
		assert.Equal(t, map[string]interface{}{"reserved": true}, exec.Variables["reservation"])
	})
}

func TestFallbackAction(t *testing.T) {
	h := newErrorHandlingHarness(t, nil,
		failingAction("primary_rates", errors.New("timeout")),
		failingAction("secondary_rates", errors.New("503")),
		okAction("cached_rates", map[string]interface{}{"usd": 1.0}),
	)

	t.Run("first successful fallback wins", func(t *testing.T) {
		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type": ActionFallback,
			"primary":     map[string]interface{}{"action": "primary_rates"},
			"fallbacks": []interface{}{
				map[string]interface{}{"action": "secondary_rates"},
				map[string]interface{}{"name": "cache", "action": "cached_rates"},
			},
		})

		assert.Equal(t, models.ExecutionStatusCompleted, exec.Status)
		out := exec.Steps[0].Output
		assert.Equal(t, true, out["used_fallback"])
		assert.Equal(t, 1, out["fallback_index"])
		assert.Equal(t, "cache", out["source"])
		assert.Equal(t, map[string]interface{}{"usd": 1.0}, out["result"])
		assert.Contains(t, out["primary_error"], "timeout")
	})

	t.Run("primary success skips fallbacks", func(t *testing.T) {
		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type": ActionFallback,
			"primary":     map[string]interface{}{"action": "cached_rates"},
			"fallbacks":   []interface{}{map[string]interface{}{"action": "primary_rates"}},
		})

		assert.Equal(t, false, exec.Steps[0].Output["used_fallback"])
	})

	t.Run("exhaustion reports the primary error", func(t *testing.T) {
		exec := runSingleNode(t, h, map[string]interface{}{
			"action_type": ActionFallback,
			"primary":     map[string]interface{}{"action": "primary_rates"},
			"fallbacks":   []interface{}{map[string]interface{}{"action": "secondary_rates"}},
		})

		assert.Equal(t, models.ExecutionStatusFailed, exec.Status)
		assert.Contains(t, *exec.ErrorMessage, "all fallbacks failed: timeout")
		assert.Len(t, exec.Steps[0].Output["errors"], 2)
	})
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	breaker := NewCircuitBreaker(NewMemoryCircuitStore(), nil)
	breaker.now = func() time.Time { return now }
	policy := CircuitPolicy{FailureThreshold: 2, ResetTimeout: 30 * time.Second}

	var calls int
	fail := func(context.Context) (map[string]interface{}, error) {
		calls++
		return nil, errors.New("gateway down")
	}
	succeed := func(context.Context) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"ok": true}, nil
	}

	_, state, err := breaker.Call(ctx, "payments", policy, fail)
	require.Error(t, err)
	assert.Equal(t, models.CircuitClosed, state)

	_, state, err = breaker.Call(ctx, "payments", policy, fail)
	require.Error(t, err)
	assert.Equal(t, models.CircuitOpen, state)

	// open: calls are rejected without running fn
	_, state, err = breaker.Call(ctx, "payments", policy, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, models.CircuitOpen, state)
	assert.Equal(t, 2, calls)

	// a failed probe reopens the circuit
	now = now.Add(31 * time.Second)
	_, state, err = breaker.Call(ctx, "payments", policy, fail)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, models.CircuitOpen, state)
	assert.Equal(t, 3, calls)

	_, _, err = breaker.Call(ctx, "payments", policy, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// a successful probe closes it
	now = now.Add(31 * time.Second)
	out, state, err := breaker.Call(ctx, "payments", policy, succeed)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state)
	assert.Equal(t, true, out["ok"])

	c, err := breaker.State(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, c.State)
	assert.Zero(t, c.Failures)

	t.Run("circuits are independent", func(t *testing.T) {
		c, err := breaker.State(ctx, "shipping")
		require.NoError(t, err)
		assert.Equal(t, models.CircuitClosed, c.State)
		assert.Zero(t, c.Version)
	})
}

func TestCircuitBreaker_SingleHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := NewMemoryCircuitStore()
	breaker := NewCircuitBreaker(store, nil)
	breaker.now = func() time.Time { return now }
	policy := CircuitPolicy{FailureThreshold: 1, ResetTimeout: time.Minute}

	_, _, _ = breaker.Call(ctx, "crm", policy, func(context.Context) (map[string]interface{}, error) {
		return nil, errors.New("down")
	})
	now = now.Add(2 * time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, _, err := breaker.Call(ctx, "crm", policy, func(context.Context) (map[string]interface{}, error) {
			close(entered)
			<-release
			return nil, nil
		})
		done <- err
	}()

	<-entered
	_, state, err := breaker.Call(ctx, "crm", policy, func(context.Context) (map[string]interface{}, error) {
		t.Fatal("second caller must not run while the probe is in flight")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, models.CircuitHalfOpen, state)

	close(release)
	require.NoError(t, <-done)

	c, err := store.Get(ctx, "crm")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, c.State)
}

func TestCircuitBreaker_PanickingProbe(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := NewMemoryCircuitStore()
	breaker := NewCircuitBreaker(store, nil)
	breaker.now = func() time.Time { return now }
	policy := CircuitPolicy{FailureThreshold: 1, ResetTimeout: time.Minute}

	_, _, _ = breaker.Call(ctx, "ledger", policy, func(context.Context) (map[string]interface{}, error) {
		return nil, errors.New("down")
	})
	now = now.Add(2 * time.Minute)

	assert.Panics(t, func() {
		_, _, _ = breaker.Call(ctx, "ledger", policy, func(context.Context) (map[string]interface{}, error) {
			panic("boom")
		})
	})

	c, err := store.Get(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitOpen, c.State)
	assert.Nil(t, c.ProbeStartedAt)
	assert.Equal(t, 2, c.Failures)

	// the circuit recovers once the reset timeout passes again
	now = now.Add(2 * time.Minute)
	_, state, err := breaker.Call(ctx, "ledger", policy, func(context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state)
}

func TestCircuitBreaker_StaleProbe(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store := NewMemoryCircuitStore()
	breaker := NewCircuitBreaker(store, nil)
	breaker.now = func() time.Time { return now }
	policy := CircuitPolicy{FailureThreshold: 1, ResetTimeout: time.Minute}

	// a probe claimed by a process that never reported back
	started := now
	ok, err := store.CompareAndSwap(ctx, 0, &models.Circuit{
		ID:             "crm",
		State:          models.CircuitHalfOpen,
		Failures:       1,
		LastFailure:    &started,
		ProbeStartedAt: &started,
	})
	require.NoError(t, err)
	require.True(t, ok)

	succeed := func(context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}

	now = now.Add(30 * time.Second)
	_, state, err := breaker.Call(ctx, "crm", policy, succeed)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, models.CircuitHalfOpen, state)

	now = now.Add(time.Minute)
	_, state, err = breaker.Call(ctx, "crm", policy, succeed)
	require.NoError(t, err)
	assert.Equal(t, models.CircuitClosed, state)

	c, err := store.Get(ctx, "crm")
	require.NoError(t, err)
	assert.Nil(t, c.ProbeStartedAt)
	assert.Zero(t, c.Failures)
}

func TestMemoryCircuitStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCircuitStore()

	ok, err := store.CompareAndSwap(ctx, 0, &models.Circuit{ID: "a", State: models.CircuitOpen})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSwap(ctx, 0, &models.Circuit{ID: "a", State: models.CircuitClosed})
	require.NoError(t, err)
	assert.False(t, ok)

	c, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitOpen, c.State)
	assert.Equal(t, int64(1), c.Version)
}

func TestCircuitBreakerAction(t *testing.T) {
	circuits := NewMemoryCircuitStore()
	flaky, calls := countingAction("post_ledger", 100)
	h := newErrorHandlingHarness(t, circuits, flaky)

	config := func() map[string]interface{} {
		return map[string]interface{}{
			"action_type":           ActionCircuitBreaker,
			"circuit_id":            "ledger",
			"failure_threshold":     1,
			"reset_timeout_seconds": 600,
			"action":                map[string]interface{}{"action": "post_ledger"},
		}
	}

	first := runSingleNode(t, h, config())
	assert.Equal(t, models.ExecutionStatusFailed, first.Status)
	assert.Contains(t, *first.ErrorMessage, "upstream unavailable")

	second := runSingleNode(t, h, config())
	assert.Equal(t, models.ExecutionStatusFailed, second.Status)
	assert.Contains(t, *second.ErrorMessage, ErrCircuitOpen.Error())
	assert.Equal(t, models.ErrorTypeTransient, second.ErrorType)
	assert.Equal(t, int32(1), calls.Load())

	c, err := circuits.Get(context.Background(), "ledger")
	require.NoError(t, err)
	assert.Equal(t, models.CircuitOpen, c.State)
}

func TestErrorHandlingActions_ValidateConfig(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(okAction("notify", nil))
	require.NoError(t, RegisterErrorHandlingActions(reg, nil, nil))

	tests := []struct {
		name    string
		kind    string
		config  map[string]interface{}
		wantErr error
	}{
		{
			name:   "valid retry",
			kind:   ActionRetry,
			config: map[string]interface{}{"action": map[string]interface{}{"action": "notify"}, "strategy": "linear"},
		},
		{
			name:    "retry of unknown action",
			kind:    ActionRetry,
			config:  map[string]interface{}{"action": map[string]interface{}{"action": "nope"}},
			wantErr: ErrUnknownActionType,
		},
		{
			name:    "retry with unknown strategy",
			kind:    ActionRetry,
			config:  map[string]interface{}{"action": map[string]interface{}{"action": "notify"}, "strategy": "random"},
			wantErr: ErrInvalidConfig,
		},
		{
			name:    "try_catch without try steps",
			kind:    ActionTryCatch,
			config:  map[string]interface{}{"try": []interface{}{}},
			wantErr: ErrInvalidConfig,
		},
		{
			name: "try_catch with unknown catch action",
			kind: ActionTryCatch,
			config: map[string]interface{}{
				"try":   []interface{}{map[string]interface{}{"action": "notify"}},
				"catch": []interface{}{map[string]interface{}{"action": "nope"}},
			},
			wantErr: ErrUnknownActionType,
		},
		{
			name: "valid fallback",
			kind: ActionFallback,
			config: map[string]interface{}{
				"primary":   map[string]interface{}{"action": "notify"},
				"fallbacks": []interface{}{map[string]interface{}{"action": "notify"}},
			},
		},
		{
			name:    "circuit breaker without id",
			kind:    ActionCircuitBreaker,
			config:  map[string]interface{}{"action": map[string]interface{}{"action": "notify"}},
			wantErr: ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.ValidateConfig(tt.kind, tt.config)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
