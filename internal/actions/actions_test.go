package actions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// fakeRunner records variable writes
type fakeRunner struct {
	mu   sync.Mutex
	vars map[string]interface{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{vars: map[string]interface{}{}}
}

func (r *fakeRunner) RunStep(ctx context.Context, step engine.InlineStep) (map[string]interface{}, error) {
	return nil, errors.New("not supported")
}

func (r *fakeRunner) SetVariable(key string, value interface{}) {
	r.mu.Lock()
	r.vars[key] = value
	r.mu.Unlock()
}

func (r *fakeRunner) Variables() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.vars))
	for k, v := range r.vars {
		out[k] = v
	}
	return out
}

func (r *fakeRunner) Resolve(v interface{}) interface{} { return v }

func (r *fakeRunner) Sleep(ctx context.Context, d time.Duration) error { return nil }

func (r *fakeRunner) Now() time.Time { return time.Now() }

func TestRegisterBuiltins(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Options{Logger: logger.NewNop()}))

	assert.Equal(t, []string{"http_request", "log", "set_variable", "transform", "validate_schema"}, reg.Kinds())

	t.Run("registering twice fails", func(t *testing.T) {
		assert.Error(t, RegisterBuiltins(reg, Options{}))
	})
}

func TestLogAction(t *testing.T) {
	log, logs := logger.NewObserved(-1)
	action := NewLogAction(log)

	out, err := action.Execute(context.Background(), map[string]interface{}{
		"message": "invoice paid",
		"level":   "warn",
	}, map[string]interface{}{"execution_id": "e-1"})

	require.NoError(t, err)
	assert.Equal(t, "invoice paid", out["message"])
	assert.Equal(t, "warn", out["level"])

	entries := logs.FilterMessage("invoice paid").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0].Level.String())

	t.Run("rejects unknown level", func(t *testing.T) {
		err := action.ValidateConfig(map[string]interface{}{"level": "loud"})
		assert.ErrorIs(t, err, engine.ErrInvalidConfig)
	})
}

func TestSetVariableAction(t *testing.T) {
	action := NewSetVariableAction()

	tests := []struct {
		name     string
		config   map[string]interface{}
		expected map[string]interface{}
	}{
		{
			name:     "single variable keeps native type",
			config:   map[string]interface{}{"name": "total", "value": 42},
			expected: map[string]interface{}{"total": 42},
		},
		{
			name: "variables map",
			config: map[string]interface{}{"variables": map[string]interface{}{
				"status": "approved",
				"score":  0.9,
			}},
			expected: map[string]interface{}{"status": "approved", "score": 0.9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			ctx := engine.ContextWithRunner(context.Background(), runner)

			out, err := action.Execute(ctx, tt.config, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
			assert.Equal(t, tt.expected, runner.Variables())
		})
	}

	t.Run("requires a name or variables", func(t *testing.T) {
		assert.Error(t, action.ValidateConfig(map[string]interface{}{}))
	})

	t.Run("requires an execution context", func(t *testing.T) {
		_, err := action.Execute(context.Background(), map[string]interface{}{"name": "x", "value": 1}, nil)
		assert.ErrorIs(t, err, engine.ErrInvalidConfig)
	})
}

func TestHTTPRequestAction(t *testing.T) {
	var gotMethod, gotHeader, gotQuery string
	var gotBody map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.Query().Get("source")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"inv-1","accepted":true}`))
	}))
	defer server.Close()

	action := NewHTTPRequestAction(server.Client(), logger.NewNop())

	t.Run("posts json and decodes the response", func(t *testing.T) {
		out, err := action.Execute(context.Background(), map[string]interface{}{
			"url":     server.URL + "/invoices",
			"headers": map[string]interface{}{"X-Api-Key": "secret"},
			"query":   map[string]interface{}{"source": "workflow"},
			"body":    map[string]interface{}{"amount": 120},
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "secret", gotHeader)
		assert.Equal(t, "workflow", gotQuery)
		assert.Equal(t, float64(120), gotBody["amount"])

		assert.Equal(t, 200, out["status_code"])
		assert.Equal(t, true, out["success"])
		body, ok := out["body"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "inv-1", body["id"])
	})

	t.Run("error status fails the action", func(t *testing.T) {
		out, err := action.Execute(context.Background(), map[string]interface{}{
			"url":    server.URL + "/fail",
			"method": "get",
		}, nil)

		require.Error(t, err)
		assert.Equal(t, http.MethodGet, gotMethod)
		assert.Equal(t, http.StatusBadGateway, out["status_code"])
	})

	t.Run("expected status list overrides the default", func(t *testing.T) {
		_, err := action.Execute(context.Background(), map[string]interface{}{
			"url":           server.URL + "/fail",
			"expect_status": []interface{}{502},
		}, nil)
		assert.NoError(t, err)
	})

	t.Run("validation", func(t *testing.T) {
		assert.NoError(t, action.ValidateConfig(map[string]interface{}{"url": "{{endpoint}}/hooks"}))
		assert.ErrorIs(t, action.ValidateConfig(map[string]interface{}{}), engine.ErrInvalidConfig)
		assert.ErrorIs(t, action.ValidateConfig(map[string]interface{}{"url": "https://x.test", "method": "TRACE"}), engine.ErrInvalidConfig)
	})
}

func TestTransformAction(t *testing.T) {
	action := NewTransformAction()
	vars := map[string]interface{}{
		"invoices": []interface{}{
			map[string]interface{}{"id": "a", "amount": 100, "status": "paid"},
			map[string]interface{}{"id": "b", "amount": 250, "status": "overdue"},
			map[string]interface{}{"id": "c", "amount": 75, "status": "overdue"},
		},
	}

	tests := []struct {
		name     string
		config   map[string]interface{}
		expected interface{}
	}{
		{
			name:     "single result",
			config:   map[string]interface{}{"query": "[.invoices[] | .amount] | add"},
			expected: float64(425),
		},
		{
			name:     "multiple results become a list",
			config:   map[string]interface{}{"query": `.invoices[] | select(.status == "overdue") | .id`},
			expected: []interface{}{"b", "c"},
		},
		{
			name:     "explicit input",
			config:   map[string]interface{}{"query": ".name | ascii_upcase", "input": map[string]interface{}{"name": "acme"}},
			expected: "ACME",
		},
		{
			name:     "all wraps a single result",
			config:   map[string]interface{}{"query": ".invoices | length", "all": true},
			expected: []interface{}{3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := action.Execute(context.Background(), tt.config, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out["result"])
		})
	}

	t.Run("invalid query is a config error", func(t *testing.T) {
		err := action.ValidateConfig(map[string]interface{}{"query": ".invoices[ |"})
		assert.ErrorIs(t, err, engine.ErrInvalidConfig)
	})
}

func TestValidateSchemaAction(t *testing.T) {
	action := NewValidateSchemaAction()
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"invoice_id", "amount"},
		"properties": map[string]interface{}{
			"invoice_id": map[string]interface{}{"type": "string"},
			"amount":     map[string]interface{}{"type": "number", "minimum": 0},
		},
	}

	t.Run("valid trigger payload", func(t *testing.T) {
		out, err := action.Execute(context.Background(), map[string]interface{}{"schema": schema}, map[string]interface{}{
			"trigger": map[string]interface{}{"invoice_id": "inv-1", "amount": 10},
		})
		require.NoError(t, err)
		assert.Equal(t, true, out["valid"])
	})

	t.Run("violations are reported", func(t *testing.T) {
		out, err := action.Execute(context.Background(), map[string]interface{}{
			"schema": schema,
			"data":   map[string]interface{}{"amount": -5},
		}, nil)
		require.ErrorIs(t, err, ErrSchemaViolation)
		assert.Equal(t, false, out["valid"])
		assert.NotEmpty(t, out["violations"])
	})

	t.Run("invalid schema is a config error", func(t *testing.T) {
		err := action.ValidateConfig(map[string]interface{}{"schema": map[string]interface{}{"type": 12}})
		assert.ErrorIs(t, err, engine.ErrInvalidConfig)
	})
}
