package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/internal/models"
)

const invoiceWorkflowYAML = `
tenant_id: tenant-1
name: invoice review
trigger:
  type: event
  entity: invoice
  event: created
nodes:
  - id: start
    type: trigger
    next: check
  - id: check
    type: condition
    config:
      conditions:
        - expression: amount > 1000
          next: review
      default: done
  - id: review
    type: action
    config:
      action_type: log
      message: "review {{invoice_id}}"
    next: wait
  - id: wait
    type: delay
    config:
      duration: 2
      unit: days
    next: done
  - id: done
    type: end
error_handler:
  retry_count: 2
  retry_delay_seconds: 1.5
`

func TestParseWorkflow_YAML(t *testing.T) {
	req, err := ParseWorkflow([]byte(invoiceWorkflowYAML), ".yaml")
	require.NoError(t, err)

	assert.Equal(t, "invoice review", req.Name)
	assert.Equal(t, models.TriggerTypeEvent, req.Trigger.Type)
	require.Len(t, req.Nodes, 5)
	assert.Equal(t, "check", req.Nodes[0].Next)
	assert.Equal(t, 2, req.ErrorHandler.RetryCount)

	conditions, ok := req.Nodes[1].Config["conditions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, conditions, 1)
}

func TestParseWorkflow_Invalid(t *testing.T) {
	_, err := ParseWorkflow([]byte("{nope"), ".json")
	assert.ErrorContains(t, err, "invalid JSON")

	_, err = ParseWorkflow([]byte("nodes: [unclosed"), ".yml")
	assert.ErrorContains(t, err, "invalid YAML")
}

func TestValidateWorkflowFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid yaml", func(t *testing.T) {
		path := filepath.Join(dir, "invoice.yaml")
		require.NoError(t, os.WriteFile(path, []byte(invoiceWorkflowYAML), 0o600))

		result, err := ValidateWorkflowFile(path)
		require.NoError(t, err)
		assert.True(t, result.Valid, "errors: %v", result.Errors)
	})

	t.Run("broken graph", func(t *testing.T) {
		req, err := ParseWorkflow([]byte(invoiceWorkflowYAML), ".yaml")
		require.NoError(t, err)
		req.Nodes[2].Next = "missing"
		req.Name = ""

		data, err := json.Marshal(req)
		require.NoError(t, err)
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, os.WriteFile(path, data, 0o600))

		result, err := ValidateWorkflowFile(path)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.GreaterOrEqual(t, len(result.Errors), 2)
	})

	t.Run("unparseable file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

		result, err := ValidateWorkflowFile(path)
		require.NoError(t, err)
		assert.False(t, result.Valid)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ValidateWorkflowFile(filepath.Join(dir, "absent.yaml"))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})
}

func TestClient(t *testing.T) {
	execID := uuid.New()
	var gotResume models.ResumeRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/workflows/wf-1/trigger", func(w http.ResponseWriter, r *http.Request) {
		var req models.TriggerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(models.WorkflowExecution{ID: execID, Status: models.ExecutionStatusPending})
	})
	mux.HandleFunc("/api/v1/workflows/wf-2/publish", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":    "workflow validation failed",
			"problems": []string{"node review references non-existent node: missing"},
		})
	})
	mux.HandleFunc("/api/v1/executions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wf-1", r.URL.Query().Get("workflow_id"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(models.ExecutionListResponse{
			Executions: []*models.WorkflowExecution{{ID: execID}},
			Total:      1,
		})
	})
	mux.HandleFunc("/api/v1/executions/"+execID.String()+"/resume", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotResume))
		json.NewEncoder(w).Encode(models.WorkflowExecution{ID: execID, Status: models.ExecutionStatusCompleted})
	})
	mux.HandleFunc("/api/v1/executions/"+execID.String()+"/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"Execution is not running or waiting"}`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL+"/", 0)
	ctx := context.Background()

	require.NoError(t, client.HealthCheck(ctx))

	exec, err := client.TriggerWorkflow(ctx, "wf-1", &models.TriggerRequest{Async: true})
	require.NoError(t, err)
	assert.Equal(t, execID, exec.ID)

	_, err = client.PublishWorkflow(ctx, "wf-2")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "non-existent node")

	list, err := client.ListExecutions(ctx, "wf-1", "", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	resumed, err := client.ResumeExecution(ctx, execID.String(), map[string]interface{}{"approved": true})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, true, gotResume.Data["approved"])

	err = client.CancelExecution(ctx, execID.String())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Execution is not running or waiting", apiErr.Message)
}
