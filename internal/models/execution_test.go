package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONB_Scan(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		wantErr bool
		check   func(t *testing.T, j JSONB)
	}{
		{
			name:  "nil value",
			value: nil,
			check: func(t *testing.T, j JSONB) {
				assert.NotNil(t, j)
				assert.Empty(t, j)
			},
		},
		{
			name:  "invoice payload",
			value: []byte(`{"invoice_id": "INV-7", "total": 1250.5}`),
			check: func(t *testing.T, j JSONB) {
				assert.Equal(t, "INV-7", j["invoice_id"])
				assert.InDelta(t, 1250.5, j["total"], 0.001)
			},
		},
		{
			name:  "non-byte value",
			value: 42,
			check: func(t *testing.T, j JSONB) {
				assert.NotNil(t, j)
				assert.Empty(t, j)
			},
		},
		{
			name:    "invalid JSON",
			value:   []byte(`{"total":`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j JSONB
			err := j.Scan(tt.value)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.check(t, j)
		})
	}
}

func TestJSONB_ValueNil(t *testing.T) {
	var j JSONB
	value, err := j.Value()
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(value.([]byte), &result))
	assert.Empty(t, result)
}

func TestExecutionContext_RoundTrip(t *testing.T) {
	original := ExecutionContext{
		TriggerType: TriggerTypeEvent,
		TriggerData: map[string]interface{}{
			"entity": "invoice",
			"event":  "created",
		},
	}

	value, err := original.Value()
	require.NoError(t, err)

	var scanned ExecutionContext
	require.NoError(t, scanned.Scan(value))

	assert.Equal(t, TriggerTypeEvent, scanned.TriggerType)
	assert.Equal(t, "invoice", scanned.TriggerData["entity"])
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   ExecutionStatus
		terminal bool
	}{
		{ExecutionStatusPending, false},
		{ExecutionStatusRunning, false},
		{ExecutionStatusWaiting, false},
		{ExecutionStatusCompleted, true},
		{ExecutionStatusFailed, true},
		{ExecutionStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestWorkflowExecution_Clone(t *testing.T) {
	now := time.Now()
	exec := &WorkflowExecution{
		ID:        uuid.New(),
		Status:    ExecutionStatusRunning,
		Variables: JSONB{"amount": 10},
		Steps: []ExecutionStep{
			{ID: uuid.New(), NodeID: "a", Status: StepStatusCompleted, StartedAt: now},
		},
	}

	clone := exec.Clone()
	clone.Variables["amount"] = 20
	clone.Steps[0].Status = StepStatusFailed
	clone.Steps = append(clone.Steps, ExecutionStep{NodeID: "b"})

	assert.Equal(t, 10, exec.Variables["amount"])
	assert.Equal(t, StepStatusCompleted, exec.Steps[0].Status)
	assert.Len(t, exec.Steps, 1)
	assert.Nil(t, (*WorkflowExecution)(nil).Clone())
}
