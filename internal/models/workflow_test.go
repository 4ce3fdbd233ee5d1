package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowNodes_ValueScan(t *testing.T) {
	nodes := WorkflowNodes{
		{ID: "start", Type: NodeTypeTrigger, Next: "notify"},
		{ID: "notify", Type: NodeTypeAction, Config: map[string]interface{}{"action_type": "log"}},
	}

	value, err := nodes.Value()
	require.NoError(t, err)

	var scanned WorkflowNodes
	require.NoError(t, scanned.Scan(value))
	require.Len(t, scanned, 2)
	assert.Equal(t, "notify", scanned[0].Next)
	assert.Equal(t, "log", scanned[1].Config["action_type"])
}

func TestWorkflowNodes_ValueNil(t *testing.T) {
	var nodes WorkflowNodes
	value, err := nodes.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[]"), value)
}

func TestWorkflow_StartNodeID(t *testing.T) {
	tests := []struct {
		name  string
		nodes WorkflowNodes
		want  string
	}{
		{
			name: "trigger successor",
			nodes: WorkflowNodes{
				{ID: "a", Type: NodeTypeAction},
				{ID: "t", Type: NodeTypeTrigger, Next: "b"},
				{ID: "b", Type: NodeTypeAction},
			},
			want: "b",
		},
		{
			name: "first non-trigger node",
			nodes: WorkflowNodes{
				{ID: "a", Type: NodeTypeAction},
				{ID: "b", Type: NodeTypeEnd},
			},
			want: "a",
		},
		{
			name:  "empty",
			nodes: nil,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &Workflow{Nodes: tt.nodes}
			assert.Equal(t, tt.want, wf.StartNodeID())
		})
	}
}

func TestWorkflow_NodeByID(t *testing.T) {
	wf := &Workflow{Nodes: WorkflowNodes{{ID: "a"}, {ID: "b", Name: "second"}}}

	node, ok := wf.NodeByID("b")
	require.True(t, ok)
	assert.Equal(t, "second", node.Name)

	_, ok = wf.NodeByID("missing")
	assert.False(t, ok)
}

func TestTriggerDefinition_Scan(t *testing.T) {
	var trigger TriggerDefinition
	err := trigger.Scan([]byte(`{"type":"event","entity":"invoice","event":"paid"}`))
	require.NoError(t, err)

	assert.Equal(t, TriggerTypeEvent, trigger.Type)
	assert.Equal(t, "invoice", trigger.Entity)
	assert.Equal(t, "paid", trigger.Event)
}
