package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/internal/monitor"
	"github.com/davidmoltin/bizflow/internal/repository/memory"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/testutil"
)

type streamHarness struct {
	store   *memory.Store
	monitor *monitor.Monitor
	server  *httptest.Server
}

func newStreamHarness(t *testing.T) *streamHarness {
	t.Helper()

	store := memory.NewStore()
	mon := monitor.New(store, monitor.DefaultConfig())
	h := NewHandler(mon, store, logger.NewNop(), []string{"*"})

	r := chi.NewRouter()
	r.Get("/executions/{id}/stream", h.HandleStream)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &streamHarness{store: store, monitor: mon, server: server}
}

func (h *streamHarness) dial(t *testing.T, id uuid.UUID) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/executions/" + id.String() + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	return msg
}

func TestHandleStream(t *testing.T) {
	h := newStreamHarness(t)
	fb := testutil.NewFixtureBuilder()
	exec := fb.Execution(uuid.New())
	require.NoError(t, h.store.SaveExecution(context.Background(), exec))

	conn := h.dial(t, exec.ID)

	snapshot := readMessage(t, conn)
	require.Equal(t, MessageTypeSnapshot, snapshot.Type)
	var stored models.WorkflowExecution
	require.NoError(t, json.Unmarshal(snapshot.Data, &stored))
	assert.Equal(t, exec.ID, stored.ID)
	assert.Equal(t, models.ExecutionStatusRunning, stored.Status)

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypePing}))
		assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
	})

	t.Run("events until the execution finishes", func(t *testing.T) {
		h.monitor.Publish(models.ExecutionEvent{Type: models.EventStepStarted, ExecutionID: exec.ID})
		h.monitor.Publish(models.ExecutionEvent{Type: models.EventStepStarted, ExecutionID: uuid.New()})
		h.monitor.Publish(models.ExecutionEvent{
			Type:        models.EventExecutionCompleted,
			ExecutionID: exec.ID,
			Status:      models.ExecutionStatusCompleted,
		})

		var event models.ExecutionEvent
		msg := readMessage(t, conn)
		require.Equal(t, MessageTypeEvent, msg.Type)
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, models.EventStepStarted, event.Type)

		msg = readMessage(t, conn)
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, models.EventExecutionCompleted, event.Type)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	})

	assert.Eventually(t, func() bool { return h.monitor.SubscriberCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHandleStream_TerminalExecution(t *testing.T) {
	h := newStreamHarness(t)
	fb := testutil.NewFixtureBuilder()
	exec := fb.Execution(uuid.New(), func(e *models.WorkflowExecution) {
		e.Status = models.ExecutionStatusFailed
	})
	require.NoError(t, h.store.SaveExecution(context.Background(), exec))

	conn := h.dial(t, exec.ID)
	assert.Equal(t, MessageTypeSnapshot, readMessage(t, conn).Type)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandleStream_Errors(t *testing.T) {
	h := newStreamHarness(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"invalid id", "/executions/not-a-uuid/stream", http.StatusBadRequest},
		{"unknown execution", "/executions/" + uuid.New().String() + "/stream", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(h.server.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	assert.Equal(t, 0, h.monitor.SubscriberCount())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req), "requests without Origin are allowed")

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}
