package websocket

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/monitor"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// Handler serves GET /executions/{id}/stream
type Handler struct {
	monitor  *monitor.Monitor
	store    engine.Store
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. allowedOrigins restricts the
// Origin header; "*" or an empty list accepts any origin.
func NewHandler(m *monitor.Monitor, store engine.Store, log *logger.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		monitor: m,
		store:   store,
		logger:  log.Component("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// HandleStream upgrades the request and streams the execution's events,
// starting with a snapshot of the stored execution
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid execution ID")
		return
	}

	// subscribe before reading the snapshot so no event falls in between
	sub := h.monitor.Subscribe(id)
	defer h.monitor.Unsubscribe(sub)

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, engine.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Execution not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load execution", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to load execution")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", logger.Err(err))
		return
	}

	client := NewClient(conn, sub, h.logger)
	client.enqueue(MessageTypeSnapshot, exec)

	h.logger.Debug("execution stream opened",
		logger.String("execution_id", id.String()),
		logger.String("remote_addr", r.RemoteAddr),
	)

	if exec.Status.IsTerminal() {
		// nothing more will happen; deliver the snapshot and hang up
		client.Close()
	}

	go client.readPump()
	client.writePump()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
