package handlers

import (
	"context"
	"net/http"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
	"github.com/davidmoltin/bizflow/pkg/validator"
)

// EventReceiver routes entity events to matching workflows
type EventReceiver interface {
	OnEntityEvent(ctx context.Context, entity, event string, data map[string]interface{}, tenantID, userID string)
}

// EventHandler handles event-related HTTP requests
type EventHandler struct {
	logger   *logger.Logger
	receiver EventReceiver
}

// NewEventHandler creates a new event handler
func NewEventHandler(log *logger.Logger, receiver EventReceiver) *EventHandler {
	return &EventHandler{
		logger:   log,
		receiver: receiver,
	}
}

// CreateEvent accepts an entity event. Matching workflows start in the
// background, so the response does not report them.
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req models.EntityEventRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Debug("Entity event received",
		logger.String("entity", req.Entity),
		logger.String("event", req.Event),
		logger.String("tenant_id", req.TenantID),
	)

	h.receiver.OnEntityEvent(r.Context(), req.Entity, req.Event, req.Data, req.TenantID, req.UserID)

	respondJSON(w, http.StatusAccepted, models.EntityEventResponse{
		Accepted: true,
		Entity:   req.Entity,
		Event:    req.Event,
	})
}
