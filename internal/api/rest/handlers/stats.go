package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

const defaultStatsWindowDays = 7

// StatsProvider computes execution statistics
type StatsProvider interface {
	GetStats(ctx context.Context, workflowID *uuid.UUID, windowDays int) (*models.ExecutionStats, error)
}

// StatsHandler serves aggregated execution statistics
type StatsHandler struct {
	logger *logger.Logger
	stats  StatsProvider
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(log *logger.Logger, stats StatsProvider) *StatsHandler {
	return &StatsHandler{
		logger: log,
		stats:  stats,
	}
}

// GetStats returns statistics for the last `days` days, optionally scoped to
// one workflow
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	var workflowID *uuid.UUID
	if v := r.URL.Query().Get("workflow_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid workflow ID")
			return
		}
		workflowID = &id
	}

	days := queryInt(r, "days", defaultStatsWindowDays, 365)
	if days == 0 {
		days = defaultStatsWindowDays
	}

	stats, err := h.stats.GetStats(r.Context(), workflowID, days)
	if err != nil {
		h.logger.Error("Failed to compute execution stats", logger.Err(err))
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
