package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ExecutionReader reads persisted executions and their logs
type ExecutionReader interface {
	GetExecution(ctx context.Context, id uuid.UUID) (*models.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter models.ExecutionFilter) ([]*models.WorkflowExecution, error)
	ListLogs(ctx context.Context, executionID uuid.UUID) ([]*models.ExecutionLog, error)
}

// ExecutionController cancels and resumes executions
type ExecutionController interface {
	CancelExecution(ctx context.Context, executionID uuid.UUID) (bool, error)
	ResumeExecution(ctx context.Context, executionID uuid.UUID, data map[string]interface{}) error
}

// TimelineProvider builds execution timelines
type TimelineProvider interface {
	GetTimeline(ctx context.Context, executionID uuid.UUID) (*models.Timeline, error)
}

// ExecutionHandler handles execution-related HTTP requests
type ExecutionHandler struct {
	logger     *logger.Logger
	reader     ExecutionReader
	controller ExecutionController
	timelines  TimelineProvider
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(log *logger.Logger, reader ExecutionReader, controller ExecutionController, timelines TimelineProvider) *ExecutionHandler {
	return &ExecutionHandler{
		logger:     log,
		reader:     reader,
		controller: controller,
		timelines:  timelines,
	}
}

// ListExecutions lists executions filtered by workflow_id, tenant_id and a
// comma separated status list
func (h *ExecutionHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.ExecutionFilter{
		TenantID: q.Get("tenant_id"),
		Limit:    queryInt(r, "limit", defaultPageSize, maxPageSize),
		Offset:   queryInt(r, "offset", 0, 0),
	}

	if v := q.Get("workflow_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid workflow ID")
			return
		}
		filter.WorkflowID = &id
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, models.ExecutionStatus(strings.TrimSpace(s)))
		}
	}

	executions, err := h.reader.ListExecutions(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list executions", logger.Err(err))
		respondEngineError(w, err)
		return
	}
	if executions == nil {
		executions = []*models.WorkflowExecution{}
	}

	respondJSON(w, http.StatusOK, models.ExecutionListResponse{
		Executions: executions,
		Total:      len(executions),
	})
}

// GetExecution retrieves an execution with its steps
func (h *ExecutionHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid execution ID")
		return
	}

	execution, err := h.reader.GetExecution(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, execution)
}

// GetExecutionLogs returns the log entries of an execution
func (h *ExecutionHandler) GetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid execution ID")
		return
	}

	if _, err := h.reader.GetExecution(r.Context(), id); err != nil {
		respondEngineError(w, err)
		return
	}

	logs, err := h.reader.ListLogs(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to list execution logs", logger.Err(err))
		respondEngineError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ExecutionLog{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"logs":         logs,
	})
}

// CancelExecution cancels a running or waiting execution
func (h *ExecutionHandler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid execution ID")
		return
	}

	cancelled, err := h.controller.CancelExecution(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, "Execution is not running or waiting")
		return
	}

	h.logger.Info("Execution cancelled", logger.String("execution_id", id.String()))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"status":       models.ExecutionStatusCancelled,
	})
}

// ResumeExecution resumes a waiting execution with optional data merged
// into its variables
func (h *ExecutionHandler) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid execution ID")
		return
	}

	var req models.ResumeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.controller.ResumeExecution(r.Context(), id, req.Data); err != nil {
		respondEngineError(w, err)
		return
	}

	execution, err := h.reader.GetExecution(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, execution)
}

// GetTimeline returns the ordered timeline of an execution
func (h *ExecutionHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid execution ID")
		return
	}

	timeline, err := h.timelines.GetTimeline(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, timeline)
}
