package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// WorkflowManager manages workflow definitions
type WorkflowManager interface {
	Create(ctx context.Context, req *models.CreateWorkflowRequest) (*models.Workflow, error)
	Update(ctx context.Context, id uuid.UUID, req *models.CreateWorkflowRequest) (*models.Workflow, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	List(ctx context.Context, filter models.WorkflowFilter) ([]*models.Workflow, error)
	Publish(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	Pause(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	Archive(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
}

// WorkflowTrigger starts executions
type WorkflowTrigger interface {
	TriggerWorkflow(ctx context.Context, workflowID uuid.UUID, execCtx models.ExecutionContext, runAsync bool) (*models.WorkflowExecution, error)
}

// WorkflowHandler handles workflow-related HTTP requests
type WorkflowHandler struct {
	logger    *logger.Logger
	workflows WorkflowManager
	trigger   WorkflowTrigger
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(log *logger.Logger, workflows WorkflowManager, trigger WorkflowTrigger) *WorkflowHandler {
	return &WorkflowHandler{
		logger:    log,
		workflows: workflows,
		trigger:   trigger,
	}
}

// Create creates a new draft workflow
func (h *WorkflowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	workflow, err := h.workflows.Create(r.Context(), &req)
	if err != nil {
		h.logger.Warn("Failed to create workflow", logger.Err(err))
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, workflow)
}

// Get retrieves a workflow by ID
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid workflow ID")
		return
	}

	workflow, err := h.workflows.Get(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, workflow)
}

// List retrieves workflows, optionally filtered by tenant_id, status and
// trigger_type
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.WorkflowFilter{TenantID: q.Get("tenant_id")}
	if s := q.Get("status"); s != "" {
		status := models.WorkflowStatus(s)
		filter.Status = &status
	}
	if t := q.Get("trigger_type"); t != "" {
		tt := models.TriggerType(t)
		filter.TriggerType = &tt
	}

	workflows, err := h.workflows.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list workflows", logger.Err(err))
		respondEngineError(w, err)
		return
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

// Update replaces a workflow definition
func (h *WorkflowHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid workflow ID")
		return
	}

	var req models.CreateWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	workflow, err := h.workflows.Update(r.Context(), id, &req)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, workflow)
}

// Publish validates and activates a workflow
func (h *WorkflowHandler) Publish(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.workflows.Publish)
}

// Pause pauses an active workflow
func (h *WorkflowHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.workflows.Pause)
}

// Archive archives a workflow
func (h *WorkflowHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.workflows.Archive)
}

func (h *WorkflowHandler) changeStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*models.Workflow, error)) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid workflow ID")
		return
	}

	workflow, err := fn(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, workflow)
}

// Trigger starts an execution of an active workflow. Async runs answer 202
// with the pending execution, inline runs 200 with the final state.
func (h *WorkflowHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid workflow ID")
		return
	}

	var req models.TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	execCtx := models.ExecutionContext{
		TriggerType: req.TriggerType,
		TriggerData: req.TriggerData,
	}
	if execCtx.TriggerType == "" {
		execCtx.TriggerType = models.TriggerTypeManual
	}

	execution, err := h.trigger.TriggerWorkflow(r.Context(), id, execCtx, req.Async)
	if err != nil {
		h.logger.Warn("Failed to trigger workflow",
			logger.String("workflow_id", id.String()),
			logger.Err(err),
		)
		respondEngineError(w, err)
		return
	}

	status := http.StatusOK
	if req.Async {
		status = http.StatusAccepted
	}
	respondJSON(w, status, execution)
}
