package engine

import (
	"context"
	"strings"

	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// OnEntityEvent triggers every active workflow of the tenant whose event
// trigger matches entity and event. Matching runs start asynchronously;
// failures are logged and never returned.
func (e *Engine) OnEntityEvent(ctx context.Context, entity, event string, data map[string]interface{}, tenantID, userID string) {
	log := e.logger.With(
		logger.String("entity", entity),
		logger.String("event", event),
		logger.String("tenant_id", tenantID),
	)

	eventType := models.TriggerTypeEvent
	workflows, err := e.store.ListWorkflows(ctx, models.WorkflowFilter{
		TenantID:    tenantID,
		Status:      statusPtr(models.WorkflowStatusActive),
		TriggerType: &eventType,
	})
	if err != nil {
		log.Error("Failed to list workflows for event", logger.Err(err))
		return
	}

	triggerData := make(map[string]interface{}, len(data)+3)
	for k, v := range data {
		triggerData[k] = v
	}
	triggerData["entity"] = entity
	triggerData["event"] = event
	if userID != "" {
		triggerData["user_id"] = userID
	}

	matched := 0
	for _, wf := range workflows {
		if !e.workflowMatchesEvent(wf, entity, event, data) {
			continue
		}
		matched++

		_, err := e.TriggerWorkflow(ctx, wf.ID, models.ExecutionContext{
			TriggerType: models.TriggerTypeEvent,
			TriggerData: triggerData,
		}, true)
		if err != nil {
			log.Warn("Failed to trigger workflow", logger.String("workflow_id", wf.ID.String()), logger.Err(err))
		}
	}

	log.Debug("Entity event routed", logger.Int("matched", matched), logger.Int("candidates", len(workflows)))
}

// workflowMatchesEvent checks if a workflow should be triggered by an event
func (e *Engine) workflowMatchesEvent(wf *models.Workflow, entity, event string, data map[string]interface{}) bool {
	trigger := wf.Trigger
	if trigger.Type != models.TriggerTypeEvent || trigger.Event == "" {
		return false
	}

	if trigger.Entity != "" && trigger.Entity != "*" && !strings.EqualFold(trigger.Entity, entity) {
		return false
	}

	if !eventMatches(trigger.Event, event, entity) {
		return false
	}

	if trigger.Filter != nil && !e.rules.Evaluate(trigger.Filter, data) {
		return false
	}
	return true
}

// eventMatches compares a trigger event pattern against an event name.
// A trailing * matches by prefix, so "invoice.*" matches "invoice.created".
// Patterns may name the event alone or qualified with the entity.
func eventMatches(pattern, event, entity string) bool {
	if pattern == "*" || pattern == event {
		return true
	}

	qualified := entity + "." + event
	if pattern == qualified {
		return true
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(event, prefix) || strings.HasPrefix(qualified, prefix)
	}
	return false
}

func statusPtr(s models.WorkflowStatus) *models.WorkflowStatus {
	return &s
}
