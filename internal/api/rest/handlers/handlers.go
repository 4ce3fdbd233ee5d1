package handlers

import (
	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/monitor"
	"github.com/davidmoltin/bizflow/internal/services"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// Handlers aggregates all HTTP handlers
type Handlers struct {
	Health    *HealthHandler
	Workflow  *WorkflowHandler
	Event     *EventHandler
	Execution *ExecutionHandler
	Stats     *StatsHandler
	Condition *ConditionHandler
}

// HealthCheckers holds all health check dependencies. Nil checkers are
// skipped.
type HealthCheckers struct {
	DB    HealthChecker
	Redis HealthChecker
}

// NewHandlers creates a new handlers instance
func NewHandlers(
	log *logger.Logger,
	version string,
	workflows *services.WorkflowService,
	eng *engine.Engine,
	store engine.Store,
	mon *monitor.Monitor,
	healthCheckers *HealthCheckers,
) *Handlers {
	if healthCheckers == nil {
		healthCheckers = &HealthCheckers{}
	}

	return &Handlers{
		Health:    NewHealthHandler(log, healthCheckers.DB, healthCheckers.Redis, version),
		Workflow:  NewWorkflowHandler(log, workflows, eng),
		Event:     NewEventHandler(log, eng),
		Execution: NewExecutionHandler(log, store, eng, mon),
		Stats:     NewStatsHandler(log, mon),
		Condition: NewConditionHandler(log, eng.Rules()),
	}
}
