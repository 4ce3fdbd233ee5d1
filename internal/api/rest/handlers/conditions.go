package handlers

import (
	"net/http"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// RuleExplainer evaluates a rule group and reports each leaf rule
type RuleExplainer interface {
	Explain(group *models.RuleGroup, data map[string]interface{}) (bool, []models.RuleResult)
}

// ConditionHandler serves the condition builder catalog and ad-hoc rule
// evaluation
type ConditionHandler struct {
	logger *logger.Logger
	rules  RuleExplainer
}

// NewConditionHandler creates a new condition handler
func NewConditionHandler(log *logger.Logger, rules RuleExplainer) *ConditionHandler {
	return &ConditionHandler{
		logger: log,
		rules:  rules,
	}
}

// ListOperators returns the operator catalog. ?field_type= narrows it to a
// single field type.
func (h *ConditionHandler) ListOperators(w http.ResponseWriter, r *http.Request) {
	if ft := r.URL.Query().Get("field_type"); ft != "" {
		ops := engine.OperatorsFor(models.FieldType(ft))
		if len(ops) == 0 {
			respondError(w, http.StatusNotFound, "Unknown field type")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"field_type": ft,
			"operators":  ops,
		})
		return
	}

	respondJSON(w, http.StatusOK, engine.OperatorCatalog())
}

// ListPresets returns the ready-made conditions
func (h *ConditionHandler) ListPresets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"presets": engine.Presets(),
	})
}

// EvaluateRules evaluates a rule group against the posted data
func (h *ConditionHandler) EvaluateRules(w http.ResponseWriter, r *http.Request) {
	var req models.RuleEvaluationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Rules.Type == "" {
		respondError(w, http.StatusBadRequest, "rules.type is required")
		return
	}

	matched, results := h.rules.Explain(&req.Rules, req.Data)
	if results == nil {
		results = []models.RuleResult{}
	}

	respondJSON(w, http.StatusOK, models.RuleEvaluationResponse{
		Matched: matched,
		Results: results,
	})
}
