package engine

import (
	"github.com/davidmoltin/bizflow/internal/models"
)

// RuleEvaluator evaluates all/any/none rule groups, used for matching
// entity data such as event-trigger filters
type RuleEvaluator struct {
	conditions *ConditionEvaluator
}

// NewRuleEvaluator creates a rule evaluator sharing operator semantics with
// the condition evaluator
func NewRuleEvaluator(conditions *ConditionEvaluator) *RuleEvaluator {
	return &RuleEvaluator{conditions: conditions}
}

// Evaluate reports whether data satisfies group. A nil group matches.
func (r *RuleEvaluator) Evaluate(group *models.RuleGroup, data map[string]interface{}) bool {
	matched, _ := r.evaluateGroup(group, data, nil)
	return matched
}

// Explain evaluates group and returns the outcome of every leaf rule that
// was visited
func (r *RuleEvaluator) Explain(group *models.RuleGroup, data map[string]interface{}) (bool, []models.RuleResult) {
	results := make([]models.RuleResult, 0)
	return r.evaluateGroup(group, data, &results)
}

func (r *RuleEvaluator) evaluateGroup(group *models.RuleGroup, data map[string]interface{}, results *[]models.RuleResult) (bool, []models.RuleResult) {
	if group == nil {
		return true, deref(results)
	}

	switch group.Type {
	case models.RuleGroupAny:
		for i := range group.Rules {
			if r.evaluateRule(&group.Rules[i], data, results) {
				return true, deref(results)
			}
		}
		return false, deref(results)

	case models.RuleGroupNone:
		for i := range group.Rules {
			if r.evaluateRule(&group.Rules[i], data, results) {
				return false, deref(results)
			}
		}
		return true, deref(results)

	default:
		for i := range group.Rules {
			if !r.evaluateRule(&group.Rules[i], data, results) {
				return false, deref(results)
			}
		}
		return true, deref(results)
	}
}

func (r *RuleEvaluator) evaluateRule(rule *models.Rule, data map[string]interface{}, results *[]models.RuleResult) bool {
	if rule.Group != nil {
		matched, _ := r.evaluateGroup(rule.Group, data, results)
		return matched
	}

	actual := r.conditions.fieldValue(rule.Field, data)
	expected := r.conditions.resolver.ResolveValue(rule.Value, data)
	matched := r.conditions.Compare(actual, rule.Operator, expected)

	if results != nil {
		*results = append(*results, models.RuleResult{
			Field:    rule.Field,
			Operator: rule.Operator,
			Expected: expected,
			Actual:   actual,
			Matched:  matched,
		})
	}
	return matched
}

func deref(results *[]models.RuleResult) []models.RuleResult {
	if results == nil {
		return nil
	}
	return *results
}
