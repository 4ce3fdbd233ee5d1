package engine

import (
	"sort"

	"github.com/davidmoltin/bizflow/internal/models"
)

var conditionPresets = map[string]models.ConditionPreset{
	"invoice_overdue": {
		Name:        "invoice_overdue",
		Entity:      "invoice",
		Description: "Invoice is unpaid and past its due date",
		Condition: models.Condition{
			Type: models.ConditionTypeAnd,
			Conditions: []models.Condition{
				{Type: models.ConditionTypeSimple, Field: "invoice.status", Operator: "not_in", Value: []interface{}{"paid", "void"}},
				{Type: models.ConditionTypeSimple, Field: "invoice.due_date", Operator: "before", Value: "{{TODAY()}}"},
			},
		},
	},
	"invoice_unpaid": {
		Name:        "invoice_unpaid",
		Entity:      "invoice",
		Description: "Invoice has an outstanding balance",
		Condition: models.Condition{
			Type:     models.ConditionTypeSimple,
			Field:    "invoice.amount_due",
			Operator: "greater_than",
			Value:    0,
		},
	},
	"high_value_invoice": {
		Name:        "high_value_invoice",
		Entity:      "invoice",
		Description: "Invoice total is at least 10,000",
		Condition: models.Condition{
			Type:     models.ConditionTypeSimple,
			Field:    "invoice.total",
			Operator: "greater_than_or_equal",
			Value:    10000,
		},
	},
	"payment_failed": {
		Name:        "payment_failed",
		Entity:      "payment",
		Description: "Payment attempt failed or was declined",
		Condition: models.Condition{
			Type:     models.ConditionTypeSimple,
			Field:    "payment.status",
			Operator: "in",
			Value:    []interface{}{"failed", "declined"},
		},
	},
	"ticket_high_priority": {
		Name:        "ticket_high_priority",
		Entity:      "ticket",
		Description: "Support ticket is high or urgent priority",
		Condition: models.Condition{
			Type:     models.ConditionTypeSimple,
			Field:    "ticket.priority",
			Operator: "in",
			Value:    []interface{}{"high", "urgent"},
		},
	},
	"customer_vip": {
		Name:        "customer_vip",
		Entity:      "customer",
		Description: "Customer is tagged VIP or has lifetime value over 50,000",
		Condition: models.Condition{
			Type: models.ConditionTypeOr,
			Conditions: []models.Condition{
				{Type: models.ConditionTypeSimple, Field: "customer.tags", Operator: "contains", Value: "vip"},
				{Type: models.ConditionTypeSimple, Field: "customer.lifetime_value", Operator: "greater_than", Value: 50000},
			},
		},
	},
}

// Preset returns a copy of a named condition preset
func Preset(name string) (models.ConditionPreset, bool) {
	p, ok := conditionPresets[name]
	if !ok {
		return models.ConditionPreset{}, false
	}
	p.Condition = p.Condition.Clone()
	return p, true
}

// Presets returns all condition presets ordered by name
func Presets() []models.ConditionPreset {
	out := make([]models.ConditionPreset, 0, len(conditionPresets))
	for _, p := range conditionPresets {
		p.Condition = p.Condition.Clone()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
