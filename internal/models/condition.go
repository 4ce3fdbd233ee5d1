package models

// ConditionType selects how a structured condition is combined
type ConditionType string

const (
	ConditionTypeSimple ConditionType = "simple"
	ConditionTypeAnd    ConditionType = "and"
	ConditionTypeOr     ConditionType = "or"
	ConditionTypeNot    ConditionType = "not"
)

// Condition is a structured condition tree built by the condition builder
type Condition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Field      string        `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   string        `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      interface{}   `json:"value,omitempty" yaml:"value,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Condition  *Condition    `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Clone returns a deep copy of the condition tree, values included
func (c Condition) Clone() Condition {
	out := c
	out.Value = cloneValue(c.Value)
	if c.Conditions != nil {
		out.Conditions = make([]Condition, len(c.Conditions))
		for i, child := range c.Conditions {
			out.Conditions[i] = child.Clone()
		}
	}
	if c.Condition != nil {
		inner := c.Condition.Clone()
		out.Condition = &inner
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// RuleGroupType selects how rules in a group combine
type RuleGroupType string

const (
	RuleGroupAll  RuleGroupType = "all"
	RuleGroupAny  RuleGroupType = "any"
	RuleGroupNone RuleGroupType = "none"
)

// RuleGroup is a combinator over rules or nested groups
type RuleGroup struct {
	Type  RuleGroupType `json:"type" yaml:"type"`
	Rules []Rule        `json:"rules" yaml:"rules"`
}

// Rule is either a nested group (Group set) or a leaf comparison
type Rule struct {
	Group    *RuleGroup  `json:"group,omitempty" yaml:"group,omitempty"`
	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// RuleResult explains the outcome of a single leaf rule
type RuleResult struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Expected interface{} `json:"expected,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
	Matched  bool        `json:"matched"`
}

// RuleEvaluationRequest is the body of an ad-hoc rule evaluation
type RuleEvaluationRequest struct {
	Rules RuleGroup              `json:"rules" validate:"required"`
	Data  map[string]interface{} `json:"data"`
}

// RuleEvaluationResponse is the result of an ad-hoc rule evaluation
type RuleEvaluationResponse struct {
	Matched bool         `json:"matched"`
	Results []RuleResult `json:"results"`
}

// FieldType groups operators in the condition builder catalog
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeNumber   FieldType = "number"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDate     FieldType = "date"
	FieldTypeSequence FieldType = "sequence"
)

// OperatorInfo describes an operator offered to authors
type OperatorInfo struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	NeedsValue  bool   `json:"needs_value"`
	Description string `json:"description,omitempty"`
}

// ConditionPreset is a named, ready-made condition
type ConditionPreset struct {
	Name        string    `json:"name"`
	Entity      string    `json:"entity"`
	Description string    `json:"description"`
	Condition   Condition `json:"condition"`
}
