package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpressionEvaluator_Evaluate(t *testing.T) {
	evaluator := NewExpressionEvaluator(NewResolver())

	vars := map[string]interface{}{
		"A":      true,
		"B":      false,
		"C":      true,
		"x":      2,
		"amount": 150,
		"status": "paid",
		"customer": map[string]interface{}{
			"tier": "vip",
		},
		"tags":  []interface{}{"priority", "renewal"},
		"empty": "",
	}

	tests := []struct {
		name       string
		expression string
		expected   bool
	}{
		{"literal comparison", "5 > 3", true},
		{"and", "A AND B", false},
		{"and lowercase", "A and C", true},
		{"not true", "NOT A", false},
		{"not false", "NOT B", true},
		{"in list", "x IN [1,2,3]", true},
		{"not in list", "x not in [1,2,3]", false},
		{"in variable", "'renewal' in tags", true},
		{"or binds loosest", "A AND B OR C", true},
		{"and inside or", "B AND C OR B", false},
		{"word operator", "amount gt 100", true},
		{"word operator lte", "amount lte 100", false},
		{"bare word on the right is a literal", "status == paid", true},
		{"quoted string", "status == 'paid'", true},
		{"not equal", "customer.tier != gold", true},
		{"float against int", "amount >= 150.0", true},
		{"template operand", "{{customer.tier}} == vip", true},
		{"missing variable is falsy", "missing", false},
		{"missing equals null", "missing == null", true},
		{"non-empty slice is truthy", "tags", true},
		{"empty string is falsy", "empty", false},
		{"string ordering", "status < zebra", true},
		{"incomparable ordering is false", "tags > 3", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got, tt.expression)
		})
	}
}

func TestExpressionEvaluator_ExprDialect(t *testing.T) {
	evaluator := NewExpressionEvaluator(NewResolver())
	vars := map[string]interface{}{
		"A":      true,
		"B":      false,
		"C":      true,
		"amount": 150,
		"status": "paid",
		"lines":  []interface{}{1, 2, 3},
	}

	tests := []struct {
		expression string
		expected   bool
	}{
		{"expr: amount > 100 && status == 'paid'", true},
		{"expr: (C or A) and B", false},
		{"expr: C or A and B", true},
		{"expr: len(lines) == 3", true},
		{"EXPR: undefined_var == nil", true},
	}

	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expression, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("compile error is a config error", func(t *testing.T) {
		_, err := evaluator.Evaluate("expr: amount >", vars)
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.ErrorIs(t, evaluator.Compile("expr: amount >"), ErrInvalidConfig)
	})
}

func TestExpressionEvaluator_Compile(t *testing.T) {
	evaluator := NewExpressionEvaluator(NewResolver())

	assert.NoError(t, evaluator.Compile("amount > 100 AND status == paid"))
	assert.NoError(t, evaluator.Compile("expr: amount > 100"))
	assert.ErrorIs(t, evaluator.Compile("   "), ErrInvalidConfig)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw      string
		expected interface{}
	}{
		{"true", true},
		{"FALSE", false},
		{"null", nil},
		{"none", nil},
		{"42", 42},
		{"-7", -7},
		{"3.14", 3.14},
		{"'hello'", "hello"},
		{`"quoted"`, "quoted"},
		{"plain", "plain"},
		{"1.2.3", "1.2.3"},
		{" 10 ", 10},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseValue(tt.raw))
		})
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"zero int", 0, false},
		{"zero float", 0.0, false},
		{"empty string", "", false},
		{"empty slice", []interface{}{}, false},
		{"empty map", map[string]interface{}{}, false},
		{"string", "no", true},
		{"number", 3, true},
		{"map", map[string]interface{}{"a": 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Truthy(tt.value))
		})
	}
}
