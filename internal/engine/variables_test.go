package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newFixedResolver() *Resolver {
	r := NewResolver()
	r.now = func() time.Time { return time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC) }
	r.newID = func() string { return "00000000-0000-0000-0000-000000000001" }
	return r
}

func TestResolver_Resolve(t *testing.T) {
	r := newFixedResolver()
	vars := map[string]interface{}{
		"a":      map[string]interface{}{"b": 5},
		"name":   "ada lovelace",
		"amount": 1234.5,
		"paid":   true,
		"items": []interface{}{
			map[string]interface{}{"sku": "A-1", "price": 10},
			map[string]interface{}{"sku": "B-2", "price": 20.5},
		},
		"letters": []interface{}{"x", "y", "z"},
		"created": "2026-03-02T10:00:00Z",
	}

	tests := []struct {
		name     string
		template string
		expected interface{}
	}{
		{"single reference keeps type", "{{a.b}}", 5},
		{"single reference with spaces", "  {{ a.b }} ", 5},
		{"embedded reference is stringified", "value is {{a.b}}", "value is 5"},
		{"several references", "{{name}} paid={{paid}}", "ada lovelace paid=true"},
		{"map embedded as json", "obj={{a}}", `obj={"b":5}`},
		{"missing single reference is nil", "{{missing.path}}", nil},
		{"missing embedded reference is empty", "x{{missing}}y", "xy"},
		{"index", "{{letters[1]}}", "y"},
		{"negative index", "{{letters[-1]}}", "z"},
		{"index into objects", "{{items[1].sku}}", "B-2"},
		{"out of range index", "{{letters[9]}}", nil},
		{"upper", "{{name | upper}}", "ADA LOVELACE"},
		{"title", "{{name | title}}", "Ada Lovelace"},
		{"length", "{{items | length}}", 2},
		{"first", "{{letters | first}}", "x"},
		{"sum by field", "{{items | sum:price}}", 30.5},
		{"max by field", "{{items | max(price)}}", 20.5},
		{"join with separator", "{{letters | join:'-'}}", "x-y-z"},
		{"join default separator", "{{letters | join}}", "x, y, z"},
		{"currency default", "{{amount | currency}}", "$1,234.50"},
		{"currency code", "{{amount | currency:EUR}}", "€1,234.50"},
		{"unknown currency code", "{{amount | currency:CHF}}", "CHF 1,234.50"},
		{"round", "{{amount | round:0}}", float64(1235)},
		{"date format", "{{created | date:'%d/%m/%Y'}}", "02/03/2026"},
		{"date default format", "{{created | date}}", "2026-03-02"},
		{"default on missing", "{{missing | default:'n/a'}}", "n/a"},
		{"default parses literal", "{{missing | default:0}}", 0},
		{"default keeps present value", "{{name | default:'x'}}", "ada lovelace"},
		{"chained pipes", "{{name | upper | first}}", "A"},
		{"now", "{{NOW()}}", "2026-03-02T14:30:00Z"},
		{"today", "due {{TODAY()}}", "due 2026-03-02"},
		{"timestamp", "{{TIMESTAMP()}}", int64(1772461800)},
		{"uuid", "{{UUID()}}", "00000000-0000-0000-0000-000000000001"},
		{"unknown function", "{{NOPE()}}", nil},
		{"quoted literal", "{{'hi' | upper}}", "HI"},
		{"no template", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Resolve(tt.template, vars))
		})
	}
}

func TestResolver_ResolveValue(t *testing.T) {
	r := newFixedResolver()
	vars := map[string]interface{}{
		"customer": map[string]interface{}{"email": "ada@example.com", "id": 7},
	}

	config := map[string]interface{}{
		"to":      "{{customer.email}}",
		"retries": 3,
		"meta": map[string]interface{}{
			"customer_id": "{{customer.id}}",
			"labels":      []interface{}{"vip", "{{customer.id}}"},
		},
		"cc": []string{"{{customer.email}}"},
	}

	got := r.ResolveMap(config, vars)

	assert.Equal(t, map[string]interface{}{
		"to":      "ada@example.com",
		"retries": 3,
		"meta": map[string]interface{}{
			"customer_id": 7,
			"labels":      []interface{}{"vip", 7},
		},
		"cc": []interface{}{"ada@example.com"},
	}, got)

	// the input is left untouched
	assert.Equal(t, "{{customer.email}}", config["to"])
	assert.Equal(t, map[string]interface{}{}, r.ResolveMap(nil, vars))
}

func TestResolver_Lookup(t *testing.T) {
	r := NewResolver()
	vars := map[string]interface{}{
		"order": map[string]interface{}{
			"lines": []interface{}{
				map[string]interface{}{"qty": 2},
			},
			"meta": map[string]string{"source": "web"},
		},
	}

	v, ok := r.Lookup("order.lines[0].qty", vars)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = r.Lookup("order.meta.source", vars)
	assert.True(t, ok)
	assert.Equal(t, "web", v)

	v, ok = r.Lookup(`order["meta"].source`, vars)
	assert.True(t, ok)
	assert.Equal(t, "web", v)

	_, ok = r.Lookup("order.lines[3].qty", vars)
	assert.False(t, ok)

	_, ok = r.Lookup("", vars)
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected string
	}{
		{"nil", nil, ""},
		{"string", "s", "s"},
		{"int", 42, "42"},
		{"float", 2.50, "2.5"},
		{"bool", false, "false"},
		{"time", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "2026-01-02T03:04:05Z"},
		{"slice", []interface{}{1, "a"}, `[1,"a"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Stringify(tt.value))
		})
	}
}
