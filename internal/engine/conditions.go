package engine

import (
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/davidmoltin/bizflow/internal/models"
)

// ConditionEvaluator evaluates structured condition trees and individual
// operator comparisons. Comparisons never fail: a value that does not fit
// the operator makes the comparison false.
type ConditionEvaluator struct {
	resolver *Resolver
	now      func() time.Time

	regexMu sync.RWMutex
	regexes map[string]*regexp.Regexp
}

// NewConditionEvaluator creates a new condition evaluator
func NewConditionEvaluator(resolver *Resolver) *ConditionEvaluator {
	return &ConditionEvaluator{
		resolver: resolver,
		now:      time.Now,
		regexes:  make(map[string]*regexp.Regexp),
	}
}

// Evaluate evaluates a condition tree against vars. A nil condition is true.
func (c *ConditionEvaluator) Evaluate(condition *models.Condition, vars map[string]interface{}) bool {
	if condition == nil {
		return true
	}

	switch condition.Type {
	case models.ConditionTypeAnd:
		for i := range condition.Conditions {
			if !c.Evaluate(&condition.Conditions[i], vars) {
				return false
			}
		}
		return true

	case models.ConditionTypeOr:
		for i := range condition.Conditions {
			if c.Evaluate(&condition.Conditions[i], vars) {
				return true
			}
		}
		return false

	case models.ConditionTypeNot:
		inner := condition.Condition
		if inner == nil && len(condition.Conditions) > 0 {
			inner = &condition.Conditions[0]
		}
		if inner == nil {
			return false
		}
		return !c.Evaluate(inner, vars)
	}

	actual := c.fieldValue(condition.Field, vars)
	expected := c.resolver.ResolveValue(condition.Value, vars)
	return c.Compare(actual, condition.Operator, expected)
}

func (c *ConditionEvaluator) fieldValue(field string, vars map[string]interface{}) interface{} {
	if strings.Contains(field, "{{") {
		return c.resolver.Resolve(field, vars)
	}
	v, _ := c.resolver.Lookup(field, vars)
	return v
}

// Compare applies operator to actual and expected
func (c *ConditionEvaluator) Compare(actual interface{}, operator string, expected interface{}) bool {
	switch strings.ToLower(strings.TrimSpace(operator)) {
	case "equals", "eq", "==", "is":
		return looseEqual(actual, expected)
	case "on":
		return c.sameDay(actual, expected)
	case "not_equals", "neq", "ne", "!=", "is_not":
		return !looseEqual(actual, expected)

	case "greater_than", "gt", ">":
		return c.compareOrdered(actual, expected, func(n int) bool { return n > 0 })
	case "greater_than_or_equal", "gte", ">=":
		return c.compareOrdered(actual, expected, func(n int) bool { return n >= 0 })
	case "less_than", "lt", "<":
		return c.compareOrdered(actual, expected, func(n int) bool { return n < 0 })
	case "less_than_or_equal", "lte", "<=":
		return c.compareOrdered(actual, expected, func(n int) bool { return n <= 0 })
	case "between":
		bounds := toSlice(expected)
		if len(bounds) != 2 {
			return false
		}
		return c.compareOrdered(actual, bounds[0], func(n int) bool { return n >= 0 }) &&
			c.compareOrdered(actual, bounds[1], func(n int) bool { return n <= 0 })

	case "contains":
		return containsItem(actual, expected)
	case "not_contains":
		return !containsItem(actual, expected)
	case "starts_with":
		s, ok := actual.(string)
		return ok && strings.HasPrefix(s, Stringify(expected))
	case "ends_with":
		s, ok := actual.(string)
		return ok && strings.HasSuffix(s, Stringify(expected))
	case "in":
		items := toSlice(expected)
		return items != nil && containsValue(items, actual)
	case "not_in":
		items := toSlice(expected)
		return items != nil && !containsValue(items, actual)
	case "matches", "regex", "matches_regex":
		s, ok := actual.(string)
		if !ok {
			return false
		}
		re := c.regex(Stringify(expected))
		return re != nil && re.MatchString(s)

	case "is_empty":
		return isEmpty(actual)
	case "is_not_empty", "exists":
		return !isEmpty(actual)
	case "is_true":
		b, ok := actual.(bool)
		return ok && b
	case "is_false":
		b, ok := actual.(bool)
		return ok && !b

	case "before":
		return c.compareTimes(actual, expected, func(a, b time.Time) bool { return a.Before(b) })
	case "after":
		return c.compareTimes(actual, expected, func(a, b time.Time) bool { return a.After(b) })
	case "within_last_days":
		t, ok := toTime(actual)
		days, dok := coerceFloat64(expected)
		if !ok || !dok {
			return false
		}
		now := c.now()
		return !t.After(now) && now.Sub(t) <= time.Duration(days*24)*time.Hour

	case "length_equals":
		return c.compareLength(actual, expected, func(n int) bool { return n == 0 })
	case "length_greater_than":
		return c.compareLength(actual, expected, func(n int) bool { return n > 0 })
	case "length_less_than":
		return c.compareLength(actual, expected, func(n int) bool { return n < 0 })
	}
	return false
}

// compareOrdered compares numbers (numeric strings included), dates, then
// strings
func (c *ConditionEvaluator) compareOrdered(a, b interface{}, accept func(int) bool) bool {
	af, aok := coerceFloat64(a)
	bf, bok := coerceFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return accept(-1)
		case af > bf:
			return accept(1)
		}
		return accept(0)
	}

	if at, ok := toTime(a); ok && !isNumber(a) {
		if bt, ok := toTime(b); ok && !isNumber(b) {
			return accept(at.Compare(bt))
		}
	}

	n, ok := order(a, b)
	return ok && accept(n)
}

func (c *ConditionEvaluator) compareTimes(a, b interface{}, cmp func(a, b time.Time) bool) bool {
	at, aok := toTime(a)
	bt, bok := toTime(b)
	return aok && bok && cmp(at, bt)
}

func (c *ConditionEvaluator) sameDay(a, b interface{}) bool {
	at, aok := toTime(a)
	bt, bok := toTime(b)
	if !aok || !bok {
		return looseEqual(a, b)
	}
	ay, am, ad := at.UTC().Date()
	by, bm, bd := bt.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (c *ConditionEvaluator) compareLength(actual, expected interface{}, accept func(int) bool) bool {
	if actual == nil {
		return false
	}
	want, ok := coerceFloat64(expected)
	if !ok {
		return false
	}
	got := float64(lengthOf(actual))
	switch {
	case got < want:
		return accept(-1)
	case got > want:
		return accept(1)
	}
	return accept(0)
}

func (c *ConditionEvaluator) regex(pattern string) *regexp.Regexp {
	c.regexMu.RLock()
	re, ok := c.regexes[pattern]
	c.regexMu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	c.regexMu.Lock()
	c.regexes[pattern] = re
	c.regexMu.Unlock()
	return re
}

func containsItem(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, Stringify(needle))
	}
	if items := toSlice(haystack); items != nil {
		return containsValue(items, needle)
	}
	if key, ok := needle.(string); ok {
		_, found := mapValue(haystack, key)
		return found
	}
	return false
}

func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	}
	return false
}

func isNumber(v interface{}) bool {
	_, ok := toFloat64(v)
	return ok
}

var operatorCatalog = map[models.FieldType][]models.OperatorInfo{
	models.FieldTypeString: {
		{Name: "equals", Label: "equals", NeedsValue: true},
		{Name: "not_equals", Label: "does not equal", NeedsValue: true},
		{Name: "contains", Label: "contains", NeedsValue: true},
		{Name: "not_contains", Label: "does not contain", NeedsValue: true},
		{Name: "starts_with", Label: "starts with", NeedsValue: true},
		{Name: "ends_with", Label: "ends with", NeedsValue: true},
		{Name: "in", Label: "is one of", NeedsValue: true},
		{Name: "not_in", Label: "is not one of", NeedsValue: true},
		{Name: "matches", Label: "matches pattern", NeedsValue: true, Description: "Go regular expression"},
		{Name: "is_empty", Label: "is empty"},
		{Name: "is_not_empty", Label: "is not empty"},
	},
	models.FieldTypeNumber: {
		{Name: "equals", Label: "=", NeedsValue: true},
		{Name: "not_equals", Label: "≠", NeedsValue: true},
		{Name: "greater_than", Label: ">", NeedsValue: true},
		{Name: "greater_than_or_equal", Label: "≥", NeedsValue: true},
		{Name: "less_than", Label: "<", NeedsValue: true},
		{Name: "less_than_or_equal", Label: "≤", NeedsValue: true},
		{Name: "between", Label: "between", NeedsValue: true, Description: "inclusive [min, max]"},
		{Name: "is_empty", Label: "is empty"},
		{Name: "is_not_empty", Label: "is not empty"},
	},
	models.FieldTypeBoolean: {
		{Name: "is_true", Label: "is true"},
		{Name: "is_false", Label: "is false"},
		{Name: "equals", Label: "equals", NeedsValue: true},
	},
	models.FieldTypeDate: {
		{Name: "before", Label: "is before", NeedsValue: true},
		{Name: "after", Label: "is after", NeedsValue: true},
		{Name: "on", Label: "is on", NeedsValue: true},
		{Name: "between", Label: "is between", NeedsValue: true},
		{Name: "within_last_days", Label: "within the last N days", NeedsValue: true},
		{Name: "is_empty", Label: "is empty"},
		{Name: "is_not_empty", Label: "is not empty"},
	},
	models.FieldTypeSequence: {
		{Name: "contains", Label: "contains", NeedsValue: true},
		{Name: "not_contains", Label: "does not contain", NeedsValue: true},
		{Name: "length_equals", Label: "has length", NeedsValue: true},
		{Name: "length_greater_than", Label: "has more than", NeedsValue: true},
		{Name: "length_less_than", Label: "has fewer than", NeedsValue: true},
		{Name: "is_empty", Label: "is empty"},
		{Name: "is_not_empty", Label: "is not empty"},
	},
}

// OperatorCatalog returns the operators offered per field type. The catalog
// is descriptive: Compare accepts any operator for any value.
func OperatorCatalog() map[models.FieldType][]models.OperatorInfo {
	out := make(map[models.FieldType][]models.OperatorInfo, len(operatorCatalog))
	for k, v := range operatorCatalog {
		out[k] = append([]models.OperatorInfo(nil), v...)
	}
	return out
}

// OperatorsFor returns the operators offered for one field type
func OperatorsFor(fieldType models.FieldType) []models.OperatorInfo {
	return append([]models.OperatorInfo(nil), operatorCatalog[fieldType]...)
}
