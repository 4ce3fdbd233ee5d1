package engine

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprDialectPrefix selects the precedence-aware expression dialect
const ExprDialectPrefix = "expr:"

var (
	orPattern         = regexp.MustCompile(`(?i)\s+OR\s+`)
	andPattern        = regexp.MustCompile(`(?i)\s+AND\s+`)
	notPattern        = regexp.MustCompile(`(?i)^NOT\s+`)
	wordOpPattern     = regexp.MustCompile(`(?i)\s(eq|neq|ne|gte|gt|lte|lt)\s`)
	membershipPattern = regexp.MustCompile(`(?i)^(.+?)\s+(not\s+in|in)\s+(.+)$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+|\[[^\]]+\])*$`)
)

var symbolOperators = []string{"==", "!=", ">=", "<=", ">", "<"}

var wordOperators = map[string]string{
	"eq":  "==",
	"ne":  "!=",
	"neq": "!=",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

// ExpressionEvaluator evaluates the boolean expressions used by condition
// nodes.
//
// The default dialect splits on OR first, then AND, without parentheses:
// "A AND B OR C" is OR over ["A AND B", "C"]. Expressions prefixed with
// "expr:" are compiled with expr-lang and follow conventional precedence.
type ExpressionEvaluator struct {
	resolver *Resolver

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExpressionEvaluator creates a new expression evaluator
func NewExpressionEvaluator(resolver *Resolver) *ExpressionEvaluator {
	return &ExpressionEvaluator{
		resolver: resolver,
		programs: make(map[string]*vm.Program),
	}
}

// Evaluate returns the truth value of expression against vars. Only the
// expr dialect can fail; the default dialect never errors.
func (e *ExpressionEvaluator) Evaluate(expression string, vars map[string]interface{}) (bool, error) {
	trimmed := strings.TrimSpace(expression)
	if len(trimmed) >= len(ExprDialectPrefix) && strings.EqualFold(trimmed[:len(ExprDialectPrefix)], ExprDialectPrefix) {
		return e.evaluateExpr(strings.TrimSpace(trimmed[len(ExprDialectPrefix):]), vars)
	}
	return e.evaluate(trimmed, vars), nil
}

// Compile checks an expression without evaluating it
func (e *ExpressionEvaluator) Compile(expression string) error {
	trimmed := strings.TrimSpace(expression)
	if len(trimmed) >= len(ExprDialectPrefix) && strings.EqualFold(trimmed[:len(ExprDialectPrefix)], ExprDialectPrefix) {
		_, err := e.program(strings.TrimSpace(trimmed[len(ExprDialectPrefix):]))
		return err
	}
	if trimmed == "" {
		return fmt.Errorf("%w: empty expression", ErrInvalidConfig)
	}
	return nil
}

func (e *ExpressionEvaluator) evaluate(expression string, vars map[string]interface{}) bool {
	expression = strings.TrimSpace(expression)

	if parts := orPattern.Split(expression, -1); len(parts) > 1 {
		for _, p := range parts {
			if e.evaluate(p, vars) {
				return true
			}
		}
		return false
	}

	if parts := andPattern.Split(expression, -1); len(parts) > 1 {
		for _, p := range parts {
			if !e.evaluate(p, vars) {
				return false
			}
		}
		return true
	}

	if loc := notPattern.FindStringIndex(expression); loc != nil {
		return !e.evaluate(expression[loc[1]:], vars)
	}

	if left, op, right, ok := splitComparison(expression); ok {
		return compareValues(e.operand(left, vars, true), op, e.operand(right, vars, false))
	}

	if m := membershipPattern.FindStringSubmatch(expression); m != nil {
		if items, ok := e.membershipList(m[3], vars); ok {
			found := containsValue(items, e.operand(m[1], vars, true))
			if strings.Contains(strings.ToLower(m[2]), "not") {
				return !found
			}
			return found
		}
	}

	return Truthy(e.operand(expression, vars, true))
}

// operand resolves one side of a comparison. Bare identifiers are looked up
// as variables; a missing identifier is nil on the left and a literal string
// on the right.
func (e *ExpressionEvaluator) operand(raw string, vars map[string]interface{}, missingIsNil bool) interface{} {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "{{") {
		v := e.resolver.Resolve(raw, vars)
		if s, ok := v.(string); ok {
			return ParseValue(s)
		}
		return v
	}

	v := ParseValue(raw)
	s, isString := v.(string)
	if !isString || s != raw || !identifierPattern.MatchString(raw) {
		return v
	}
	if found, ok := e.resolver.Lookup(raw, vars); ok {
		return found
	}
	if missingIsNil {
		return nil
	}
	return raw
}

func (e *ExpressionEvaluator) membershipList(raw string, vars map[string]interface{}) ([]interface{}, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		body := strings.TrimSpace(raw[1 : len(raw)-1])
		if body == "" {
			return []interface{}{}, true
		}
		parts := splitOutsideQuotes(body, ',')
		items := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			items = append(items, e.operand(p, vars, false))
		}
		return items, true
	}

	v := e.operand(raw, vars, true)
	if items := toSlice(v); items != nil {
		return items, true
	}
	return nil, false
}

func (e *ExpressionEvaluator) evaluateExpr(source string, vars map[string]interface{}) (bool, error) {
	prg, err := e.program(source)
	if err != nil {
		return false, err
	}

	env := vars
	if env == nil {
		env = map[string]interface{}{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return false, fmt.Errorf("evaluating expression %q: %w", source, err)
	}
	return Truthy(out), nil
}

func (e *ExpressionEvaluator) program(source string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.programs[source]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[source]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(source,
		expr.Env(map[string]interface{}{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: compiling expression %q: %v", ErrInvalidConfig, source, err)
	}
	e.programs[source] = prg
	return prg, nil
}

// splitComparison finds the first comparison operator outside quotes and
// template braces.
func splitComparison(expression string) (string, string, string, bool) {
	for _, op := range symbolOperators {
		if idx := indexOutside(expression, op); idx > 0 {
			return expression[:idx], op, expression[idx+len(op):], true
		}
	}
	if loc := wordOpPattern.FindStringSubmatchIndex(expression); loc != nil {
		word := strings.ToLower(expression[loc[2]:loc[3]])
		return expression[:loc[0]], wordOperators[word], expression[loc[1]:], true
	}
	return "", "", "", false
}

func indexOutside(s, sub string) int {
	var quote byte
	depth := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			continue
		case c == '\'' || c == '"':
			quote = c
			continue
		case strings.HasPrefix(s[i:], "{{"):
			depth++
			i++
			continue
		case strings.HasPrefix(s[i:], "}}"):
			depth--
			i++
			continue
		}
		if depth == 0 && strings.HasPrefix(s[i:], sub) {
			return i
		}
	}
	return -1
}

// ParseValue converts a literal: boolean, then null, then number (int
// without a decimal point, float with one), then quoted string. Anything
// else is returned unchanged as a string.
func ParseValue(raw string) interface{} {
	s := strings.TrimSpace(raw)
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none", "nil":
		return nil
	}

	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil && isNumeric(s) {
			return f
		}
	} else if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(i)
	}

	if q, ok := unquote(s); ok {
		return q
	}
	return s
}

func isNumeric(s string) bool {
	for i, c := range s {
		if (c < '0' || c > '9') && c != '.' && !(i == 0 && (c == '-' || c == '+')) {
			return false
		}
	}
	return true
}

// Truthy reports the truth value of v: nil, false, zero, empty strings and
// empty collections are false.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func compareValues(left interface{}, op string, right interface{}) bool {
	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}

	c, ok := order(left, right)
	if !ok {
		return false
	}
	switch op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	}
	return false
}

// looseEqual compares numbers numerically and everything else by value
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool || bBool {
		return false
	}
	return Stringify(a) == Stringify(b)
}

// order returns -1, 0 or 1; false when the values are not comparable
func order(a, b interface{}) (int, bool) {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func containsValue(items []interface{}, v interface{}) bool {
	for _, item := range items {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}
