package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/itchyny/timefmt-go"

	"github.com/davidmoltin/bizflow/internal/models"
)

var (
	templatePattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	functionPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\(\s*\)$`)
)

// Resolver interpolates {{...}} templates against a variable map
type Resolver struct {
	now   func() time.Time
	newID func() string
}

// NewResolver creates a new variable resolver
func NewResolver() *Resolver {
	return &Resolver{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Resolve interpolates a template string. A template that consists of a
// single {{...}} returns the referenced value with its native type; any
// other template returns a string with each reference stringified.
func (r *Resolver) Resolve(template string, vars map[string]interface{}) interface{} {
	matches := templatePattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template
	}

	trimmed := strings.TrimSpace(template)
	if len(matches) == 1 && matches[0][0] == strings.Index(template, trimmed) &&
		matches[0][1]-matches[0][0] == len(trimmed) {
		inner := template[matches[0][2]:matches[0][3]]
		return r.evaluate(inner, vars)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(template[last:m[0]])
		b.WriteString(Stringify(r.evaluate(template[m[2]:m[3]], vars)))
		last = m[1]
	}
	b.WriteString(template[last:])
	return b.String()
}

// ResolveString interpolates a template and always returns a string
func (r *Resolver) ResolveString(template string, vars map[string]interface{}) string {
	return Stringify(r.Resolve(template, vars))
}

// ResolveValue interpolates every string inside v, recursing into maps and
// slices. Non-string scalars are returned unchanged.
func (r *Resolver) ResolveValue(v interface{}, vars map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.Resolve(val, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = r.ResolveValue(item, vars)
		}
		return out
	case models.JSONB:
		return r.ResolveValue(map[string]interface{}(val), vars)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.ResolveValue(item, vars)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.Resolve(item, vars)
		}
		return out
	default:
		return v
	}
}

// ResolveMap interpolates a config map
func (r *Resolver) ResolveMap(m map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return r.ResolveValue(m, vars).(map[string]interface{})
}

// Lookup walks a dotted path with optional [index] segments. The second
// return value is false when any segment is missing.
func (r *Resolver) Lookup(path string, vars map[string]interface{}) (interface{}, bool) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, false
	}

	var current interface{} = vars
	for _, seg := range segments {
		next, ok := indexValue(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// evaluate resolves the inside of a {{...}} reference, including pipes
func (r *Resolver) evaluate(inner string, vars map[string]interface{}) interface{} {
	parts := splitOutsideQuotes(inner, '|')
	head := strings.TrimSpace(parts[0])

	value := r.evaluateHead(head, vars)
	for _, p := range parts[1:] {
		name, arg := parsePipe(strings.TrimSpace(p))
		value = r.applyPipe(name, arg, value)
	}
	return value
}

func (r *Resolver) evaluateHead(head string, vars map[string]interface{}) interface{} {
	if m := functionPattern.FindStringSubmatch(head); m != nil {
		if v, ok := r.callBuiltin(m[1]); ok {
			return v
		}
		return nil
	}
	if s, ok := unquote(head); ok {
		return s
	}
	v, _ := r.Lookup(head, vars)
	return v
}

func (r *Resolver) callBuiltin(name string) (interface{}, bool) {
	now := r.now().UTC()
	switch strings.ToUpper(name) {
	case "NOW":
		return now.Format(time.RFC3339), true
	case "TODAY":
		return now.Format("2006-01-02"), true
	case "TIMESTAMP":
		return now.Unix(), true
	case "UUID", "RANDOM_ID":
		return r.newID(), true
	}
	return nil, false
}

func (r *Resolver) applyPipe(name, arg string, value interface{}) interface{} {
	switch strings.ToLower(name) {
	case "upper":
		return strings.ToUpper(Stringify(value))
	case "lower":
		return strings.ToLower(Stringify(value))
	case "title":
		return titleCase(Stringify(value))
	case "trim":
		return strings.TrimSpace(Stringify(value))
	case "length", "len", "count":
		return lengthOf(value)
	case "first":
		return firstOf(value)
	case "last":
		return lastOf(value)
	case "sum", "avg", "min", "max":
		return aggregate(strings.ToLower(name), arg, value)
	case "round":
		f, ok := toFloat64(value)
		if !ok {
			return value
		}
		digits, _ := strconv.Atoi(arg)
		p := math.Pow(10, float64(digits))
		return math.Round(f*p) / p
	case "join":
		sep := ", "
		if arg != "" {
			sep = arg
		}
		items := toSlice(value)
		if items == nil {
			return Stringify(value)
		}
		strs := make([]string, len(items))
		for i, item := range items {
			strs[i] = Stringify(item)
		}
		return strings.Join(strs, sep)
	case "currency":
		return formatCurrency(value, arg)
	case "date":
		return r.formatDate(value, arg)
	case "default":
		if value == nil || value == "" {
			return ParseValue(arg)
		}
		return value
	}
	return value
}

func (r *Resolver) formatDate(value interface{}, format string) interface{} {
	if format == "" {
		format = "%Y-%m-%d"
	}
	t, ok := toTime(value)
	if !ok {
		return value
	}
	return timefmt.Format(t, format)
}

// Stringify renders a value for embedding in a larger string. Maps and
// slices are rendered as compact JSON.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case json.Number:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(v)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", v)
}

func splitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	path = strings.ReplaceAll(path, "[", ".[")
	raw := strings.Split(path, ".")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func indexValue(current interface{}, seg string) (interface{}, bool) {
	if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") {
		key := strings.TrimSpace(seg[1 : len(seg)-1])
		if s, ok := unquote(key); ok {
			return mapValue(current, s)
		}
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, false
		}
		items := toSlice(current)
		if items == nil {
			return nil, false
		}
		if idx < 0 {
			idx += len(items)
		}
		if idx < 0 || idx >= len(items) {
			return nil, false
		}
		return items[idx], true
	}
	return mapValue(current, seg)
}

func mapValue(current interface{}, key string) (interface{}, bool) {
	switch m := current.(type) {
	case map[string]interface{}:
		v, ok := m[key]
		return v, ok
	case models.JSONB:
		v, ok := m[key]
		return v, ok
	case map[string]string:
		v, ok := m[key]
		return v, ok
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(current)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	}
	return nil, false
}

// toSlice converts any slice or array to []interface{}; nil otherwise
func toSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case nil, string:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func splitOutsideQuotes(s string, sep rune) []string {
	var parts []string
	var quote rune
	start := 0
	depth := 0
	for i, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// parsePipe accepts "name", "name:arg" and "name(arg)"
func parsePipe(p string) (string, string) {
	if i := strings.Index(p, "("); i > 0 && strings.HasSuffix(p, ")") {
		return strings.TrimSpace(p[:i]), unquoteArg(p[i+1 : len(p)-1])
	}
	if i := strings.Index(p, ":"); i > 0 {
		return strings.TrimSpace(p[:i]), unquoteArg(p[i+1:])
	}
	return p, ""
}

func unquoteArg(arg string) string {
	arg = strings.TrimSpace(arg)
	if s, ok := unquote(arg); ok {
		return s
	}
	return arg
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1], true
		}
	}
	return "", false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

func lengthOf(v interface{}) int {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return len([]rune(val))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len()
	}
	return len([]rune(Stringify(v)))
}

func firstOf(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		r := []rune(s)
		if len(r) == 0 {
			return ""
		}
		return string(r[0])
	}
	items := toSlice(v)
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

func lastOf(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		r := []rune(s)
		if len(r) == 0 {
			return ""
		}
		return string(r[len(r)-1])
	}
	items := toSlice(v)
	if len(items) == 0 {
		return nil
	}
	return items[len(items)-1]
}

// aggregate computes sum/avg/min/max over numeric items. When field is set,
// items are maps and the named field is aggregated.
func aggregate(op, field string, v interface{}) interface{} {
	items := toSlice(v)
	nums := make([]float64, 0, len(items))
	for _, item := range items {
		if field != "" {
			item, _ = mapValue(item, field)
		}
		if f, ok := toFloat64(item); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		if op == "sum" || op == "avg" {
			return 0
		}
		return nil
	}

	switch op {
	case "sum":
		return sumOf(nums)
	case "avg":
		return sumOf(nums) / float64(len(nums))
	case "min":
		sort.Float64s(nums)
		return nums[0]
	default:
		sort.Float64s(nums)
		return nums[len(nums)-1]
	}
}

func sumOf(nums []float64) float64 {
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"INR": "₹",
}

// formatCurrency renders 1234.5 as "$1,234.50"
func formatCurrency(v interface{}, code string) interface{} {
	f, ok := toFloat64(v)
	if !ok {
		return v
	}
	if code == "" {
		code = "USD"
	}
	code = strings.ToUpper(code)

	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}
	s := strconv.FormatFloat(f, 'f', 2, 64)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]

	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	if sym, ok := currencySymbols[code]; ok {
		return sign + sym + b.String() + frac
	}
	return sign + code + " " + b.String() + frac
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// toTime accepts time.Time, RFC3339-ish strings and unix seconds
func toTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(val)); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	if f, ok := toFloat64(v); ok {
		return time.Unix(int64(f), 0).UTC(), true
	}
	return time.Time{}, false
}

// toFloat64 converts numeric kinds to float64
func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case int16:
		return float64(v), true
	case int8:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// coerceFloat64 is toFloat64 plus numeric strings
func coerceFloat64(value interface{}) (float64, bool) {
	if f, ok := toFloat64(value); ok {
		return f, true
	}
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}
