package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// placeholderPattern matches a condition value that is exactly "{path}".
var placeholderPattern = regexp.MustCompile(`^\{([\w.]+)\}$`)

// EvaluateConditions folds the conditions left to right. The first condition
// stands alone; each later one joins the running result with its logical
// operator (AND when unset). An empty list is true.
func EvaluateConditions(conditions []RuleCondition, evalCtx map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}

	result := EvaluateCondition(conditions[0], evalCtx)
	for _, cond := range conditions[1:] {
		next := EvaluateCondition(cond, evalCtx)
		if cond.LogicalOperator == LogicalOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

// EvaluateCondition evaluates a single condition against the context.
func EvaluateCondition(cond RuleCondition, evalCtx map[string]any) bool {
	actual, _ := ResolveField(evalCtx, cond.Field)
	expected := resolveConditionValue(cond.Value, evalCtx)

	switch cond.Operator {
	case OpEquals:
		return strictEqual(actual, expected)
	case OpNotEquals:
		return !strictEqual(actual, expected)
	case OpGreaterThan:
		return toNumber(actual) > toNumber(expected)
	case OpLessThan:
		return toNumber(actual) < toNumber(expected)
	case OpContains:
		if actual == nil {
			return false
		}
		return strings.Contains(
			strings.ToLower(stringify(actual)),
			strings.ToLower(stringify(expected)),
		)
	case OpIn:
		items, ok := listItems(expected)
		return ok && containsStrict(items, actual)
	case OpNotIn:
		items, ok := listItems(expected)
		return ok && !containsStrict(items, actual)
	default:
		return false
	}
}

func resolveConditionValue(value any, evalCtx map[string]any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	m := placeholderPattern.FindStringSubmatch(s)
	if m == nil {
		return value
	}
	resolved, _ := ResolveField(evalCtx, m[1])
	return resolved
}

// placeholderPath returns the referenced path when value is a "{path}" string.
func placeholderPath(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	m := placeholderPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// strictEqual compares like a JavaScript "===": numbers by value regardless of
// Go kind, strings and booleans by value, everything else never equal unless
// both sides are absent.
func strictEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	an, aNum := numberValue(a)
	bn, bNum := numberValue(b)
	if aNum || bNum {
		return aNum && bNum && an == bn
	}

	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	switch {
	case av.Kind() == reflect.String && bv.Kind() == reflect.String:
		return av.String() == bv.String()
	case av.Kind() == reflect.Bool && bv.Kind() == reflect.Bool:
		return av.Bool() == bv.Bool()
	}
	return false
}

func containsStrict(items []any, v any) bool {
	for _, item := range items {
		if strictEqual(item, v) {
			return true
		}
	}
	return false
}

func listItems(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	if v == nil {
		return nil, false
	}
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Slice && val.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, val.Len())
	for i := range items {
		items[i] = val.Index(i).Interface()
	}
	return items, true
}

// numberValue reports whether v holds a Go number.
func numberValue(v any) (float64, bool) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err != nil {
			return math.NaN(), true
		}
		return f, true
	}
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(val.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(val.Uint()), true
	case reflect.Float32, reflect.Float64:
		return val.Float(), true
	}
	return 0, false
}

// toNumber coerces like JavaScript Number(): booleans become 0/1, numeric
// strings parse, blank strings are 0 and anything else is NaN.
func toNumber(v any) float64 {
	if v == nil {
		return math.NaN()
	}
	if f, ok := numberValue(v); ok {
		return f
	}

	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return float64(val.UnixMilli())
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.String {
		return math.NaN()
	}
	return parseNumber(rv.String())
}

func parseNumber(raw string) float64 {
	s := strings.TrimSpace(raw)
	switch s {
	case "":
		return 0
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}

	lower := strings.ToLower(s)
	if len(lower) > 2 && lower[0] == '0' {
		switch lower[1] {
		case 'x':
			return parseRadix(lower[2:], 16)
		case 'o':
			return parseRadix(lower[2:], 8)
		case 'b':
			return parseRadix(lower[2:], 2)
		}
	}
	// strconv accepts "inf", "nan" and "_" separators; Number() does not.
	if strings.ContainsAny(lower, "inx_") {
		return math.NaN()
	}

	f, err := strconv.ParseFloat(s, 64)
	if errors.Is(err, strconv.ErrRange) {
		// f is ±Inf for overflow and ±0 for underflow
		return f
	}
	if err != nil {
		return math.NaN()
	}
	return f
}

// parseRadix parses the digits of a 0x, 0o or 0b literal without a size limit.
func parseRadix(digits string, base int) float64 {
	if strings.ContainsAny(digits, "+-_") {
		return math.NaN()
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return math.NaN()
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	return f
}

// stringify renders a value the way JavaScript String() would for scalars and
// arrays; maps and structs render as JSON.
func stringify(v any) string {
	if v == nil {
		return "null"
	}
	if f, ok := numberValue(v); ok {
		return formatNumber(f)
	}

	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		items, _ := listItems(v)
		parts := make([]string, len(items))
		for i, item := range items {
			if item != nil {
				parts[i] = stringify(item)
			}
		}
		return strings.Join(parts, ",")
	case reflect.Map, reflect.Struct, reflect.Pointer:
		data, err := json.Marshal(v)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
