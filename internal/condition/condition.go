// Package condition evaluates a single rule condition against a pricing
// signal.
//
// Coercion rule: a value is numeric when it is a Go integer or float, a
// decimal.Decimal, or a string that parses as a decimal after trimming
// spaces. eq/neq compare numerically when both sides are numeric and by
// canonical string (fmt.Sprint) otherwise, so "10" eq 10.0 holds but
// "abc" eq "ABC" does not. Ordering operators need two numeric sides.
// A nil actual value fails every operator, including the negated ones.
package condition

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bazaar/pricing-engine/internal/model"
)

// Evaluate reports whether actual <op> expected holds. Unknown operators
// evaluate to false.
func Evaluate(actual any, op model.Operator, expected any) bool {
	if actual == nil || expected == nil {
		return false
	}

	switch op {
	case model.OpEq:
		return equal(actual, expected)
	case model.OpNeq:
		return !equal(actual, expected)
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		a, ok := toDecimal(actual)
		if !ok {
			return false
		}
		b, ok := toDecimal(expected)
		if !ok {
			return false
		}
		switch op {
		case model.OpGt:
			return a.GreaterThan(b)
		case model.OpGte:
			return a.GreaterThanOrEqual(b)
		case model.OpLt:
			return a.LessThan(b)
		default:
			return a.LessThanOrEqual(b)
		}
	case model.OpContains:
		return contains(actual, expected)
	case model.OpNotContains:
		return !contains(actual, expected)
	}
	return false
}

func equal(a, b any) bool {
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	if okA && okB {
		return da.Equal(db)
	}
	return canonical(a) == canonical(b)
}

// contains tests slice membership when actual is a slice, else substring.
func contains(actual, expected any) bool {
	rv := reflect.ValueOf(actual)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(canonical(actual), canonical(expected))
}

func canonical(v any) string {
	if d, ok := v.(decimal.Decimal); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case *decimal.Decimal:
		if x == nil {
			return decimal.Zero, false
		}
		return *x, true
	case float32:
		return toDecimal(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(x), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}

	// Every integer kind, including named types such as time.Weekday.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return decimal.NewFromInt(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return decimal.NewFromUint64(rv.Uint()), true
	}
	return decimal.Zero, false
}
