// SPDX-License-Identifier: MIT

package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// floatTolerance absorbs float jitter in numeric equality.
const floatTolerance = 0.001

// toFloat coerces numbers, numeric strings and booleans to float64.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// looselyEqual compares numerically when both sides coerce to numbers and
// falls back to a case-insensitive string comparison otherwise.
func looselyEqual(a, b any) bool {
	af, aErr := toFloat(a)
	bf, bErr := toFloat(b)
	if aErr == nil && bErr == nil {
		diff := af - bf
		if diff < 0 {
			diff = -diff
		}
		return diff < floatTolerance
	}
	return strings.EqualFold(toString(a), toString(b))
}

// evaluate checks one condition against the enhanced snapshot. A missing
// field never matches; evaluation itself never fails the cycle.
func (c *Condition) evaluate(data map[string]any, hist *History, now time.Time) bool {
	// changed and stable_for derive from history, not the current value.
	switch c.Operator {
	case OpChanged:
		return hist.Changed(c.Field, c.FromValue)
	case OpStableFor:
		secs, err := toFloat(c.Value)
		if err != nil {
			return false
		}
		return hist.StableFor(c.Field, time.Duration(secs*float64(time.Second)), now)
	}

	actual, ok := data[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEquals:
		return looselyEqual(actual, c.Value)
	case OpNotEquals:
		return !looselyEqual(actual, c.Value)
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		af, err := toFloat(actual)
		if err != nil {
			return false
		}
		ef, err := toFloat(c.Value)
		if err != nil {
			return false
		}
		switch c.Operator {
		case OpGreater:
			return af > ef
		case OpGreaterEqual:
			return af >= ef
		case OpLess:
			return af < ef
		default:
			return af <= ef
		}
	case OpContains:
		return strings.Contains(
			strings.ToLower(toString(actual)),
			strings.ToLower(toString(c.Value)),
		)
	case OpRegex:
		if c.re == nil {
			return false
		}
		return c.re.MatchString(toString(actual))
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looselyEqual(actual, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
