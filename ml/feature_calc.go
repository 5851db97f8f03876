package ml

import (
	"math"
	"strconv"
	"time"

	"recordlink/record"
)

// NumericDiff scores numeric closeness: 1 for equal values, otherwise
// max(0, 1 - |a-b|/max(|a|,|b|)). Non-numeric input scores 0, one-sided
// missing 0, both missing 1.
func NumericDiff(v1, v2 interface{}) float64 {
	m1, m2 := record.IsMissing(v1), record.IsMissing(v2)
	if m1 && m2 {
		return 1
	}
	if m1 || m2 {
		return 0
	}
	a, ok1 := toFloat(v1)
	b, ok2 := toFloat(v2)
	if !ok1 || !ok2 {
		return 0
	}
	if a == b {
		return 1
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Max(0, 1-math.Abs(a-b)/scale)
}

// DateDiff scores temporal closeness with a one-year decay:
// exp(-days_apart/365). Invalid or one-sided missing dates score 0,
// both missing or identical dates 1.
func DateDiff(v1, v2 interface{}) float64 {
	m1, m2 := record.IsMissing(v1), record.IsMissing(v2)
	if m1 && m2 {
		return 1
	}
	if m1 || m2 {
		return 0
	}
	t1, ok1 := toTime(v1)
	t2, ok2 := toTime(v2)
	if !ok1 || !ok2 {
		return 0
	}
	days := math.Abs(t1.Sub(t2).Hours()) / 24
	if days == 0 {
		return 1
	}
	return math.Exp(-days / 365)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// dateLayouts are tried in order when a date arrives as a string.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
