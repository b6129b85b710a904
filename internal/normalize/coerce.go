package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toMillis rounds to whole milliseconds.
func toMillis(v any) (any, bool) {
	f, ok := toFloat(v)
	if !ok {
		return nil, false
	}
	return int64(math.Round(f)), true
}

// toCount accepts a number or a list of requests.
func toCount(v any) (any, bool) {
	if list, ok := v.([]any); ok {
		return int64(len(list)), true
	}
	return toMillis(v)
}

// toScore fixes a ratio such as CLS to four decimals.
func toScore(v any) (any, bool) {
	f, ok := toFloat(v)
	if !ok {
		return nil, false
	}
	return math.Round(f*10000) / 10000, true
}

func toText(v any) (any, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, false
	}
	return s, true
}

func floatPtr(v any) *float64 {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
