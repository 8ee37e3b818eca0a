package reading

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// numberPrefix is the longest leading decimal literal, the way the firmware's
// web client parsed numbers ("230.5V" is 230.5).
var numberPrefix = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?`)

// ParseNumber extracts a finite number from a decoded JSON value or raw text.
// Anything that is not numeric yields 0.
func ParseNumber(v any) float64 {
	var f float64
	switch x := v.(type) {
	case json.Number:
		f = parseText(x.String())
	case float64:
		f = x
	case int:
		f = float64(x)
	case string:
		f = parseText(x)
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func parseText(s string) float64 {
	m := numberPrefix.FindString(strings.TrimSpace(s))
	if m == "" {
		return 0
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return f
}

// Round2 rounds half away from zero to two decimals. Magnitudes past 1e15
// carry no fractional cents and are returned as is.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if math.Abs(v) > 1e15 {
		return v
	}
	r := math.Round(v*100) / 100
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	if r == 0 {
		// drops negative zero
		return 0
	}
	return r
}

// Truthy reports membership in the firmware's truthy set: true, 1, "1",
// "true", "on" and "ON". Strings match exactly.
func Truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		return err == nil && f == 1
	case float64:
		return x == 1
	case int:
		return x == 1
	case string:
		switch x {
		case "1", "true", "on", "ON":
			return true
		}
	}
	return false
}

// Text renders a decoded value as a string. Missing values yield "".
func Text(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}
