package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrDecode is returned when a payload is malformed, misses a required section or holds
// non numeric content in a numeric field.
var ErrDecode = errors.New("could not decode payload")

func decodeErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// Stringify renders v as text and never fails.
//
// nil renders as "null", strings are returned as is, JSON numbers keep their literal text,
// booleans render as "true" or "false", and maps and lists render as compact JSON.
func Stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any:
		return toJSON(v)
	default:
		return fmt.Sprint(v)
	}
}

// toJSON serializes v as compact JSON. nil serializes as "null".
func toJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// NormalizeMajorVersion parses a java specification version, dropping the legacy "1." prefix.
// "1.8" gives 8 and "17" gives 17.
func NormalizeMajorVersion(s string) (int, error) {
	s = strings.TrimPrefix(s, "1.")
	return parseInt(s)
}

func parseInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, decodeErrorf("%q is not an integer", s)
	}
	return int(v), nil
}

func parseInt64(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, decodeErrorf("%q is not a long integer", s)
	}
	return v, nil
}

// parseTruncatedFloat parses a decimal number and truncates it toward zero, saturating at the
// 32 bits integer bounds.
func parseTruncatedFloat(s string) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, decodeErrorf("%q is not a number", s)
	}
	switch {
	case math.IsNaN(v):
		return 0, nil
	case v >= math.MaxInt32:
		return math.MaxInt32, nil
	case v <= math.MinInt32:
		return math.MinInt32, nil
	}
	return int(v), nil
}

// parseBool is true only for a case insensitive "true".
func parseBool(v any) bool {
	return strings.EqualFold(Stringify(v), "true")
}
