package docstore

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type serverTimestamp struct{}

// ServerTimestamp asks the store to stamp the field with its own clock when
// the write is applied.
func ServerTimestamp() any {
	return serverTimestamp{}
}

func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// ResolveServerTimestamps returns a copy of fields with every ServerTimestamp
// directive replaced by now.
func ResolveServerTimestamps(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if IsServerTimestamp(v) {
			out[k] = now.UTC()
			continue
		}
		out[k] = v
	}
	return out
}

// AsTime reads a timestamp stored either as time.Time or as an RFC 3339
// string after a JSON round trip.
func AsTime(v any) (time.Time, bool) {
	switch typed := v.(type) {
	case time.Time:
		if typed.IsZero() {
			return time.Time{}, false
		}
		return typed, true
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return time.Time{}, false
		}
		return *typed, true
	case string:
		value := strings.TrimSpace(typed)
		if value == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04"} {
			if parsed, err := time.Parse(layout, value); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// AsInt reads an integer the way a lenient parser would: numbers are
// truncated and numeric strings parse up to their first non-digit.
func AsInt(v any) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	case uint64:
		if typed > math.MaxInt64 {
			return 0, false
		}
		return int64(typed), true
	case float32:
		return floatToInt(float64(typed))
	case float64:
		return floatToInt(typed)
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n, true
		}
		if f, err := typed.Float64(); err == nil {
			return floatToInt(f)
		}
	case string:
		return parseLeadingInt(typed)
	}
	return 0, false
}

// AsString renders scalar values for display and name matching.
func AsString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		if n, ok := AsInt(typed); ok {
			return strconv.FormatInt(n, 10)
		}
		return ""
	}
}

// IsScalar reports whether v may be stored as a field value.
func IsScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number, time.Time:
		return true
	default:
		return IsServerTimestamp(v)
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func parseLeadingInt(raw string) (int64, bool) {
	value := strings.TrimSpace(raw)
	end := 0
	if end < len(value) && (value[end] == '-' || value[end] == '+') {
		end++
	}
	digits := end
	for end < len(value) && value[end] >= '0' && value[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.ParseInt(value[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
