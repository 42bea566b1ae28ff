package market

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ParseTicks extracts ticks from a decoded bridge payload. Accepted shapes:
// {"type":"ticks","data":[...]}, {"data":{...}} and a bare array of ticks.
// Timestamps are epoch milliseconds or RFC3339; a missing timestamp takes now.
func ParseTicks(payload any, now time.Time) ([]Tick, error) {
	items, ok := extractTickItems(payload)
	if !ok {
		return nil, errors.New("payload carries no ticks")
	}
	out := make([]Tick, 0, len(items))
	for _, item := range items {
		m, ok := toMap(item)
		if !ok {
			continue
		}
		tick := Tick{
			Token:            tokenFromMap(m, "token", "instrument_token", "instrument"),
			Price:            floatFromMap(m, "ltp", "last_price", "price"),
			CumulativeVolume: floatFromMap(m, "volume", "volume_traded", "vol"),
			Time:             timeFromMap(m, now, "ts", "timestamp", "exchange_timestamp"),
		}
		if tick.Token == "" || !tick.Valid() {
			continue
		}
		out = append(out, tick)
	}
	return out, nil
}

func extractTickItems(payload any) ([]any, bool) {
	if arr, ok := toSlice(payload); ok {
		return arr, true
	}
	m, ok := toMap(payload)
	if !ok {
		return nil, false
	}
	if kind := stringFromMap(m, "type"); kind != "" && kind != "ticks" && kind != "tick" {
		return nil, false
	}
	switch data := m["data"].(type) {
	case []any:
		return data, true
	case map[string]any:
		return []any{data}, true
	}
	if _, ok := m["ltp"]; ok {
		return []any{m}, true
	}
	return nil, false
}

func timeFromMap(m map[string]any, fallback time.Time, keys ...string) time.Time {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s)); err == nil {
				return ts
			}
		}
		if ms, ok := floatFromAny(v); ok && ms > 0 {
			return time.UnixMilli(int64(ms))
		}
	}
	return fallback
}

func tokenFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		if s := stringFromAny(v); s != "" {
			return s
		}
		if n, ok := v.(json.Number); ok {
			return n.String()
		}
		if f, ok := floatFromAny(v); ok {
			return strconv.FormatInt(int64(f), 10)
		}
	}
	return ""
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

// floatFromAny converts a decoded JSON value to a finite float.
func floatFromAny(v any) (float64, bool) {
	f, ok := rawFloat(v)
	if !ok || !finite(f) {
		return 0, false
	}
	return f, true
}

func rawFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
