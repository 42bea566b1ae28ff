package market

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return payload
}

func TestParseTicksEnvelope(t *testing.T) {
	payload := decode(t, `{"type":"ticks","data":[
		{"token":"738561","ltp":2951.5,"volume":120400,"ts":1717384500123},
		{"token":2885,"ltp":"4100.25","volume":"9000"}
	]}`)
	now := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)
	ticks, err := ParseTicks(payload, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	if ticks[0].Token != "738561" || !closeEnough(ticks[0].Price, 2951.5) {
		t.Fatalf("unexpected first tick: %+v", ticks[0])
	}
	if !ticks[0].Time.Equal(time.UnixMilli(1717384500123)) {
		t.Fatalf("expected ms timestamp, got %v", ticks[0].Time)
	}
	if ticks[1].Token != "2885" || !closeEnough(ticks[1].CumulativeVolume, 9000) {
		t.Fatalf("unexpected second tick: %+v", ticks[1])
	}
	if !ticks[1].Time.Equal(now) {
		t.Fatalf("expected receive time fallback, got %v", ticks[1].Time)
	}
}

func TestParseTicksBareArray(t *testing.T) {
	payload := decode(t, `[{"instrument_token":"1","last_price":10,"volume_traded":5,"timestamp":"2024-06-03T09:15:00Z"}]`)
	ticks, err := ParseTicks(payload, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Token != "1" {
		t.Fatalf("unexpected ticks: %+v", ticks)
	}
	if !ticks[0].Time.Equal(time.Date(2024, 6, 3, 9, 15, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time: %v", ticks[0].Time)
	}
}

func TestParseTicksSkipsInvalidEntries(t *testing.T) {
	payload := decode(t, `{"data":[{"token":"1","ltp":0},{"ltp":5},"junk",{"token":"2","ltp":7}]}`)
	ticks, err := ParseTicks(payload, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Token != "2" {
		t.Fatalf("expected only token 2, got %+v", ticks)
	}
}

func TestParseTicksSkipsNonFiniteValues(t *testing.T) {
	payload := decode(t, `{"data":[
		{"token":"1","ltp":"Inf"},
		{"token":"2","ltp":"NaN"},
		{"token":"3","ltp":"-Infinity"},
		{"token":"4","ltp":"1e400"},
		{"token":"5","ltp":10,"volume":"NaN"},
		{"token":"6","ltp":10,"volume":-5},
		{"token":"7","ltp":"12.5","volume":"100"}
	]}`)
	ticks, err := ParseTicks(payload, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("expected tokens 5 and 7, got %+v", ticks)
	}
	// A NaN volume reads as absent rather than poisoning the candle.
	if ticks[0].Token != "5" || ticks[0].CumulativeVolume != 0 {
		t.Fatalf("unexpected first tick: %+v", ticks[0])
	}
	if ticks[1].Token != "7" || !closeEnough(ticks[1].Price, 12.5) {
		t.Fatalf("unexpected second tick: %+v", ticks[1])
	}
}

func TestTickValid(t *testing.T) {
	cases := []struct {
		name string
		tick Tick
		want bool
	}{
		{"ok", Tick{Price: 10, CumulativeVolume: 5}, true},
		{"zero price", Tick{Price: 0}, false},
		{"inf price", Tick{Price: math.Inf(1)}, false},
		{"nan price", Tick{Price: math.NaN()}, false},
		{"negative volume", Tick{Price: 10, CumulativeVolume: -1}, false},
		{"inf volume", Tick{Price: 10, CumulativeVolume: math.Inf(1)}, false},
	}
	for _, tc := range cases {
		if got := tc.tick.Valid(); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestParseTicksRejectsOtherMessages(t *testing.T) {
	if _, err := ParseTicks(decode(t, `{"type":"heartbeat"}`), time.Now()); err == nil {
		t.Fatalf("expected error for non-tick message")
	}
}

func closeEnough(a, b float64) bool {
	const eps = 1e-9
	if a > b {
		return a-b < eps
	}
	return b-a < eps
}
