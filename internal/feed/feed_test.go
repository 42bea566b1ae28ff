package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"intraday-breakout-bot/internal/feed/ws"
	"intraday-breakout-bot/internal/market"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestDecodeKeepsLargeTokens(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 20, 0, 0, time.UTC)
	ticks, err := Decode([]byte(`{"type":"ticks","data":[{"token":12345678901234,"ltp":101.5,"volume":5000,"ts":1772443200000}]}`), now)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("expected one tick, got %d", len(ticks))
	}
	if ticks[0].Token != "12345678901234" {
		t.Fatalf("unexpected token %q", ticks[0].Token)
	}
	if ticks[0].Time.UnixMilli() != 1772443200000 {
		t.Fatalf("unexpected time %v", ticks[0].Time)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte(`not json`), time.Now()); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := Decode([]byte(`{"type":"heartbeat"}`), time.Now()); err == nil {
		t.Fatalf("expected error for non-tick frame")
	}
}

func TestFeedDeliversTicks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subscribed := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub map[string]any
		_ = json.Unmarshal(data, &sub)
		subscribed <- sub
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`[{"token":"101","ltp":"99.5","volume":10}]`))
		<-ctx.Done()
	}))
	defer server.Close()

	client := ws.New("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, 0, zap.NewNop())
	f := New(client, []string{"101", "202"}, zap.NewNop())
	got := make(chan market.Tick, 1)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = f.Run(runCtx, func(tick market.Tick) { got <- tick })
	}()

	select {
	case sub := <-subscribed:
		if sub["action"] != "subscribe" {
			t.Fatalf("unexpected subscription %v", sub)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscription")
	}
	select {
	case tick := <-got:
		if tick.Token != "101" || tick.Price != 99.5 {
			t.Fatalf("unexpected tick %+v", tick)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for tick")
	}
	if f.LastTick().IsZero() {
		t.Fatalf("expected last tick time")
	}
	frames, ticks := f.Stats()
	if frames < 2 || ticks != 1 {
		t.Fatalf("unexpected stats frames=%d ticks=%d", frames, ticks)
	}
	if tokens := f.Tokens(); len(tokens) != 2 || tokens[0] != "101" {
		t.Fatalf("unexpected tokens %v", tokens)
	}
}
