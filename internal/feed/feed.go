// Package feed turns bridge websocket frames into ticks for the engine.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"intraday-breakout-bot/internal/feed/ws"
	"intraday-breakout-bot/internal/market"

	"go.uber.org/zap"
)

// Sink receives decoded ticks. It must not block.
type Sink func(market.Tick)

// Source is anything that streams ticks until ctx ends.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Decode parses one frame. Numbers are kept as json.Number so instrument
// tokens survive without float rounding.
func Decode(raw []byte, now time.Time) ([]market.Tick, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return market.ParseTicks(payload, now)
}

var _ Source = (*Feed)(nil)

type Feed struct {
	ws  *ws.Client
	log *zap.Logger
	now func() time.Time

	mu       sync.RWMutex
	tokens   map[string]struct{}
	lastTick time.Time
	frames   int64
	ticks    int64
}

func New(client *ws.Client, tokens []string, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Feed{ws: client, log: log, now: time.Now, tokens: make(map[string]struct{}, len(tokens))}
	for _, token := range tokens {
		f.tokens[token] = struct{}{}
	}
	return f
}

// Run subscribes to the configured tokens and blocks delivering ticks until
// ctx ends.
func (f *Feed) Run(ctx context.Context, sink Sink) error {
	if err := f.ws.Subscribe(ctx, subscribeMessage("subscribe", f.Tokens())); err != nil {
		return err
	}
	return f.ws.Run(ctx, func(msg json.RawMessage) {
		f.handleMessage(msg, sink)
	})
}

// Unsubscribe stops the bridge sending ticks for token. Ticks already in
// flight are still delivered.
func (f *Feed) Unsubscribe(ctx context.Context, token string) error {
	f.mu.Lock()
	delete(f.tokens, token)
	f.mu.Unlock()
	return f.ws.Send(ctx, subscribeMessage("unsubscribe", []string{token}))
}

func (f *Feed) Tokens() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.tokens))
	for token := range f.tokens {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// LastTick reports when the last tick arrived, zero if none has.
func (f *Feed) LastTick() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastTick
}

func (f *Feed) Stats() (frames, ticks int64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frames, f.ticks
}

func (f *Feed) handleMessage(msg json.RawMessage, sink Sink) {
	now := f.now()
	ticks, err := Decode(msg, now)
	f.mu.Lock()
	f.frames++
	if err == nil && len(ticks) > 0 {
		f.ticks += int64(len(ticks))
		f.lastTick = now
	}
	f.mu.Unlock()
	if err != nil {
		f.log.Debug("ws frame skipped", zap.Error(err))
		return
	}
	if sink == nil {
		return
	}
	for _, tick := range ticks {
		sink(tick)
	}
}

func subscribeMessage(action string, tokens []string) map[string]any {
	return map[string]any{"action": action, "tokens": tokens, "mode": "ltpc"}
}
