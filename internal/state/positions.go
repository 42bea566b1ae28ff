package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"intraday-breakout-bot/internal/strategy"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	OpenTradesKey = "positions:open"
	ControlsKey   = "controls:state"
	SettingsKey   = "settings:sides"
)

type openTradeBook struct {
	Trades      []strategy.Trade `msgpack:"trades"`
	UpdatedAtMS int64            `msgpack:"updated_at_ms"`
}

// SaveOpenTrades replaces the persisted open-trade book. The book is
// msgpack-encoded and base64-wrapped to fit the text kv column.
func SaveOpenTrades(ctx context.Context, store Store, trades []strategy.Trade) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(trades) == 0 {
		return store.Delete(ctx, OpenTradesKey)
	}
	payload, err := msgpack.Marshal(openTradeBook{Trades: trades, UpdatedAtMS: nowMS()})
	if err != nil {
		return err
	}
	return store.Set(ctx, OpenTradesKey, base64.StdEncoding.EncodeToString(payload))
}

func LoadOpenTrades(ctx context.Context, store Store) ([]strategy.Trade, error) {
	if store == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, OpenTradesKey)
	if err != nil {
		return nil, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode open trades: %w", err)
	}
	var book openTradeBook
	if err := msgpack.Unmarshal(payload, &book); err != nil {
		return nil, fmt.Errorf("decode open trades: %w", err)
	}
	return book.Trades, nil
}

func SaveControls(ctx context.Context, store Store, controls strategy.ControlState) error {
	return saveJSON(ctx, store, ControlsKey, controls)
}

func LoadControls(ctx context.Context, store Store) (strategy.ControlState, bool, error) {
	var controls strategy.ControlState
	ok, err := loadJSON(ctx, store, ControlsKey, &controls)
	return controls, ok, err
}

// SaveSettings persists operator overrides keyed by side ("bull", "mom_bear").
func SaveSettings(ctx context.Context, store Store, settings map[string]strategy.SideSettings) error {
	return saveJSON(ctx, store, SettingsKey, settings)
}

func LoadSettings(ctx context.Context, store Store) (map[string]strategy.SideSettings, bool, error) {
	var settings map[string]strategy.SideSettings
	ok, err := loadJSON(ctx, store, SettingsKey, &settings)
	return settings, ok, err
}
