package engine

import (
	"context"
	"sort"
	"time"

	"intraday-breakout-bot/internal/state"
	"intraday-breakout-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InstrumentState is the published view of one instrument. Actors replace it
// after every message, so readers never touch the live instrument.
type InstrumentState struct {
	Token        string          `json:"token"`
	Symbol       string          `json:"symbol"`
	Status       strategy.Status `json:"status"`
	Side         strategy.Side   `json:"side,omitempty"`
	TriggerPrice float64         `json:"trigger_price,omitempty"`
	StopBase     float64         `json:"stop_base,omitempty"`
	LastPrice    float64         `json:"ltp"`
	LastTickAt   time.Time       `json:"last_tick_at"`
	TradesToday  int             `json:"trades_today"`
	ExitPending  bool            `json:"exit_pending,omitempty"`
	Trade        *strategy.Trade `json:"trade,omitempty"`
}

type OpenTrade struct {
	strategy.Trade
	LastPrice float64         `json:"ltp"`
	PnL       decimal.Decimal `json:"pnl"`
}

type ArmedSignal struct {
	Token        string  `json:"token"`
	Symbol       string  `json:"symbol"`
	TriggerPrice float64 `json:"trigger_price"`
	LastPrice    float64 `json:"ltp"`
}

// Snapshot is the emitted engine state: per-instrument status, open trades
// with live P&L per side, realized P&L per side and armed triggers grouped by
// side.
type Snapshot struct {
	Time             time.Time                         `json:"time"`
	SessionOver      bool                              `json:"session_over"`
	Instruments      []InstrumentState                 `json:"instruments"`
	OpenTrades       []OpenTrade                       `json:"open_trades"`
	Unrealized       decimal.Decimal                   `json:"unrealized"`
	UnrealizedBySide map[strategy.Side]decimal.Decimal `json:"unrealized_by_side"`
	Realized         []strategy.SideSummary            `json:"realized"`
	TotalRealized    decimal.Decimal                   `json:"total_realized"`
	Armed            map[strategy.Side][]ArmedSignal   `json:"armed"`
	Controls         strategy.ControlState             `json:"controls"`
	Dropped          DropCounts                        `json:"dropped"`
}

type DropCounts struct {
	Ticks    uint64 `json:"ticks"`
	Analysis uint64 `json:"analysis"`
}

func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Time:             e.now(),
		SessionOver:      e.sessionOver.Load(),
		Instruments:      make([]InstrumentState, 0, len(e.order)),
		Unrealized:       decimal.Zero,
		UnrealizedBySide: make(map[strategy.Side]decimal.Decimal, len(strategy.Sides)),
		Realized:         e.ledger.Summary(),
		TotalRealized:    e.ledger.Total(),
		Armed:            make(map[strategy.Side][]ArmedSignal),
		Controls:         e.controls.State(),
		Dropped: DropCounts{
			Ticks:    e.droppedTicks.Load(),
			Analysis: e.droppedAnalysis.Load(),
		},
	}
	for _, side := range strategy.Sides {
		snap.UnrealizedBySide[side] = decimal.Zero
	}
	for _, a := range e.order {
		view := a.view()
		snap.Instruments = append(snap.Instruments, view)
		switch view.Status {
		case strategy.StatusTriggerWatch:
			snap.Armed[view.Side] = append(snap.Armed[view.Side], ArmedSignal{
				Token:        view.Token,
				Symbol:       view.Symbol,
				TriggerPrice: view.TriggerPrice,
				LastPrice:    view.LastPrice,
			})
		case strategy.StatusOpen:
			if view.Trade == nil {
				continue
			}
			pnl := strategy.TradePnL(*view.Trade, view.LastPrice)
			snap.OpenTrades = append(snap.OpenTrades, OpenTrade{Trade: *view.Trade, LastPrice: view.LastPrice, PnL: pnl})
			snap.Unrealized = snap.Unrealized.Add(pnl)
			snap.UnrealizedBySide[view.Trade.Side] = snap.UnrealizedBySide[view.Trade.Side].Add(pnl)
		}
	}
	for side := range snap.Armed {
		armed := snap.Armed[side]
		sort.Slice(armed, func(i, j int) bool { return armed[i].Symbol < armed[j].Symbol })
	}
	return snap
}

// SaveSnapshot writes the current snapshot to the state store.
func (e *Engine) SaveSnapshot(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return state.SaveEngineSnapshot(ctx, e.store, e.Snapshot())
}

// openTrades collects confirmed trades from the published views.
func (e *Engine) openTrades() []strategy.Trade {
	var trades []strategy.Trade
	for _, a := range e.order {
		view := a.view()
		if view.Status == strategy.StatusOpen && view.Trade != nil && view.Trade.Confirmed() {
			trades = append(trades, *view.Trade)
		}
	}
	return trades
}

func (e *Engine) persistOpenTrades(ctx context.Context) {
	if e.store == nil {
		return
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := state.SaveOpenTrades(ctx, e.store, e.openTrades()); err != nil {
		e.log.Warn("persist open trades failed", zap.Error(err))
	}
}
