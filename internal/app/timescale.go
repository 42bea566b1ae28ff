package app

import (
	"intraday-breakout-bot/internal/engine"
	"intraday-breakout-bot/internal/market"
	"intraday-breakout-bot/internal/timescale"
)

const candleInterval = "1m"

// timescaleJournal forwards closed candles and trade events to the
// TimescaleDB writer queues.
type timescaleJournal struct {
	writer *timescale.Writer
}

func (j timescaleJournal) RecordCandle(symbol string, candle market.Candle) {
	j.writer.EnqueueCandle(timescale.Candle{
		Symbol:   symbol,
		Token:    candle.Token,
		Interval: candleInterval,
		Start:    candle.Start.UTC(),
		Open:     candle.Open,
		High:     candle.High,
		Low:      candle.Low,
		Close:    candle.Close,
		Volume:   candle.Volume,
	})
}

func (j timescaleJournal) RecordTrade(event engine.TradeEvent) {
	t := event.Trade
	j.writer.EnqueueTrade(timescale.TradeEvent{
		Time:       event.Time.UTC(),
		Event:      string(event.Kind),
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Direction:  string(t.Direction),
		Quantity:   t.Quantity,
		EntryPrice: t.EntryPrice,
		Price:      event.Price,
		StopPrice:  t.StopPrice,
		Target:     t.TargetPrice,
		PnL:        event.PnL.InexactFloat64(),
		Reason:     event.Reason,
		OrderID:    event.OrderID,
	})
}
