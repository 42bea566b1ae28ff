package strategy

import (
	"errors"
	"math"
	"time"
)

const fallbackRiskFraction = 0.001

var (
	ErrInvalidPrice = errors.New("entry price must be finite and > 0")
	ErrInvalidStop  = errors.New("stop base must be finite")
)

// PlanTrade sizes a position entered at price with the signal's stop base.
// A stop on the wrong side of price (or at price) falls back to a risk of
// 0.1% of price.
func PlanTrade(sig Signal, token, symbol string, price float64, settings SideSettings, now time.Time) (Trade, error) {
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return Trade{}, ErrInvalidPrice
	}
	if math.IsInf(sig.StopBase, 0) || math.IsNaN(sig.StopBase) {
		return Trade{}, ErrInvalidStop
	}
	dir := sig.Direction()
	stop := sig.StopBase
	riskPerShare := math.Abs(price - stop)
	wrongSide := (dir == Buy && stop >= price) || (dir == Sell && stop <= price) || stop <= 0
	if wrongSide || riskPerShare == 0 {
		riskPerShare = price * fallbackRiskFraction
		if dir == Buy {
			stop = price - riskPerShare
		} else {
			stop = price + riskPerShare
		}
	}
	qty := 1
	if settings.RiskPerTrade > 0 {
		if n := int(math.Floor(settings.RiskPerTrade / riskPerShare)); n > 1 {
			qty = n
		}
	}
	reward := riskPerShare * settings.RiskReward.Value()
	target := price + reward
	if dir == Sell {
		target = price - reward
	}
	return Trade{
		Token:       token,
		Symbol:      symbol,
		Side:        sig.Side,
		Direction:   dir,
		Quantity:    qty,
		EntryPrice:  price,
		InitialStop: stop,
		StopPrice:   stop,
		TargetPrice: target,
		StepSize:    riskPerShare * settings.TrailingStop.Value(),
		OpenedAt:    now,
	}, nil
}
