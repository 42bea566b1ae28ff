package strategy

import (
	"sync"

	"github.com/shopspring/decimal"
)

type SideSummary struct {
	Side     Side            `json:"side"`
	Realized decimal.Decimal `json:"realized"`
	Trades   int             `json:"trades"`
	Wins     int             `json:"wins"`
}

// Ledger accumulates realized P&L per side in decimal to avoid float drift
// across many small fills.
type Ledger struct {
	mu       sync.Mutex
	realized map[Side]decimal.Decimal
	trades   map[Side]int
	wins     map[Side]int
}

func NewLedger() *Ledger {
	return &Ledger{
		realized: make(map[Side]decimal.Decimal),
		trades:   make(map[Side]int),
		wins:     make(map[Side]int),
	}
}

// Book records a closed trade and returns its realized P&L.
func (l *Ledger) Book(trade Trade, exitPrice float64) decimal.Decimal {
	pnl := TradePnL(trade, exitPrice)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.realized[trade.Side] = l.realized[trade.Side].Add(pnl)
	l.trades[trade.Side]++
	if pnl.IsPositive() {
		l.wins[trade.Side]++
	}
	return pnl
}

func (l *Ledger) Realized(side Side) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized[side]
}

func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, v := range l.realized {
		total = total.Add(v)
	}
	return total
}

func (l *Ledger) Summary() []SideSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SideSummary, 0, len(Sides))
	for _, side := range Sides {
		out = append(out, SideSummary{
			Side:     side,
			Realized: l.realized[side],
			Trades:   l.trades[side],
			Wins:     l.wins[side],
		})
	}
	return out
}

// TradePnL is the signed P&L of trade at price, rounded to paise.
func TradePnL(trade Trade, price float64) decimal.Decimal {
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(trade.EntryPrice))
	if trade.Direction == Sell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(int64(trade.Quantity))).Round(2)
}
