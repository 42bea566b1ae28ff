package strategy

const defaultTrailFactor = 0.8

// Decision is the monitor's verdict for one tick.
type Decision struct {
	PnL       float64
	Exit      bool
	Reason    ExitReason
	StopMoved bool
}

// Monitor evaluates open trades. Checks run in a fixed order: target, stop,
// trailing recompute, manual exit.
type Monitor struct {
	TrailFactor float64
}

func NewMonitor() Monitor {
	return Monitor{TrailFactor: defaultTrailFactor}
}

// Evaluate may tighten trade.StopPrice; it never loosens it.
func (m Monitor) Evaluate(trade *Trade, price float64, manualExit bool) Decision {
	d := Decision{PnL: trade.PnL(price)}
	buy := trade.Direction == Buy
	if (buy && price >= trade.TargetPrice) || (!buy && price <= trade.TargetPrice) {
		d.Exit, d.Reason = true, ExitTarget
		return d
	}
	if (buy && price <= trade.StopPrice) || (!buy && price >= trade.StopPrice) {
		d.Exit, d.Reason = true, ExitStop
		return d
	}
	d.StopMoved = m.trail(trade, price)
	if manualExit {
		d.Exit, d.Reason = true, ExitManual
	}
	return d
}

func (m Monitor) trail(trade *Trade, price float64) bool {
	risk := trade.Risk()
	if risk <= 0 || trade.StepSize <= 0 {
		return false
	}
	factor := m.TrailFactor
	if factor <= 0 {
		factor = defaultTrailFactor
	}
	if trade.Direction == Buy {
		if price-trade.EntryPrice <= trade.StepSize {
			return false
		}
		if next := price - risk*factor; next > trade.StopPrice {
			trade.StopPrice = next
			return true
		}
		return false
	}
	if trade.EntryPrice-price <= trade.StepSize {
		return false
	}
	if next := price + risk*factor; next < trade.StopPrice {
		trade.StopPrice = next
		return true
	}
	return false
}
