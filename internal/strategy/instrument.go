package strategy

import (
	"time"

	"intraday-breakout-bot/internal/market"
)

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionCandleClosed
	ActionTriggerCrossed
	ActionStopMoved
	ActionExit
)

// TickAction tells the owner what follow-up work a tick produced.
type TickAction struct {
	Kind     ActionKind
	Candle   market.Candle
	Price    float64
	Decision Decision
}

// Instrument is the per-token state record. It performs no I/O and is not
// safe for concurrent use: exactly one goroutine owns each instrument.
type Instrument struct {
	Token  string
	Symbol string
	Levels market.ReferenceLevels

	status      Status
	signal      *Signal
	trade       *Trade
	agg         *market.Aggregator
	monitor     Monitor
	lastPrice   float64
	lastTickAt  time.Time
	tradesToday int
	manualExit  bool
}

func NewInstrument(token, symbol string, levels market.ReferenceLevels, loc *time.Location) *Instrument {
	return &Instrument{
		Token:   token,
		Symbol:  symbol,
		Levels:  levels,
		status:  StatusWaiting,
		agg:     market.NewAggregator(token, loc),
		monitor: NewMonitor(),
	}
}

func (i *Instrument) Status() Status { return i.status }

func (i *Instrument) LastPrice() float64 { return i.lastPrice }

func (i *Instrument) LastTickAt() time.Time { return i.lastTickAt }

func (i *Instrument) TradesToday() int { return i.tradesToday }

func (i *Instrument) Signal() (Signal, bool) {
	if i.signal == nil {
		return Signal{}, false
	}
	return *i.signal, true
}

func (i *Instrument) Trade() (Trade, bool) {
	if i.trade == nil {
		return Trade{}, false
	}
	return *i.trade, true
}

func (i *Instrument) ActiveCandle() (market.Candle, bool) {
	return i.agg.Active()
}

// OnTick routes one tick according to the current status.
func (i *Instrument) OnTick(t market.Tick) TickAction {
	i.lastPrice = t.Price
	i.lastTickAt = t.Time
	switch i.status {
	case StatusOpen:
		i.agg.Observe(t)
		return i.monitorTick(t.Price)
	case StatusTriggerWatch:
		i.agg.Observe(t)
		if i.crossed(t.Price) {
			return TickAction{Kind: ActionTriggerCrossed, Price: t.Price}
		}
	case StatusWaiting:
		if closed, ok := i.agg.Update(t); ok {
			return TickAction{Kind: ActionCandleClosed, Candle: closed, Price: t.Price}
		}
	default:
		i.agg.Observe(t)
	}
	return TickAction{Kind: ActionNone, Price: t.Price}
}

func (i *Instrument) crossed(price float64) bool {
	if i.signal == nil {
		return false
	}
	if i.signal.Direction() == Buy {
		return price > i.signal.TriggerPrice
	}
	return price < i.signal.TriggerPrice
}

func (i *Instrument) monitorTick(price float64) TickAction {
	if i.trade == nil || i.trade.Exiting || !i.trade.Confirmed() {
		return TickAction{Kind: ActionNone, Price: price}
	}
	manual := i.manualExit
	i.manualExit = false
	d := i.monitor.Evaluate(i.trade, price, manual)
	switch {
	case d.Exit:
		i.trade.Exiting = true
		i.trade.ExitReason = d.Reason
		return TickAction{Kind: ActionExit, Price: price, Decision: d}
	case d.StopMoved:
		return TickAction{Kind: ActionStopMoved, Price: price, Decision: d}
	}
	return TickAction{Kind: ActionNone, Price: price, Decision: d}
}

// RequestExit flags the open trade for a manual exit on its next tick. Only a
// confirmed trade that is not already exiting accepts the request.
func (i *Instrument) RequestExit() bool {
	if i.status != StatusOpen || i.trade == nil || i.trade.Exiting || !i.trade.Confirmed() {
		return false
	}
	i.manualExit = true
	return true
}

// ExitRequested reports whether a manual exit is pending.
func (i *Instrument) ExitRequested() bool { return i.manualExit }

// StartSession clears the per-day trade counter.
func (i *Instrument) StartSession() {
	i.tradesToday = 0
}

// Arm latches a qualified signal. It only applies while WAITING, so a result
// that arrives after the instrument moved on is ignored.
func (i *Instrument) Arm(sig Signal) bool {
	if !i.apply(EventArm) {
		return false
	}
	i.signal = &sig
	return true
}

// Deny returns an armed instrument to WAITING after admission refused entry.
func (i *Instrument) Deny() bool {
	if !i.apply(EventDeny) {
		return false
	}
	i.backToWaiting()
	return true
}

func (i *Instrument) Disarm() bool {
	if !i.apply(EventDisarm) {
		return false
	}
	i.backToWaiting()
	return true
}

// Open records the pending trade once admission has been granted.
func (i *Instrument) Open(trade Trade) bool {
	if !i.apply(EventReserve) {
		return false
	}
	i.trade = &trade
	i.tradesToday++
	return true
}

func (i *Instrument) ConfirmEntry(orderID string) bool {
	if i.status != StatusOpen || i.trade == nil {
		return false
	}
	i.trade.EntryOrderID = orderID
	return true
}

// EntryFailed drops the pending trade after the entry order failed.
func (i *Instrument) EntryFailed() (Trade, bool) {
	if i.trade == nil || !i.apply(EventEntryFailed) {
		return Trade{}, false
	}
	trade := *i.trade
	i.tradesToday--
	i.backToWaiting()
	return trade, true
}

// BeginExit marks the open trade as exiting for reasons decided outside the
// tick path (session end). It refuses trades already exiting or not yet filled.
func (i *Instrument) BeginExit(reason ExitReason) (Trade, bool) {
	if i.status != StatusOpen || i.trade == nil || i.trade.Exiting || !i.trade.Confirmed() {
		return Trade{}, false
	}
	i.trade.Exiting = true
	i.trade.ExitReason = reason
	return *i.trade, true
}

// Closed finishes the exiting trade and re-arms the instrument for new setups.
func (i *Instrument) Closed() (Trade, bool) {
	if i.trade == nil || !i.apply(EventClosed) {
		return Trade{}, false
	}
	trade := *i.trade
	i.backToWaiting()
	return trade, true
}

// Restore reinstates a trade persisted before a restart.
func (i *Instrument) Restore(trade Trade) bool {
	if i.status != StatusWaiting {
		return false
	}
	i.apply(EventArm)
	i.apply(EventReserve)
	trade.Exiting = false
	trade.ExitReason = ""
	i.trade = &trade
	i.tradesToday++
	return true
}

func (i *Instrument) Remove() {
	i.apply(EventRemove)
	i.signal = nil
	i.manualExit = false
	i.agg.Reset()
}

func (i *Instrument) apply(event Event) bool {
	next := nextStatus(i.status, event)
	if next == i.status {
		return false
	}
	i.status = next
	return true
}

func (i *Instrument) backToWaiting() {
	i.signal = nil
	i.trade = nil
	i.manualExit = false
	i.agg.Reset()
}
