package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"intraday-breakout-bot/internal/admission"
	"intraday-breakout-bot/internal/exec"
	"intraday-breakout-bot/internal/market"
	"intraday-breakout-bot/internal/strategy"

	"go.uber.org/zap"
)

type control func(ctx context.Context, a *actor)

// actor serializes every mutation of one instrument. Only its own goroutine
// touches inst, grant, pendingRemove, storeDown, dirty and lastCandle.
type actor struct {
	eng     *Engine
	inst    *strategy.Instrument
	log     *zap.Logger
	ticks   chan market.Tick
	control chan control

	published atomic.Pointer[InstrumentState]
	dropping  atomic.Bool

	grant         *admission.Grant
	pendingRemove bool
	storeDown     bool
	dirty         bool
	lastCandle    time.Time
}

func newActor(e *Engine, inst *strategy.Instrument) *actor {
	a := &actor{
		eng:     e,
		inst:    inst,
		log:     e.log.With(zap.String("symbol", inst.Symbol), zap.String("token", inst.Token)),
		ticks:   make(chan market.Tick, e.opts.MailboxSize),
		control: make(chan control, e.opts.ControlSize),
	}
	a.publish()
	return a
}

func (a *actor) run(ctx context.Context) {
	for {
		// Control messages go first so a queued result is never starved by ticks.
		select {
		case fn := <-a.control:
			a.handle(ctx, fn)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case fn := <-a.control:
			a.handle(ctx, fn)
		case t := <-a.ticks:
			a.onTick(ctx, t)
			a.settle(ctx)
		}
	}
}

func (a *actor) handle(ctx context.Context, fn control) {
	fn(ctx, a)
	a.settle(ctx)
}

func (a *actor) settle(ctx context.Context) {
	a.publish()
	if a.dirty {
		a.dirty = false
		a.eng.persistOpenTrades(context.WithoutCancel(ctx))
	}
}

// post delivers fn to the actor. It blocks until accepted or ctx ends; it
// must never be called from the actor's own goroutine.
func (a *actor) post(ctx context.Context, fn control) error {
	select {
	case a.control <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) onTick(ctx context.Context, t market.Tick) {
	act := a.inst.OnTick(t)
	switch act.Kind {
	case strategy.ActionCandleClosed:
		a.candleClosed(act.Candle)
	case strategy.ActionTriggerCrossed:
		a.tryOpen(ctx, act.Price, t.Time)
	case strategy.ActionStopMoved:
		if trade, ok := a.inst.Trade(); ok {
			a.log.Info("trailing stop moved", zap.Float64("stop", trade.StopPrice), zap.Float64("ltp", act.Price))
		}
		a.dirty = true
	case strategy.ActionExit:
		a.startExit(ctx, act.Price)
	}
}

func (a *actor) candleClosed(c market.Candle) {
	a.lastCandle = c.Start
	a.eng.metrics.CandlesClosed.Inc()
	if a.eng.journal != nil {
		a.eng.journal.RecordCandle(a.inst.Symbol, c)
	}
	if a.eng.sessionOver.Load() || !c.Valid() {
		return
	}
	levels := a.inst.Levels
	err := a.eng.analysis.trySubmit(func(ctx context.Context) {
		sig, ok := a.eng.evaluator.Evaluate(c, levels, a.eng.settings.Load(), a.eng.controls.Enabled)
		if !ok {
			return
		}
		if err := a.post(ctx, func(_ context.Context, a *actor) { a.arm(sig) }); err != nil {
			a.log.Debug("signal discarded at shutdown", zap.String("side", string(sig.Side)))
		}
	})
	if err != nil {
		a.eng.droppedAnalysis.Add(1)
		a.eng.metrics.AnalysisDropped.Inc()
		a.log.Warn("analysis queue full, candle skipped", zap.Time("candle", c.Start), zap.Error(err))
	}
}

// arm applies an analysis result. Results for an instrument that has left
// WAITING in the meantime are dropped by the state machine. Analysis workers
// may finish out of order, so a result older than the last closed candle is
// dropped too.
func (a *actor) arm(sig strategy.Signal) {
	if a.eng.sessionOver.Load() || a.pendingRemove {
		return
	}
	if sig.Candle.Start.Before(a.lastCandle) {
		a.log.Debug("stale signal dropped", zap.Time("candle", sig.Candle.Start), zap.Time("latest", a.lastCandle))
		return
	}
	if !a.inst.Arm(sig) {
		return
	}
	a.eng.metrics.SignalsArmed.Inc()
	a.log.Info("trigger armed",
		zap.String("side", string(sig.Side)),
		zap.Float64("trigger", sig.TriggerPrice),
		zap.Float64("stop_base", sig.StopBase),
		zap.Time("candle", sig.Candle.Start),
	)
}

func (a *actor) tryOpen(ctx context.Context, price float64, at time.Time) {
	sig, ok := a.inst.Signal()
	if !ok {
		return
	}
	if a.eng.sessionOver.Load() || !a.eng.controls.Enabled(sig.Side) {
		a.inst.Disarm()
		a.log.Info("trigger disarmed", zap.String("side", string(sig.Side)), zap.Bool("session_over", a.eng.sessionOver.Load()))
		return
	}
	settings := a.eng.settings.Side(sig.Side).ForTrade(a.inst.TradesToday() + 1)
	trade, err := strategy.PlanTrade(sig, a.inst.Token, a.inst.Symbol, price, settings, at)
	if err != nil {
		a.log.Warn("trade plan rejected", zap.Float64("price", price), zap.Error(err))
		a.inst.Disarm()
		return
	}
	actx, cancel := context.WithTimeout(ctx, admissionTimeout)
	grant, outcome, err := a.eng.admission.TryOpen(actx, sig.Side.Key(), a.inst.Symbol, settings.DailyTradeLimit, a.eng.opts.MaxTradesPerSymbol, a.eng.opts.LockTTL)
	cancel()
	switch {
	case outcome.Granted():
		if a.storeDown {
			a.storeDown = false
			a.log.Info("admission store recovered")
		}
		a.eng.metrics.AdmissionGranted.Inc()
		if !a.inst.Open(trade) {
			a.eng.rollback(context.WithoutCancel(ctx), grant)
			return
		}
		a.grant = &grant
		a.log.Info("entry admitted",
			zap.String("side", string(trade.Side)),
			zap.Int("qty", trade.Quantity),
			zap.Float64("price", price),
			zap.Float64("stop", trade.StopPrice),
			zap.Float64("target", trade.TargetPrice),
		)
		a.placeEntry(ctx, trade, grant)
	case outcome.Denied():
		a.eng.metrics.AdmissionDenied.Inc()
		a.inst.Deny()
		a.log.Info("entry denied", zap.String("side", string(sig.Side)), zap.String("reason", string(outcome)))
	default:
		a.eng.metrics.AdmissionErrors.Inc()
		if !a.storeDown {
			a.storeDown = true
			a.log.Warn("admission store unavailable, trigger stays armed", zap.Error(err))
		}
	}
}

func (a *actor) placeEntry(ctx context.Context, trade strategy.Trade, grant admission.Grant) {
	order := exec.Order{
		Token:         trade.Token,
		Symbol:        trade.Symbol,
		Direction:     trade.Direction,
		Quantity:      trade.Quantity,
		ClientOrderID: "entry-" + grant.Token,
	}
	a.dispatch(ctx, func(ctx context.Context) control {
		orderID, err := a.eng.orders.PlaceOrder(ctx, order)
		if err != nil {
			a.eng.rollback(ctx, grant)
			return func(_ context.Context, a *actor) { a.entryFailed(err) }
		}
		return func(ctx context.Context, a *actor) { a.entryConfirmed(ctx, orderID) }
	})
}

func (a *actor) entryFailed(cause error) {
	a.grant = nil
	trade, ok := a.inst.EntryFailed()
	if !ok {
		return
	}
	a.eng.metrics.EntryFailed.Inc()
	a.log.Warn("entry order failed, reservation rolled back", zap.String("side", string(trade.Side)), zap.Error(cause))
	a.eng.recordTrade(TradeEvent{
		Time:   a.eng.now(),
		Kind:   TradeEntryFailed,
		Trade:  trade,
		Price:  trade.EntryPrice,
		Reason: cause.Error(),
	})
	a.eng.notify(fmt.Sprintf("entry failed %s %s: %v", trade.Side, trade.Symbol, cause))
	a.settleRemove()
}

func (a *actor) entryConfirmed(ctx context.Context, orderID string) {
	a.grant = nil
	if !a.inst.ConfirmEntry(orderID) {
		return
	}
	trade, _ := a.inst.Trade()
	a.dirty = true
	a.log.Info("trade opened",
		zap.String("side", string(trade.Side)),
		zap.String("order_id", orderID),
		zap.Int("qty", trade.Quantity),
		zap.Float64("entry", trade.EntryPrice),
	)
	a.eng.recordTrade(TradeEvent{
		Time:    a.eng.now(),
		Kind:    TradeOpened,
		Trade:   trade,
		Price:   trade.EntryPrice,
		OrderID: orderID,
	})
	a.eng.notify(fmt.Sprintf("opened %s %s %d @ %.2f sl %.2f tgt %.2f",
		trade.Side, trade.Symbol, trade.Quantity, trade.EntryPrice, trade.StopPrice, trade.TargetPrice))
	switch {
	case a.pendingRemove:
		a.beginExit(ctx, strategy.ExitManual)
	case a.eng.sessionOver.Load():
		a.beginExit(ctx, strategy.ExitSessionEnd)
	}
}

func (a *actor) beginExit(ctx context.Context, reason strategy.ExitReason) {
	if _, ok := a.inst.BeginExit(reason); ok {
		a.startExit(ctx, a.markPrice())
	}
}

// startExit flattens a trade the instrument has already marked as exiting.
// The open lock is released whatever the order outcome.
func (a *actor) startExit(ctx context.Context, price float64) {
	trade, ok := a.inst.Trade()
	if !ok {
		return
	}
	a.eng.metrics.ExitsTriggered.Inc()
	a.dirty = true
	a.log.Info("exit triggered",
		zap.String("reason", string(trade.ExitReason)),
		zap.Float64("ltp", price),
		zap.Float64("stop", trade.StopPrice),
		zap.Float64("target", trade.TargetPrice),
	)
	order := exec.Order{
		Token:         trade.Token,
		Symbol:        trade.Symbol,
		Direction:     trade.Direction.Opposite(),
		Quantity:      trade.Quantity,
		ClientOrderID: "exit-" + trade.EntryOrderID,
	}
	a.dispatch(ctx, func(ctx context.Context) control {
		orderID, err := a.eng.orders.PlaceOrder(ctx, order)
		if err != nil {
			a.eng.metrics.ExitFailed.Inc()
			a.eng.log.Error("flatten order failed, position needs manual attention",
				zap.String("symbol", trade.Symbol),
				zap.String("side", string(order.Direction)),
				zap.Int("qty", order.Quantity),
				zap.Error(err),
			)
		}
		if err := a.eng.admission.Release(ctx, trade.Symbol); err != nil {
			a.eng.log.Error("release open lock failed", zap.String("symbol", trade.Symbol), zap.Error(err))
		}
		return func(_ context.Context, a *actor) { a.closed(price, orderID) }
	})
}

func (a *actor) closed(price float64, orderID string) {
	trade, ok := a.inst.Closed()
	if !ok {
		return
	}
	a.dirty = true
	pnl := a.eng.ledger.Book(trade, price)
	a.log.Info("trade closed",
		zap.String("side", string(trade.Side)),
		zap.String("reason", string(trade.ExitReason)),
		zap.Float64("exit", price),
		zap.String("pnl", pnl.StringFixed(2)),
		zap.String("order_id", orderID),
	)
	a.eng.recordTrade(TradeEvent{
		Time:    a.eng.now(),
		Kind:    TradeClosed,
		Trade:   trade,
		Price:   price,
		PnL:     pnl,
		Reason:  string(trade.ExitReason),
		OrderID: orderID,
	})
	a.eng.notify(fmt.Sprintf("closed %s %s @ %.2f (%s) pnl %s",
		trade.Side, trade.Symbol, price, trade.ExitReason, pnl.StringFixed(2)))
	a.settleRemove()
}

// dispatch runs work on the execution pool and applies its result on the
// actor. When the pool is saturated the work runs inline instead, so an
// admitted entry or a triggered exit is never lost.
func (a *actor) dispatch(ctx context.Context, work func(ctx context.Context) control) {
	err := a.eng.exec.trySubmit(func(poolCtx context.Context) {
		octx, cancel := context.WithTimeout(context.WithoutCancel(poolCtx), orderTimeout)
		result := work(octx)
		cancel()
		if err := a.post(poolCtx, result); err != nil {
			a.eng.log.Warn("order result dropped at shutdown", zap.String("symbol", a.inst.Symbol))
		}
	})
	if err == nil {
		return
	}
	a.log.Warn("execution queue unavailable, placing inline", zap.Error(err))
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orderTimeout)
	result := work(octx)
	cancel()
	result(ctx, a)
}

func (a *actor) requestExit() error {
	if !a.inst.RequestExit() {
		return ErrNoOpenTrade
	}
	a.log.Info("manual exit requested")
	return nil
}

func (a *actor) squareOff(ctx context.Context) {
	switch a.inst.Status() {
	case strategy.StatusTriggerWatch:
		a.inst.Disarm()
		a.log.Info("trigger disarmed at square-off")
	case strategy.StatusOpen:
		a.beginExit(ctx, strategy.ExitSessionEnd)
	}
}

func (a *actor) remove(ctx context.Context) {
	a.pendingRemove = true
	if a.inst.Status() == strategy.StatusOpen {
		a.beginExit(ctx, strategy.ExitManual)
	}
	a.settleRemove()
}

// settleRemove finishes a pending removal once no trade is in flight.
func (a *actor) settleRemove() {
	if !a.pendingRemove || a.inst.Status() == strategy.StatusOpen {
		return
	}
	a.pendingRemove = false
	a.inst.Remove()
	a.log.Info("instrument removed")
}

// markPrice is the last traded price, or the entry price for a restored
// trade that has not ticked yet.
func (a *actor) markPrice() float64 {
	if p := a.inst.LastPrice(); p > 0 {
		return p
	}
	if trade, ok := a.inst.Trade(); ok {
		return trade.EntryPrice
	}
	return 0
}

func (a *actor) publish() {
	view := InstrumentState{
		Token:       a.inst.Token,
		Symbol:      a.inst.Symbol,
		Status:      a.inst.Status(),
		LastPrice:   a.inst.LastPrice(),
		LastTickAt:  a.inst.LastTickAt(),
		TradesToday: a.inst.TradesToday(),
		ExitPending: a.inst.ExitRequested(),
	}
	if sig, ok := a.inst.Signal(); ok {
		view.Side = sig.Side
		view.TriggerPrice = sig.TriggerPrice
		view.StopBase = sig.StopBase
	}
	if trade, ok := a.inst.Trade(); ok {
		view.Side = trade.Side
		view.Trade = &trade
	}
	a.published.Store(&view)
}

func (a *actor) view() InstrumentState {
	return *a.published.Load()
}
