// Package engine runs one actor per instrument. Each actor owns its
// strategy.Instrument exclusively; analysis and order placement run on shared
// bounded pools and post their results back to the owning actor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"intraday-breakout-bot/internal/admission"
	"intraday-breakout-bot/internal/config"
	"intraday-breakout-bot/internal/exec"
	"intraday-breakout-bot/internal/market"
	"intraday-breakout-bot/internal/metrics"
	"intraday-breakout-bot/internal/state"
	"intraday-breakout-bot/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnknownInstrument = errors.New("engine: unknown instrument")
	ErrDuplicateToken    = errors.New("engine: duplicate instrument token")
	ErrNoOpenTrade       = errors.New("engine: no open trade")
	ErrInvalidTick       = errors.New("engine: invalid tick")
)

const (
	defaultControlSize = 64
	admissionTimeout   = 3 * time.Second
	orderTimeout       = 15 * time.Second
)

// OrderPlacer is satisfied by exec.Executor.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, order exec.Order) (string, error)
}

type TradeEventKind string

const (
	TradeOpened      TradeEventKind = "opened"
	TradeEntryFailed TradeEventKind = "entry_failed"
	TradeClosed      TradeEventKind = "closed"
)

type TradeEvent struct {
	Time    time.Time
	Kind    TradeEventKind
	Trade   strategy.Trade
	Price   float64
	PnL     decimal.Decimal
	Reason  string
	OrderID string
}

// Journal receives closed candles and trade events. Implementations must not
// block.
type Journal interface {
	RecordCandle(symbol string, candle market.Candle)
	RecordTrade(event TradeEvent)
}

// Notifier receives human-readable trade notices. Implementations must not
// block.
type Notifier interface {
	Notify(text string)
}

type Options struct {
	Location           *time.Location
	MailboxSize        int
	ControlSize        int
	AnalysisWorkers    int
	AnalysisQueue      int
	ExecWorkers        int
	ExecQueue          int
	MaxTradesPerSymbol int
	LockTTL            time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Location:           cfg.Session.Location(),
		MailboxSize:        cfg.Engine.MailboxSize,
		AnalysisWorkers:    cfg.Engine.AnalysisWorkers,
		AnalysisQueue:      cfg.Engine.AnalysisQueue,
		ExecWorkers:        cfg.Engine.ExecWorkers,
		ExecQueue:          cfg.Engine.ExecQueue,
		MaxTradesPerSymbol: cfg.Admission.MaxTradesPerSymbol,
		LockTTL:            cfg.Admission.LockTTL,
	}
}

type Deps struct {
	Admission *admission.Controller
	Orders    OrderPlacer
	Settings  *strategy.Settings
	Controls  *strategy.Controls
	Ledger    *strategy.Ledger
	Store     state.Store
	Journal   Journal
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Log       *zap.Logger
	Now       func() time.Time
}

type Engine struct {
	opts      Options
	admission *admission.Controller
	orders    OrderPlacer
	settings  *strategy.Settings
	controls  *strategy.Controls
	ledger    *strategy.Ledger
	evaluator strategy.Evaluator
	store     state.Store
	journal   Journal
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	actors   map[string]*actor
	bySymbol map[string]*actor
	order    []*actor

	analysis *pool
	exec     *pool

	sessionOver     atomic.Bool
	droppedTicks    atomic.Uint64
	droppedAnalysis atomic.Uint64
	persistMu       sync.Mutex
	running         atomic.Bool
}

func New(universe []config.InstrumentConfig, deps Deps, opts Options) (*Engine, error) {
	if deps.Admission == nil || deps.Orders == nil {
		return nil, errors.New("engine: admission controller and order placer are required")
	}
	if deps.Settings == nil || deps.Controls == nil {
		return nil, errors.New("engine: settings and controls are required")
	}
	if deps.Ledger == nil {
		deps.Ledger = strategy.NewLedger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	if opts.ControlSize <= 0 {
		opts.ControlSize = defaultControlSize
	}
	if opts.MaxTradesPerSymbol <= 0 {
		opts.MaxTradesPerSymbol = 2
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Minute
	}
	e := &Engine{
		opts:      opts,
		admission: deps.Admission,
		orders:    deps.Orders,
		settings:  deps.Settings,
		controls:  deps.Controls,
		ledger:    deps.Ledger,
		evaluator: strategy.NewEvaluator(),
		store:     deps.Store,
		journal:   deps.Journal,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		log:       deps.Log,
		now:       deps.Now,
		actors:    make(map[string]*actor, len(universe)),
		bySymbol:  make(map[string]*actor, len(universe)),
		analysis:  newPool("analysis", opts.AnalysisWorkers, opts.AnalysisQueue, deps.Log),
		exec:      newPool("exec", opts.ExecWorkers, opts.ExecQueue, deps.Log),
	}
	for _, ic := range universe {
		if _, ok := e.actors[ic.Token]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, ic.Token)
		}
		levels := market.ReferenceLevels{
			PrevHigh:  ic.PrevHigh,
			PrevLow:   ic.PrevLow,
			PrevClose: ic.PrevClose,
			VolumeSMA: ic.VolumeSMA,
		}
		a := newActor(e, strategy.NewInstrument(ic.Token, ic.Symbol, levels, opts.Location))
		e.actors[ic.Token] = a
		e.bySymbol[ic.Symbol] = a
		e.order = append(e.order, a)
	}
	return e, nil
}

// Restore reinstates persisted open trades. It must run before Run.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.running.Load() {
		return 0, errors.New("engine: restore after start")
	}
	if e.store == nil {
		return 0, nil
	}
	if ctrl, ok, err := state.LoadControls(ctx, e.store); err != nil {
		return 0, err
	} else if ok {
		e.controls.Restore(ctrl)
	}
	if err := e.restoreSettings(ctx); err != nil {
		return 0, err
	}
	trades, err := state.LoadOpenTrades(ctx, e.store)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, trade := range trades {
		a, ok := e.actors[trade.Token]
		if !ok {
			e.log.Warn("persisted trade for unknown instrument", zap.String("token", trade.Token), zap.String("symbol", trade.Symbol))
			continue
		}
		if a.inst.Restore(trade) {
			a.publish()
			restored++
			e.log.Info("restored open trade",
				zap.String("symbol", trade.Symbol),
				zap.String("side", string(trade.Side)),
				zap.Int("qty", trade.Quantity),
				zap.Float64("entry", trade.EntryPrice),
				zap.Float64("stop", trade.StopPrice),
			)
		}
	}
	return restored, nil
}

// Run starts the pools and actors and blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	e.analysis.start(ctx)
	e.exec.start(ctx)
	var wg sync.WaitGroup
	for _, a := range e.order {
		wg.Add(1)
		go func(a *actor) {
			defer wg.Done()
			a.run(ctx)
		}(a)
	}
	e.log.Info("engine started", zap.Int("instruments", len(e.order)))
	<-ctx.Done()
	wg.Wait()
	e.analysis.stop()
	e.exec.stop()
	e.log.Info("engine stopped")
	return nil
}

// Submit routes a tick to its instrument. It never blocks: a full mailbox
// drops the tick.
func (e *Engine) Submit(t market.Tick) error {
	if !t.Valid() {
		return ErrInvalidTick
	}
	a, ok := e.actors[t.Token]
	if !ok {
		return ErrUnknownInstrument
	}
	select {
	case a.ticks <- t:
		if a.dropping.CompareAndSwap(true, false) {
			e.log.Info("tick mailbox recovered", zap.String("symbol", a.inst.Symbol))
		}
		return nil
	default:
		e.droppedTicks.Add(1)
		e.metrics.TicksDropped.Inc()
		if a.dropping.CompareAndSwap(false, true) {
			e.log.Warn("tick mailbox full, dropping", zap.String("symbol", a.inst.Symbol))
		}
		return ErrQueueFull
	}
}

// Remove stops trading token. An open trade is flattened first.
func (e *Engine) Remove(ctx context.Context, token string) error {
	a, ok := e.actors[token]
	if !ok {
		return ErrUnknownInstrument
	}
	return a.post(ctx, func(ctx context.Context, a *actor) { a.remove(ctx) })
}

// RequestExit asks the instrument trading symbol to flatten its open trade on
// the next tick. It fails with ErrNoOpenTrade unless a confirmed trade is open.
func (e *Engine) RequestExit(ctx context.Context, symbol string) error {
	a, ok := e.bySymbol[symbol]
	if !ok {
		return ErrUnknownInstrument
	}
	reply := make(chan error, 1)
	if err := a.post(ctx, func(_ context.Context, a *actor) { reply <- a.requestExit() }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SquareOff ends the session: armed triggers are disarmed, open trades exit
// with reason session_end and no new signals are armed until StartSession.
func (e *Engine) SquareOff(ctx context.Context) error {
	e.sessionOver.Store(true)
	var errs []error
	for _, a := range e.order {
		if err := a.post(ctx, func(ctx context.Context, a *actor) { a.squareOff(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	e.log.Info("session square-off", zap.Int("instruments", len(e.order)))
	return errors.Join(errs...)
}

// StartSession reopens trading for a new day and resets each instrument's
// daily trade count.
func (e *Engine) StartSession(ctx context.Context) error {
	var errs []error
	for _, a := range e.order {
		if err := a.post(ctx, func(_ context.Context, a *actor) { a.inst.StartSession() }); err != nil {
			errs = append(errs, err)
		}
	}
	if e.sessionOver.CompareAndSwap(true, false) {
		e.log.Info("session started", zap.Int("instruments", len(e.order)))
	}
	return errors.Join(errs...)
}

func (e *Engine) SessionOver() bool {
	return e.sessionOver.Load()
}

func (e *Engine) Tokens() []string {
	out := make([]string, 0, len(e.order))
	for _, a := range e.order {
		out = append(out, a.inst.Token)
	}
	return out
}

// TokenForSymbol resolves a symbol to its instrument token.
func (e *Engine) TokenForSymbol(symbol string) (string, bool) {
	a, ok := e.bySymbol[symbol]
	if !ok {
		return "", false
	}
	return a.inst.Token, true
}

// PersistControls saves operator controls so they survive a restart.
func (e *Engine) PersistControls(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return state.SaveControls(ctx, e.store, e.controls.State())
}

// PersistSettings saves the current per-side settings so operator overrides
// survive a restart.
func (e *Engine) PersistSettings(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	profile := e.settings.Load()
	out := make(map[string]strategy.SideSettings, len(profile))
	for side, settings := range profile {
		out[side.Key()] = settings
	}
	return state.SaveSettings(ctx, e.store, out)
}

// restoreSettings applies persisted overrides on top of the configured
// settings. An override that no longer validates is skipped.
func (e *Engine) restoreSettings(ctx context.Context) error {
	saved, ok, err := state.LoadSettings(ctx, e.store)
	if err != nil || !ok {
		return err
	}
	for key, settings := range saved {
		side, ok := strategy.ParseSide(key)
		if !ok {
			e.log.Warn("persisted settings for unknown side", zap.String("side", key))
			continue
		}
		if err := e.settings.Update(side, func(s *strategy.SideSettings) { *s = settings }); err != nil {
			e.log.Warn("persisted settings rejected", zap.String("side", key), zap.Error(err))
			continue
		}
		e.log.Info("restored side settings", zap.String("side", key), zap.Float64("risk_per_trade", settings.RiskPerTrade))
	}
	return nil
}

func (e *Engine) rollback(ctx context.Context, grant admission.Grant) {
	rolled, err := e.admission.Rollback(ctx, grant)
	if err != nil {
		e.log.Error("admission rollback failed", zap.String("symbol", grant.Symbol), zap.String("side", grant.Side), zap.Error(err))
		return
	}
	if rolled {
		e.metrics.AdmissionRollbacks.Inc()
	}
}

func (e *Engine) notify(text string) {
	if e.notifier != nil {
		e.notifier.Notify(text)
	}
}

func (e *Engine) recordTrade(event TradeEvent) {
	if e.journal != nil {
		e.journal.RecordTrade(event)
	}
}
