package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"intraday-breakout-bot/internal/admission"
	"intraday-breakout-bot/internal/config"
	"intraday-breakout-bot/internal/exec"
	"intraday-breakout-bot/internal/gateway/paper"
	"intraday-breakout-bot/internal/market"
	"intraday-breakout-bot/internal/state"
	"intraday-breakout-bot/internal/state/sqlite"
	"intraday-breakout-bot/internal/strategy"

	"github.com/stretchr/testify/require"
)

const (
	acmeToken = "101"
	acme      = "ACME"
	betaToken = "202"
	beta      = "BETA"
)

var ist = mustLoad("Asia/Kolkata")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

var sessionStart = time.Date(2026, 3, 2, 10, 0, 0, 0, ist)

type flakyBackend struct {
	admission.Backend
	failing atomic.Bool
}

func (f *flakyBackend) Reserve(ctx context.Context, r admission.Reservation) (admission.Outcome, error) {
	if f.failing.Load() {
		return admission.OutcomeError, errors.New("store unavailable")
	}
	return f.Backend.Reserve(ctx, r)
}

type recordingJournal struct {
	mu      sync.Mutex
	candles []market.Candle
	trades  []TradeEvent
}

func (j *recordingJournal) RecordCandle(_ string, c market.Candle) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.candles = append(j.candles, c)
}

func (j *recordingJournal) RecordTrade(ev TradeEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, ev)
}

func (j *recordingJournal) kinds() []TradeEventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]TradeEventKind, 0, len(j.trades))
	for _, ev := range j.trades {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	t        *testing.T
	eng      *Engine
	ctrl     *admission.Controller
	backend  *flakyBackend
	gateway  *paper.Gateway
	controls *strategy.Controls
	journal  *recordingJournal
	store    state.Store
	cancel   context.CancelFunc
	done     chan struct{}
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	sides   config.SidesConfig
	store   state.Store
	mailbox int
	noRun   bool
}

func withBullLimit(n int) harnessOption {
	return func(c *harnessConfig) { c.sides.Bull.DailyTradeLimit = n }
}

func withBullRiskTiers(tiers ...float64) harnessOption {
	return func(c *harnessConfig) { c.sides.Bull.RiskTiers = tiers }
}

func withStore(s state.Store) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func notStarted(mailbox int) harnessOption {
	return func(c *harnessConfig) {
		c.noRun = true
		c.mailbox = mailbox
	}
}

func bullOnly() config.SidesConfig {
	side := config.SideConfig{
		Enabled:         true,
		DailyTradeLimit: 5,
		RiskPerTrade:    1000,
		RiskReward:      config.Ratio{Risk: 1, Reward: 2},
		TrailingStop:    config.Ratio{Risk: 1, Reward: 1.5},
	}
	disabled := side
	disabled.Enabled = false
	return config.SidesConfig{Bull: side, Bear: disabled, MomBull: disabled, MomBear: disabled}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{sides: bullOnly(), mailbox: 64}
	for _, opt := range opts {
		opt(&hc)
	}
	now := func() time.Time { return sessionStart }
	backend := &flakyBackend{Backend: admission.NewMemory(now)}
	ctrl := admission.NewController(backend, admission.Options{Location: ist, Now: now})
	gw := paper.New(nil)
	controls := strategy.NewControls(hc.sides)
	journal := &recordingJournal{}
	universe := []config.InstrumentConfig{
		{Token: acmeToken, Symbol: acme, PrevHigh: 100, PrevLow: 95},
		{Token: betaToken, Symbol: beta, PrevHigh: 200, PrevLow: 190},
	}
	eng, err := New(universe, Deps{
		Admission: ctrl,
		Orders:    exec.New(gw, nil, nil, exec.Options{}),
		Settings:  strategy.NewSettings(hc.sides),
		Controls:  controls,
		Store:     hc.store,
		Journal:   journal,
		Now:       now,
	}, Options{Location: ist, MailboxSize: hc.mailbox, AnalysisWorkers: 2, AnalysisQueue: 16, ExecWorkers: 2, ExecQueue: 16})
	require.NoError(t, err)
	h := &harness{
		t: t, eng: eng, ctrl: ctrl, backend: backend, gateway: gw,
		controls: controls, journal: journal, store: hc.store,
		done: make(chan struct{}),
	}
	if hc.noRun {
		close(h.done)
		return h
	}
	h.start()
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.eng.Run(ctx)
	}()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func (h *harness) tick(token string, offset time.Duration, price, volume float64) {
	h.t.Helper()
	require.NoError(h.t, h.eng.Submit(market.Tick{
		Token:            token,
		Price:            price,
		CumulativeVolume: volume,
		Time:             sessionStart.Add(offset),
	}))
}

func (h *harness) instrument(token string) InstrumentState {
	for _, inst := range h.eng.Snapshot().Instruments {
		if inst.Token == token {
			return inst
		}
	}
	h.t.Fatalf("instrument %s not in snapshot", token)
	return InstrumentState{}
}

func (h *harness) waitStatus(token string, status strategy.Status) InstrumentState {
	h.t.Helper()
	var last InstrumentState
	require.Eventually(h.t, func() bool {
		last = h.instrument(token)
		return last.Status == status
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s to reach %s", token, status)
	return last
}

func (h *harness) waitOpen(token string) strategy.Trade {
	h.t.Helper()
	var trade strategy.Trade
	require.Eventually(h.t, func() bool {
		inst := h.instrument(token)
		if inst.Status != strategy.StatusOpen || inst.Trade == nil || !inst.Trade.Confirmed() {
			return false
		}
		trade = *inst.Trade
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return trade
}

// armACME closes a bull breakout candle over PDH 100: open 99.5, high 101,
// low 99.5, close 101.
func (h *harness) armACME() InstrumentState {
	h.t.Helper()
	h.tick(acmeToken, 5*time.Second, 99.5, 1000)
	h.tick(acmeToken, 30*time.Second, 101, 5000)
	h.tick(acmeToken, 61*time.Second, 100.5, 6000)
	return h.waitStatus(acmeToken, strategy.StatusTriggerWatch)
}

func TestBreakoutTradeLifecycle(t *testing.T) {
	h := newHarness(t)
	armed := h.armACME()
	require.Equal(t, strategy.SideBull, armed.Side)
	require.InDelta(t, 101*1.0001, armed.TriggerPrice, 1e-9)
	require.Equal(t, 99.5, armed.StopBase)

	snap := h.eng.Snapshot()
	require.Len(t, snap.Armed[strategy.SideBull], 1)

	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	trade := h.waitOpen(acmeToken)
	require.Equal(t, 588, trade.Quantity)
	require.Equal(t, 99.5, trade.StopPrice)
	require.InDelta(t, 104.6, trade.TargetPrice, 1e-9)

	usage, err := h.ctrl.Usage(context.Background(), "bull", acme)
	require.NoError(t, err)
	require.Equal(t, 1, usage.SideCount)
	require.Equal(t, 1, usage.SymbolCount)
	require.True(t, usage.Locked)

	h.tick(acmeToken, 80*time.Second, 104.7, 8000)
	inst := h.waitStatus(acmeToken, strategy.StatusWaiting)
	require.Nil(t, inst.Trade)
	require.Equal(t, 1, inst.TradesToday)

	usage, err = h.ctrl.Usage(context.Background(), "bull", acme)
	require.NoError(t, err)
	require.False(t, usage.Locked, "lock is released after exit")
	require.Equal(t, 1, usage.SymbolCount, "daily counters survive release")

	snap = h.eng.Snapshot()
	require.Equal(t, "2058", snap.TotalRealized.String())
	orders := h.gateway.Orders()
	require.Len(t, orders, 2)
	require.Equal(t, strategy.Buy, orders[0].Direction)
	require.Equal(t, strategy.Sell, orders[1].Direction)
	require.Equal(t, 588, orders[1].Quantity)
	require.Eventually(t, func() bool {
		kinds := h.journal.kinds()
		return len(kinds) == 2 && kinds[0] == TradeOpened && kinds[1] == TradeClosed
	}, time.Second, 5*time.Millisecond)
}

func TestEntryFailureRollsBackReservation(t *testing.T) {
	h := newHarness(t)
	h.armACME()
	h.gateway.FailNext(1)
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)

	inst := h.waitStatus(acmeToken, strategy.StatusWaiting)
	require.Equal(t, 0, inst.TradesToday)
	require.Eventually(t, func() bool {
		usage, err := h.ctrl.Usage(context.Background(), "bull", acme)
		return err == nil && usage.SideCount == 0 && usage.SymbolCount == 0 && !usage.Locked
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, h.gateway.Orders())
	require.Contains(t, h.journal.kinds(), TradeEntryFailed)
}

func TestSideLimitDeniesEntry(t *testing.T) {
	h := newHarness(t, withBullLimit(1))
	_, outcome, err := h.ctrl.TryOpen(context.Background(), "bull", beta, 1, 2, time.Minute)
	require.NoError(t, err)
	require.True(t, outcome.Granted())

	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	inst := h.waitStatus(acmeToken, strategy.StatusWaiting)
	require.Equal(t, 0, inst.TradesToday)
	require.Empty(t, h.gateway.Orders())
}

func TestStoreErrorKeepsTriggerArmed(t *testing.T) {
	h := newHarness(t)
	h.armACME()
	h.backend.failing.Store(true)
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	// A later tick proves the failing one was processed.
	h.tick(acmeToken, 71*time.Second, 100.9, 7100)
	require.Eventually(t, func() bool {
		inst := h.instrument(acmeToken)
		return inst.LastPrice == 100.9 && inst.Status == strategy.StatusTriggerWatch
	}, time.Second, 5*time.Millisecond)

	h.backend.failing.Store(false)
	h.tick(acmeToken, 72*time.Second, 101.3, 7200)
	trade := h.waitOpen(acmeToken)
	require.Equal(t, 101.3, trade.EntryPrice)
}

func TestManualExit(t *testing.T) {
	h := newHarness(t)
	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	h.waitOpen(acmeToken)

	ctx := context.Background()
	require.NoError(t, h.eng.RequestExit(ctx, acme))
	require.Eventually(t, func() bool {
		return h.instrument(acmeToken).ExitPending
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.eng.RequestExit(ctx, "NOPE"), ErrUnknownInstrument)
	require.ErrorIs(t, h.eng.RequestExit(ctx, beta), ErrNoOpenTrade)
	h.tick(acmeToken, 75*time.Second, 101.3, 7100)
	h.waitStatus(acmeToken, strategy.StatusWaiting)
	require.False(t, h.instrument(acmeToken).ExitPending)
	require.Equal(t, "58.8", h.eng.Snapshot().TotalRealized.String())
}

func TestManualExitDoesNotCarryToNextTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.ErrorIs(t, h.eng.RequestExit(ctx, acme), ErrNoOpenTrade)

	h.armACME()
	require.ErrorIs(t, h.eng.RequestExit(ctx, acme), ErrNoOpenTrade, "armed but not open")
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	h.waitOpen(acmeToken)
	require.NoError(t, h.eng.RequestExit(ctx, acme))

	// Target 104.6 wins over the pending request, then a second breakout
	// opens a fresh trade.
	h.reenterACME()
	require.False(t, h.instrument(acmeToken).ExitPending)
	h.tick(acmeToken, 183*time.Second, 106.3, 7900)
	require.Never(t, func() bool {
		return h.instrument(acmeToken).Status != strategy.StatusOpen
	}, 100*time.Millisecond, 10*time.Millisecond, "fresh trade must ignore the earlier exit request")
}

// reenterACME closes the first ACME trade at its target and opens a second
// one: candle open 99.8, high 106, low 99.8, close 106, entry 106.2.
func (h *harness) reenterACME() strategy.Trade {
	h.t.Helper()
	h.tick(acmeToken, 75*time.Second, 105, 7100)
	h.waitStatus(acmeToken, strategy.StatusWaiting)
	h.tick(acmeToken, 121*time.Second, 99.8, 7200)
	h.tick(acmeToken, 150*time.Second, 106, 7600)
	h.tick(acmeToken, 181*time.Second, 105.8, 7700)
	h.waitStatus(acmeToken, strategy.StatusTriggerWatch)
	h.tick(acmeToken, 182*time.Second, 106.2, 7800)
	return h.waitOpen(acmeToken)
}

func TestRiskTiersFollowTradeNumber(t *testing.T) {
	h := newHarness(t, withBullRiskTiers(1000, 500))
	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	first := h.waitOpen(acmeToken)
	require.Equal(t, 588, first.Quantity, "first trade risks 1000 over 1.7")

	second := h.reenterACME()
	require.Equal(t, 99.8, second.StopPrice)
	require.Equal(t, 78, second.Quantity, "second trade risks 500 over 6.4")
}

func TestStartSessionResetsDailyState(t *testing.T) {
	h := newHarness(t)
	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	h.waitOpen(acmeToken)
	require.NoError(t, h.eng.SquareOff(context.Background()))
	h.waitStatus(acmeToken, strategy.StatusWaiting)
	require.Equal(t, 1, h.instrument(acmeToken).TradesToday)

	require.NoError(t, h.eng.StartSession(context.Background()))
	require.False(t, h.eng.SessionOver())
	require.Eventually(t, func() bool {
		return h.instrument(acmeToken).TradesToday == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSnapshotUnrealizedBySide(t *testing.T) {
	h := newHarness(t)
	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	h.waitOpen(acmeToken)
	h.tick(acmeToken, 75*time.Second, 101.7, 7100)
	require.Eventually(t, func() bool {
		return h.instrument(acmeToken).LastPrice == 101.7
	}, time.Second, 5*time.Millisecond)

	snap := h.eng.Snapshot()
	require.Len(t, snap.UnrealizedBySide, len(strategy.Sides))
	require.Equal(t, "294", snap.UnrealizedBySide[strategy.SideBull].String())
	require.True(t, snap.UnrealizedBySide[strategy.SideBear].IsZero())
	require.True(t, snap.Unrealized.Equal(snap.UnrealizedBySide[strategy.SideBull]))
}

func TestSquareOffExitsAndDisarms(t *testing.T) {
	h := newHarness(t)
	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	h.waitOpen(acmeToken)

	// Arm BETA over its PDH 200.
	h.tick(betaToken, 5*time.Second, 199, 100)
	h.tick(betaToken, 30*time.Second, 202, 500)
	h.tick(betaToken, 61*time.Second, 201, 600)
	h.waitStatus(betaToken, strategy.StatusTriggerWatch)

	require.NoError(t, h.eng.SquareOff(context.Background()))
	h.waitStatus(acmeToken, strategy.StatusWaiting)
	h.waitStatus(betaToken, strategy.StatusWaiting)
	require.True(t, h.eng.SessionOver())

	h.journal.mu.Lock()
	last := h.journal.trades[len(h.journal.trades)-1]
	h.journal.mu.Unlock()
	require.Equal(t, TradeClosed, last.Kind)
	require.Equal(t, string(strategy.ExitSessionEnd), last.Reason)

	// No new arming after the session ends.
	h.tick(betaToken, 121*time.Second, 201.5, 700)
	h.tick(betaToken, 181*time.Second, 203, 800)
	h.tick(betaToken, 182*time.Second, 203.5, 900)
	require.Never(t, func() bool {
		return h.instrument(betaToken).Status != strategy.StatusWaiting
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRemoveClosesInstrument(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.eng.Remove(context.Background(), betaToken))
	h.waitStatus(betaToken, strategy.StatusClosed)
	require.ErrorIs(t, h.eng.Remove(context.Background(), "999"), ErrUnknownInstrument)

	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	h.waitOpen(acmeToken)
	require.NoError(t, h.eng.Remove(context.Background(), acmeToken))
	h.waitStatus(acmeToken, strategy.StatusClosed)
	require.Len(t, h.gateway.Orders(), 2, "open trade is flattened before removal")
}

func TestOpenTradesPersistAndRestore(t *testing.T) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, withStore(store))
	h.armACME()
	h.tick(acmeToken, 70*time.Second, 101.2, 7000)
	opened := h.waitOpen(acmeToken)
	require.Eventually(t, func() bool {
		trades, err := state.LoadOpenTrades(context.Background(), store)
		return err == nil && len(trades) == 1
	}, time.Second, 5*time.Millisecond)
	h.stop()

	restarted := newHarness(t, withStore(store), notStarted(8))
	n, err := restarted.eng.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	inst := restarted.instrument(acmeToken)
	require.Equal(t, strategy.StatusOpen, inst.Status)
	require.NotNil(t, inst.Trade)
	require.Equal(t, opened.EntryOrderID, inst.Trade.EntryOrderID)
	require.Equal(t, opened.Quantity, inst.Trade.Quantity)
}

func TestSubmitDropsWhenMailboxFull(t *testing.T) {
	h := newHarness(t, notStarted(1))
	tick := market.Tick{Token: acmeToken, Price: 100, Time: sessionStart}
	require.NoError(t, h.eng.Submit(tick))
	require.ErrorIs(t, h.eng.Submit(tick), ErrQueueFull)
	require.ErrorIs(t, h.eng.Submit(market.Tick{Token: "999", Price: 1}), ErrUnknownInstrument)
	require.Equal(t, uint64(1), h.eng.Snapshot().Dropped.Ticks)
}

func TestSubmitRejectsInvalidTicks(t *testing.T) {
	h := newHarness(t, notStarted(8))
	for _, price := range []float64{0, -1, math.Inf(1), math.NaN()} {
		require.ErrorIs(t, h.eng.Submit(market.Tick{Token: acmeToken, Price: price, Time: sessionStart}), ErrInvalidTick)
	}
	require.ErrorIs(t, h.eng.Submit(market.Tick{Token: acmeToken, Price: 100, CumulativeVolume: math.NaN(), Time: sessionStart}), ErrInvalidTick)
	require.Zero(t, h.eng.Snapshot().Dropped.Ticks)
}

func TestNewRejectsDuplicateTokens(t *testing.T) {
	sides := bullOnly()
	now := func() time.Time { return sessionStart }
	_, err := New([]config.InstrumentConfig{{Token: "1", Symbol: "A"}, {Token: "1", Symbol: "B"}}, Deps{
		Admission: admission.NewController(admission.NewMemory(now), admission.Options{Location: ist, Now: now}),
		Orders:    paper.New(nil),
		Settings:  strategy.NewSettings(sides),
		Controls:  strategy.NewControls(sides),
	}, Options{})
	require.ErrorIs(t, err, ErrDuplicateToken)
}

func TestSquareOffAt(t *testing.T) {
	now := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC) // 09:30 IST
	cut := squareOffAt(now, ist, 15, 15)
	require.Equal(t, 15, cut.Hour())
	require.Equal(t, 15, cut.Minute())
	require.Equal(t, 2, cut.Day())
	require.True(t, now.Before(cut))
}

func TestArmDropsSignalOlderThanLastCandle(t *testing.T) {
	h := newHarness(t, notStarted(8))
	a := h.eng.actors[acmeToken]
	first := sessionStart.Truncate(time.Minute)
	second := first.Add(time.Minute)

	a.lastCandle = second
	a.arm(strategy.Signal{Side: strategy.SideBull, TriggerPrice: 101, StopBase: 99.5, Candle: market.Candle{Start: first}})
	require.Equal(t, strategy.StatusWaiting, a.inst.Status(), "signal from an older candle must be dropped")

	a.arm(strategy.Signal{Side: strategy.SideBull, TriggerPrice: 102, StopBase: 100, Candle: market.Candle{Start: second}})
	require.Equal(t, strategy.StatusTriggerWatch, a.inst.Status())
	sig, ok := a.inst.Signal()
	require.True(t, ok)
	require.Equal(t, 102.0, sig.TriggerPrice)
}
