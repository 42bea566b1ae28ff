package strategy

import (
	"sync"
	"testing"

	"intraday-breakout-bot/internal/config"

	"github.com/shopspring/decimal"
)

func TestSettingsUpdateSwapsProfile(t *testing.T) {
	var sides config.SidesConfig
	sides.Bull = config.SideConfig{DailyTradeLimit: 5, RiskPerTrade: 2000, RiskReward: config.DefaultRiskReward}
	s := NewSettings(sides)
	before := s.Load()

	if err := s.Update(SideBull, func(ss *SideSettings) { ss.DailyTradeLimit = 2 }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if s.Side(SideBull).DailyTradeLimit != 2 {
		t.Fatalf("expected updated limit")
	}
	if before[SideBull].DailyTradeLimit != 5 {
		t.Fatalf("previous profile must stay untouched")
	}
}

func TestSettingsUpdateRejectsInvalid(t *testing.T) {
	var sides config.SidesConfig
	sides.Bear = config.SideConfig{RiskPerTrade: 1000}
	s := NewSettings(sides)
	err := s.Update(SideBear, func(ss *SideSettings) { ss.RiskPerTrade = -1 })
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if s.Side(SideBear).RiskPerTrade != 1000 {
		t.Fatalf("invalid update must not be applied")
	}
	if err := s.Update(Side("SIDEWAYS"), func(*SideSettings) {}); err == nil {
		t.Fatalf("expected unknown side error")
	}
}

func TestSideSettingsForTrade(t *testing.T) {
	base := SideSettings{RiskPerTrade: 2000}
	if got := base.ForTrade(3).RiskPerTrade; got != 2000 {
		t.Fatalf("no tiers must keep risk_per_trade, got %f", got)
	}
	tiered := SideSettings{RiskPerTrade: 2000, RiskTiers: []float64{2000, 1500, 1000}}
	cases := map[int]float64{0: 2000, 1: 2000, 2: 1500, 3: 1000, 7: 1000}
	for n, want := range cases {
		if got := tiered.ForTrade(n).RiskPerTrade; got != want {
			t.Fatalf("trade %d: expected %f, got %f", n, want, got)
		}
	}
	if tiered.RiskPerTrade != 2000 {
		t.Fatalf("ForTrade must not mutate the receiver")
	}
}

func TestSettingsUpdateCopiesRiskTiers(t *testing.T) {
	var sides config.SidesConfig
	sides.Bull = config.SideConfig{RiskPerTrade: 2000, RiskTiers: []float64{2000, 1000}}
	s := NewSettings(sides)
	before := s.Side(SideBull)
	if err := s.Update(SideBull, func(ss *SideSettings) { ss.RiskTiers[1] = 500 }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if before.RiskTiers[1] != 1000 {
		t.Fatalf("update must not write through to the previous profile")
	}
	if err := s.Update(SideBull, func(ss *SideSettings) { ss.RiskTiers = []float64{0} }); err == nil {
		t.Fatalf("expected zero tier to be rejected")
	}
}

func TestSettingsConcurrentReaders(t *testing.T) {
	var sides config.SidesConfig
	sides.MomBull = config.SideConfig{RiskPerTrade: 100}
	s := NewSettings(sides)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n == 0 {
					_ = s.Update(SideMomBull, func(ss *SideSettings) { ss.RiskPerTrade = float64(100 + j) })
					continue
				}
				if s.Side(SideMomBull).RiskPerTrade < 100 {
					t.Errorf("observed partial settings")
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestControls(t *testing.T) {
	var sides config.SidesConfig
	sides.Bull.Enabled = true
	c := NewControls(sides)
	if !c.Enabled(SideBull) || c.Enabled(SideBear) {
		t.Fatalf("unexpected initial flags")
	}
	c.SetPaused(true)
	if c.Enabled(SideBull) {
		t.Fatalf("paused controls must disable every side")
	}
	c.SetPaused(false)
	c.SetEnabled(SideBear, true)

	state := c.State()
	restored := NewControls(config.SidesConfig{})
	restored.Restore(state)
	if !restored.Enabled(SideBull) || !restored.Enabled(SideBear) || restored.Enabled(SideMomBull) {
		t.Fatalf("restore mismatch: %+v", restored.State())
	}
}

func TestLedgerBooksPerSide(t *testing.T) {
	l := NewLedger()
	win := Trade{Side: SideBull, Direction: Buy, Quantity: 10, EntryPrice: 100.1}
	loss := Trade{Side: SideBear, Direction: Sell, Quantity: 3, EntryPrice: 50}
	if pnl := l.Book(win, 100.3); !pnl.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("expected 2.00, got %s", pnl)
	}
	l.Book(win, 100.2)
	l.Book(loss, 51.25)
	if got := l.Realized(SideBull); !got.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("expected bull 3, got %s", got)
	}
	if got := l.Realized(SideBear); !got.Equal(decimal.RequireFromString("-3.75")) {
		t.Fatalf("expected bear -3.75, got %s", got)
	}
	if got := l.Total(); !got.Equal(decimal.RequireFromString("-0.75")) {
		t.Fatalf("expected total -0.75, got %s", got)
	}
	summary := l.Summary()
	if len(summary) != len(Sides) || summary[0].Trades != 2 || summary[0].Wins != 2 || summary[1].Wins != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
