package strategy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"intraday-breakout-bot/internal/config"
)

// SideSettings are the risk and qualification parameters of one side.
type SideSettings struct {
	DailyTradeLimit int                 `json:"daily_trade_limit"`
	RiskPerTrade    float64             `json:"risk_per_trade"`
	RiskTiers       []float64           `json:"risk_per_trade_tiers,omitempty"`
	RiskReward      config.Ratio        `json:"risk_reward"`
	TrailingStop    config.Ratio        `json:"trailing_stop"`
	MaxExtensionPct float64             `json:"max_extension_pct"`
	VolumeMatrix    []config.VolumeTier `json:"volume_matrix,omitempty"`
}

func SideSettingsFromConfig(c config.SideConfig) SideSettings {
	return SideSettings{
		DailyTradeLimit: c.DailyTradeLimit,
		RiskPerTrade:    c.RiskPerTrade,
		RiskTiers:       append([]float64(nil), c.RiskTiers...),
		RiskReward:      c.RiskReward,
		TrailingStop:    c.TrailingStop,
		MaxExtensionPct: c.MaxExtensionPct,
		VolumeMatrix:    append([]config.VolumeTier(nil), c.VolumeMatrix...),
	}
}

func (s SideSettings) sideConfig() config.SideConfig {
	return config.SideConfig{
		DailyTradeLimit: s.DailyTradeLimit,
		RiskPerTrade:    s.RiskPerTrade,
		RiskTiers:       s.RiskTiers,
		RiskReward:      s.RiskReward,
		TrailingStop:    s.TrailingStop,
		MaxExtensionPct: s.MaxExtensionPct,
		VolumeMatrix:    s.VolumeMatrix,
	}
}

// ForTrade returns the settings for the nth trade of the day (1-based), with
// RiskPerTrade taken from the matching risk tier.
func (s SideSettings) ForTrade(n int) SideSettings {
	if len(s.RiskTiers) == 0 {
		return s
	}
	idx := min(max(n, 1), len(s.RiskTiers)) - 1
	s.RiskPerTrade = s.RiskTiers[idx]
	return s
}

// Profile is an immutable view of every side's settings.
type Profile map[Side]SideSettings

// Settings holds the current Profile. Readers never block; writers replace
// the whole profile so a reader sees either the old or the new settings.
type Settings struct {
	mu      sync.Mutex
	current atomic.Pointer[Profile]
}

func NewSettings(cfg config.SidesConfig) *Settings {
	profile := make(Profile, len(Sides))
	for _, side := range Sides {
		sc, _ := cfg.ByKey(side.Key())
		profile[side] = SideSettingsFromConfig(*sc)
	}
	s := &Settings{}
	s.current.Store(&profile)
	return s
}

func (s *Settings) Load() Profile {
	return *s.current.Load()
}

func (s *Settings) Side(side Side) SideSettings {
	return s.Load()[side]
}

// Update applies mutate to a copy of one side's settings and swaps the copy in
// only if it validates.
func (s *Settings) Update(side Side, mutate func(*SideSettings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.Load()
	current, ok := old[side]
	if !ok {
		return fmt.Errorf("unknown side %q", side)
	}
	current.VolumeMatrix = append([]config.VolumeTier(nil), current.VolumeMatrix...)
	current.RiskTiers = append([]float64(nil), current.RiskTiers...)
	mutate(&current)
	if err := config.ValidateSide(current.sideConfig()); err != nil {
		return fmt.Errorf("%s: %w", side.Key(), err)
	}
	next := make(Profile, len(old))
	for k, v := range old {
		next[k] = v
	}
	next[side] = current
	s.current.Store(&next)
	return nil
}
