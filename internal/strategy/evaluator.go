package strategy

import (
	"math"

	"intraday-breakout-bot/internal/config"
	"intraday-breakout-bot/internal/market"
)

const (
	defaultMomentumThresholdPct = 0.25
	defaultBreakoutOffset       = 0.0001
	defaultMomentumBodyFraction = 0.1
)

// Signal is a qualified setup ready to be armed.
type Signal struct {
	Side         Side
	TriggerPrice float64
	StopBase     float64
	Candle       market.Candle
}

func (s Signal) Direction() Direction {
	return s.Side.Direction()
}

// Evaluator applies the breakout and momentum rules to a closed candle.
type Evaluator struct {
	MomentumThresholdPct float64
	BreakoutOffset       float64
	MomentumBodyFraction float64
}

func NewEvaluator() Evaluator {
	return Evaluator{
		MomentumThresholdPct: defaultMomentumThresholdPct,
		BreakoutOffset:       defaultBreakoutOffset,
		MomentumBodyFraction: defaultMomentumBodyFraction,
	}
}

// Evaluate checks the enabled sides in order and returns the first that
// qualifies.
func (e Evaluator) Evaluate(c market.Candle, levels market.ReferenceLevels, profile Profile, enabled func(Side) bool) (Signal, bool) {
	if !c.Valid() || c.Open <= 0 {
		return Signal{}, false
	}
	for _, side := range Sides {
		if enabled != nil && !enabled(side) {
			continue
		}
		settings := profile[side]
		if !e.matches(side, c, levels, settings) {
			continue
		}
		if !VolumeQualified(c.Volume, c.Close, levels.VolumeSMA, settings.VolumeMatrix) {
			continue
		}
		return e.signal(side, c), true
	}
	return Signal{}, false
}

func (e Evaluator) matches(side Side, c market.Candle, levels market.ReferenceLevels, settings SideSettings) bool {
	switch side {
	case SideBull:
		if levels.PrevHigh <= 0 || !(c.Open < levels.PrevHigh && levels.PrevHigh < c.Close) {
			return false
		}
		return !extended(c.High, levels.PrevHigh, settings.MaxExtensionPct)
	case SideBear:
		if levels.PrevLow <= 0 || !(c.Open > levels.PrevLow && levels.PrevLow > c.Close) {
			return false
		}
		return !extended(c.Low, levels.PrevLow, settings.MaxExtensionPct)
	case SideMomBull:
		return c.Close > c.Open && c.BodyPct() > e.MomentumThresholdPct
	case SideMomBear:
		return c.Close < c.Open && c.BodyPct() > e.MomentumThresholdPct
	}
	return false
}

func (e Evaluator) signal(side Side, c market.Candle) Signal {
	sig := Signal{Side: side, Candle: c}
	body := math.Abs(c.Body())
	switch side {
	case SideBull:
		sig.TriggerPrice = c.High * (1 + e.BreakoutOffset)
	case SideBear:
		sig.TriggerPrice = c.Low * (1 - e.BreakoutOffset)
	case SideMomBull:
		sig.TriggerPrice = c.High + e.MomentumBodyFraction*body
	case SideMomBear:
		sig.TriggerPrice = c.Low - e.MomentumBodyFraction*body
	}
	if side.Direction() == Buy {
		sig.StopBase = c.Low
	} else {
		sig.StopBase = c.High
	}
	return sig
}

// extended reports whether extreme sits more than maxPct percent beyond ref.
// A zero maxPct disables the check.
func extended(extreme, ref, maxPct float64) bool {
	if maxPct <= 0 || ref <= 0 {
		return false
	}
	return math.Abs(extreme-ref)/ref*100 > maxPct
}

// VolumeQualified picks the last tier whose min_sma_avg is at or below sma,
// stopping at the first tier above it, and checks the candle against that
// tier. An empty matrix always qualifies.
func VolumeQualified(volume, close, sma float64, matrix []config.VolumeTier) bool {
	if len(matrix) == 0 {
		return true
	}
	var selected *config.VolumeTier
	for i := range matrix {
		if matrix[i].MinAverageVolume > sma {
			break
		}
		selected = &matrix[i]
	}
	if selected == nil {
		return false
	}
	if volume < sma*selected.VolumeMultiplier {
		return false
	}
	return volume*close/1e7 >= selected.MinTurnover
}
