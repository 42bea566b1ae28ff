package market

import (
	"math"
	"time"
)

// Candle is a one-minute OHLCV bar. Volume is the sum of clamped
// cumulative-volume deltas seen inside the bucket.
type Candle struct {
	Token  string    `json:"token" msgpack:"token"`
	Start  time.Time `json:"start" msgpack:"start"`
	Open   float64   `json:"open" msgpack:"open"`
	High   float64   `json:"high" msgpack:"high"`
	Low    float64   `json:"low" msgpack:"low"`
	Close  float64   `json:"close" msgpack:"close"`
	Volume float64   `json:"volume" msgpack:"volume"`
}

func (c Candle) Valid() bool {
	return c.High >= math.Max(c.Open, c.Close) &&
		math.Min(c.Open, c.Close) >= c.Low &&
		c.Volume >= 0
}

// Body is close minus open; negative for a red candle.
func (c Candle) Body() float64 {
	return c.Close - c.Open
}

func (c Candle) BodyPct() float64 {
	if c.Open == 0 {
		return 0
	}
	return math.Abs(c.Body()) / c.Open * 100
}

func (c Candle) Range() float64 {
	return c.High - c.Low
}

// TurnoverCrore is volume times close expressed in crore (1e7).
func (c Candle) TurnoverCrore() float64 {
	return c.Volume * c.Close / 1e7
}

// Bucket floors t to the start of its minute in loc.
func Bucket(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, loc)
}
