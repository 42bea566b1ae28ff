package market

import (
	"math"
	"time"
)

type Tick struct {
	Token            string
	Price            float64
	CumulativeVolume float64
	Time             time.Time
}

// Valid reports whether the tick carries a finite positive price and a finite
// non-negative cumulative volume.
func (t Tick) Valid() bool {
	return finite(t.Price) && t.Price > 0 && finite(t.CumulativeVolume) && t.CumulativeVolume >= 0
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ReferenceLevels are supplied per instrument before the session and are
// read-only to the engine.
type ReferenceLevels struct {
	PrevHigh  float64 `json:"pdh"`
	PrevLow   float64 `json:"pdl"`
	PrevClose float64 `json:"prev_close"`
	VolumeSMA float64 `json:"sma"`
}
