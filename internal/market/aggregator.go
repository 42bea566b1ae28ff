package market

import "time"

// Aggregator folds ticks for a single instrument into one-minute candles.
// It is not safe for concurrent use; the owning instrument serializes access.
type Aggregator struct {
	token string
	loc   *time.Location

	active               *Candle
	lastCumulativeVolume float64
}

func NewAggregator(token string, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{token: token, loc: loc}
}

// Update applies one tick. When the tick belongs to a later minute than the
// active candle, the finished candle is returned with ok=true and a new candle
// starts at the tick price. Ticks older than the active bucket are folded into
// the active candle so a finished bucket is never reopened.
func (a *Aggregator) Update(t Tick) (closed Candle, ok bool) {
	bucket := Bucket(t.Time, a.loc)
	switch {
	case a.active == nil:
		a.start(bucket, t.Price)
	case bucket.After(a.active.Start):
		closed, ok = *a.active, true
		a.start(bucket, t.Price)
	default:
		c := a.active
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume += a.delta(t.CumulativeVolume)
	}
	a.lastCumulativeVolume = t.CumulativeVolume
	return closed, ok
}

// Observe records the cumulative volume without touching the candle.
func (a *Aggregator) Observe(t Tick) {
	a.lastCumulativeVolume = t.CumulativeVolume
}

// Reset discards the in-progress candle.
func (a *Aggregator) Reset() {
	a.active = nil
}

func (a *Aggregator) Active() (Candle, bool) {
	if a.active == nil {
		return Candle{}, false
	}
	return *a.active, true
}

func (a *Aggregator) LastCumulativeVolume() float64 {
	return a.lastCumulativeVolume
}

func (a *Aggregator) start(bucket time.Time, price float64) {
	a.active = &Candle{
		Token: a.token,
		Start: bucket,
		Open:  price,
		High:  price,
		Low:   price,
		Close: price,
	}
}

// delta clamps decreasing counters (feed resets) to zero; the first observation
// after a zero counter contributes nothing.
func (a *Aggregator) delta(cumulative float64) float64 {
	if a.lastCumulativeVolume <= 0 || cumulative <= a.lastCumulativeVolume {
		return 0
	}
	return cumulative - a.lastCumulativeVolume
}
