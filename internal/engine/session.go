package engine

import (
	"context"
	"time"

	"intraday-breakout-bot/internal/admission"

	"go.uber.org/zap"
)

// squareOffAt is the day's square-off instant in loc.
func squareOffAt(now time.Time, loc *time.Location, hour, minute int) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
}

// RunSession squares off every day at hour:minute exchange time and opens
// the next session at local midnight. Started after the cut-off, it squares
// off immediately.
func (e *Engine) RunSession(ctx context.Context, hour, minute int) error {
	loc := e.opts.Location
	for {
		now := e.now()
		cut := squareOffAt(now, loc, hour, minute)
		if now.Before(cut) {
			if !sleepUntil(ctx, now, cut) {
				return ctx.Err()
			}
			continue
		}
		if !e.sessionOver.Load() {
			if err := e.SquareOff(ctx); err != nil {
				e.log.Warn("square-off incomplete", zap.Error(err))
			}
		}
		if !sleepUntil(ctx, now, admission.EndOfDay(now, loc)) {
			return ctx.Err()
		}
		if err := e.StartSession(ctx); err != nil {
			e.log.Warn("session start incomplete", zap.Error(err))
		}
	}
}

func sleepUntil(ctx context.Context, now, at time.Time) bool {
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
