package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dayLayout = "20060102"

// Grant identifies a successful reservation so it can be rolled back.
type Grant struct {
	Side   string
	Symbol string
	Day    string
	Keys   Keys
	Token  string
}

type Usage struct {
	Day         string `json:"day"`
	SideCount   int    `json:"side_count"`
	SymbolCount int    `json:"symbol_count"`
	Locked      bool   `json:"locked"`
}

type Options struct {
	Prefix   string
	Location *time.Location
	Now      func() time.Time
}

type Controller struct {
	backend Backend
	prefix  string
	loc     *time.Location
	now     func() time.Time
}

func NewController(backend Backend, opts Options) *Controller {
	c := &Controller{backend: backend, prefix: opts.Prefix, loc: opts.Location, now: opts.Now}
	if c.prefix == "" {
		c.prefix = "nexus"
	}
	if c.loc == nil {
		c.loc = time.UTC
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// TryOpen reserves a slot for side and symbol. Denials are reported through
// the outcome with a nil error; store failures return OutcomeError together
// with the cause and leave the store untouched.
func (c *Controller) TryOpen(ctx context.Context, side, symbol string, maxPerSide, maxPerSymbol int, lockTTL time.Duration) (Grant, Outcome, error) {
	side = strings.ToLower(strings.TrimSpace(side))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if side == "" || symbol == "" || maxPerSide < 0 || maxPerSymbol < 0 || lockTTL <= 0 {
		return Grant{}, OutcomeError, ErrInvalidRequest
	}
	now := c.now().In(c.loc)
	day := now.Format(dayLayout)
	grant := Grant{
		Side:   side,
		Symbol: symbol,
		Day:    day,
		Keys:   c.Keys(side, symbol, now),
		Token:  uuid.NewString(),
	}
	outcome, err := c.backend.Reserve(ctx, Reservation{
		Keys:          grant.Keys,
		MaxPerSide:    maxPerSide,
		MaxPerSymbol:  maxPerSymbol,
		LockTTL:       lockTTL,
		CounterExpiry: EndOfDay(now, c.loc),
		Token:         grant.Token,
	})
	if err != nil {
		return Grant{}, OutcomeError, fmt.Errorf("reserve %s/%s: %w", side, symbol, err)
	}
	if !outcome.Granted() {
		return Grant{}, outcome, nil
	}
	return grant, outcome, nil
}

// Rollback compensates a grant whose entry order failed. Calling it more
// than once is harmless.
func (c *Controller) Rollback(ctx context.Context, g Grant) (bool, error) {
	if g.Token == "" {
		return false, ErrInvalidRequest
	}
	undone, err := c.backend.Rollback(ctx, g.Keys, g.Token)
	if err != nil {
		return false, fmt.Errorf("rollback %s/%s: %w", g.Side, g.Symbol, err)
	}
	return undone, nil
}

// Release lifts the open-position lock; the day's counters are kept.
func (c *Controller) Release(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return ErrInvalidRequest
	}
	if err := c.backend.Release(ctx, c.lockKey(symbol)); err != nil {
		return fmt.Errorf("release %s: %w", symbol, err)
	}
	return nil
}

func (c *Controller) Usage(ctx context.Context, side, symbol string) (Usage, error) {
	side = strings.ToLower(strings.TrimSpace(side))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	now := c.now().In(c.loc)
	keys := c.Keys(side, symbol, now)
	u := Usage{Day: now.Format(dayLayout)}
	var err error
	if side != "" {
		if u.SideCount, err = c.backend.Count(ctx, keys.Side); err != nil {
			return Usage{}, err
		}
	}
	if symbol != "" {
		if u.SymbolCount, err = c.backend.Count(ctx, keys.Symbol); err != nil {
			return Usage{}, err
		}
		if u.Locked, err = c.backend.Locked(ctx, keys.Lock); err != nil {
			return Usage{}, err
		}
	}
	return u, nil
}

// Keys builds the store keys for side and symbol on the trading day of at.
func (c *Controller) Keys(side, symbol string, at time.Time) Keys {
	day := at.In(c.loc).Format(dayLayout)
	return Keys{
		Side:   c.prefix + ":trades:side:" + day + ":" + side,
		Symbol: c.prefix + ":trades:symbol:" + day + ":" + symbol,
		Lock:   c.lockKey(symbol),
	}
}

func (c *Controller) lockKey(symbol string) string {
	return c.prefix + ":pos:open:" + symbol
}

// EndOfDay is the first instant of the next calendar day in loc.
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
