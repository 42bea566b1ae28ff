// Package admission gates new positions behind per-side and per-symbol daily
// caps and a one-open-position-per-symbol lock. Every check-and-reserve runs as
// one atomic step inside a Backend.
package admission

import (
	"context"
	"errors"
	"time"
)

type Outcome string

const (
	OutcomeGranted           Outcome = "OK"
	OutcomeDeniedSideLimit   Outcome = "MAX_TRADES_SIDE"
	OutcomeDeniedSymbolLimit Outcome = "MAX_TRADES_SYMBOL"
	OutcomeDeniedLocked      Outcome = "LOCKED"
	OutcomeError             Outcome = "ERROR"
)

func (o Outcome) Granted() bool { return o == OutcomeGranted }

func (o Outcome) Denied() bool {
	return o == OutcomeDeniedSideLimit || o == OutcomeDeniedSymbolLimit || o == OutcomeDeniedLocked
}

var ErrInvalidRequest = errors.New("admission: invalid request")

// Keys names the three store entries touched by one reservation.
type Keys struct {
	Side   string
	Symbol string
	Lock   string
}

// Reservation is one check-and-reserve request. Counters expire at
// CounterExpiry; the lock holds Token and expires after LockTTL.
type Reservation struct {
	Keys          Keys
	MaxPerSide    int
	MaxPerSymbol  int
	LockTTL       time.Duration
	CounterExpiry time.Time
	Token         string
}

// Backend is the admission transaction. Reserve must apply all of its checks
// and mutations atomically or not at all, including against other processes
// sharing the same store.
type Backend interface {
	Reserve(ctx context.Context, r Reservation) (Outcome, error)
	// Rollback undoes a reservation while the lock still holds token:
	// both counters are decremented (never below zero) and the lock is
	// removed. It reports whether anything was undone.
	Rollback(ctx context.Context, keys Keys, token string) (bool, error)
	Release(ctx context.Context, lockKey string) error
	Count(ctx context.Context, key string) (int, error)
	Locked(ctx context.Context, lockKey string) (bool, error)
	Close() error
}
