package admission

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	count     int
	token     string
	expiresAt time.Time
}

// Memory is a process-local Backend for dry runs and tests. A single mutex
// makes each operation atomic.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, entries: make(map[string]memEntry)}
}

func (m *Memory) Reserve(_ context.Context, r Reservation) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	side, _ := m.get(r.Keys.Side, now)
	if side.count >= r.MaxPerSide {
		return OutcomeDeniedSideLimit, nil
	}
	if _, locked := m.get(r.Keys.Lock, now); locked {
		return OutcomeDeniedLocked, nil
	}
	symbol, _ := m.get(r.Keys.Symbol, now)
	if symbol.count >= r.MaxPerSymbol {
		return OutcomeDeniedSymbolLimit, nil
	}
	m.entries[r.Keys.Side] = memEntry{count: side.count + 1, expiresAt: r.CounterExpiry}
	m.entries[r.Keys.Symbol] = memEntry{count: symbol.count + 1, expiresAt: r.CounterExpiry}
	m.entries[r.Keys.Lock] = memEntry{token: r.Token, expiresAt: now.Add(r.LockTTL)}
	return OutcomeGranted, nil
}

func (m *Memory) Rollback(_ context.Context, keys Keys, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	lock, ok := m.get(keys.Lock, now)
	if !ok || lock.token != token {
		return false, nil
	}
	m.decrement(keys.Side, now)
	m.decrement(keys.Symbol, now)
	delete(m.entries, keys.Lock)
	return true, nil
}

func (m *Memory) Release(_ context.Context, lockKey string) error {
	m.mu.Lock()
	delete(m.entries, lockKey)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Count(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.get(key, m.now())
	return e.count, nil
}

func (m *Memory) Locked(_ context.Context, lockKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(lockKey, m.now())
	return ok, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) get(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) decrement(key string, now time.Time) {
	e, ok := m.get(key, now)
	if !ok {
		return
	}
	if e.count > 0 {
		e.count--
	}
	m.entries[key] = e
}
