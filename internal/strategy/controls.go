package strategy

import (
	"sync"

	"intraday-breakout-bot/internal/config"
)

// ControlState is the persisted form of Controls.
type ControlState struct {
	Enabled map[string]bool `json:"enabled"`
	Paused  bool            `json:"paused"`
}

// Controls carries operator input shared by every instrument: per-side enable
// flags and a global pause. Manual exits live on the instrument itself.
type Controls struct {
	mu      sync.RWMutex
	enabled map[Side]bool
	paused  bool
}

func NewControls(cfg config.SidesConfig) *Controls {
	c := &Controls{
		enabled: make(map[Side]bool, len(Sides)),
	}
	for _, side := range Sides {
		sc, _ := cfg.ByKey(side.Key())
		c.enabled[side] = sc.Enabled
	}
	return c
}

func (c *Controls) Enabled(side Side) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.paused && c.enabled[side]
}

func (c *Controls) SetEnabled(side Side, enabled bool) {
	c.mu.Lock()
	c.enabled[side] = enabled
	c.mu.Unlock()
}

func (c *Controls) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

func (c *Controls) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

func (c *Controls) State() ControlState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state := ControlState{Enabled: make(map[string]bool, len(c.enabled)), Paused: c.paused}
	for side, on := range c.enabled {
		state.Enabled[side.Key()] = on
	}
	return state
}

func (c *Controls) Restore(state ControlState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = state.Paused
	for key, on := range state.Enabled {
		if side, ok := ParseSide(key); ok {
			c.enabled[side] = on
		}
	}
}
