package strategy

import (
	"strings"
	"time"
)

type Status string

type Event string

const (
	StatusWaiting      Status = "WAITING"
	StatusTriggerWatch Status = "TRIGGER_WATCH"
	StatusOpen         Status = "OPEN"
	StatusClosed       Status = "CLOSED"
)

const (
	EventArm         Event = "ARM"
	EventReserve     Event = "RESERVE"
	EventDeny        Event = "DENY"
	EventDisarm      Event = "DISARM"
	EventEntryFailed Event = "ENTRY_FAILED"
	EventClosed      Event = "CLOSED"
	EventRemove      Event = "REMOVE"
)

// Side is the strategy variant that armed a watch or opened a trade.
type Side string

const (
	SideNone    Side = ""
	SideBull    Side = "BULL"
	SideBear    Side = "BEAR"
	SideMomBull Side = "MOM_BULL"
	SideMomBear Side = "MOM_BEAR"
)

// Sides lists every side in evaluation order.
var Sides = []Side{SideBull, SideBear, SideMomBull, SideMomBear}

// Key is the configuration and admission key for the side.
func (s Side) Key() string {
	return strings.ToLower(string(s))
}

func (s Side) Direction() Direction {
	switch s {
	case SideBear, SideMomBear:
		return Sell
	default:
		return Buy
	}
}

func (s Side) Momentum() bool {
	return s == SideMomBull || s == SideMomBear
}

// ParseSide accepts either the config key ("mom_bull") or the side name.
func ParseSide(raw string) (Side, bool) {
	candidate := Side(strings.ToUpper(strings.TrimSpace(raw)))
	for _, side := range Sides {
		if side == candidate {
			return side, true
		}
	}
	return SideNone, false
}

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

type ExitReason string

const (
	ExitTarget     ExitReason = "target"
	ExitStop       ExitReason = "stop_loss"
	ExitManual     ExitReason = "manual"
	ExitSessionEnd ExitReason = "session_end"
)

// Trade is an open position owned by exactly one instrument. StopPrice only
// ever moves in the trade's favour.
type Trade struct {
	Token        string     `msgpack:"token" json:"token"`
	Symbol       string     `msgpack:"symbol" json:"symbol"`
	Side         Side       `msgpack:"side" json:"side"`
	Direction    Direction  `msgpack:"direction" json:"direction"`
	Quantity     int        `msgpack:"qty" json:"qty"`
	EntryPrice   float64    `msgpack:"entry" json:"entry_price"`
	InitialStop  float64    `msgpack:"initial_stop" json:"initial_stop"`
	StopPrice    float64    `msgpack:"stop" json:"stop_price"`
	TargetPrice  float64    `msgpack:"target" json:"target_price"`
	StepSize     float64    `msgpack:"step" json:"step_size"`
	OpenedAt     time.Time  `msgpack:"opened_at" json:"opened_at"`
	EntryOrderID string     `msgpack:"entry_order_id" json:"entry_order_id,omitempty"`
	Exiting      bool       `msgpack:"exiting" json:"exiting"`
	ExitReason   ExitReason `msgpack:"exit_reason" json:"exit_reason,omitempty"`
}

// Risk is the per-share distance between entry and the initial stop.
func (t Trade) Risk() float64 {
	if t.EntryPrice > t.InitialStop {
		return t.EntryPrice - t.InitialStop
	}
	return t.InitialStop - t.EntryPrice
}

func (t Trade) PnL(price float64) float64 {
	diff := price - t.EntryPrice
	if t.Direction == Sell {
		diff = -diff
	}
	return diff * float64(t.Quantity)
}

// Confirmed reports whether the entry order has been acknowledged.
func (t Trade) Confirmed() bool {
	return t.EntryOrderID != ""
}
