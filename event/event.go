// Package event defines the typed, timestamped records exchanged between the
// grid engine, position ledger, and order gateway, together with an ordered
// queue that delivers them in global time order.
//
// The event set is fixed: a closed Type enum with one fixed payload struct
// per variant, dispatched by exhaustive switch. There is no open metadata
// bag and no open class hierarchy.
package event

import (
	"fmt"
	"time"
)

// Type discriminates the event variants.
type Type int

const (
	TypeTick Type = iota
	TypeBar
	TypeSignal
	TypeOrder
	TypeFill
	TypeGridTrigger
	TypeHedgeTrigger
	TypeStopLoss
	TypeTakeProfit
)

func (t Type) String() string {
	switch t {
	case TypeTick:
		return "tick"
	case TypeBar:
		return "bar"
	case TypeSignal:
		return "signal"
	case TypeOrder:
		return "order"
	case TypeFill:
		return "fill"
	case TypeGridTrigger:
		return "grid_trigger"
	case TypeHedgeTrigger:
		return "hedge_trigger"
	case TypeStopLoss:
		return "stop_loss"
	case TypeTakeProfit:
		return "take_profit"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Tick a single trade print.
type Tick struct {
	Price    float64
	Quantity float64
}

// Bar one OHLCV candle.
type Bar struct {
	Interval string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Signal an entry recommendation from the indicator collaborator.
type Signal struct {
	Side     string // LONG / SHORT
	Strength float64
	Source   string // e.g. "cci", "trend"
}

// Order an order submission record.
type Order struct {
	OrderID    string
	Side       string // BUY / SELL
	OrderType  string // LIMIT / MARKET
	Price      float64
	Quantity   float64
	ReduceOnly bool
}

// Fill an execution confirmation.
type Fill struct {
	OrderID    string
	Side       string // BUY / SELL
	Price      float64
	Quantity   float64
	Commission float64
	Level      int // grid level the order belonged to, 0 when unrelated
	IsHedge    bool
}

// GridTrigger a grid level crossing that warrants a new entry.
type GridTrigger struct {
	GridID string
	Level  int
	Price  float64
}

// HedgeTrigger a hedge activation condition crossing.
type HedgeTrigger struct {
	ParentGridID string
	Reason       string // loss_threshold / liq_distance / max_hold
}

// StopLoss a risk-driven close decision.
type StopLoss struct {
	GridID string
	PnLPct float64
}

// TakeProfit a profit-target hit.
type TakeProfit struct {
	GridID   string
	Level    int
	Price    float64
	Quantity float64
}

// Event is the tagged union. Exactly the payload matching Type is set;
// the rest stay nil.
type Event struct {
	Type   Type
	Time   time.Time
	Symbol string

	Tick         *Tick
	Bar          *Bar
	Signal       *Signal
	Order        *Order
	Fill         *Fill
	GridTrigger  *GridTrigger
	HedgeTrigger *HedgeTrigger
	StopLoss     *StopLoss
	TakeProfit   *TakeProfit
}

// NewFill builds a fill event.
func NewFill(symbol string, at time.Time, f Fill) Event {
	return Event{Type: TypeFill, Time: at, Symbol: symbol, Fill: &f}
}

// NewTick builds a tick event.
func NewTick(symbol string, at time.Time, price, qty float64) Event {
	return Event{Type: TypeTick, Time: at, Symbol: symbol, Tick: &Tick{Price: price, Quantity: qty}}
}

// NewBar builds a bar event.
func NewBar(symbol string, at time.Time, b Bar) Event {
	return Event{Type: TypeBar, Time: at, Symbol: symbol, Bar: &b}
}

// NewSignal builds a signal event.
func NewSignal(symbol string, at time.Time, s Signal) Event {
	return Event{Type: TypeSignal, Time: at, Symbol: symbol, Signal: &s}
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s @ %s", e.Type, e.Symbol, e.Time.Format(time.RFC3339Nano))
}
