// Package ledger turns fill events into weighted-average-cost positions
// and realized/unrealized PnL accounting.
package ledger

import (
	"math"
	"sync"
	"time"

	"martingrid/event"
	"martingrid/logger"
)

// closeEpsilon: a position whose size drops to this or below is
// considered flat and moves to the closed history.
const closeEpsilon = 1e-4

// PositionRecord is one open position, main or hedge book.
// EntryPrice only moves on same-direction additions; reducing fills
// never recompute it.
type PositionRecord struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // BUY / SELL
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	TotalCost     float64   `json:"total_cost"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	RealizedPnl   float64   `json:"realized_pnl"`
	TotalFees     float64   `json:"total_fees"`
	OpenTime      time.Time `json:"open_time"`
	LastUpdate    time.Time `json:"last_update"`
	IsHedge       bool      `json:"is_hedge"`
	FillsCount    int       `json:"fills_count"`

	currentPrice float64
}

// Stats aggregate counters across the ledger's life.
type Stats struct {
	TotalRealizedPnl float64 `json:"total_realized_pnl"`
	TotalFees        float64 `json:"total_fees"`
	TotalTrades      int     `json:"total_trades"`
	WinningTrades    int     `json:"winning_trades"`
	LosingTrades     int     `json:"losing_trades"`
	WinRate          float64 `json:"win_rate"`
	OpenPositions    int     `json:"open_positions"`
}

type bookKey struct {
	symbol  string
	isHedge bool
}

// Ledger tracks open positions per (symbol, hedge) book plus closed
// history and aggregate statistics.
type Ledger struct {
	mu        sync.Mutex
	positions map[bookKey]*PositionRecord
	closed    []PositionRecord

	totalRealizedPnl float64
	totalFees        float64
	totalTrades      int
	winningTrades    int
	losingTrades     int

	// OnClose, when set, observes every record that reaches flat.
	OnClose func(rec PositionRecord)
}

func New() *Ledger {
	return &Ledger{positions: make(map[bookKey]*PositionRecord)}
}

// OnFill routes a fill to its book. A fill on the position's side adds
// at weighted-average cost, an opposite-side fill reduces and realizes
// PnL for the closed quantity.
func (l *Ledger) OnFill(f *event.Fill, symbol string, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := bookKey{symbol: symbol, isHedge: f.IsHedge}
	pos, ok := l.positions[key]
	if !ok {
		l.positions[key] = &PositionRecord{
			Symbol:     symbol,
			Side:       f.Side,
			Size:       f.Quantity,
			EntryPrice: f.Price,
			TotalCost:  f.Price * f.Quantity,
			TotalFees:  f.Commission,
			OpenTime:   ts,
			LastUpdate: ts,
			IsHedge:    f.IsHedge,
			FillsCount: 1,
		}
		l.totalFees += f.Commission
		logger.Infof("📗 Position opened: %s %s size=%.6f @ %.4f (hedge=%v)",
			symbol, f.Side, f.Quantity, f.Price, f.IsHedge)
		return
	}

	if f.Side == pos.Side {
		l.addLocked(pos, f, ts)
	} else {
		l.reduceLocked(key, pos, f, ts)
	}
}

func (l *Ledger) addLocked(pos *PositionRecord, f *event.Fill, ts time.Time) {
	newSize := pos.Size + f.Quantity
	pos.EntryPrice = (pos.Size*pos.EntryPrice + f.Quantity*f.Price) / newSize
	pos.Size = newSize
	pos.TotalCost += f.Price * f.Quantity
	pos.TotalFees += f.Commission
	pos.LastUpdate = ts
	pos.FillsCount++
	l.totalFees += f.Commission
	logger.Infof("📈 Position added: %s %s size=%.6f avg=%.4f",
		pos.Symbol, pos.Side, pos.Size, pos.EntryPrice)
}

func (l *Ledger) reduceLocked(key bookKey, pos *PositionRecord, f *event.Fill, ts time.Time) {
	closeQty := math.Min(f.Quantity, pos.Size)

	var pnl float64
	if pos.Side == "BUY" {
		pnl = (f.Price-pos.EntryPrice)*closeQty - f.Commission
	} else {
		pnl = (pos.EntryPrice-f.Price)*closeQty - f.Commission
	}

	pos.Size -= closeQty
	pos.RealizedPnl += pnl
	pos.TotalFees += f.Commission
	pos.LastUpdate = ts
	pos.FillsCount++

	l.totalRealizedPnl += pnl
	l.totalFees += f.Commission
	l.totalTrades++
	if pnl > 0 {
		l.winningTrades++
	} else {
		l.losingTrades++
	}

	logger.Infof("📕 Position reduced: %s close=%.6f @ %.4f pnl=%.4f remaining=%.6f",
		pos.Symbol, closeQty, f.Price, pnl, pos.Size)

	if pos.Size <= closeEpsilon {
		pos.Size = 0
		pos.UnrealizedPnl = 0
		closedRec := *pos
		l.closed = append(l.closed, closedRec)
		delete(l.positions, key)
		logger.Infof("🏁 Position closed: %s realized=%.4f fills=%d",
			pos.Symbol, pos.RealizedPnl, pos.FillsCount)
		if l.OnClose != nil {
			l.OnClose(closedRec)
		}
	}
}

// UpdatePrice refreshes unrealized PnL for any open book on the symbol.
func (l *Ledger) UpdatePrice(symbol string, price float64, ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, hedge := range []bool{false, true} {
		pos, ok := l.positions[bookKey{symbol: symbol, isHedge: hedge}]
		if !ok {
			continue
		}
		pos.currentPrice = price
		if pos.Side == "BUY" {
			pos.UnrealizedPnl = (price - pos.EntryPrice) * pos.Size
		} else {
			pos.UnrealizedPnl = (pos.EntryPrice - price) * pos.Size
		}
		pos.LastUpdate = ts
	}
}

// Position returns a copy of the open record for the book, if any.
func (l *Ledger) Position(symbol string, isHedge bool) (PositionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[bookKey{symbol: symbol, isHedge: isHedge}]
	if !ok {
		return PositionRecord{}, false
	}
	return *pos, true
}

// OpenPositions returns copies of all open records.
func (l *Ledger) OpenPositions() []PositionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PositionRecord, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// ClosedPositions returns the closed history.
func (l *Ledger) ClosedPositions() []PositionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PositionRecord(nil), l.closed...)
}

// TotalExposure sums size times last seen price over all open books.
func (l *Ledger) TotalExposure() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, pos := range l.positions {
		price := pos.currentPrice
		if price == 0 {
			price = pos.EntryPrice
		}
		total += pos.Size * price
	}
	return total
}

// TotalUnrealizedPnl sums unrealized PnL over all open books.
func (l *Ledger) TotalUnrealizedPnl() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total float64
	for _, pos := range l.positions {
		total += pos.UnrealizedPnl
	}
	return total
}

// Stats returns the aggregate counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		TotalRealizedPnl: l.totalRealizedPnl,
		TotalFees:        l.totalFees,
		TotalTrades:      l.totalTrades,
		WinningTrades:    l.winningTrades,
		LosingTrades:     l.losingTrades,
		OpenPositions:    len(l.positions),
	}
	if l.totalTrades > 0 {
		s.WinRate = float64(l.winningTrades) / float64(l.totalTrades) * 100
	}
	return s
}
