// Package grid owns the martingale grid lifecycle: level creation,
// geometric sizing, take-profit ladders and per-grid health evaluation.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"martingrid/logger"
	"martingrid/market"
)

// Side grid direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

var (
	ErrEntriesClosed = errors.New("grid: new entries are closed")
	ErrMaxLevels     = errors.New("grid: max levels reached")
	ErrLevelNotFound = errors.New("grid: level not found")
)

// Level is one rung of the ladder. Its number is 1-based and never
// reused; only the fill transition mutates it.
type Level struct {
	Level    int       `json:"level"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	Filled   bool      `json:"filled"`
	OrderRef string    `json:"order_ref,omitempty"`
	FillTime time.Time `json:"fill_time,omitempty"`
}

// TakeProfitOrder one rung of the exit ladder.
type TakeProfitOrder struct {
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	ProfitPct float64 `json:"profit_pct"`
	OrderRef  string  `json:"order_ref,omitempty"`
}

// Grid is one martingale ladder on one symbol. Methods are safe for
// concurrent use; the scan loop is the only writer but the status API
// reads snapshots from another goroutine.
type Grid struct {
	mu sync.Mutex

	Symbol           string             `json:"symbol"`
	Side             Side               `json:"side"`
	EntrySignal      market.CCISignal   `json:"entry_signal"`
	TrendSnapshot    market.TrendState  `json:"trend_snapshot"`
	BaseSpacing      float64            `json:"base_spacing"`
	CurrentSpacing   float64            `json:"current_spacing"`
	MartingaleFactor float64            `json:"martingale_factor"`
	MaxLevels        int                `json:"max_levels"`
	BaseQuantity     float64            `json:"base_quantity"`
	Levels           []Level            `json:"levels"`
	TotalQuantity    float64            `json:"total_quantity"`
	AverageEntry     float64            `json:"average_entry"`
	UnrealizedPnl    float64            `json:"unrealized_pnl"`
	WalletExposure   float64            `json:"wallet_exposure"`
	LiquidationPrice float64            `json:"liquidation_price"`
	Leverage         int                `json:"leverage"`
	Active           bool               `json:"active"`
	AllowNewEntries  bool               `json:"allow_new_entries"`
	CreationTime     time.Time          `json:"creation_time"`
	LastFillTime     time.Time          `json:"last_fill_time"`
	TakeProfitOrders []TakeProfitOrder  `json:"take_profit_orders"`
}

// Params is everything New needs beyond the market snapshot.
type Params struct {
	Symbol           string
	Side             Side
	Signal           market.CCISignal
	Trend            market.TrendState
	Spacing          float64
	MartingaleFactor float64
	MaxLevels        int
	BaseQuantity     float64
	Leverage         int
}

// New creates an empty active grid. The first level is added by the
// scan loop through AddEntry.
func New(p Params) *Grid {
	g := &Grid{
		Symbol:           p.Symbol,
		Side:             p.Side,
		EntrySignal:      p.Signal,
		TrendSnapshot:    p.Trend,
		BaseSpacing:      p.Spacing,
		CurrentSpacing:   p.Spacing,
		MartingaleFactor: p.MartingaleFactor,
		MaxLevels:        p.MaxLevels,
		BaseQuantity:     p.BaseQuantity,
		Leverage:         p.Leverage,
		Active:           true,
		AllowNewEntries:  true,
		CreationTime:     time.Now(),
	}
	logger.Infof("🆕 Grid created: %s %s spacing=%.4f factor=%.2f maxLevels=%d",
		g.Symbol, g.Side, g.CurrentSpacing, g.MartingaleFactor, g.MaxLevels)
	return g
}

// FilledLevelCount counts levels confirmed filled.
func (g *Grid) FilledLevelCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filledCountLocked()
}

func (g *Grid) filledCountLocked() int {
	n := 0
	for i := range g.Levels {
		if g.Levels[i].Filled {
			n++
		}
	}
	return n
}

// NextQuantity is the size of the next entry: geometric in the number
// of filled levels, not the number of planned levels.
func (g *Grid) NextQuantity() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.BaseQuantity * math.Pow(g.MartingaleFactor, float64(g.filledCountLocked()))
}

// AddEntry appends the next level at the given price. Once the level
// cap is hit the grid refuses entries permanently.
func (g *Grid) AddEntry(price float64) (Level, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.AllowNewEntries {
		return Level{}, ErrEntriesClosed
	}
	if len(g.Levels) >= g.MaxLevels {
		g.AllowNewEntries = false
		logger.Warnf("⛔ %s grid reached %d levels, no further entries", g.Symbol, g.MaxLevels)
		return Level{}, ErrMaxLevels
	}

	qty := g.BaseQuantity * math.Pow(g.MartingaleFactor, float64(g.filledCountLocked()))
	lvl := Level{
		Level:    len(g.Levels) + 1,
		Price:    price,
		Quantity: qty,
	}
	g.Levels = append(g.Levels, lvl)
	logger.Infof("➕ %s level %d planned @ %.4f qty=%.6f", g.Symbol, lvl.Level, price, qty)
	return lvl, nil
}

// ShouldAddLevel reports whether price has moved adversely by at least
// the current spacing since the most recent fill. A grid with no levels
// always wants its first entry.
func (g *Grid) ShouldAddLevel(currentPrice float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.Levels) == 0 {
		return true
	}
	if g.filledCountLocked() >= g.MaxLevels {
		return false
	}

	var last *Level
	for i := len(g.Levels) - 1; i >= 0; i-- {
		if g.Levels[i].Filled {
			last = &g.Levels[i]
			break
		}
	}
	if last == nil {
		// planned levels exist but nothing filled yet, wait for the fill
		return false
	}

	var adverse float64
	if g.Side == SideLong {
		adverse = (last.Price - currentPrice) / last.Price
	} else {
		adverse = (currentPrice - last.Price) / last.Price
	}
	return adverse >= g.CurrentSpacing
}

// MarkLevelFilled confirms a fill: the planned price is overwritten
// with the actual fill price and the aggregates are recomputed over
// filled levels only.
func (g *Grid) MarkLevelFilled(levelNumber int, orderID string, fillPrice float64, fillTime time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := -1
	for i := range g.Levels {
		if g.Levels[i].Level == levelNumber {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s level %d", ErrLevelNotFound, g.Symbol, levelNumber)
	}

	g.Levels[idx].Filled = true
	g.Levels[idx].Price = fillPrice
	g.Levels[idx].OrderRef = orderID
	g.Levels[idx].FillTime = fillTime
	g.LastFillTime = fillTime
	g.recomputeLocked()

	logger.Infof("✅ %s level %d filled @ %.4f, avg=%.4f total=%.6f",
		g.Symbol, levelNumber, fillPrice, g.AverageEntry, g.TotalQuantity)
	return nil
}

func (g *Grid) recomputeLocked() {
	var qty, cost float64
	for i := range g.Levels {
		if !g.Levels[i].Filled {
			continue
		}
		qty += g.Levels[i].Quantity
		cost += g.Levels[i].Price * g.Levels[i].Quantity
	}
	g.TotalQuantity = qty
	if qty > 0 {
		g.AverageEntry = cost / qty
	} else {
		g.AverageEntry = 0
	}
}

// UpdateMetrics refreshes the mark-dependent fields each iteration.
// Wallet exposure is position margin (notional over leverage) as a
// fraction of account balance.
func (g *Grid) UpdateMetrics(currentPrice, balance, liquidationPrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.TotalQuantity > 0 {
		if g.Side == SideLong {
			g.UnrealizedPnl = (currentPrice - g.AverageEntry) * g.TotalQuantity
		} else {
			g.UnrealizedPnl = (g.AverageEntry - currentPrice) * g.TotalQuantity
		}
	} else {
		g.UnrealizedPnl = 0
	}

	if balance > 0 && g.Leverage > 0 {
		notional := g.TotalQuantity * g.AverageEntry
		g.WalletExposure = notional / float64(g.Leverage) / balance
	}
	g.LiquidationPrice = liquidationPrice
}

// SetSpacing replaces the current spacing (position adjustment happens
// between iterations, never mid-decision).
func (g *Grid) SetSpacing(spacing float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CurrentSpacing = spacing
}

// SetTakeProfitOrders records the active exit ladder.
func (g *Grid) SetTakeProfitOrders(orders []TakeProfitOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.TakeProfitOrders = orders
}

// Close deactivates the grid. Entries stay closed for good.
func (g *Grid) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Active = false
	g.AllowNewEntries = false
	logger.Infof("🔚 Grid closed: %s %s realized over %d filled levels", g.Symbol, g.Side, g.filledCountLocked())
}

// Snapshot is an immutable copy of a grid's state, safe to serialize
// and hand to the status API or the store.
type Snapshot struct {
	Symbol           string            `json:"symbol"`
	Side             Side              `json:"side"`
	EntrySignal      market.CCISignal  `json:"entry_signal"`
	TrendSnapshot    market.TrendState `json:"trend_snapshot"`
	BaseSpacing      float64           `json:"base_spacing"`
	CurrentSpacing   float64           `json:"current_spacing"`
	MartingaleFactor float64           `json:"martingale_factor"`
	MaxLevels        int               `json:"max_levels"`
	BaseQuantity     float64           `json:"base_quantity"`
	Levels           []Level           `json:"levels"`
	TotalQuantity    float64           `json:"total_quantity"`
	AverageEntry     float64           `json:"average_entry"`
	UnrealizedPnl    float64           `json:"unrealized_pnl"`
	WalletExposure   float64           `json:"wallet_exposure"`
	LiquidationPrice float64           `json:"liquidation_price"`
	Leverage         int               `json:"leverage"`
	Active           bool              `json:"active"`
	AllowNewEntries  bool              `json:"allow_new_entries"`
	CreationTime     time.Time         `json:"creation_time"`
	LastFillTime     time.Time         `json:"last_fill_time"`
	TakeProfitOrders []TakeProfitOrder `json:"take_profit_orders"`
}

// Snapshot returns a detached copy safe to read from another goroutine.
func (g *Grid) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := Snapshot{
		Symbol:           g.Symbol,
		Side:             g.Side,
		EntrySignal:      g.EntrySignal,
		TrendSnapshot:    g.TrendSnapshot,
		BaseSpacing:      g.BaseSpacing,
		CurrentSpacing:   g.CurrentSpacing,
		MartingaleFactor: g.MartingaleFactor,
		MaxLevels:        g.MaxLevels,
		BaseQuantity:     g.BaseQuantity,
		Levels:           append([]Level(nil), g.Levels...),
		TotalQuantity:    g.TotalQuantity,
		AverageEntry:     g.AverageEntry,
		UnrealizedPnl:    g.UnrealizedPnl,
		WalletExposure:   g.WalletExposure,
		LiquidationPrice: g.LiquidationPrice,
		Leverage:         g.Leverage,
		Active:           g.Active,
		AllowNewEntries:  g.AllowNewEntries,
		CreationTime:     g.CreationTime,
		LastFillTime:     g.LastFillTime,
		TakeProfitOrders: append([]TakeProfitOrder(nil), g.TakeProfitOrders...),
	}
	return cp
}
