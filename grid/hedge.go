package grid

import (
	"time"

	"martingrid/config"
)

// HedgeGrid is a secondary opposite-direction ladder opened against an
// adverse main position. It references its parent without owning it and
// carries its own spacing and profit target. Activation is driven by
// operator tooling, the scan loop does not create hedges on its own.
type HedgeGrid struct {
	Parent          *Grid     `json:"-"`
	ParentSymbol    string    `json:"parent_symbol"`
	Side            Side      `json:"side"`
	SpacingPct      float64   `json:"spacing_pct"`
	ProfitTargetPct float64   `json:"profit_target_pct"`
	RecycleRatio    float64   `json:"recycle_ratio"`
	Levels          []Level   `json:"levels"`
	TotalQuantity   float64   `json:"total_quantity"`
	AverageEntry    float64   `json:"average_entry"`
	RealizedPnl     float64   `json:"realized_pnl"`
	Active          bool      `json:"active"`
	CreationTime    time.Time `json:"creation_time"`
}

// NewHedge builds a hedge ladder against the given parent grid.
func NewHedge(parent *Grid, cfg *config.HedgeConfig) *HedgeGrid {
	side := SideShort
	if parent.Side == SideShort {
		side = SideLong
	}
	return &HedgeGrid{
		Parent:          parent,
		ParentSymbol:    parent.Symbol,
		Side:            side,
		SpacingPct:      cfg.SpacingPct,
		ProfitTargetPct: cfg.ProfitTargetPct,
		RecycleRatio:    cfg.RecycleRatio,
		Active:          true,
		CreationTime:    time.Now(),
	}
}

// RecycleProfit books realized hedge profit and returns the portion
// that feeds back into parent exposure reduction.
func (h *HedgeGrid) RecycleProfit(pnl float64) float64 {
	h.RealizedPnl += pnl
	if pnl <= 0 {
		return 0
	}
	return pnl * h.RecycleRatio
}
