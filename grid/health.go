package grid

import (
	"fmt"
	"math"
	"time"

	"martingrid/config"
	"martingrid/logger"
)

// Health is the verdict of one per-grid risk evaluation.
type Health struct {
	Healthy     bool     `json:"healthy"`
	Warnings    []string `json:"warnings,omitempty"`
	ShouldClose bool     `json:"should_close"`
}

// CheckHealth evaluates hold time, stop loss, liquidation distance and
// exposure against the risk thresholds. Only the stop loss, the hold
// timeout and the critical liquidation tier force a close; the other
// findings are warnings.
func (g *Grid) CheckHealth(currentPrice float64, risk *config.RiskConfig, now time.Time) Health {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := Health{Healthy: true}

	ref := g.LastFillTime
	if ref.IsZero() {
		ref = g.CreationTime
	}
	if held := now.Sub(ref).Hours(); held > risk.MaxHoldHours {
		h.Warnings = append(h.Warnings,
			fmt.Sprintf("held %.1fh exceeds max %.1fh", held, risk.MaxHoldHours))
		h.ShouldClose = true
	}

	if g.TotalQuantity > 0 && g.AverageEntry > 0 {
		pnl := (currentPrice - g.AverageEntry) * g.TotalQuantity
		if g.Side == SideShort {
			pnl = -pnl
		}
		pnlPct := pnl / (g.AverageEntry * g.TotalQuantity) * 100
		if pnlPct < -risk.StopLossPct {
			h.Warnings = append(h.Warnings,
				fmt.Sprintf("pnl %.2f%% below stop loss -%.2f%%", pnlPct, risk.StopLossPct))
			h.ShouldClose = true
		}

		if g.LiquidationPrice > 0 {
			dist := math.Abs(g.AverageEntry-g.LiquidationPrice) / g.AverageEntry * 100
			if dist < risk.LiqWarningPct {
				h.Warnings = append(h.Warnings,
					fmt.Sprintf("liquidation distance %.1f%% inside warning tier %.1f%%", dist, risk.LiqWarningPct))
			}
			if dist < risk.LiqDangerPct {
				h.Warnings = append(h.Warnings,
					fmt.Sprintf("liquidation distance %.1f%% inside danger tier %.1f%%", dist, risk.LiqDangerPct))
			}
			if dist < risk.LiqCriticalPct {
				h.Warnings = append(h.Warnings,
					fmt.Sprintf("liquidation distance %.1f%% inside critical tier %.1f%%", dist, risk.LiqCriticalPct))
				h.ShouldClose = true
			}
		}
	}

	if g.WalletExposure > risk.ExposureWarning {
		h.Warnings = append(h.Warnings,
			fmt.Sprintf("wallet exposure %.2f above %.2f", g.WalletExposure, risk.ExposureWarning))
	}

	h.Healthy = len(h.Warnings) == 0
	if !h.Healthy {
		logger.Warnf("⚠️ %s health: close=%v warnings=%v", g.Symbol, h.ShouldClose, h.Warnings)
	}
	return h
}
