package grid

import (
	"martingrid/config"
	"martingrid/market"
)

// CalculateSpacing derives the level spacing for one symbol.
//
// The base comes from ATR% scaled per coin class when ATR spacing is on,
// otherwise the configured static spacing. It then widens with the
// position margin ratio and the volatility regime, floors at the static
// base and clamps to the configured bounds.
func CalculateSpacing(vol market.VolatilityMetrics, positionMarginRatio float64, cfg *config.GridConfig, isMajorCoin bool) float64 {
	base := cfg.BaseSpacing
	if cfg.UseATRSpacing {
		mult := cfg.ATRMultiplierAlt
		if isMajorCoin {
			mult = cfg.ATRMultiplierMajor
		}
		base = vol.ATRPct * mult
	}

	posMult := 1.0
	if cfg.UsePositionAdjustment {
		posMult = 1.0 + positionMarginRatio*cfg.PositionSpacingFactor
	}

	volMult := 1.0
	switch vol.State {
	case market.VolatilityVeryHigh:
		volMult = 1.30
	case market.VolatilityHigh:
		volMult = 1.15
	case market.VolatilityVeryLow:
		volMult = 0.85
	}

	spacing := base * posMult * volMult
	if spacing < cfg.BaseSpacing {
		spacing = cfg.BaseSpacing
	}
	if spacing < cfg.MinSpacing {
		spacing = cfg.MinSpacing
	}
	if spacing > cfg.MaxSpacing {
		spacing = cfg.MaxSpacing
	}
	return spacing
}
