package grid

import (
	"martingrid/config"
)

// CalculateTakeProfitLevels builds the exit ladder for a position.
//
// Configured partial exits win when present: each (qtyPct, profitPct)
// pair becomes one order. Otherwise the ladder is uniform over
// NCloseOrders rungs, with profit percentages stepping from just above
// MinMarkup to MinMarkup+MarkupRange.
func CalculateTakeProfitLevels(avgEntry, totalQty float64, side Side, cfg *config.TakeProfitConfig) []TakeProfitOrder {
	if avgEntry <= 0 || totalQty <= 0 {
		return nil
	}

	if len(cfg.PartialExits) > 0 {
		orders := make([]TakeProfitOrder, 0, len(cfg.PartialExits))
		for _, pe := range cfg.PartialExits {
			orders = append(orders, TakeProfitOrder{
				Price:     exitPrice(avgEntry, pe.ProfitPct, side),
				Quantity:  totalQty * pe.QtyPct,
				ProfitPct: pe.ProfitPct,
			})
		}
		return orders
	}

	n := cfg.NCloseOrders
	orders := make([]TakeProfitOrder, 0, n)
	qty := totalQty / float64(n)
	for i := 1; i <= n; i++ {
		pct := cfg.MinMarkup + cfg.MarkupRange/float64(n)*float64(i)
		orders = append(orders, TakeProfitOrder{
			Price:     exitPrice(avgEntry, pct, side),
			Quantity:  qty,
			ProfitPct: pct,
		})
	}
	return orders
}

func exitPrice(avgEntry, profitPct float64, side Side) float64 {
	if side == SideLong {
		return avgEntry * (1 + profitPct)
	}
	return avgEntry * (1 - profitPct)
}
