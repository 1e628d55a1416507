package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"martingrid/event"
)

func fill(side string, price, qty, commission float64) *event.Fill {
	return &event.Fill{
		OrderID:    "o",
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Commission: commission,
	}
}

func TestOpenAndWeightedAverageAdd(t *testing.T) {
	l := New()
	now := time.Now()

	l.OnFill(fill("BUY", 100.0, 1.0, 0.1), "BTCUSDT", now)
	l.OnFill(fill("BUY", 90.0, 1.0, 0.1), "BTCUSDT", now)

	pos, ok := l.Position("BTCUSDT", false)
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.Size)
	assert.InDelta(t, 95.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 190.0, pos.TotalCost, 1e-9)
	assert.InDelta(t, 0.2, pos.TotalFees, 1e-9)
	assert.Equal(t, 2, pos.FillsCount)
}

func TestRealizedPnlLongClose(t *testing.T) {
	l := New()
	now := time.Now()

	// entry=100 size=1, closed at 110 with commission 0.5
	l.OnFill(fill("BUY", 100.0, 1.0, 0), "BTCUSDT", now)
	l.OnFill(fill("SELL", 110.0, 1.0, 0.5), "BTCUSDT", now)

	stats := l.Stats()
	assert.InDelta(t, 9.5, stats.TotalRealizedPnl, 1e-9)
	assert.Equal(t, 1, stats.TotalTrades)
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Equal(t, 0, stats.OpenPositions)

	closed := l.ClosedPositions()
	require.Len(t, closed, 1)
	assert.InDelta(t, 9.5, closed[0].RealizedPnl, 1e-9)
}

func TestRealizedPnlShortClose(t *testing.T) {
	l := New()
	now := time.Now()

	l.OnFill(fill("SELL", 100.0, 2.0, 0), "ETHUSDT", now)
	l.OnFill(fill("BUY", 95.0, 2.0, 0.2), "ETHUSDT", now)

	assert.InDelta(t, (100.0-95.0)*2.0-0.2, l.Stats().TotalRealizedPnl, 1e-9)
}

func TestEntryPriceInvariantAcrossReductions(t *testing.T) {
	l := New()
	now := time.Now()

	l.OnFill(fill("BUY", 100.0, 3.0, 0), "BTCUSDT", now)
	for _, px := range []float64{105.0, 95.0} {
		l.OnFill(fill("SELL", px, 1.0, 0), "BTCUSDT", now)
		pos, ok := l.Position("BTCUSDT", false)
		require.True(t, ok)
		assert.Equal(t, 100.0, pos.EntryPrice)
	}

	pos, _ := l.Position("BTCUSDT", false)
	assert.Equal(t, 1.0, pos.Size)
}

func TestCloseQtyCappedAtPositionSize(t *testing.T) {
	l := New()
	now := time.Now()

	l.OnFill(fill("BUY", 100.0, 1.0, 0), "BTCUSDT", now)
	// oversized closing fill only realizes the open size
	l.OnFill(fill("SELL", 110.0, 5.0, 0), "BTCUSDT", now)

	assert.InDelta(t, 10.0, l.Stats().TotalRealizedPnl, 1e-9)
	_, ok := l.Position("BTCUSDT", false)
	assert.False(t, ok)
}

func TestEpsilonCloseMovesToHistory(t *testing.T) {
	l := New()
	now := time.Now()

	var observed []PositionRecord
	l.OnClose = func(rec PositionRecord) { observed = append(observed, rec) }

	l.OnFill(fill("BUY", 100.0, 1.0, 0), "BTCUSDT", now)
	// leaves 5e-5, below the 1e-4 epsilon
	l.OnFill(fill("SELL", 101.0, 0.99995, 0), "BTCUSDT", now)

	_, ok := l.Position("BTCUSDT", false)
	assert.False(t, ok)
	assert.Len(t, l.ClosedPositions(), 1)
	require.Len(t, observed, 1)
	assert.Equal(t, 0.0, observed[0].Size)
}

func TestHedgeBookIsSeparate(t *testing.T) {
	l := New()
	now := time.Now()

	l.OnFill(fill("BUY", 100.0, 1.0, 0), "BTCUSDT", now)
	h := fill("SELL", 100.0, 0.5, 0)
	h.IsHedge = true
	l.OnFill(h, "BTCUSDT", now)

	// the opposite-side hedge fill opens its own book instead of reducing
	main, ok := l.Position("BTCUSDT", false)
	require.True(t, ok)
	assert.Equal(t, 1.0, main.Size)

	hedge, ok := l.Position("BTCUSDT", true)
	require.True(t, ok)
	assert.Equal(t, "SELL", hedge.Side)
	assert.Equal(t, 0.5, hedge.Size)
}

func TestUpdatePriceAndTotals(t *testing.T) {
	l := New()
	now := time.Now()

	l.OnFill(fill("BUY", 100.0, 1.0, 0), "BTCUSDT", now)
	l.OnFill(fill("SELL", 2000.0, 0.5, 0), "ETHUSDT", now)

	l.UpdatePrice("BTCUSDT", 110.0, now)
	l.UpdatePrice("ETHUSDT", 1900.0, now)

	btc, _ := l.Position("BTCUSDT", false)
	assert.InDelta(t, 10.0, btc.UnrealizedPnl, 1e-9)
	eth, _ := l.Position("ETHUSDT", false)
	assert.InDelta(t, 50.0, eth.UnrealizedPnl, 1e-9)

	assert.InDelta(t, 60.0, l.TotalUnrealizedPnl(), 1e-9)
	assert.InDelta(t, 110.0*1.0+1900.0*0.5, l.TotalExposure(), 1e-9)
}

func TestTotalExposureFallsBackToEntry(t *testing.T) {
	l := New()
	l.OnFill(fill("BUY", 100.0, 2.0, 0), "BTCUSDT", time.Now())
	// no price update yet
	assert.InDelta(t, 200.0, l.TotalExposure(), 1e-9)
}

func TestWinRate(t *testing.T) {
	l := New()
	now := time.Now()

	for _, exit := range []float64{110.0, 90.0, 120.0, 80.0} {
		l.OnFill(fill("BUY", 100.0, 1.0, 0), "BTCUSDT", now)
		l.OnFill(fill("SELL", exit, 1.0, 0), "BTCUSDT", now)
	}

	stats := l.Stats()
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.WinningTrades)
	assert.Equal(t, 2, stats.LosingTrades)
	assert.InDelta(t, 50.0, stats.WinRate, 1e-9)
}
