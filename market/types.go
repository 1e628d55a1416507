// Package market carries market data types and the streaming/indicator
// collaborator boundaries. Indicator mathematics lives outside the engine:
// the types here are opaque value carriers the grid engine consumes.
package market

import (
	"context"
	"time"
)

// Kline one OHLCV candle for a timeframe.
type Kline struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Closed    bool
}

// Tick a single trade print.
type Tick struct {
	Symbol   string
	Price    float64
	Quantity float64
	Time     time.Time
}

// TrendDirection coarse trend classification from the trend collaborator.
type TrendDirection string

const (
	TrendUp      TrendDirection = "UP"
	TrendDown    TrendDirection = "DOWN"
	TrendNeutral TrendDirection = "NEUTRAL"
)

// TrendState opaque snapshot from the EMA/ADX collaborator.
type TrendState struct {
	Direction TrendDirection
	ADX       float64
	EMAFast   float64
	EMASlow   float64
	Time      time.Time
}

// CCISignal opaque entry signal from the CCI collaborator.
type CCISignal struct {
	Side     string // LONG / SHORT / NONE
	Value    float64
	Strength float64 // 0..1, used to rank candidates
	Time     time.Time
}

// VolatilityState bucketed volatility regime.
type VolatilityState string

const (
	VolatilityVeryLow  VolatilityState = "VERY_LOW"
	VolatilityLow      VolatilityState = "LOW"
	VolatilityNormal   VolatilityState = "NORMAL"
	VolatilityHigh     VolatilityState = "HIGH"
	VolatilityVeryHigh VolatilityState = "VERY_HIGH"
)

// VolatilityMetrics opaque snapshot from the ATR collaborator.
type VolatilityMetrics struct {
	ATR    float64
	ATRPct float64 // ATR as fraction of price
	State  VolatilityState
	Time   time.Time
}

// Analysis bundles everything the scan loop needs to judge one symbol.
type Analysis struct {
	Symbol     string
	Trend      TrendState
	Signal     CCISignal
	Volatility VolatilityMetrics
	// Recommended is non-empty ("LONG"/"SHORT") when trend and signal align.
	Recommended string
}

// SignalProvider is the indicator collaborator: it turns recent market data
// into opaque trend/signal/volatility values. Implementations that cannot
// produce a verdict yet (not enough candles) return ErrInsufficientData.
type SignalProvider interface {
	Analyze(ctx context.Context, symbol string) (*Analysis, error)
}
