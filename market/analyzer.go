package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"martingrid/config"
)

const (
	analyzeInterval = "15m"
	atrPeriod       = 14
)

// KlineSource supplies recent candles, normally the exchange gateway.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// Analyzer is the default SignalProvider: it derives trend, CCI entry
// signals and volatility from recent klines.
type Analyzer struct {
	source KlineSource
	trend  *config.TrendConfig
	cci    *config.CCIConfig
}

func NewAnalyzer(source KlineSource, trend *config.TrendConfig, cci *config.CCIConfig) *Analyzer {
	return &Analyzer{source: source, trend: trend, cci: cci}
}

// Analyze fetches candles and produces one verdict for the symbol.
func (a *Analyzer) Analyze(ctx context.Context, symbol string) (*Analysis, error) {
	need := a.trend.EMASlowPeriod + a.trend.ADXPeriod
	if n := a.cci.Period + a.cci.SmoothingSpan; n > need {
		need = n
	}
	limit := need + 50

	klines, err := a.source.GetKlines(ctx, symbol, analyzeInterval, limit)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", symbol, err)
	}
	if len(klines) < need {
		return nil, fmt.Errorf("analyze %s: %d candles, need %d: %w",
			symbol, len(klines), need, ErrInsufficientData)
	}

	closes := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}
	now := time.Now()
	price := closes[len(closes)-1]

	emaFast := calculateEMA(closes, a.trend.EMAFastPeriod)
	emaSlow := calculateEMA(closes, a.trend.EMASlowPeriod)
	adx := calculateADX(highs, lows, closes, a.trend.ADXPeriod)

	trend := TrendState{
		Direction: TrendNeutral,
		ADX:       adx,
		EMAFast:   emaFast,
		EMASlow:   emaSlow,
		Time:      now,
	}
	if adx >= a.trend.ADXThreshold {
		if emaFast > emaSlow {
			trend.Direction = TrendUp
		} else if emaFast < emaSlow {
			trend.Direction = TrendDown
		}
	}

	cciValue := calculateCCI(highs, lows, closes, a.cci.Period)
	signal := CCISignal{Side: "NONE", Value: cciValue, Time: now}
	switch {
	case cciValue <= -a.cci.EntryLevel:
		signal.Side = "LONG"
	case cciValue >= a.cci.EntryLevel:
		signal.Side = "SHORT"
	}
	if signal.Side != "NONE" {
		signal.Strength = math.Min(1.0, math.Abs(cciValue)/(2*a.cci.EntryLevel))
	}

	atr := calculateATR(highs, lows, closes, atrPeriod)
	vol := VolatilityMetrics{
		ATR:    atr,
		ATRPct: atr / price,
		State:  classifyVolatility(atr / price),
		Time:   now,
	}

	analysis := &Analysis{
		Symbol:     symbol,
		Trend:      trend,
		Signal:     signal,
		Volatility: vol,
	}
	// recommendation requires trend and signal to agree
	if trend.Direction == TrendUp && signal.Side == "LONG" {
		analysis.Recommended = "LONG"
	} else if trend.Direction == TrendDown && signal.Side == "SHORT" {
		analysis.Recommended = "SHORT"
	}
	return analysis, nil
}

func classifyVolatility(atrPct float64) VolatilityState {
	switch {
	case atrPct < 0.004:
		return VolatilityVeryLow
	case atrPct < 0.008:
		return VolatilityLow
	case atrPct < 0.016:
		return VolatilityNormal
	case atrPct < 0.028:
		return VolatilityHigh
	default:
		return VolatilityVeryHigh
	}
}

func calculateEMA(prices []float64, period int) float64 {
	if len(prices) < period || period <= 0 {
		return 0
	}
	k := 2.0 / float64(period+1)
	ema := average(prices[:period])
	for _, p := range prices[period:] {
		ema = p*k + ema*(1-k)
	}
	return ema
}

// calculateCCI uses the typical price against its moving average scaled
// by mean deviation.
func calculateCCI(highs, lows, closes []float64, period int) float64 {
	if len(closes) < period || period <= 0 {
		return 0
	}
	tp := make([]float64, period)
	for i := 0; i < period; i++ {
		j := len(closes) - period + i
		tp[i] = (highs[j] + lows[j] + closes[j]) / 3
	}
	sma := average(tp)
	var dev float64
	for _, v := range tp {
		dev += math.Abs(v - sma)
	}
	dev /= float64(period)
	if dev == 0 {
		return 0
	}
	return (tp[period-1] - sma) / (0.015 * dev)
}

// calculateATR is the Wilder-smoothed average true range.
func calculateATR(highs, lows, closes []float64, period int) float64 {
	if len(closes) < period+1 || period <= 0 {
		return 0
	}
	var atr float64
	for i := 1; i <= period; i++ {
		atr += trueRange(highs[i], lows[i], closes[i-1])
	}
	atr /= float64(period)
	for i := period + 1; i < len(closes); i++ {
		atr = (atr*float64(period-1) + trueRange(highs[i], lows[i], closes[i-1])) / float64(period)
	}
	return atr
}

// calculateADX is the Wilder directional movement index over the full
// window.
func calculateADX(highs, lows, closes []float64, period int) float64 {
	if len(closes) < 2*period+1 || period <= 0 {
		return 0
	}

	var trSum, plusSum, minusSum float64
	for i := 1; i <= period; i++ {
		trSum += trueRange(highs[i], lows[i], closes[i-1])
		plus, minus := directionalMove(highs[i], highs[i-1], lows[i], lows[i-1])
		plusSum += plus
		minusSum += minus
	}

	var dxs []float64
	for i := period + 1; i < len(closes); i++ {
		trSum = trSum - trSum/float64(period) + trueRange(highs[i], lows[i], closes[i-1])
		plus, minus := directionalMove(highs[i], highs[i-1], lows[i], lows[i-1])
		plusSum = plusSum - plusSum/float64(period) + plus
		minusSum = minusSum - minusSum/float64(period) + minus

		if trSum == 0 {
			continue
		}
		plusDI := 100 * plusSum / trSum
		minusDI := 100 * minusSum / trSum
		if plusDI+minusDI == 0 {
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
	}
	if len(dxs) < period {
		return 0
	}
	adx := average(dxs[:period])
	for _, dx := range dxs[period:] {
		adx = (adx*float64(period-1) + dx) / float64(period)
	}
	return adx
}

func directionalMove(high, prevHigh, low, prevLow float64) (plus, minus float64) {
	up := high - prevHigh
	down := prevLow - low
	if up > down && up > 0 {
		plus = up
	}
	if down > up && down > 0 {
		minus = down
	}
	return plus, minus
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
