package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/suite"

	"martingrid/config"
	"martingrid/exchange"
	"martingrid/executor"
	"martingrid/ledger"
	"martingrid/market"
)

// stubExchange is a scripted in-memory exchange. Prices, balances and
// per-order statuses are set by each test; every order submission is
// recorded for assertions.
type stubExchange struct {
	mu       sync.Mutex
	prices   map[string]float64
	balance  float64
	liqPrice map[string]float64
	statuses map[string]string // orderID -> status, default NEW

	nextID     int
	placed     []exchange.OrderRequest
	byID       map[string]exchange.OrderRequest
	cancels    []string
	cancelAlls []string
	leverages  map[string]int
	margins    map[string]string
}

func newStubExchange() *stubExchange {
	return &stubExchange{
		prices:    make(map[string]float64),
		liqPrice:  make(map[string]float64),
		statuses:  make(map[string]string),
		byID:      make(map[string]exchange.OrderRequest),
		balance:   10000,
		leverages: make(map[string]int),
		margins:   make(map[string]string),
	}
}

func (s *stubExchange) setPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *stubExchange) setStatus(orderID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[orderID] = status
}

func (s *stubExchange) placedOrders() []exchange.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.OrderRequest, len(s.placed))
	copy(out, s.placed)
	return out
}

func (s *stubExchange) lastOrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%d", s.nextID)
}

func (s *stubExchange) GetServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (s *stubExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	return nil, nil
}

func (s *stubExchange) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

func (s *stubExchange) GetTicker24hr(ctx context.Context, symbol string) (*exchange.Ticker24h, error) {
	return &exchange.Ticker24h{Symbol: symbol}, nil
}

func (s *stubExchange) GetAccountBalance(ctx context.Context) (*exchange.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &exchange.Balance{Asset: "USDT", Total: s.balance, Available: s.balance}, nil
}

func (s *stubExchange) GetAccountInfo(ctx context.Context) (*exchange.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &exchange.AccountInfo{TotalWalletBalance: s.balance, AvailableBalance: s.balance}, nil
}

func (s *stubExchange) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &exchange.Position{Symbol: symbol, LiquidationPrice: s.liqPrice[symbol]}, nil
}

func (s *stubExchange) GetAllPositions(ctx context.Context) ([]exchange.Position, error) {
	return nil, nil
}

func (s *stubExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leverages[symbol] = leverage
	return nil
}

func (s *stubExchange) SetMarginType(ctx context.Context, symbol, marginType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.margins[symbol] = marginType
	return nil
}

func (s *stubExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.PlacedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.placed = append(s.placed, req)
	id := fmt.Sprintf("%d", s.nextID)
	s.byID[id] = req
	return &exchange.PlacedOrder{OrderID: id, ClientID: req.ClientID, Symbol: req.Symbol, Status: "NEW"}, nil
}

func (s *stubExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, orderID)
	return nil
}

func (s *stubExchange) CancelAllOrders(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAlls = append(s.cancelAlls, symbol)
	return nil
}

func (s *stubExchange) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (s *stubExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (*exchange.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[orderID]
	if !ok {
		status = "NEW"
	}
	st := &exchange.OrderStatus{OrderID: orderID, Status: status, UpdateTime: time.Now()}
	if st.Filled() {
		if req, ok := s.byID[orderID]; ok {
			st.AvgPrice = req.Price
			st.ExecutedQty = req.Quantity
		}
	}
	return st, nil
}

// stubSignals returns a canned analysis per symbol.
type stubSignals struct {
	analyses map[string]*market.Analysis
	errs     map[string]error
}

func (s *stubSignals) Analyze(ctx context.Context, symbol string) (*market.Analysis, error) {
	if err := s.errs[symbol]; err != nil {
		return nil, err
	}
	if a, ok := s.analyses[symbol]; ok {
		return a, nil
	}
	return &market.Analysis{Symbol: symbol}, nil
}

func recommendation(symbol, side string, strength float64) *market.Analysis {
	return &market.Analysis{
		Symbol:      symbol,
		Trend:       market.TrendState{Direction: market.TrendDown, ADX: 28},
		Signal:      market.CCISignal{Side: side, Strength: strength},
		Volatility:  market.VolatilityMetrics{ATRPct: 0.01, State: market.VolatilityNormal},
		Recommended: side,
	}
}

type AutoTraderTestSuite struct {
	suite.Suite
	patches *gomonkey.Patches
	cfg     *config.Config
	ex      *stubExchange
	signals *stubSignals
	trader  *AutoTrader
}

func (s *AutoTraderTestSuite) SetupTest() {
	s.patches = gomonkey.NewPatches()
	s.patches.ApplyFunc(time.Sleep, func(time.Duration) {})

	s.cfg = &config.Config{
		Grid: config.GridConfig{
			BaseSpacing:      0.012,
			MinSpacing:       0.008,
			MaxSpacing:       0.05,
			MartingaleFactor: 1.5,
			MaxLevels:        4,
			BaseQuantityPct:  0.02,
			Leverage:         5,
			MajorCoins:       []string{"BTCUSDT"},
		},
		TakeProfit: config.TakeProfitConfig{
			MinMarkup:           0.01,
			MarkupRange:         0.04,
			NCloseOrders:        4,
			RefreshThresholdPct: 0.002,
		},
		Risk: config.RiskConfig{
			StopLossPct:     5.0,
			MaxHoldHours:    48,
			LiqWarningPct:   30,
			LiqDangerPct:    20,
			LiqCriticalPct:  10,
			ExposureWarning: 0.8,
			CommissionRate:  0.0005,
		},
		Portfolio: config.PortfolioConfig{
			MaxSymbols:         2,
			Symbols:            []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			LongExposureLimit:  1.5,
			ShortExposureLimit: 1.5,
			ScanIntervalSec:    60,
		},
		Exchange: config.ExchangeConfig{
			MaxRetries:     2,
			RetryDelaySec:  1,
			SettleDelaySec: 1,
			OrderDelayMs:   10,
			MarginType:     "CROSSED",
		},
	}

	s.ex = newStubExchange()
	s.ex.setPrice("BTCUSDT", 50000)
	s.ex.setPrice("ETHUSDT", 3000)
	s.ex.setPrice("SOLUSDT", 150)

	s.signals = &stubSignals{
		analyses: make(map[string]*market.Analysis),
		errs:     make(map[string]error),
	}

	exec := executor.New(s.ex, &s.cfg.Exchange, s.cfg.Risk.CommissionRate)
	s.trader = New(s.cfg, s.ex, exec, s.signals, ledger.New(), nil, nil)
}

func (s *AutoTraderTestSuite) TearDownTest() {
	s.patches.Reset()
}

func (s *AutoTraderTestSuite) TestOpensGridForRecommendation() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)

	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Equal("BTCUSDT", grids[0].Symbol)
	s.Len(grids[0].Levels, 1)
	s.False(grids[0].Levels[0].Filled)

	placed := s.ex.placedOrders()
	s.Require().Len(placed, 1)
	s.Equal(exchange.SideBuy, placed[0].Side)
	s.Equal(exchange.OrderTypeLimit, placed[0].Type)
	s.InDelta(50000, placed[0].Price, 1e-9)

	s.Equal(5, s.ex.leverages["BTCUSDT"])
	s.Equal("CROSSED", s.ex.margins["BTCUSDT"])
}

func (s *AutoTraderTestSuite) TestRanksCandidatesByStrength() {
	s.cfg.Portfolio.MaxSymbols = 1
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.3)
	s.signals.analyses["ETHUSDT"] = recommendation("ETHUSDT", "SHORT", 0.9)

	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Equal("ETHUSDT", grids[0].Symbol)
	s.Equal("SHORT", string(grids[0].Side))
}

func (s *AutoTraderTestSuite) TestAnalysisErrorSkipsSymbolOnly() {
	s.signals.errs["BTCUSDT"] = fmt.Errorf("insufficient kline history")
	s.signals.analyses["ETHUSDT"] = recommendation("ETHUSDT", "LONG", 0.5)

	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Equal("ETHUSDT", grids[0].Symbol)
}

func (s *AutoTraderTestSuite) TestNoRecommendationOpensNothing() {
	s.trader.runCycle(context.Background())
	s.Empty(s.trader.ActiveGrids())
	s.Empty(s.ex.placedOrders())
}

func (s *AutoTraderTestSuite) TestFillUpdatesGridAndLedger() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	entryID := s.ex.lastOrderID()

	s.ex.setStatus(entryID, "FILLED")
	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Require().Len(grids[0].Levels, 1)
	s.True(grids[0].Levels[0].Filled)
	s.Equal(entryID, grids[0].Levels[0].OrderRef)
	s.Greater(grids[0].TotalQuantity, 0.0)

	pos, ok := s.trader.ledger.Position("BTCUSDT", false)
	s.Require().True(ok)
	s.InDelta(50000, pos.EntryPrice, 1e-9)
	s.InDelta(grids[0].TotalQuantity, pos.Size, 1e-9)
}

func (s *AutoTraderTestSuite) TestTakeProfitLadderPlacedAfterFill() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	entryID := s.ex.lastOrderID()

	s.ex.setStatus(entryID, "FILLED")
	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Require().Len(grids[0].TakeProfitOrders, 4)

	var tpOrders []exchange.OrderRequest
	for _, req := range s.ex.placedOrders() {
		if req.ReduceOnly {
			tpOrders = append(tpOrders, req)
		}
	}
	s.Require().Len(tpOrders, 4)
	for _, req := range tpOrders {
		s.Equal(exchange.SideSell, req.Side)
		s.Greater(req.Price, 50000.0)
	}
}

func (s *AutoTraderTestSuite) TestTakeProfitRefreshKeepsEntryOrders() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	entryID := s.ex.lastOrderID()

	// the fill and the next-level submission land in the same cycle
	s.ex.setStatus(entryID, "FILLED")
	s.ex.setPrice("BTCUSDT", 48000)
	delete(s.signals.analyses, "BTCUSDT")
	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Require().Len(grids[0].Levels, 2)
	s.Require().Len(grids[0].TakeProfitOrders, 4)
	for _, tp := range grids[0].TakeProfitOrders {
		s.NotEmpty(tp.OrderRef)
	}

	var entryPending, tpPending int
	for _, po := range s.trader.PendingOrders("BTCUSDT") {
		if po.ReduceOnly {
			tpPending++
		} else {
			entryPending++
			s.Equal(2, po.Level)
		}
	}
	s.Equal(1, entryPending)
	s.Equal(4, tpPending)
	s.Empty(s.ex.cancelAlls)
}

func (s *AutoTraderTestSuite) TestEmergencyCloseUsesResidualAfterPartialExit() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	entryID := s.ex.lastOrderID()

	s.ex.setStatus(entryID, "FILLED")
	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Require().Len(grids[0].TakeProfitOrders, 4)
	fullQty := grids[0].TotalQuantity

	// one rung of the ladder executes, the grid total does not move
	s.ex.setStatus(grids[0].TakeProfitOrders[0].OrderRef, "FILLED")
	delete(s.signals.analyses, "BTCUSDT")
	s.trader.runCycle(context.Background())

	pos, ok := s.trader.ledger.Position("BTCUSDT", false)
	s.Require().True(ok)
	s.InDelta(fullQty*0.75, pos.Size, 1e-9)

	s.ex.setPrice("BTCUSDT", 45000)
	s.trader.runCycle(context.Background())

	s.Empty(s.trader.ActiveGrids())
	placed := s.ex.placedOrders()
	last := placed[len(placed)-1]
	s.Equal(exchange.OrderTypeMarket, last.Type)
	s.True(last.ReduceOnly)
	s.InDelta(fullQty*0.75, last.Quantity, 1e-9)
}

func (s *AutoTraderTestSuite) TestStopLossClosesGrid() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	entryID := s.ex.lastOrderID()

	s.ex.setStatus(entryID, "FILLED")
	s.trader.runCycle(context.Background())
	s.Require().Len(s.trader.ActiveGrids(), 1)

	// -10% is past the 5% stop loss
	s.ex.setPrice("BTCUSDT", 45000)
	delete(s.signals.analyses, "BTCUSDT")
	s.trader.runCycle(context.Background())

	s.Empty(s.trader.ActiveGrids())

	placed := s.ex.placedOrders()
	last := placed[len(placed)-1]
	s.Equal(exchange.OrderTypeMarket, last.Type)
	s.Equal(exchange.SideSell, last.Side)
	s.True(last.ReduceOnly)
	s.Contains(s.ex.cancelAlls, "BTCUSDT")
}

func (s *AutoTraderTestSuite) TestAdverseMoveAddsLevel() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	entryID := s.ex.lastOrderID()

	s.ex.setStatus(entryID, "FILLED")
	s.trader.runCycle(context.Background())

	// beyond one spacing below the filled level
	s.ex.setPrice("BTCUSDT", 50000*(1-0.015))
	delete(s.signals.analyses, "BTCUSDT")
	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 1)
	s.Require().Len(grids[0].Levels, 2)
	s.Equal(2, grids[0].Levels[1].Level)
	s.False(grids[0].Levels[1].Filled)
	s.InDelta(grids[0].BaseQuantity*1.5, grids[0].Levels[1].Quantity, 1e-9)
}

func (s *AutoTraderTestSuite) TestExposureWarningDoesNotClose() {
	s.cfg.Portfolio.LongExposureLimit = 0.0001
	s.cfg.Portfolio.ShortExposureLimit = 0.0001
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	entryID := s.ex.lastOrderID()

	s.ex.setStatus(entryID, "FILLED")
	s.trader.runCycle(context.Background())

	s.Len(s.trader.ActiveGrids(), 1)
}

func (s *AutoTraderTestSuite) TestShutdownClosesAllGrids() {
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())
	s.Require().Len(s.trader.ActiveGrids(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.trader.Run(ctx)

	s.ErrorIs(err, context.Canceled)
	s.Empty(s.trader.ActiveGrids())
	s.Contains(s.ex.cancelAlls, "BTCUSDT")
}

func (s *AutoTraderTestSuite) TestStatusSourceViews() {
	s.signals.analyses["ETHUSDT"] = recommendation("ETHUSDT", "LONG", 0.5)
	s.signals.analyses["BTCUSDT"] = recommendation("BTCUSDT", "LONG", 0.9)
	s.trader.runCycle(context.Background())

	grids := s.trader.ActiveGrids()
	s.Require().Len(grids, 2)
	s.Equal("BTCUSDT", grids[0].Symbol)
	s.Equal("ETHUSDT", grids[1].Symbol)

	s.Len(s.trader.PendingOrders("BTCUSDT"), 1)
	s.Len(s.trader.PendingOrders(""), 2)
	s.Empty(s.trader.OpenPositions())
	s.Equal(0, s.trader.Stats().TotalTrades)
}

func TestAutoTraderSuite(t *testing.T) {
	suite.Run(t, new(AutoTraderTestSuite))
}
