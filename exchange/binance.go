package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"martingrid/logger"
	"martingrid/market"
)

const clientOrderPrefix = "x-mgrid"

// symbolRules precision data cached from exchangeInfo.
type symbolRules struct {
	tickSize decimal.Decimal
	stepSize decimal.Decimal
	minQty   decimal.Decimal
}

// Binance implements Exchange against USDⓈ-M futures REST.
type Binance struct {
	client *futures.Client

	mu    sync.RWMutex
	rules map[string]symbolRules
}

// UseTestnet routes clients created afterwards at the futures testnet.
func UseTestnet(enabled bool) {
	futures.UseTestnet = enabled
}

// NewBinance creates a client with the given credentials.
func NewBinance(apiKey, apiSecret string) *Binance {
	return &Binance{
		client: futures.NewClient(apiKey, apiSecret),
		rules:  make(map[string]symbolRules),
	}
}

// NewBinanceWithBaseURL is used by tests to point at a mock server.
func NewBinanceWithBaseURL(apiKey, apiSecret, baseURL string) *Binance {
	b := NewBinance(apiKey, apiSecret)
	b.client.BaseURL = baseURL
	return b
}

// LoadExchangeInfo fetches tick/step sizes so order prices and
// quantities can be rounded before submission. Safe to call again to
// refresh.
func (b *Binance) LoadExchangeInfo(ctx context.Context) error {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		r := symbolRules{
			tickSize: decimal.NewFromFloat(0.01),
			stepSize: decimal.NewFromFloat(0.001),
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					if d, err := decimal.NewFromString(v); err == nil {
						r.tickSize = d
					}
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					if d, err := decimal.NewFromString(v); err == nil {
						r.stepSize = d
					}
				}
				if v, ok := f["minQty"].(string); ok {
					if d, err := decimal.NewFromString(v); err == nil {
						r.minQty = d
					}
				}
			}
		}
		b.rules[s.Symbol] = r
	}
	logger.Infof("📋 Exchange info loaded: %d symbols", len(b.rules))
	return nil
}

// FormatQuantity rounds qty down to the symbol's lot step.
func (b *Binance) FormatQuantity(symbol string, qty float64) string {
	b.mu.RLock()
	r, ok := b.rules[symbol]
	b.mu.RUnlock()
	if !ok {
		return strconv.FormatFloat(qty, 'f', 3, 64)
	}
	return snapToStep(qty, r.stepSize)
}

// FormatPrice rounds price down to the symbol's tick size.
func (b *Binance) FormatPrice(symbol string, price float64) string {
	b.mu.RLock()
	r, ok := b.rules[symbol]
	b.mu.RUnlock()
	if !ok {
		return strconv.FormatFloat(price, 'f', 2, 64)
	}
	return snapToStep(price, r.tickSize)
}

func snapToStep(v float64, step decimal.Decimal) string {
	if step.IsZero() {
		return decimal.NewFromFloat(v).String()
	}
	d := decimal.NewFromFloat(v)
	return d.Div(step).Floor().Mul(step).String()
}

func (b *Binance) GetServerTime(ctx context.Context) (time.Time, error) {
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (b *Binance) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	raw, err := b.client.NewKlinesService().
		Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
	}
	klines := make([]market.Kline, 0, len(raw))
	for _, k := range raw {
		klines = append(klines, market.Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return klines, nil
}

func (b *Binance) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("ticker price %s: empty response", symbol)
	}
	return parseFloat(prices[0].Price), nil
}

func (b *Binance) GetTicker24hr(ctx context.Context, symbol string) (*Ticker24h, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ticker 24hr %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("ticker 24hr %s: empty response", symbol)
	}
	s := stats[0]
	return &Ticker24h{
		Symbol:             s.Symbol,
		LastPrice:          parseFloat(s.LastPrice),
		PriceChangePercent: parseFloat(s.PriceChangePercent),
		HighPrice:          parseFloat(s.HighPrice),
		LowPrice:           parseFloat(s.LowPrice),
		Volume:             parseFloat(s.Volume),
		QuoteVolume:        parseFloat(s.QuoteVolume),
	}, nil
}

func (b *Binance) GetAccountBalance(ctx context.Context) (*Balance, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			return &Balance{
				Asset:           bal.Asset,
				Total:           parseFloat(bal.Balance),
				Available:       parseFloat(bal.AvailableBalance),
				CrossUnrealized: parseFloat(bal.CrossUnPnl),
			}, nil
		}
	}
	return nil, fmt.Errorf("account balance: no USDT asset")
}

func (b *Binance) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("account info: %w", err)
	}
	return &AccountInfo{
		TotalWalletBalance:    parseFloat(acct.TotalWalletBalance),
		TotalUnrealizedProfit: parseFloat(acct.TotalUnrealizedProfit),
		AvailableBalance:      parseFloat(acct.AvailableBalance),
	}, nil
}

func (b *Binance) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", symbol, err)
	}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		p := positionFromRisk(r)
		if p.PositionAmt != 0 {
			return &p, nil
		}
	}
	// flat is not an error
	return &Position{Symbol: symbol}, nil
}

func (b *Binance) GetAllPositions(ctx context.Context) ([]Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	var out []Position
	for _, r := range risks {
		p := positionFromRisk(r)
		if p.PositionAmt != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func positionFromRisk(r *futures.PositionRisk) Position {
	lev, _ := strconv.Atoi(r.Leverage)
	return Position{
		Symbol:           r.Symbol,
		PositionAmt:      parseFloat(r.PositionAmt),
		EntryPrice:       parseFloat(r.EntryPrice),
		MarkPrice:        parseFloat(r.MarkPrice),
		UnrealizedProfit: parseFloat(r.UnRealizedProfit),
		LiquidationPrice: parseFloat(r.LiquidationPrice),
		Leverage:         lev,
		PositionSide:     r.PositionSide,
	}
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("set leverage %s %dx: %w", symbol, leverage, err)
	}
	return nil
}

func (b *Binance) SetMarginType(ctx context.Context, symbol, marginType string) error {
	mt := futures.MarginTypeCrossed
	if strings.EqualFold(marginType, "ISOLATED") {
		mt = futures.MarginTypeIsolated
	}
	err := b.client.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
	if err != nil {
		// Binance rejects a no-op change with code -4046.
		if strings.Contains(err.Error(), "-4046") {
			return nil
		}
		return fmt.Errorf("set margin type %s %s: %w", symbol, marginType, err)
	}
	return nil
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error) {
	clientID := req.ClientID
	if clientID == "" {
		clientID = newClientOrderID()
	}
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(b.FormatQuantity(req.Symbol, req.Quantity)).
		NewClientOrderID(clientID)
	switch req.Type {
	case OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(b.FormatPrice(req.Symbol, req.Price))
	case OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		return nil, fmt.Errorf("place order: unsupported type %q", req.Type)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", req.Type, req.Side, req.Symbol, err)
	}
	return &PlacedOrder{
		OrderID:  strconv.FormatInt(res.OrderID, 10),
		ClientID: res.ClientOrderID,
		Symbol:   res.Symbol,
		Status:   string(res.Status),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("cancel order: bad id %q: %w", orderID, err)
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return fmt.Errorf("cancel all orders %s: %w", symbol, err)
	}
	return nil
}

func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, err)
	}
	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, OpenOrder{
			OrderID:  strconv.FormatInt(o.OrderID, 10),
			Symbol:   o.Symbol,
			Side:     Side(o.Side),
			Type:     OrderType(o.Type),
			Price:    parseFloat(o.Price),
			Quantity: parseFloat(o.OrigQuantity),
			Status:   string(o.Status),
		})
	}
	return out, nil
}

func (b *Binance) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("order status: bad id %q: %w", orderID, err)
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("order status %s/%s: %w", symbol, orderID, err)
	}
	return &OrderStatus{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Status:      string(o.Status),
		AvgPrice:    parseFloat(o.AvgPrice),
		ExecutedQty: parseFloat(o.ExecutedQuantity),
		UpdateTime:  time.UnixMilli(o.UpdateTime),
	}, nil
}

func newClientOrderID() string {
	id := clientOrderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > 32 {
		id = id[:32]
	}
	return id
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
