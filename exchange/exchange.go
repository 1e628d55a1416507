// Package exchange defines the capability interface the trading core
// consumes from an exchange, and the Binance USDⓈ-M futures implementation.
package exchange

import (
	"context"
	"time"

	"martingrid/market"
)

// Side order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType order kind.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Balance account balance snapshot.
type Balance struct {
	Asset           string
	Total           float64
	Available       float64
	CrossUnrealized float64
}

// AccountInfo wider account snapshot.
type AccountInfo struct {
	TotalWalletBalance    float64
	TotalUnrealizedProfit float64
	AvailableBalance      float64
}

// Position one exchange-side position.
type Position struct {
	Symbol           string
	PositionAmt      float64 // signed: negative = short
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedProfit float64
	LiquidationPrice float64
	Leverage         int
	PositionSide     string // LONG / SHORT / BOTH
}

// Ticker24h 24-hour rolling statistics.
type Ticker24h struct {
	Symbol             string
	LastPrice          float64
	PriceChangePercent float64
	HighPrice          float64
	LowPrice           float64
	Volume             float64
	QuoteVolume        float64
}

// OrderRequest parameters for placing an order.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   float64
	Price      float64 // ignored for market orders
	ReduceOnly bool
	ClientID   string
}

// PlacedOrder the exchange's acknowledgement of a submission.
type PlacedOrder struct {
	OrderID  string
	ClientID string
	Symbol   string
	Status   string // NEW / FILLED / ...
}

// OpenOrder a resting order on the exchange.
type OpenOrder struct {
	OrderID  string
	Symbol   string
	Side     Side
	Type     OrderType
	Price    float64
	Quantity float64
	Status   string
}

// OrderStatus the result of a status query.
type OrderStatus struct {
	OrderID     string
	Status      string // NEW / PARTIALLY_FILLED / FILLED / CANCELED / EXPIRED
	AvgPrice    float64
	ExecutedQty float64
	UpdateTime  time.Time
}

// Filled reports whether the order has at least partially executed.
func (s *OrderStatus) Filled() bool {
	return s.Status == "FILLED" || s.Status == "PARTIALLY_FILLED"
}

// Exchange is the REST capability surface the core depends on. One
// implementation per venue; tests use in-memory doubles.
type Exchange interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
	GetTicker24hr(ctx context.Context, symbol string) (*Ticker24h, error)
	GetAccountBalance(ctx context.Context) (*Balance, error)
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*PlacedOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)
}
