// Package executor is the order execution gateway: retrying submission,
// pending-order tracking and emergency liquidation.
package executor

import (
	"context"
	"sync"
	"time"

	"martingrid/config"
	"martingrid/exchange"
	"martingrid/grid"
	"martingrid/logger"
)

// Result is the outcome of one submission attempt sequence. A value,
// not a tracked entity.
type Result struct {
	Success        bool      `json:"success"`
	OrderID        string    `json:"order_id,omitempty"`
	FilledPrice    float64   `json:"filled_price,omitempty"`
	FilledQuantity float64   `json:"filled_quantity,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PendingOrder a submitted limit order awaiting fill confirmation.
type PendingOrder struct {
	OrderID    string        `json:"order_id"`
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	Price      float64       `json:"price"`
	Quantity   float64       `json:"quantity"`
	ReduceOnly bool          `json:"reduce_only"`
	Level      int           `json:"level,omitempty"`
	SubmitTime time.Time     `json:"submit_time"`
}

// FilledOrder a confirmed execution, main input to the position ledger.
type FilledOrder struct {
	OrderID     string        `json:"order_id"`
	Symbol      string        `json:"symbol"`
	Side        exchange.Side `json:"side"`
	AvgPrice    float64       `json:"avg_price"`
	ExecutedQty float64       `json:"executed_qty"`
	Commission  float64       `json:"commission"`
	Level       int           `json:"level,omitempty"`
	FillTime    time.Time     `json:"fill_time"`
}

// FailedOrder a submission that exhausted its retry budget.
type FailedOrder struct {
	Symbol       string        `json:"symbol"`
	Side         exchange.Side `json:"side"`
	Price        float64       `json:"price"`
	Quantity     float64       `json:"quantity"`
	ErrorMessage string        `json:"error_message"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Executor submits orders with a bounded retry budget and tracks the
// pending, filled and failed sets. Retries carry no idempotency key:
// an ambiguous network failure after the exchange accepted an order can
// duplicate it, which is accepted exchange-side behavior here.
type Executor struct {
	mu sync.Mutex

	ex             exchange.Exchange
	cfg            *config.ExchangeConfig
	commissionRate float64

	pending map[string]*PendingOrder
	filled  map[string]*FilledOrder
	failed  []FailedOrder
}

// New creates an executor over the given exchange gateway.
func New(ex exchange.Exchange, cfg *config.ExchangeConfig, commissionRate float64) *Executor {
	return &Executor{
		ex:             ex,
		cfg:            cfg,
		commissionRate: commissionRate,
		pending:        make(map[string]*PendingOrder),
		filled:         make(map[string]*FilledOrder),
	}
}

// submitWithRetry attempts the order up to MaxRetries times with a
// fixed delay between attempts.
func (e *Executor) submitWithRetry(ctx context.Context, req exchange.OrderRequest) (*exchange.PlacedOrder, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		placed, err := e.ex.PlaceOrder(ctx, req)
		if err == nil {
			return placed, nil
		}
		lastErr = err
		logger.Warnf("🔁 Order attempt %d/%d failed: %s %s %s: %v",
			attempt, e.cfg.MaxRetries, req.Side, req.Type, req.Symbol, err)
		if attempt < e.cfg.MaxRetries {
			time.Sleep(time.Duration(e.cfg.RetryDelaySec) * time.Second)
		}
	}
	return nil, lastErr
}

// ExecuteLimitOrder submits a limit order. Success registers a pending
// record; limit orders are never assumed filled at submission.
func (e *Executor) ExecuteLimitOrder(ctx context.Context, symbol string, side exchange.Side, price, qty float64, reduceOnly bool) Result {
	return e.executeLimitOrder(ctx, symbol, side, price, qty, reduceOnly, 0)
}

func (e *Executor) executeLimitOrder(ctx context.Context, symbol string, side exchange.Side, price, qty float64, reduceOnly bool, level int) Result {
	placed, err := e.submitWithRetry(ctx, exchange.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       exchange.OrderTypeLimit,
		Quantity:   qty,
		Price:      price,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return e.recordFailure(symbol, side, price, qty, err)
	}

	e.mu.Lock()
	e.pending[placed.OrderID] = &PendingOrder{
		OrderID:    placed.OrderID,
		Symbol:     symbol,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		ReduceOnly: reduceOnly,
		Level:      level,
		SubmitTime: time.Now(),
	}
	e.mu.Unlock()

	logger.Infof("📤 Limit order pending: %s %s %.6f @ %.4f id=%s", symbol, side, qty, price, placed.OrderID)
	return Result{Success: true, OrderID: placed.OrderID, Timestamp: time.Now()}
}

// ExecuteMarketOrder submits a market order, waits the settle delay and
// queries the final status once.
func (e *Executor) ExecuteMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty float64, reduceOnly bool) Result {
	placed, err := e.submitWithRetry(ctx, exchange.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       exchange.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return e.recordFailure(symbol, side, 0, qty, err)
	}

	time.Sleep(time.Duration(e.cfg.SettleDelaySec) * time.Second)

	status, err := e.ex.GetOrderStatus(ctx, symbol, placed.OrderID)
	if err != nil {
		// accepted but unconfirmed, report the submission id only
		logger.Warnf("❓ Market order %s status query failed: %v", placed.OrderID, err)
		return Result{Success: true, OrderID: placed.OrderID, Timestamp: time.Now()}
	}

	fo := &FilledOrder{
		OrderID:     placed.OrderID,
		Symbol:      symbol,
		Side:        side,
		AvgPrice:    status.AvgPrice,
		ExecutedQty: status.ExecutedQty,
		Commission:  status.AvgPrice * status.ExecutedQty * e.commissionRate,
		FillTime:    status.UpdateTime,
	}
	e.mu.Lock()
	e.filled[fo.OrderID] = fo
	e.mu.Unlock()

	logger.Infof("⚡ Market order filled: %s %s %.6f @ %.4f", symbol, side, status.ExecutedQty, status.AvgPrice)
	return Result{
		Success:        true,
		OrderID:        placed.OrderID,
		FilledPrice:    status.AvgPrice,
		FilledQuantity: status.ExecutedQty,
		Timestamp:      time.Now(),
	}
}

func (e *Executor) recordFailure(symbol string, side exchange.Side, price, qty float64, err error) Result {
	e.mu.Lock()
	e.failed = append(e.failed, FailedOrder{
		Symbol:       symbol,
		Side:         side,
		Price:        price,
		Quantity:     qty,
		ErrorMessage: err.Error(),
		Timestamp:    time.Now(),
	})
	e.mu.Unlock()
	logger.Errorf("❌ Order failed after %d attempts: %s %s: %v", e.cfg.MaxRetries, symbol, side, err)
	return Result{Success: false, ErrorMessage: err.Error(), Timestamp: time.Now()}
}

// ExecuteGridEntryOrders submits one limit order per planned level,
// sequentially with a fixed pause between submissions.
func (e *Executor) ExecuteGridEntryOrders(ctx context.Context, symbol string, side exchange.Side, levels []grid.Level) []Result {
	results := make([]Result, 0, len(levels))
	for i, lvl := range levels {
		if ctx.Err() != nil {
			break
		}
		res := e.executeLimitOrder(ctx, symbol, side, lvl.Price, lvl.Quantity, false, lvl.Level)
		results = append(results, res)
		if i < len(levels)-1 {
			time.Sleep(time.Duration(e.cfg.OrderDelayMs) * time.Millisecond)
		}
	}
	return results
}

// ExecuteTakeProfitOrders submits the exit ladder as reduce-only limit
// orders on the closing side.
func (e *Executor) ExecuteTakeProfitOrders(ctx context.Context, symbol string, positionSide exchange.Side, orders []grid.TakeProfitOrder) []Result {
	closeSide := positionSide.Opposite()
	results := make([]Result, 0, len(orders))
	for i, o := range orders {
		if ctx.Err() != nil {
			break
		}
		res := e.executeLimitOrder(ctx, symbol, closeSide, o.Price, o.Quantity, true, 0)
		results = append(results, res)
		if i < len(orders)-1 {
			time.Sleep(time.Duration(e.cfg.OrderDelayMs) * time.Millisecond)
		}
	}
	return results
}

// UpdatePendingOrders queries each pending order once and promotes the
// executed ones into the filled set. The promoted orders are returned
// so fills can flow into the grid and the ledger.
func (e *Executor) UpdatePendingOrders(ctx context.Context) []FilledOrder {
	e.mu.Lock()
	snapshot := make([]*PendingOrder, 0, len(e.pending))
	for _, po := range e.pending {
		snapshot = append(snapshot, po)
	}
	e.mu.Unlock()

	var promoted []FilledOrder
	for _, po := range snapshot {
		status, err := e.ex.GetOrderStatus(ctx, po.Symbol, po.OrderID)
		if err != nil {
			logger.Warnf("❓ Pending order %s status query failed: %v", po.OrderID, err)
			continue
		}
		if !status.Filled() {
			if status.Status == "CANCELED" || status.Status == "EXPIRED" {
				e.mu.Lock()
				delete(e.pending, po.OrderID)
				e.mu.Unlock()
				logger.Infof("🗑️ Pending order %s %s on exchange, dropped", po.OrderID, status.Status)
			}
			continue
		}

		fo := FilledOrder{
			OrderID:     po.OrderID,
			Symbol:      po.Symbol,
			Side:        po.Side,
			AvgPrice:    status.AvgPrice,
			ExecutedQty: status.ExecutedQty,
			Commission:  status.AvgPrice * status.ExecutedQty * e.commissionRate,
			Level:       po.Level,
			FillTime:    status.UpdateTime,
		}
		e.mu.Lock()
		e.filled[fo.OrderID] = &fo
		delete(e.pending, po.OrderID)
		e.mu.Unlock()
		promoted = append(promoted, fo)
		logger.Infof("✅ Pending order filled: %s %s %.6f @ %.4f", po.Symbol, po.Side, status.ExecutedQty, status.AvgPrice)
	}
	return promoted
}

// CancelPendingOrder cancels remotely then purges the local record.
func (e *Executor) CancelPendingOrder(ctx context.Context, symbol, orderID string) error {
	if err := e.ex.CancelOrder(ctx, symbol, orderID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.pending, orderID)
	e.mu.Unlock()
	return nil
}

// CancelAllPendingOrders cancels every resting order on the symbol and
// purges the matching local records.
func (e *Executor) CancelAllPendingOrders(ctx context.Context, symbol string) error {
	if err := e.ex.CancelAllOrders(ctx, symbol); err != nil {
		return err
	}
	e.mu.Lock()
	for id, po := range e.pending {
		if po.Symbol == symbol {
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()
	logger.Infof("🧹 Cancelled all pending orders for %s", symbol)
	return nil
}

// CancelReduceOnlyOrders cancels the resting reduce-only orders on the
// symbol one by one. Entry orders stay in place, so a ladder rebuild
// never revokes a live grid entry.
func (e *Executor) CancelReduceOnlyOrders(ctx context.Context, symbol string) error {
	e.mu.Lock()
	targets := make([]*PendingOrder, 0)
	for _, po := range e.pending {
		if po.Symbol == symbol && po.ReduceOnly {
			targets = append(targets, po)
		}
	}
	e.mu.Unlock()

	var lastErr error
	for _, po := range targets {
		if err := e.ex.CancelOrder(ctx, symbol, po.OrderID); err != nil {
			logger.Warnf("⚠️ Cancel reduce-only order %s failed: %v", po.OrderID, err)
			lastErr = err
			continue
		}
		e.mu.Lock()
		delete(e.pending, po.OrderID)
		e.mu.Unlock()
	}
	if len(targets) > 0 {
		logger.Infof("🧹 Cancelled %d reduce-only orders for %s", len(targets), symbol)
	}
	return lastErr
}

// EmergencyClosePosition cancels everything resting on the symbol and
// submits a reduce-only market order against the position. Failure is
// logged, the standard market retry budget is the only recovery.
func (e *Executor) EmergencyClosePosition(ctx context.Context, symbol string, qty float64, positionSide exchange.Side) Result {
	if err := e.CancelAllPendingOrders(ctx, symbol); err != nil {
		logger.Errorf("🚨 Emergency close %s: cancel phase failed: %v", symbol, err)
	}
	logger.Warnf("🚨 Emergency closing %s: %s %.6f", symbol, positionSide.Opposite(), qty)
	res := e.ExecuteMarketOrder(ctx, symbol, positionSide.Opposite(), qty, true)
	if !res.Success {
		logger.Errorf("🚨 Emergency close FAILED for %s, position may remain open: %s", symbol, res.ErrorMessage)
	}
	return res
}

// PendingOrders returns copies of the pending set for the symbol, or
// all symbols when symbol is empty.
func (e *Executor) PendingOrders(symbol string) []PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingOrder, 0, len(e.pending))
	for _, po := range e.pending {
		if symbol == "" || po.Symbol == symbol {
			out = append(out, *po)
		}
	}
	return out
}

// FailedOrders returns the failure log.
func (e *Executor) FailedOrders() []FailedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]FailedOrder(nil), e.failed...)
}

// FilledOrders returns copies of the filled set.
func (e *Executor) FilledOrders() []FilledOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FilledOrder, 0, len(e.filled))
	for _, fo := range e.filled {
		out = append(out, *fo)
	}
	return out
}
