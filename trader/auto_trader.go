// Package trader runs the single control loop that turns market
// analysis into grid orders and enforces risk limits.
package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"martingrid/config"
	"martingrid/event"
	"martingrid/exchange"
	"martingrid/executor"
	"martingrid/grid"
	"martingrid/ledger"
	"martingrid/logger"
	"martingrid/market"
	"martingrid/notify"
	"martingrid/store"
)

// AutoTrader owns all mutable trading state. One goroutine runs the
// loop; the status API reads snapshots through the accessor methods.
type AutoTrader struct {
	cfg      *config.Config
	ex       exchange.Exchange
	exec     *executor.Executor
	signals  market.SignalProvider
	ledger   *ledger.Ledger
	store    *store.Store // nil disables persistence
	notifier *notify.Telegram

	mu sync.Mutex
	// grids is the active set. A grid leaves it only through a risk
	// close or shutdown; a position fully taken out by its exit ladder
	// keeps its symbol slot until one of those fires.
	grids map[string]*grid.Grid
	// lastTPEntry remembers the average entry at the last take-profit
	// placement so the ladder refreshes only on a material move
	lastTPEntry map[string]float64

	queue     *event.Queue
	iteration int
}

// New wires the orchestrator. store and notifier may be nil.
func New(cfg *config.Config, ex exchange.Exchange, exec *executor.Executor, signals market.SignalProvider, lgr *ledger.Ledger, st *store.Store, notifier *notify.Telegram) *AutoTrader {
	t := &AutoTrader{
		cfg:         cfg,
		ex:          ex,
		exec:        exec,
		signals:     signals,
		ledger:      lgr,
		store:       st,
		notifier:    notifier,
		grids:       make(map[string]*grid.Grid),
		lastTPEntry: make(map[string]float64),
		queue:       event.NewQueue(),
	}
	if st != nil {
		lgr.OnClose = func(rec ledger.PositionRecord) {
			if err := st.Position().SaveClosed(rec); err != nil {
				logger.Errorf("💾 Persist closed position %s: %v", rec.Symbol, err)
			}
		}
	}
	return t
}

// Run executes the control loop until the context is cancelled, then
// shuts down every grid.
func (t *AutoTrader) Run(ctx context.Context) error {
	interval := time.Duration(t.cfg.Portfolio.ScanIntervalSec) * time.Second
	logger.Infof("🚀 Trading loop starting, interval=%s maxSymbols=%d", interval, t.cfg.Portfolio.MaxSymbols)

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return ctx.Err()
		default:
		}

		t.runCycle(ctx)

		select {
		case <-ctx.Done():
			t.shutdown()
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runCycle is one full iteration: fills first, then per-grid
// management, then new candidates, then the portfolio check.
func (t *AutoTrader) runCycle(ctx context.Context) {
	t.iteration++
	logger.Infof("🔄 Iteration %d starting", t.iteration)

	t.processFills(ctx)

	for _, symbol := range t.activeSymbols() {
		if err := t.manageGrid(ctx, symbol); err != nil {
			logger.Errorf("❌ Managing %s failed: %v", symbol, err)
		}
	}

	t.scanCandidates(ctx)
	t.checkPortfolioExposure()
	t.report()
}

// processFills promotes pending orders and delivers the resulting fill
// events in timestamp order to the grid and the ledger.
func (t *AutoTrader) processFills(ctx context.Context) {
	for _, fo := range t.exec.UpdatePendingOrders(ctx) {
		t.queue.Push(event.NewFill(fo.Symbol, fo.FillTime, event.Fill{
			OrderID:    fo.OrderID,
			Side:       string(fo.Side),
			Price:      fo.AvgPrice,
			Quantity:   fo.ExecutedQty,
			Commission: fo.Commission,
			Level:      fo.Level,
		}))
	}

	for {
		ev, ok := t.queue.Pop()
		if !ok {
			break
		}
		switch ev.Type {
		case event.TypeFill:
			t.applyFill(ev)
		default:
			// only fills flow through the loop today
			logger.Debugf("Unhandled event %s for %s", ev.Type, ev.Symbol)
		}
	}
}

func (t *AutoTrader) applyFill(ev event.Event) {
	f := ev.Fill
	t.ledger.OnFill(f, ev.Symbol, ev.Time)

	t.mu.Lock()
	g := t.grids[ev.Symbol]
	t.mu.Unlock()
	if g == nil {
		return
	}

	if f.Level > 0 {
		if err := g.MarkLevelFilled(f.Level, f.OrderID, f.Price, ev.Time); err != nil {
			logger.Warnf("⚠️ %s: %v", ev.Symbol, err)
			return
		}
		t.logGridEvent(ev.Symbol, "level_filled", map[string]interface{}{
			"level": f.Level, "price": f.Price, "qty": f.Quantity,
		})
	}
}

func (t *AutoTrader) activeSymbols() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	symbols := make([]string, 0, len(t.grids))
	for s := range t.grids {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// manageGrid is step 2 of the loop for one symbol: refresh metrics, run
// the health check, close or extend.
func (t *AutoTrader) manageGrid(ctx context.Context, symbol string) error {
	t.mu.Lock()
	g := t.grids[symbol]
	t.mu.Unlock()
	if g == nil {
		return nil
	}

	price, err := t.ex.GetTickerPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	balance, err := t.ex.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	var liqPrice float64
	if pos, err := t.ex.GetPosition(ctx, symbol); err != nil {
		logger.Warnf("⚠️ %s position query failed: %v", symbol, err)
	} else {
		liqPrice = pos.LiquidationPrice
	}

	g.UpdateMetrics(price, balance.Total, liqPrice)
	t.ledger.UpdatePrice(symbol, price, time.Now())

	health := g.CheckHealth(price, &t.cfg.Risk, time.Now())
	if len(health.Warnings) > 0 {
		t.notifier.RiskAlert(symbol, health.Warnings, health.ShouldClose)
	}
	if health.ShouldClose {
		return t.closeGrid(ctx, g, "risk")
	}

	if g.ShouldAddLevel(price) {
		lvl, err := g.AddEntry(price)
		if err != nil {
			logger.Infof("⏸️ %s: %v", symbol, err)
		} else {
			res := t.exec.ExecuteGridEntryOrders(ctx, symbol, entrySide(g.Side), []grid.Level{lvl})
			if len(res) > 0 && !res[0].Success {
				logger.Errorf("❌ %s level %d submission failed: %s", symbol, lvl.Level, res[0].ErrorMessage)
			}
		}
	}

	t.refreshTakeProfit(ctx, g)
	t.persistGrid(g)
	return nil
}

// refreshTakeProfit rebuilds the exit ladder when the average entry
// moved materially since the last placement.
func (t *AutoTrader) refreshTakeProfit(ctx context.Context, g *grid.Grid) {
	snap := g.Snapshot()
	if snap.TotalQuantity <= 0 {
		return
	}

	t.mu.Lock()
	last := t.lastTPEntry[snap.Symbol]
	t.mu.Unlock()

	threshold := t.cfg.TakeProfit.RefreshThresholdPct
	if last > 0 && threshold > 0 {
		moved := (snap.AverageEntry - last) / last
		if moved < 0 {
			moved = -moved
		}
		if moved < threshold {
			return
		}
	}

	// only the old ladder is revoked; a resting grid entry must survive
	if err := t.exec.CancelReduceOnlyOrders(ctx, snap.Symbol); err != nil {
		logger.Warnf("⚠️ %s cancel before TP refresh failed: %v", snap.Symbol, err)
		return
	}

	orders := grid.CalculateTakeProfitLevels(snap.AverageEntry, snap.TotalQuantity, snap.Side, &t.cfg.TakeProfit)
	results := t.exec.ExecuteTakeProfitOrders(ctx, snap.Symbol, entrySide(snap.Side), orders)
	for i := range results {
		if i < len(orders) && results[i].Success {
			orders[i].OrderRef = results[i].OrderID
		}
	}
	g.SetTakeProfitOrders(orders)

	t.mu.Lock()
	t.lastTPEntry[snap.Symbol] = snap.AverageEntry
	t.mu.Unlock()

	t.logGridEvent(snap.Symbol, "tp_placed", map[string]interface{}{
		"avg_entry": snap.AverageEntry, "orders": len(orders),
	})
}

// closeGrid cancels everything, emergency-closes any residual quantity
// and removes the grid from the active set.
func (t *AutoTrader) closeGrid(ctx context.Context, g *grid.Grid, reason string) error {
	snap := g.Snapshot()
	logger.Warnf("🔻 Closing grid %s (%s)", snap.Symbol, reason)

	// the grid's total counts filled entries only and never shrinks on
	// exit fills; the ledger's size is the closable residual
	qty := snap.TotalQuantity
	if pos, ok := t.ledger.Position(snap.Symbol, false); ok {
		qty = pos.Size
	}
	if qty > 0 {
		res := t.exec.EmergencyClosePosition(ctx, snap.Symbol, qty, entrySide(snap.Side))
		t.notifier.EmergencyAlert(snap.Symbol, qty, res.Success, res.ErrorMessage)
	} else if err := t.exec.CancelAllPendingOrders(ctx, snap.Symbol); err != nil {
		logger.Errorf("❌ %s cancel during close failed: %v", snap.Symbol, err)
	}

	g.Close()
	t.mu.Lock()
	delete(t.grids, snap.Symbol)
	delete(t.lastTPEntry, snap.Symbol)
	t.mu.Unlock()

	t.logGridEvent(snap.Symbol, "closed", map[string]interface{}{"reason": reason})
	if t.store != nil {
		if err := t.store.Grid().DeleteSnapshot(snap.Symbol); err != nil {
			logger.Warnf("💾 Delete snapshot %s: %v", snap.Symbol, err)
		}
	}
	return nil
}

// scanCandidates is step 3: fill free slots with the strongest aligned
// signals.
func (t *AutoTrader) scanCandidates(ctx context.Context) {
	t.mu.Lock()
	free := t.cfg.Portfolio.MaxSymbols - len(t.grids)
	t.mu.Unlock()
	if free <= 0 {
		return
	}

	var candidates []*market.Analysis
	for _, symbol := range t.cfg.Portfolio.Symbols {
		if t.hasGrid(symbol) {
			continue
		}
		analysis, err := t.signals.Analyze(ctx, symbol)
		if err != nil {
			// insufficient data only skips this iteration
			logger.Warnf("🔍 Skipping %s: %v", symbol, err)
			continue
		}
		if analysis.Recommended == "" {
			continue
		}
		candidates = append(candidates, analysis)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Signal.Strength > candidates[j].Signal.Strength
	})
	if len(candidates) > free {
		candidates = candidates[:free]
	}

	for _, c := range candidates {
		if err := t.openGrid(ctx, c); err != nil {
			logger.Errorf("❌ Opening grid for %s failed: %v", c.Symbol, err)
		}
	}
}

// openGrid creates a grid from one recommendation and submits its first
// entry order.
func (t *AutoTrader) openGrid(ctx context.Context, analysis *market.Analysis) error {
	symbol := analysis.Symbol
	side := grid.SideLong
	if analysis.Recommended == "SHORT" {
		side = grid.SideShort
	}

	price, err := t.ex.GetTickerPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	balance, err := t.ex.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	if err := t.ex.SetLeverage(ctx, symbol, t.cfg.Grid.Leverage); err != nil {
		logger.Warnf("⚠️ %s set leverage: %v", symbol, err)
	}
	if err := t.ex.SetMarginType(ctx, symbol, t.cfg.Exchange.MarginType); err != nil {
		logger.Warnf("⚠️ %s set margin type: %v", symbol, err)
	}

	spacing := grid.CalculateSpacing(analysis.Volatility, 0, &t.cfg.Grid, t.cfg.Grid.IsMajorCoin(symbol))
	baseQty := balance.Total * t.cfg.Grid.BaseQuantityPct * float64(t.cfg.Grid.Leverage) / price

	g := grid.New(grid.Params{
		Symbol:           symbol,
		Side:             side,
		Signal:           analysis.Signal,
		Trend:            analysis.Trend,
		Spacing:          spacing,
		MartingaleFactor: t.cfg.Grid.MartingaleFactor,
		MaxLevels:        t.cfg.Grid.MaxLevels,
		BaseQuantity:     baseQty,
		Leverage:         t.cfg.Grid.Leverage,
	})

	lvl, err := g.AddEntry(price)
	if err != nil {
		return fmt.Errorf("first entry: %w", err)
	}
	res := t.exec.ExecuteGridEntryOrders(ctx, symbol, entrySide(side), []grid.Level{lvl})
	if len(res) == 0 || !res[0].Success {
		msg := "cancelled"
		if len(res) > 0 {
			msg = res[0].ErrorMessage
		}
		return fmt.Errorf("first entry order: %s", msg)
	}

	t.mu.Lock()
	t.grids[symbol] = g
	t.mu.Unlock()

	t.logGridEvent(symbol, "created", map[string]interface{}{
		"side": string(side), "spacing": spacing, "base_qty": baseQty,
	})
	t.persistGrid(g)
	logger.Infof("🌱 Grid opened: %s %s strength=%.2f", symbol, side, analysis.Signal.Strength)
	return nil
}

// checkPortfolioExposure is step 4: the limit is observed, never
// enforced.
func (t *AutoTrader) checkPortfolioExposure() {
	t.mu.Lock()
	var total float64
	for _, g := range t.grids {
		total += g.Snapshot().WalletExposure
	}
	t.mu.Unlock()

	limit := t.cfg.Portfolio.LongExposureLimit + t.cfg.Portfolio.ShortExposureLimit
	if total > limit {
		logger.Warnf("⚠️ Portfolio exposure %.2f exceeds limit %.2f", total, limit)
		t.notifier.Sendf("⚠️ Portfolio exposure %.2f above limit %.2f", total, limit)
	}
}

// report is step 5: one status line per iteration plus stats.
func (t *AutoTrader) report() {
	stats := t.ledger.Stats()
	logger.Infof("📊 Iteration %d done: grids=%d pending=%d realized=%.2f unrealized=%.2f winRate=%.1f%%",
		t.iteration, len(t.activeSymbols()), len(t.exec.PendingOrders("")),
		stats.TotalRealizedPnl, t.ledger.TotalUnrealizedPnl(), stats.WinRate)
}

// shutdown closes every active grid before the loop returns.
func (t *AutoTrader) shutdown() {
	logger.Info("🛑 Shutting down: closing all grids")
	// detached context: cancellation already fired, cleanup still needs
	// network calls
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, symbol := range t.activeSymbols() {
		t.mu.Lock()
		g := t.grids[symbol]
		t.mu.Unlock()
		if g == nil {
			continue
		}
		if err := t.closeGrid(ctx, g, "shutdown"); err != nil {
			logger.Errorf("❌ Shutdown close %s failed: %v", symbol, err)
		}
	}

	stats := t.ledger.Stats()
	logger.Infof("📊 Final summary: trades=%d winRate=%.1f%% realized=%.2f fees=%.2f",
		stats.TotalTrades, stats.WinRate, stats.TotalRealizedPnl, stats.TotalFees)
}

func (t *AutoTrader) hasGrid(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.grids[symbol]
	return ok
}

func (t *AutoTrader) persistGrid(g *grid.Grid) {
	if t.store == nil {
		return
	}
	if err := t.store.Grid().SaveSnapshot(g.Snapshot()); err != nil {
		logger.Warnf("💾 Persist grid %s: %v", g.Symbol, err)
	}
}

func (t *AutoTrader) logGridEvent(symbol, eventType string, details interface{}) {
	if t.store == nil {
		return
	}
	if err := t.store.Grid().LogEvent(symbol, eventType, details); err != nil {
		logger.Warnf("💾 Journal %s/%s: %v", symbol, eventType, err)
	}
}

// entrySide maps grid direction to the order side that grows the
// position.
func entrySide(side grid.Side) exchange.Side {
	if side == grid.SideLong {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

// ActiveGrids implements api.StatusSource.
func (t *AutoTrader) ActiveGrids() []grid.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]grid.Snapshot, 0, len(t.grids))
	for _, g := range t.grids {
		out = append(out, g.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenPositions implements api.StatusSource.
func (t *AutoTrader) OpenPositions() []ledger.PositionRecord {
	return t.ledger.OpenPositions()
}

// Stats implements api.StatusSource.
func (t *AutoTrader) Stats() ledger.Stats {
	return t.ledger.Stats()
}

// PendingOrders implements api.StatusSource.
func (t *AutoTrader) PendingOrders(symbol string) []executor.PendingOrder {
	return t.exec.PendingOrders(symbol)
}
