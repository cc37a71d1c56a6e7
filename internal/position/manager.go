package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

// TradeClosedHandler receives the immutable record of a position that just
// finished its round trip.
type TradeClosedHandler func(trade *domain.TradeRecord)

// Config tunes the position manager. Zero values fall back to the standard
// management parameters.
type Config struct {
	TickInterval         time.Duration
	BreakevenActivationR decimal.Decimal
	MomentumPullbackR    decimal.Decimal
	TP1RMultiple         decimal.Decimal
	TP2RMultiple         decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.BreakevenActivationR.IsZero() {
		c.BreakevenActivationR = decimal.NewFromFloat(0.1)
	}
	if c.MomentumPullbackR.IsZero() {
		c.MomentumPullbackR = decimal.NewFromFloat(0.3)
	}
	if c.TP1RMultiple.IsZero() {
		c.TP1RMultiple = decimal.NewFromInt(1)
	}
	if c.TP2RMultiple.IsZero() {
		c.TP2RMultiple = decimal.NewFromInt(2)
	}
}

// managed bundles a position with its live order state.
type managed struct {
	pos *domain.Position

	stopOrderID string
	openOrders  map[string]domain.OrderPurpose // order ID -> purpose
	pending     []ports.OrderRequest           // failed placements, retried each tick

	exitRequested bool // a full-exit market order is in flight
	exitNotional  decimal.Decimal
	exitQty       decimal.Decimal
	commission    decimal.Decimal
}

// Manager owns the lifecycle of live positions: protective stop and
// take-profit placement at adoption, breakeven and momentum management on a
// timer, and fill bookkeeping until the position closes.
//
// All mutation happens under one mutex, so fill handling is serialized with
// tick processing. Execution clients must deliver fills asynchronously.
type Manager struct {
	cfg     Config
	exec    ports.ExecutionClient
	trades  ports.TradeRepository // optional
	logger  ports.Logger
	onClose TradeClosedHandler

	mu      sync.Mutex
	managed map[string]*managed // by position ID

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager wires a manager to an execution client. The trade repository and
// close handler are optional.
func NewManager(cfg Config, exec ports.ExecutionClient, trades ports.TradeRepository, log ports.Logger) (*Manager, error) {
	if exec == nil || log == nil {
		return nil, fmt.Errorf("%w: execution client and logger are required", ports.ErrConfigurationError)
	}
	cfg.applyDefaults()
	m := &Manager{
		cfg:     cfg,
		exec:    exec,
		trades:  trades,
		logger:  log,
		managed: make(map[string]*managed),
		stopCh:  make(chan struct{}),
	}
	exec.SubscribeFills(m.handleFill)
	return m, nil
}

// OnTradeClosed registers the handler invoked after each completed round trip.
func (m *Manager) OnTradeClosed(h TradeClosedHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = h
}

// ManagedCount returns the number of positions currently under management.
func (m *Manager) ManagedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.managed)
}

// Manage adopts an open position: the protective stop goes in first, then the
// take-profit ladder. A position without explicit targets gets the standard
// two-level ladder at 1R and 2R, half the size each.
func (m *Manager) Manage(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.IsClosed() {
		return fmt.Errorf("%w: cannot manage a nil or closed position", ports.ErrInvalidRequest)
	}
	if pos.StopLoss.IsZero() {
		return fmt.Errorf("%w: position %s has no stop loss", ports.ErrInvalidRequest, pos.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.managed[pos.ID]; ok {
		return fmt.Errorf("%w: position %s already managed", ports.ErrDuplicateEntry, pos.ID)
	}

	if len(pos.TakeProfits) == 0 {
		pos.TakeProfits = m.defaultLadder(pos)
	}
	if pos.BestPrice.IsZero() {
		pos.BestPrice = pos.EntryPrice
	}

	mg := &managed{pos: pos, openOrders: make(map[string]domain.OrderPurpose)}
	m.managed[pos.ID] = mg

	m.placeOrder(ctx, mg, ports.OrderRequest{
		Asset:      pos.Asset,
		Side:       domain.ExitSide(pos.Direction),
		Type:       domain.OrderTypeStopMarket,
		Quantity:   pos.CurrentSize,
		StopPrice:  pos.StopLoss,
		Purpose:    domain.PurposeStopLoss,
		PositionID: pos.ID,
	})
	// Live management works a two-level ladder; extra levels are ignored.
	for i, level := range pos.TakeProfits {
		if i > 1 {
			break
		}
		purpose := domain.PurposeTP1
		if i == 1 {
			purpose = domain.PurposeTP2
		}
		m.placeOrder(ctx, mg, ports.OrderRequest{
			Asset:      pos.Asset,
			Side:       domain.ExitSide(pos.Direction),
			Type:       domain.OrderTypeLimit,
			Quantity:   level.Quantity,
			Price:      level.Price,
			Purpose:    purpose,
			PositionID: pos.ID,
		})
	}

	m.logger.Info(ctx, "Position under management", map[string]interface{}{
		"position_id": pos.ID,
		"asset":       pos.Asset,
		"stop":        pos.StopLoss.String(),
		"targets":     len(pos.TakeProfits),
	})
	return nil
}

// defaultLadder builds the standard take-profit pair from the initial risk.
func (m *Manager) defaultLadder(pos *domain.Position) []domain.TakeProfitLevel {
	risk := pos.RiskPerUnit()
	two := decimal.NewFromInt(2)
	half := pos.CurrentSize.Div(two)
	tp1 := risk.Mul(m.cfg.TP1RMultiple)
	tp2 := risk.Mul(m.cfg.TP2RMultiple)
	if pos.Direction == domain.Long {
		return []domain.TakeProfitLevel{
			{Price: pos.EntryPrice.Add(tp1), Quantity: half},
			{Price: pos.EntryPrice.Add(tp2), Quantity: pos.CurrentSize.Sub(half)},
		}
	}
	return []domain.TakeProfitLevel{
		{Price: pos.EntryPrice.Sub(tp1), Quantity: half},
		{Price: pos.EntryPrice.Sub(tp2), Quantity: pos.CurrentSize.Sub(half)},
	}
}

// placeOrder submits an order, tracking it on success and queueing a retry on
// failure. A failed protective order flags the position for attention.
// Callers hold m.mu.
func (m *Manager) placeOrder(ctx context.Context, mg *managed, req ports.OrderRequest) {
	order, err := m.exec.PlaceOrder(ctx, req)
	if err != nil {
		if req.Purpose.IsProtective() {
			mg.pos.NeedsAttention = true
		}
		mg.pending = append(mg.pending, req)
		m.logger.Error(ctx, err, "Order placement failed, queued for retry", map[string]interface{}{
			"position_id": req.PositionID,
			"purpose":     string(req.Purpose),
		})
		return
	}
	mg.openOrders[order.ID] = req.Purpose
	if req.Purpose.IsProtective() {
		mg.stopOrderID = order.ID
		mg.pos.NeedsAttention = false
	}
}

// Run starts the management loop. Stop or context cancellation ends it.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Stop ends the management loop and waits for it to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Tick runs one management pass over every position: refresh the mark,
// retry failed orders, then evaluate momentum exit and breakeven activation.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.managed))
	for id := range m.managed {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.tickPosition(ctx, id)
	}
}

func (m *Manager) tickPosition(ctx context.Context, id string) {
	m.mu.Lock()
	mg, ok := m.managed[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	asset := mg.pos.Asset
	m.mu.Unlock()

	quote, err := m.exec.MarketData(ctx, asset)
	if err != nil {
		m.logger.Warn(ctx, "Market data unavailable, skipping tick", map[string]interface{}{
			"asset": asset,
			"error": err.Error(),
		})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok = m.managed[id]
	if !ok || mg.pos.IsClosed() {
		return
	}
	pos := mg.pos

	pos.UpdateBestPrice(quote.Last)
	pos.UnrealizedPnL = pos.PnL(quote.Last, pos.CurrentSize)

	m.retryPending(ctx, mg)

	if !mg.exitRequested && pos.TP1Filled && pos.PullbackR(quote.Last).GreaterThanOrEqual(m.cfg.MomentumPullbackR) {
		m.requestFullExit(ctx, mg, domain.PurposeMomentumExit)
		return
	}

	if !pos.BreakevenActivated && pos.UnrealizedR(quote.Last).GreaterThanOrEqual(m.cfg.BreakevenActivationR) {
		m.moveStopToBreakeven(ctx, mg)
	}
}

// retryPending replays order placements that failed earlier. Callers hold m.mu.
func (m *Manager) retryPending(ctx context.Context, mg *managed) {
	if len(mg.pending) == 0 {
		return
	}
	pending := mg.pending
	mg.pending = nil
	for _, req := range pending {
		m.placeOrder(ctx, mg, req)
	}
}

// requestFullExit places a market order for the position's full remaining
// size. The position closes when the fill arrives. Callers hold m.mu.
func (m *Manager) requestFullExit(ctx context.Context, mg *managed, purpose domain.OrderPurpose) {
	pos := mg.pos
	m.cancelOpenOrders(ctx, mg)
	mg.exitRequested = true
	m.placeOrder(ctx, mg, ports.OrderRequest{
		Asset:      pos.Asset,
		Side:       domain.ExitSide(pos.Direction),
		Type:       domain.OrderTypeMarket,
		Quantity:   pos.CurrentSize,
		Purpose:    purpose,
		PositionID: pos.ID,
	})
	m.logger.Info(ctx, "Full exit requested", map[string]interface{}{
		"position_id": pos.ID,
		"purpose":     string(purpose),
	})
}

// ClosePosition requests an immediate market close of a managed position.
func (m *Manager) ClosePosition(ctx context.Context, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.managed[positionID]
	if !ok {
		return fmt.Errorf("%w: position %s is not managed", ports.ErrNotFound, positionID)
	}
	if mg.exitRequested {
		return nil
	}
	m.requestFullExit(ctx, mg, domain.PurposeManualClose)
	return nil
}

// CloseAll requests a market close of every managed position.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mg := range m.managed {
		if !mg.exitRequested {
			m.requestFullExit(ctx, mg, domain.PurposeManualClose)
		}
	}
}

// moveStopToBreakeven replaces the protective stop with one at the entry
// price. The old stop is cancelled first; if the replacement then fails the
// position is unprotected, so it is flagged and the placement is retried on
// the next tick. Callers hold m.mu.
func (m *Manager) moveStopToBreakeven(ctx context.Context, mg *managed) {
	pos := mg.pos
	if mg.stopOrderID != "" {
		if err := m.exec.CancelOrder(ctx, pos.Asset, mg.stopOrderID); err != nil {
			m.logger.Warn(ctx, "Stop cancel failed, keeping current stop", map[string]interface{}{
				"position_id": pos.ID,
				"error":       err.Error(),
			})
			return
		}
		delete(mg.openOrders, mg.stopOrderID)
		mg.stopOrderID = ""
	}

	pos.StopLoss = pos.EntryPrice
	pos.BreakevenActivated = true
	if err := pos.TransitionTo(domain.StateBreakeven); err != nil {
		m.logger.Warn(ctx, "Breakeven transition rejected", map[string]interface{}{
			"position_id": pos.ID,
			"error":       err.Error(),
		})
	}
	m.placeOrder(ctx, mg, ports.OrderRequest{
		Asset:      pos.Asset,
		Side:       domain.ExitSide(pos.Direction),
		Type:       domain.OrderTypeStopMarket,
		Quantity:   pos.CurrentSize,
		StopPrice:  pos.EntryPrice,
		Purpose:    domain.PurposeBreakevenStop,
		PositionID: pos.ID,
	})
	m.logger.Info(ctx, "Stop moved to breakeven", map[string]interface{}{
		"position_id": pos.ID,
		"stop":        pos.StopLoss.String(),
	})
}

// handleFill is the execution client's fill callback. The mutex serializes it
// against ticks and other fills.
func (m *Manager) handleFill(fill ports.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mg, ok := m.managed[fill.PositionID]
	if !ok {
		return
	}
	ctx := context.Background()
	pos := mg.pos

	delete(mg.openOrders, fill.OrderID)
	if fill.OrderID == mg.stopOrderID {
		mg.stopOrderID = ""
	}

	switch fill.Purpose {
	case domain.PurposeEntry:
		return
	case domain.PurposeTP1:
		m.applyFill(mg, fill)
		pos.TP1Filled = true
		if len(pos.TakeProfits) > 0 {
			pos.TakeProfits[0].Filled = true
		}
		if pos.CurrentSize.IsPositive() {
			if err := pos.TransitionTo(domain.StatePartialTP1); err != nil {
				m.logger.Warn(ctx, "State transition rejected", map[string]interface{}{
					"position_id": pos.ID, "error": err.Error(),
				})
			}
			m.resizeStop(ctx, mg)
			return
		}
		m.closeManaged(ctx, mg, fill.Time, domain.ExitTakeProfit)
	case domain.PurposeTP2:
		m.applyFill(mg, fill)
		pos.TP2Filled = true
		if len(pos.TakeProfits) > 1 {
			pos.TakeProfits[1].Filled = true
		}
		if pos.CurrentSize.IsPositive() {
			if err := pos.TransitionTo(domain.StatePartialTP2); err != nil {
				m.logger.Warn(ctx, "State transition rejected", map[string]interface{}{
					"position_id": pos.ID, "error": err.Error(),
				})
			}
			m.resizeStop(ctx, mg)
			return
		}
		m.closeManaged(ctx, mg, fill.Time, domain.ExitTakeProfit)
	case domain.PurposeStopLoss, domain.PurposeBreakevenStop:
		m.applyFill(mg, fill)
		if !pos.CurrentSize.IsPositive() {
			m.closeManaged(ctx, mg, fill.Time, domain.ExitStopLoss)
		}
	case domain.PurposeMomentumExit:
		m.applyFill(mg, fill)
		if !pos.CurrentSize.IsPositive() {
			m.closeManaged(ctx, mg, fill.Time, domain.ExitMomentum)
		}
	case domain.PurposeManualClose:
		m.applyFill(mg, fill)
		if !pos.CurrentSize.IsPositive() {
			m.closeManaged(ctx, mg, fill.Time, domain.ExitManual)
		}
	}
}

// applyFill books one exit fill against the position. Callers hold m.mu.
func (m *Manager) applyFill(mg *managed, fill ports.Fill) {
	pos := mg.pos
	qty := fill.Quantity
	if qty.GreaterThan(pos.CurrentSize) {
		qty = pos.CurrentSize
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(pos.PnL(fill.Price, qty))
	pos.CurrentSize = pos.CurrentSize.Sub(qty)
	mg.exitNotional = mg.exitNotional.Add(fill.Price.Mul(qty))
	mg.exitQty = mg.exitQty.Add(qty)
}

// resizeStop replaces the protective stop so its quantity matches the reduced
// position size after a partial fill. Callers hold m.mu.
func (m *Manager) resizeStop(ctx context.Context, mg *managed) {
	pos := mg.pos
	purpose := domain.PurposeStopLoss
	if pos.BreakevenActivated {
		purpose = domain.PurposeBreakevenStop
	}
	if mg.stopOrderID != "" {
		if err := m.exec.CancelOrder(ctx, pos.Asset, mg.stopOrderID); err != nil {
			pos.NeedsAttention = true
			m.logger.Error(ctx, err, "Stop resize cancel failed", map[string]interface{}{
				"position_id": pos.ID,
			})
			return
		}
		delete(mg.openOrders, mg.stopOrderID)
		mg.stopOrderID = ""
	}
	m.placeOrder(ctx, mg, ports.OrderRequest{
		Asset:      pos.Asset,
		Side:       domain.ExitSide(pos.Direction),
		Type:       domain.OrderTypeStopMarket,
		Quantity:   pos.CurrentSize,
		StopPrice:  pos.StopLoss,
		Purpose:    purpose,
		PositionID: pos.ID,
	})
}

// cancelOpenOrders best-effort cancels everything still resting for the
// position. Callers hold m.mu.
func (m *Manager) cancelOpenOrders(ctx context.Context, mg *managed) {
	for orderID := range mg.openOrders {
		if err := m.exec.CancelOrder(ctx, mg.pos.Asset, orderID); err != nil {
			m.logger.Warn(ctx, "Order cancel failed", map[string]interface{}{
				"position_id": mg.pos.ID,
				"order_id":    orderID,
				"error":       err.Error(),
			})
		}
		delete(mg.openOrders, orderID)
	}
	mg.stopOrderID = ""
}

// closeManaged finalizes a fully exited position, emits its trade record and
// releases it from management. Callers hold m.mu.
func (m *Manager) closeManaged(ctx context.Context, mg *managed, at time.Time, reason domain.ExitReason) {
	pos := mg.pos
	m.cancelOpenOrders(ctx, mg)

	pos.ExitTime = at
	pos.ExitReason = reason
	if mg.exitQty.IsPositive() {
		pos.ExitPrice = mg.exitNotional.Div(mg.exitQty)
	}
	pos.UnrealizedPnL = decimal.Zero
	if err := pos.TransitionTo(domain.StateClosed); err != nil {
		m.logger.Error(ctx, err, "Close transition rejected", map[string]interface{}{
			"position_id": pos.ID,
		})
	}

	rec := domain.NewTradeRecord(uuid.NewString(), pos, mg.commission)
	delete(m.managed, pos.ID)

	if m.trades != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.trades.Create(saveCtx, rec); err != nil {
			m.logger.Error(saveCtx, err, "Trade record persistence failed", map[string]interface{}{
				"trade_id": rec.ID,
			})
		}
		cancel()
	}
	if m.onClose != nil {
		m.onClose(rec)
	}

	m.logger.Info(ctx, "Position closed", map[string]interface{}{
		"position_id": pos.ID,
		"asset":       pos.Asset,
		"reason":      string(reason),
		"pnl":         rec.PnL.String(),
	})
}
