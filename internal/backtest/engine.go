package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
	"confluenceBot/internal/stats"
)

// Phase is the lifecycle state of one engine run.
type Phase string

const (
	PhaseInitializing Phase = "INITIALIZING"
	PhaseRunning      Phase = "RUNNING"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// CandleSource provides historical candle windows truncated at a point in
// time. Satisfied by marketdata.Manager.
type CandleSource interface {
	Window(ctx context.Context, asset string, tf domain.Timeframe, asOf time.Time, lookback int) ([]*domain.Candle, error)
}

// fillLedger accumulates per-position exit fills so the final trade record
// carries a size-weighted exit price and the total commission paid.
type fillLedger struct {
	commission   decimal.Decimal
	exitNotional decimal.Decimal
	exitQty      decimal.Decimal
}

// Engine replays historical candles bar by bar and simulates the full entry
// and position-management pipeline against them. One engine instance runs
// once; everything happens on the caller's goroutine, so identical inputs
// always produce identical results.
type Engine struct {
	cfg      Config
	data     CandleSource
	scorer   ports.Scorer
	reasoner ports.Reasoner
	logger   ports.Logger

	phase Phase

	balance   decimal.Decimal
	open      map[string]*domain.Position // keyed by asset, one position per asset
	ledgers   map[string]*fillLedger      // keyed by position ID
	trades    []*domain.TradeRecord
	equity    []domain.EquityPoint
	peak      decimal.Decimal
	maxDD     decimal.Decimal
	lastPrice map[string]decimal.Decimal

	day       string
	dayStart  decimal.Decimal
	dayPnL    decimal.Decimal
	dayLocked bool
}

// New validates the configuration and returns an engine ready to run.
// A configuration error here is fatal; nothing has been simulated yet.
func New(cfg Config, data CandleSource, scorer ports.Scorer, reasoner ports.Reasoner, log ports.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if data == nil || scorer == nil || reasoner == nil || log == nil {
		return nil, fmt.Errorf("%w: data source, scorer, reasoner and logger are required", ports.ErrConfigurationError)
	}
	return &Engine{
		cfg:       cfg,
		data:      data,
		scorer:    scorer,
		reasoner:  reasoner,
		logger:    log,
		phase:     PhaseInitializing,
		balance:   cfg.InitialBalance,
		open:      make(map[string]*domain.Position),
		ledgers:   make(map[string]*fillLedger),
		lastPrice: make(map[string]decimal.Decimal),
		peak:      cfg.InitialBalance,
	}, nil
}

// Phase returns the engine's lifecycle state.
func (e *Engine) Phase() Phase {
	return e.phase
}

// Run executes the simulation from Start to End. The engine is single-use:
// a second call returns an error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.phase != PhaseInitializing {
		return nil, fmt.Errorf("%w: engine already ran (phase %s)", ports.ErrInvalidRequest, e.phase)
	}
	e.phase = PhaseRunning
	startedAt := time.Now()
	step := e.cfg.BaseTimeframe.Duration()

	e.logger.Info(ctx, "Backtest started", map[string]interface{}{
		"assets":  e.cfg.Assets,
		"start":   e.cfg.Start,
		"end":     e.cfg.End,
		"balance": e.cfg.InitialBalance.String(),
	})

	bars := 0
	for ts := e.cfg.Start; !ts.After(e.cfg.End); ts = ts.Add(step) {
		select {
		case <-ctx.Done():
			e.phase = PhaseFailed
			return nil, fmt.Errorf("%w: backtest aborted at %s", ports.ErrContextCanceled, ts)
		default:
		}

		e.rollDay(ts)

		for _, asset := range e.cfg.Assets {
			bar := e.currentBar(ctx, asset, ts)
			if bar == nil {
				continue
			}
			e.lastPrice[asset] = bar.Close
			if pos, ok := e.open[asset]; ok {
				e.updatePosition(ctx, pos, bar, ts)
			}
		}

		e.tryEnter(ctx, ts)

		bars++
		if bars%e.cfg.SnapshotInterval == 0 {
			e.snapshot(ts)
		}
	}

	e.closeAll(ctx, e.cfg.End, domain.ExitTimeStop)
	e.snapshot(e.cfg.End)
	e.phase = PhaseCompleted

	res := &Result{
		Phase:          e.phase,
		StartedAt:      startedAt,
		FinishedAt:     time.Now(),
		Start:          e.cfg.Start,
		End:            e.cfg.End,
		Assets:         e.cfg.Assets,
		TotalBars:      bars,
		InitialBalance: e.cfg.InitialBalance,
		FinalBalance:   e.balance,
		PeakEquity:     e.peak,
		MaxDrawdown:    e.maxDD,
		Trades:         e.trades,
		EquityCurve:    e.equity,
		Statistics:     stats.Compute(e.trades, e.equity),
	}
	e.logger.Info(ctx, "Backtest completed", map[string]interface{}{
		"bars":          bars,
		"trades":        len(e.trades),
		"final_balance": e.balance.String(),
	})
	return res, nil
}

// rollDay resets the daily loss accounting at each calendar-day boundary.
// A day lock tripped mid-day holds for the remainder of that day only.
func (e *Engine) rollDay(ts time.Time) {
	day := domain.DayKey(ts)
	if day == e.day {
		return
	}
	e.day = day
	e.dayStart = e.balance
	e.dayPnL = decimal.Zero
	e.dayLocked = false
}

// recordDayPnL applies a realized delta to the day's running total and trips
// the entry lock once the configured daily loss is reached.
func (e *Engine) recordDayPnL(delta decimal.Decimal) {
	e.dayPnL = e.dayPnL.Add(delta)
	if e.cfg.MaxDailyLossPercent.IsZero() || e.dayStart.IsZero() {
		return
	}
	limit := e.cfg.MaxDailyLossPercent.Mul(e.dayStart)
	if e.dayPnL.IsNegative() && e.dayPnL.Abs().GreaterThanOrEqual(limit) {
		if !e.dayLocked {
			e.logger.Warn(context.Background(), "Daily loss limit reached, no new entries today", map[string]interface{}{
				"day":     e.day,
				"day_pnl": e.dayPnL.String(),
				"limit":   limit.String(),
			})
		}
		e.dayLocked = true
	}
}

// currentBar returns the base-timeframe candle that opened exactly at ts, or
// nil when the asset has no bar there (gap or missing data).
func (e *Engine) currentBar(ctx context.Context, asset string, ts time.Time) *domain.Candle {
	window, err := e.data.Window(ctx, asset, e.cfg.BaseTimeframe, ts, 1)
	if err != nil || len(window) == 0 {
		return nil
	}
	c := window[len(window)-1]
	if !c.Timestamp.Equal(ts) {
		return nil
	}
	return c
}

// updatePosition advances one open position through one bar: exit checks
// against the bar's range first, then extremum tracking, momentum exit and
// breakeven activation at the bar close.
func (e *Engine) updatePosition(ctx context.Context, pos *domain.Position, bar *domain.Candle, ts time.Time) {
	// The entry bar already set the position up from its close; exits start
	// on the next bar so an entry cannot be stopped out by price action that
	// happened before it existed.
	if !bar.Timestamp.After(pos.EntryTime) {
		return
	}

	stopHit := pos.StopHit(bar.Low, bar.High)
	var touched []int
	for i := range pos.TakeProfits {
		if !pos.TakeProfits[i].Filled && pos.TargetHit(pos.TakeProfits[i].Price, bar.Low, bar.High) {
			touched = append(touched, i)
		}
	}

	if stopHit && (len(touched) == 0 || e.cfg.TieBreak == StopPriority) {
		e.exitRemaining(ctx, pos, pos.StopLoss, ts, domain.ExitStopLoss)
	} else {
		for _, i := range touched {
			e.fillTakeProfit(ctx, pos, i, ts)
			if pos.IsClosed() {
				break
			}
		}
		if !pos.IsClosed() && stopHit {
			e.exitRemaining(ctx, pos, pos.StopLoss, ts, domain.ExitStopLoss)
		}
	}
	if pos.IsClosed() {
		return
	}

	if pos.Direction == domain.Long {
		pos.UpdateBestPrice(bar.High)
	} else {
		pos.UpdateBestPrice(bar.Low)
	}

	if pos.TP1Filled && pos.PullbackR(bar.Close).GreaterThanOrEqual(e.cfg.MomentumPullbackR) {
		e.exitRemaining(ctx, pos, bar.Close, ts, domain.ExitMomentum)
		return
	}

	if !pos.BreakevenActivated && pos.UnrealizedR(bar.Close).GreaterThanOrEqual(e.cfg.BreakevenActivationR) {
		pos.StopLoss = pos.EntryPrice
		pos.BreakevenActivated = true
		if err := pos.TransitionTo(domain.StateBreakeven); err != nil {
			e.logger.Warn(ctx, "Breakeven transition rejected", map[string]interface{}{
				"position_id": pos.ID,
				"error":       err.Error(),
			})
		}
	}

	pos.UnrealizedPnL = pos.PnL(bar.Close, pos.CurrentSize)
}

// fillTakeProfit fills one unfilled take-profit level at its limit price.
func (e *Engine) fillTakeProfit(ctx context.Context, pos *domain.Position, level int, ts time.Time) {
	tp := &pos.TakeProfits[level]
	qty := tp.Quantity
	if qty.GreaterThan(pos.CurrentSize) {
		qty = pos.CurrentSize
	}
	tp.Filled = true
	switch level {
	case 0:
		pos.TP1Filled = true
		_ = pos.TransitionTo(domain.StatePartialTP1)
	case 1:
		pos.TP2Filled = true
		_ = pos.TransitionTo(domain.StatePartialTP2)
	}
	e.realize(ctx, pos, e.exitPrice(pos.Direction, tp.Price), qty, ts, domain.ExitTakeProfit)
}

// exitRemaining closes the position's full remaining size at the given raw
// price, applying adverse slippage.
func (e *Engine) exitRemaining(ctx context.Context, pos *domain.Position, price decimal.Decimal, ts time.Time, reason domain.ExitReason) {
	e.realize(ctx, pos, e.exitPrice(pos.Direction, price), pos.CurrentSize, ts, reason)
}

// realize books a fill: P&L and commission hit the balance and the daily
// total, the ledger accumulates exit notional, and the position closes when
// its size reaches zero.
func (e *Engine) realize(ctx context.Context, pos *domain.Position, price, qty decimal.Decimal, ts time.Time, reason domain.ExitReason) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return
	}
	pnl := pos.PnL(price, qty)
	commission := price.Mul(qty).Mul(e.cfg.CommissionRate)

	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.CurrentSize = pos.CurrentSize.Sub(qty)

	led := e.ledgers[pos.ID]
	led.commission = led.commission.Add(commission)
	led.exitNotional = led.exitNotional.Add(price.Mul(qty))
	led.exitQty = led.exitQty.Add(qty)

	e.balance = e.balance.Add(pnl).Sub(commission)
	e.recordDayPnL(pnl.Sub(commission))

	if !pos.CurrentSize.IsPositive() {
		e.closePosition(ctx, pos, ts, reason)
	}
}

// closePosition finalizes a fully exited position and emits its trade record.
func (e *Engine) closePosition(ctx context.Context, pos *domain.Position, ts time.Time, reason domain.ExitReason) {
	led := e.ledgers[pos.ID]
	pos.ExitTime = ts
	pos.ExitReason = reason
	if led.exitQty.IsPositive() {
		pos.ExitPrice = led.exitNotional.Div(led.exitQty)
	}
	pos.UnrealizedPnL = decimal.Zero
	if err := pos.TransitionTo(domain.StateClosed); err != nil {
		e.logger.Error(ctx, err, "Close transition rejected", map[string]interface{}{"position_id": pos.ID})
	}

	rec := domain.NewTradeRecord(uuid.NewString(), pos, led.commission)
	e.trades = append(e.trades, rec)
	delete(e.open, pos.Asset)
	delete(e.ledgers, pos.ID)

	e.logger.Info(ctx, "Position closed", map[string]interface{}{
		"position_id": pos.ID,
		"asset":       pos.Asset,
		"reason":      string(reason),
		"pnl":         rec.PnL.String(),
		"r_multiple":  rec.RMultiple.String(),
	})
}

// tryEnter runs the entry pipeline for every asset without an open position:
// score gate, reasoner gate, then risk-based sizing.
func (e *Engine) tryEnter(ctx context.Context, ts time.Time) {
	if e.dayLocked {
		return
	}
	for _, asset := range e.cfg.Assets {
		if len(e.open) >= e.cfg.MaxConcurrent {
			return
		}
		if _, ok := e.open[asset]; ok {
			continue
		}
		bar := e.currentBar(ctx, asset, ts)
		if bar == nil {
			continue
		}

		window, err := e.buildWindow(ctx, asset, ts)
		if err != nil {
			continue
		}
		score, err := e.scorer.Score(ctx, window)
		if err != nil {
			e.logger.Warn(ctx, "Scorer failed, skipping bar", map[string]interface{}{
				"asset": asset,
				"error": err.Error(),
			})
			continue
		}
		if score.Total < e.cfg.MinScore || score.Bias == "" {
			continue
		}

		decision, err := e.reasoner.Reason(ctx, score, &ports.MarketContext{
			Asset:  asset,
			Price:  bar.Close,
			Equity: e.currentEquity(),
			Window: window,
		})
		if err != nil {
			e.logger.Warn(ctx, "Reasoner failed, skipping bar", map[string]interface{}{
				"asset": asset,
				"error": err.Error(),
			})
			continue
		}
		if !decision.ShouldEnter || decision.Confidence < e.cfg.MinConfidence {
			continue
		}

		e.openPosition(ctx, asset, score.Bias, bar, decision, ts)
	}
}

// buildWindow assembles the multi-timeframe view handed to the scorer.
func (e *Engine) buildWindow(ctx context.Context, asset string, ts time.Time) (*ports.MultiTimeframeWindow, error) {
	out := &ports.MultiTimeframeWindow{
		Asset:   asset,
		AsOf:    ts,
		Windows: make(map[domain.Timeframe][]*domain.Candle, len(e.cfg.Timeframes)),
	}
	for _, tf := range e.cfg.Timeframes {
		candles, err := e.data.Window(ctx, asset, tf, ts, e.cfg.Lookback)
		if err != nil {
			return nil, fmt.Errorf("window %s %s: %w", asset, tf, err)
		}
		out.Windows[tf] = candles
	}
	return out, nil
}

// openPosition sizes and opens a new position from the entry bar's close.
func (e *Engine) openPosition(ctx context.Context, asset string, dir domain.Direction, bar *domain.Candle, decision *ports.EntryDecision, ts time.Time) {
	entry := e.entryPrice(dir, bar.Close)

	stop := decision.StopLoss
	if stop.IsZero() || !stopOnProtectiveSide(dir, entry, stop) {
		if dir == domain.Long {
			stop = bar.Low.Mul(decimal.NewFromInt(1).Sub(e.cfg.StopBuffer))
		} else {
			stop = bar.High.Mul(decimal.NewFromInt(1).Add(e.cfg.StopBuffer))
		}
	}
	riskPerUnit := entry.Sub(stop).Abs()
	if riskPerUnit.IsZero() {
		return
	}

	riskAmount := e.currentEquity().Mul(e.cfg.RiskPerTrade)
	qty := riskAmount.Div(riskPerUnit)
	maxNotional := e.balance.Mul(balanceUsageCap)
	if qty.Mul(entry).GreaterThan(maxNotional) {
		qty = maxNotional.Div(entry)
	}
	if !qty.IsPositive() {
		return
	}

	pos := &domain.Position{
		ID:          uuid.NewString(),
		Asset:       asset,
		Direction:   dir,
		EntryPrice:  entry,
		EntryTime:   ts,
		Quantity:    qty,
		CurrentSize: qty,
		StopLoss:    stop,
		InitialStop: stop,
		TakeProfits: buildTargets(dir, entry, riskPerUnit, qty, decision.Targets),
		BestPrice:   entry,
		State:       domain.StateActive,
		Reasoning:   decision.Explanation,
	}

	commission := entry.Mul(qty).Mul(e.cfg.CommissionRate)
	e.balance = e.balance.Sub(commission)
	e.recordDayPnL(commission.Neg())

	e.open[asset] = pos
	e.ledgers[pos.ID] = &fillLedger{commission: commission}

	e.logger.Info(ctx, "Position opened", map[string]interface{}{
		"position_id": pos.ID,
		"asset":       asset,
		"direction":   string(dir),
		"entry":       entry.String(),
		"stop":        stop.String(),
		"quantity":    qty.String(),
	})
}

// buildTargets lays out the take-profit ladder: the reasoner's explicit
// targets when given, otherwise R-multiple defaults from the initial stop.
// Size is split evenly with the remainder on the last level.
func buildTargets(dir domain.Direction, entry, riskPerUnit, qty decimal.Decimal, suggested []decimal.Decimal) []domain.TakeProfitLevel {
	prices := suggested
	if len(prices) == 0 {
		prices = make([]decimal.Decimal, 0, len(defaultTPMultiples))
		for _, mult := range defaultTPMultiples {
			offset := riskPerUnit.Mul(mult)
			if dir == domain.Long {
				prices = append(prices, entry.Add(offset))
			} else {
				prices = append(prices, entry.Sub(offset))
			}
		}
	}
	n := decimal.NewFromInt(int64(len(prices)))
	slice := qty.Div(n)
	levels := make([]domain.TakeProfitLevel, len(prices))
	allocated := decimal.Zero
	for i, price := range prices {
		q := slice
		if i == len(prices)-1 {
			q = qty.Sub(allocated)
		}
		allocated = allocated.Add(q)
		levels[i] = domain.TakeProfitLevel{Price: price, Quantity: q}
	}
	return levels
}

func stopOnProtectiveSide(dir domain.Direction, entry, stop decimal.Decimal) bool {
	if dir == domain.Long {
		return stop.LessThan(entry)
	}
	return stop.GreaterThan(entry)
}

// entryPrice applies adverse slippage to a fill opening a position.
func (e *Engine) entryPrice(dir domain.Direction, price decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dir == domain.Long {
		return price.Mul(one.Add(e.cfg.SlippageRate))
	}
	return price.Mul(one.Sub(e.cfg.SlippageRate))
}

// exitPrice applies adverse slippage to a fill closing (part of) a position.
func (e *Engine) exitPrice(dir domain.Direction, price decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dir == domain.Long {
		return price.Mul(one.Sub(e.cfg.SlippageRate))
	}
	return price.Mul(one.Add(e.cfg.SlippageRate))
}

// closeAll force-closes every remaining position at its last known price.
// Assets are walked in configuration order so the trade list is deterministic.
func (e *Engine) closeAll(ctx context.Context, ts time.Time, reason domain.ExitReason) {
	for _, asset := range e.cfg.Assets {
		pos, ok := e.open[asset]
		if !ok {
			continue
		}
		price, known := e.lastPrice[asset]
		if !known {
			price = pos.EntryPrice
		}
		e.exitRemaining(ctx, pos, price, ts, reason)
	}
}

// currentEquity is the balance plus the mark-to-market value of open
// positions at their last known prices.
func (e *Engine) currentEquity() decimal.Decimal {
	eq := e.balance
	for asset, pos := range e.open {
		if price, ok := e.lastPrice[asset]; ok {
			eq = eq.Add(pos.PnL(price, pos.CurrentSize))
		}
	}
	return eq
}

// snapshot appends an equity point and advances the monotonic peak and
// max-drawdown trackers.
func (e *Engine) snapshot(ts time.Time) {
	eq := e.currentEquity()
	if eq.GreaterThan(e.peak) {
		e.peak = eq
	}
	dd := e.peak.Sub(eq)
	if dd.GreaterThan(e.maxDD) {
		e.maxDD = dd
	}
	e.equity = append(e.equity, domain.EquityPoint{Time: ts, Equity: eq, Drawdown: dd})
}
