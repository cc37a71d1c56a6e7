// Package live orchestrates the live trading loop: candle streams feed the
// scorer and reasoner, approved entries go through the risk gate, and opened
// positions are handed to the position manager.
package live

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
	"confluenceBot/internal/position"
	"confluenceBot/internal/risk"
)

// StreamClient is what the service needs from the exchange beyond order
// execution: historical backfill, candle streams and the fill stream.
type StreamClient interface {
	SetServerTime(ctx context.Context) error
	Ping(ctx context.Context) error
	Klines(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]*domain.Candle, error)
	StreamKlines(ctx context.Context, asset string, tf domain.Timeframe, handler func(*domain.Candle)) error
	StreamFills(ctx context.Context) error
}

// CandleSource serves lookback windows truncated at a given time.
type CandleSource interface {
	Window(ctx context.Context, asset string, tf domain.Timeframe, asOf time.Time, lookback int) ([]*domain.Candle, error)
}

// Config tunes the live trading service.
type Config struct {
	Assets          []string
	Timeframes      []domain.Timeframe
	BaseTimeframe   domain.Timeframe // signals evaluate on this timeframe's bar close
	Lookback        int
	RiskPerTrade    decimal.Decimal // fraction of balance risked per trade
	MinScore        float64
	MinConfidence   float64 // reasoner gate, mirrors the backtest threshold
	MonitorInterval time.Duration
	BalanceUsageCap decimal.Decimal // max fraction of balance in one position's notional
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("%w: at least one asset is required", ports.ErrConfigurationError)
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("%w: at least one timeframe is required", ports.ErrConfigurationError)
	}
	base := false
	for _, tf := range c.Timeframes {
		if tf == c.BaseTimeframe {
			base = true
		}
	}
	if !base {
		return fmt.Errorf("%w: base timeframe %q must be one of the configured timeframes", ports.ErrConfigurationError, c.BaseTimeframe)
	}
	if c.RiskPerTrade.LessThanOrEqual(decimal.Zero) || c.RiskPerTrade.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: RiskPerTrade must be in (0, 1)", ports.ErrConfigurationError)
	}
	if c.Lookback <= 0 {
		c.Lookback = 100
	}
	if c.MinScore == 0 {
		c.MinScore = 0.6
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.6
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 15 * time.Second
	}
	if c.BalanceUsageCap.LessThanOrEqual(decimal.Zero) {
		c.BalanceUsageCap = decimal.NewFromFloat(0.95)
	}
	return nil
}

// Service is the live trading orchestrator. One position per asset at most;
// everything downstream of entry is the position manager's job.
type Service struct {
	cfg      Config
	logger   ports.Logger
	stream   StreamClient
	exec     ports.ExecutionClient
	candles  CandleSource
	store    ports.CandleRepository
	scorer   ports.Scorer
	reasoner ports.Reasoner
	riskMgr  *risk.Manager
	posMgr   *position.Manager

	mu          sync.Mutex
	openByAsset map[string]string // asset -> managed position ID
}

// NewService wires the live trading service.
func NewService(
	cfg Config,
	logger ports.Logger,
	stream StreamClient,
	exec ports.ExecutionClient,
	candles CandleSource,
	store ports.CandleRepository,
	scorer ports.Scorer,
	reasoner ports.Reasoner,
	riskMgr *risk.Manager,
	posMgr *position.Manager,
) (*Service, error) {
	if logger == nil || stream == nil || exec == nil || candles == nil || store == nil ||
		scorer == nil || reasoner == nil || riskMgr == nil || posMgr == nil {
		return nil, fmt.Errorf("%w: missing required dependencies for live service", ports.ErrConfigurationError)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:         cfg,
		logger:      logger,
		stream:      stream,
		exec:        exec,
		candles:     candles,
		store:       store,
		scorer:      scorer,
		reasoner:    reasoner,
		riskMgr:     riskMgr,
		posMgr:      posMgr,
		openByAsset: make(map[string]string),
	}
	posMgr.OnTradeClosed(s.onTradeClosed)
	return s, nil
}

// Start runs the service until the context is cancelled or a shutdown signal
// arrives. Blocks for the lifetime of the bot.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting live trading service...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Clock skew breaks request signing; this is fatal.
	if err := s.stream.SetServerTime(ctx); err != nil {
		return fmt.Errorf("failed to set server time: %w", err)
	}
	if err := s.stream.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}

	if err := s.backfill(ctx); err != nil {
		return err
	}

	// Exposure opened outside this bot is not adopted, only surfaced.
	if positions, err := s.exec.Positions(ctx); err != nil {
		s.logger.Warn(ctx, "Could not check existing exchange positions", map[string]interface{}{"error": err.Error()})
	} else if len(positions) > 0 {
		for _, p := range positions {
			s.logger.Warn(ctx, "Unmanaged position on exchange", map[string]interface{}{
				"asset": p.Asset, "size": p.Size.String(), "entry": p.EntryPrice.String(),
			})
		}
	}

	go func() {
		if err := s.stream.StreamFills(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error(ctx, err, "Fill stream terminated, shutting down")
			cancel()
		}
	}()

	s.posMgr.Run(ctx)

	for _, asset := range s.cfg.Assets {
		for _, tf := range s.cfg.Timeframes {
			asset, tf := asset, tf
			go func() {
				if err := s.stream.StreamKlines(ctx, asset, tf, func(c *domain.Candle) { s.handleBar(c) }); err != nil && ctx.Err() == nil {
					s.logger.Error(ctx, err, "Kline stream terminated, shutting down", map[string]interface{}{
						"asset": asset, "timeframe": tf,
					})
					cancel()
				}
			}()
		}
	}
	s.logger.Info(ctx, "Candle streams started", map[string]interface{}{
		"assets":     s.cfg.Assets,
		"timeframes": s.cfg.Timeframes,
	})

	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Shutting down live trading service...")
			s.posMgr.Stop()
			s.logger.Info(ctx, "Live trading service stopped.")
			return nil
		case <-ticker.C:
			s.monitorTick(ctx)
		}
	}
}

// backfill loads enough history for every asset/timeframe so the first scored
// bar has a full lookback window behind it.
func (s *Service) backfill(ctx context.Context) error {
	for _, asset := range s.cfg.Assets {
		for _, tf := range s.cfg.Timeframes {
			candles, err := s.stream.Klines(ctx, asset, tf, s.cfg.Lookback)
			if err != nil {
				return fmt.Errorf("backfill %s %s: %w", asset, tf, err)
			}
			if len(candles) < s.cfg.Lookback {
				s.logger.Warn(ctx, "Backfill returned fewer candles than the lookback", map[string]interface{}{
					"asset": asset, "timeframe": tf, "got": len(candles), "want": s.cfg.Lookback,
				})
			}
			if err := s.store.Store(ctx, candles); err != nil {
				return fmt.Errorf("store backfill %s %s: %w", asset, tf, err)
			}
		}
	}
	s.logger.Info(ctx, "Historical backfill complete", map[string]interface{}{"lookback": s.cfg.Lookback})
	return nil
}

// handleBar ingests one closed candle. Every bar is persisted; only base
// timeframe bars trigger signal evaluation.
func (s *Service) handleBar(candle *domain.Candle) {
	ctx := context.Background()

	if err := s.store.Store(ctx, []*domain.Candle{candle}); err != nil {
		s.logger.Error(ctx, err, "Failed to persist streamed candle", map[string]interface{}{
			"asset": candle.Asset, "timeframe": candle.Timeframe,
		})
	}

	if candle.Timeframe != s.cfg.BaseTimeframe {
		return
	}
	s.evaluate(ctx, candle)
}

// evaluate runs the score -> reason -> risk gate -> entry pipeline for one
// closed base-timeframe bar.
func (s *Service) evaluate(ctx context.Context, bar *domain.Candle) {
	asset := bar.Asset

	s.mu.Lock()
	_, alreadyOpen := s.openByAsset[asset]
	s.mu.Unlock()
	if alreadyOpen {
		return
	}

	window := &ports.MultiTimeframeWindow{
		Asset:   asset,
		AsOf:    bar.Timestamp,
		Windows: make(map[domain.Timeframe][]*domain.Candle, len(s.cfg.Timeframes)),
	}
	for _, tf := range s.cfg.Timeframes {
		candles, err := s.candles.Window(ctx, asset, tf, bar.Timestamp, s.cfg.Lookback)
		if err != nil {
			s.logger.Error(ctx, err, "Window fetch failed, skipping evaluation", map[string]interface{}{
				"asset": asset, "timeframe": tf,
			})
			return
		}
		window.Windows[tf] = candles
	}

	score, err := s.scorer.Score(ctx, window)
	if err != nil {
		s.logger.Debug(ctx, "Scoring skipped", map[string]interface{}{"asset": asset, "reason": err.Error()})
		return
	}
	if score.Total < s.cfg.MinScore {
		return
	}

	equity := s.riskMgr.Balance()
	decision, err := s.reasoner.Reason(ctx, score, &ports.MarketContext{
		Asset:  asset,
		Price:  bar.Close,
		Equity: equity,
		Window: window,
	})
	if err != nil {
		s.logger.Error(ctx, err, "Reasoner failed", map[string]interface{}{"asset": asset})
		return
	}
	if !decision.ShouldEnter {
		s.logger.Debug(ctx, "Setup rejected by reasoner", map[string]interface{}{
			"asset": asset, "explanation": decision.Explanation,
		})
		return
	}
	if decision.Confidence < s.cfg.MinConfidence {
		s.logger.Debug(ctx, "Setup below confidence threshold", map[string]interface{}{
			"asset": asset, "confidence": decision.Confidence,
		})
		return
	}
	if decision.StopLoss.IsZero() {
		s.logger.Warn(ctx, "Entry decision without a stop, skipping", map[string]interface{}{"asset": asset})
		return
	}

	entry := bar.Close
	riskPerUnit := entry.Sub(decision.StopLoss).Abs()
	if riskPerUnit.IsZero() {
		return
	}
	qty := equity.Mul(s.cfg.RiskPerTrade).Div(riskPerUnit)
	maxNotional := equity.Mul(s.cfg.BalanceUsageCap)
	if qty.Mul(entry).GreaterThan(maxNotional) {
		qty = maxNotional.Div(entry)
	}
	if !qty.IsPositive() {
		return
	}

	check := s.riskMgr.ValidateTrade(ctx, asset, score.Bias, qty, entry, decision.StopLoss)
	if !check.Approved {
		s.logger.Info(ctx, "Trade rejected by risk gate", map[string]interface{}{
			"asset": asset, "state": string(check.State), "reason": check.Reason,
		})
		return
	}
	if check.SuggestedSize.IsPositive() {
		qty = check.SuggestedSize
	}

	s.enterPosition(ctx, asset, score.Bias, entry, qty, decision)
}

// enterPosition places the entry order and hands the resulting position to the
// manager. A position the manager refuses is flattened immediately rather than
// left unprotected.
func (s *Service) enterPosition(ctx context.Context, asset string, dir domain.Direction, entry, qty decimal.Decimal, decision *ports.EntryDecision) {
	posID := uuid.NewString()

	order, err := s.exec.PlaceOrder(ctx, ports.OrderRequest{
		Asset:      asset,
		Side:       domain.EntrySide(dir),
		Type:       domain.OrderTypeMarket,
		Quantity:   qty,
		Purpose:    domain.PurposeEntry,
		PositionID: posID,
	})
	if err != nil {
		s.logger.Error(ctx, err, "Entry order failed", map[string]interface{}{"asset": asset})
		return
	}

	entryPrice := order.AvgFillPrice
	if entryPrice.IsZero() {
		s.logger.Warn(ctx, "Entry fill price unavailable, using bar close", map[string]interface{}{
			"asset": asset, "order_id": order.ID,
		})
		entryPrice = entry
	}

	riskPerUnit := entryPrice.Sub(decision.StopLoss).Abs()
	pos := &domain.Position{
		ID:          posID,
		Asset:       asset,
		Direction:   dir,
		EntryPrice:  entryPrice,
		EntryTime:   order.Timestamp,
		Quantity:    qty,
		CurrentSize: qty,
		StopLoss:    decision.StopLoss,
		InitialStop: decision.StopLoss,
		TakeProfits: splitTargets(qty, decision.Targets),
		BestPrice:   entryPrice,
		State:       domain.StateActive,
		Reasoning:   decision.Explanation,
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = time.Now().UTC()
	}

	if err := s.posMgr.Manage(ctx, pos); err != nil {
		s.logger.Error(ctx, err, "Position manager refused the position, flattening", map[string]interface{}{
			"position_id": posID, "asset": asset,
		})
		s.emergencyClose(ctx, asset, dir, qty)
		return
	}

	s.mu.Lock()
	s.openByAsset[asset] = posID
	s.mu.Unlock()
	s.riskMgr.RecordOpen(ctx, posID, asset, entryPrice.Mul(qty), riskPerUnit.Mul(qty))

	s.logger.Info(ctx, "Position opened", map[string]interface{}{
		"position_id": posID,
		"asset":       asset,
		"direction":   string(dir),
		"entry":       entryPrice.String(),
		"stop":        decision.StopLoss.String(),
		"quantity":    qty.String(),
		"confidence":  decision.Confidence,
	})
}

// emergencyClose flattens exposure that could not be brought under management.
func (s *Service) emergencyClose(ctx context.Context, asset string, dir domain.Direction, qty decimal.Decimal) {
	_, err := s.exec.PlaceOrder(ctx, ports.OrderRequest{
		Asset:    asset,
		Side:     domain.ExitSide(dir),
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
		Purpose:  domain.PurposeManualClose,
	})
	if err != nil {
		s.logger.Error(ctx, err, "EMERGENCY CLOSE FAILED, manual intervention required", map[string]interface{}{
			"asset": asset, "quantity": qty.String(),
		})
		return
	}
	s.logger.Warn(ctx, "Emergency close order placed", map[string]interface{}{"asset": asset})
}

// onTradeClosed feeds completed round trips back into the risk ledger and
// frees the asset slot for the next signal.
func (s *Service) onTradeClosed(trade *domain.TradeRecord) {
	ctx := context.Background()

	s.mu.Lock()
	if id, ok := s.openByAsset[trade.Asset]; ok && id == trade.PositionID {
		delete(s.openByAsset, trade.Asset)
	}
	s.mu.Unlock()

	s.riskMgr.RecordClose(ctx, trade)
	s.logger.Info(ctx, "Trade closed", map[string]interface{}{
		"trade_id": trade.ID,
		"asset":    trade.Asset,
		"reason":   string(trade.ExitReason),
		"pnl":      trade.PnL.String(),
		"r":        trade.RMultiple.String(),
	})
}

// monitorTick refreshes mark-to-market risk state and reacts to an emergency
// force-close request.
func (s *Service) monitorTick(ctx context.Context) {
	positions, err := s.exec.Positions(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Position query failed on monitor tick", map[string]interface{}{"error": err.Error()})
	} else {
		unrealized := decimal.Zero
		for _, p := range positions {
			unrealized = unrealized.Add(p.UnrealizedPnL)
		}
		s.riskMgr.UpdateUnrealized(ctx, unrealized)
	}

	if s.riskMgr.ForceCloseRequested() {
		s.logger.Error(ctx, nil, "EMERGENCY: closing all positions")
		s.posMgr.CloseAll(ctx)
	}

	s.logger.Debug(ctx, "Risk snapshot", toFields(s.riskMgr.Snapshot()))
}

// splitTargets spreads the position across up to two reasoner targets, half
// the size each. Empty targets defer to the manager's default ladder.
func splitTargets(qty decimal.Decimal, targets []decimal.Decimal) []domain.TakeProfitLevel {
	if len(targets) == 0 {
		return nil
	}
	if len(targets) == 1 {
		return []domain.TakeProfitLevel{{Price: targets[0], Quantity: qty}}
	}
	half := qty.Div(decimal.NewFromInt(2))
	return []domain.TakeProfitLevel{
		{Price: targets[0], Quantity: half},
		{Price: targets[1], Quantity: qty.Sub(half)},
	}
}

func toFields(snap map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(snap))
	for k, v := range snap {
		fields[k] = v
	}
	return fields
}
