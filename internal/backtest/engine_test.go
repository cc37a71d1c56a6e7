package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

const testAsset = "ETHUSDT"

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// stubSource serves candles from a fixed slice, truncated at asOf.
type stubSource struct {
	candles []*domain.Candle
}

func (s *stubSource) Window(_ context.Context, _ string, _ domain.Timeframe, asOf time.Time, lookback int) ([]*domain.Candle, error) {
	var out []*domain.Candle
	for _, c := range s.candles {
		if !c.Timestamp.After(asOf) {
			out = append(out, c)
		}
	}
	if len(out) > lookback {
		out = out[len(out)-lookback:]
	}
	return out, nil
}

// scriptScorer emits a strong long score at the scripted instants and a flat
// score everywhere else.
type scriptScorer struct {
	fireAt map[int64]bool
}

func (s *scriptScorer) Score(_ context.Context, w *ports.MultiTimeframeWindow) (*ports.Score, error) {
	if s.fireAt[w.AsOf.Unix()] {
		return &ports.Score{Total: 0.8, Bias: domain.Long}, nil
	}
	return &ports.Score{Total: 0.1, Bias: domain.Long}, nil
}

// scriptReasoner approves every scored setup with a fixed plan.
type scriptReasoner struct {
	stop    decimal.Decimal
	targets []decimal.Decimal
}

func (r *scriptReasoner) Reason(_ context.Context, _ *ports.Score, _ *ports.MarketContext) (*ports.EntryDecision, error) {
	return &ports.EntryDecision{
		ShouldEnter: true,
		Confidence:  0.9,
		StopLoss:    r.stop,
		Targets:     r.targets,
		Explanation: "scripted",
	}, nil
}

func bar(ts time.Time, o, h, l, c float64) *domain.Candle {
	return &domain.Candle{
		Timestamp: ts,
		Asset:     testAsset,
		Timeframe: domain.TF1h,
		Open:      dec(o),
		High:      dec(h),
		Low:       dec(l),
		Close:     dec(c),
		Volume:    dec(1000),
	}
}

func baseConfig(start, end time.Time) Config {
	return Config{
		Assets:         []string{testAsset},
		BaseTimeframe:  domain.TF1h,
		Start:          start,
		End:            end,
		InitialBalance: dec(10000),
		RiskPerTrade:   dec(0.01),
		MaxConcurrent:  1,
	}
}

func runEngine(t *testing.T, cfg Config, src *stubSource, scorer ports.Scorer, reasoner ports.Reasoner) *Result {
	t.Helper()
	eng, err := New(cfg, src, scorer, reasoner, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)
	res, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, eng.Phase())
	return res
}

func TestStopTakesPrecedenceInAmbiguousBar(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	src := &stubSource{candles: []*domain.Candle{
		bar(t0, 99, 100.5, 98.5, 100),
		// Touches the 104 target and the 98 stop within the same bar.
		bar(t1, 100, 104, 98, 99),
	}}
	scorer := &scriptScorer{fireAt: map[int64]bool{t0.Unix(): true}}
	reasoner := &scriptReasoner{stop: dec(98), targets: []decimal.Decimal{dec(104)}}

	cfg := baseConfig(t0, t1)
	res := runEngine(t, cfg, src, scorer, reasoner)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, domain.ExitStopLoss, trade.ExitReason)
	assert.True(t, trade.ExitPrice.Equal(dec(98)), "exit %s", trade.ExitPrice)
	// Risk 1% of 10000 = 100, per-unit risk 2 -> qty 50, loss 100, exactly -1R.
	assert.True(t, trade.PnL.Equal(dec(-100)), "pnl %s", trade.PnL)
	assert.True(t, trade.RMultiple.Equal(dec(-1)), "r %s", trade.RMultiple)
	assert.True(t, res.FinalBalance.Equal(dec(9900)), "balance %s", res.FinalBalance)
}

func TestTPPriorityFillsTargetInAmbiguousBar(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	src := &stubSource{candles: []*domain.Candle{
		bar(t0, 99, 100.5, 98.5, 100),
		bar(t1, 100, 104, 98, 99),
	}}
	scorer := &scriptScorer{fireAt: map[int64]bool{t0.Unix(): true}}
	reasoner := &scriptReasoner{stop: dec(98), targets: []decimal.Decimal{dec(104)}}

	cfg := baseConfig(t0, t1)
	cfg.TieBreak = TPPriority
	res := runEngine(t, cfg, src, scorer, reasoner)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, domain.ExitTakeProfit, trade.ExitReason)
	// 4 per unit on 50 units.
	assert.True(t, trade.PnL.Equal(dec(200)), "pnl %s", trade.PnL)
	assert.True(t, trade.RMultiple.Equal(dec(2)), "r %s", trade.RMultiple)
}

func TestZeroTradeBacktestReturnsInitialBalance(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := t0.Add(10 * time.Hour)

	candles := make([]*domain.Candle, 0, 11)
	for i := 0; i <= 10; i++ {
		candles = append(candles, bar(t0.Add(time.Duration(i)*time.Hour), 100, 101, 99, 100))
	}
	src := &stubSource{candles: candles}
	scorer := &scriptScorer{} // never fires
	reasoner := &scriptReasoner{stop: dec(98)}

	res := runEngine(t, baseConfig(t0, end), src, scorer, reasoner)

	assert.Empty(t, res.Trades)
	assert.True(t, res.FinalBalance.Equal(res.InitialBalance))
	assert.True(t, res.MaxDrawdown.IsZero())
	assert.Equal(t, 0, res.Statistics.TotalTrades)
}

func TestBreakevenStopMovesToEntry(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	src := &stubSource{candles: []*domain.Candle{
		bar(t0, 99, 100.5, 98.5, 100),
		// Close at 100.5 is +0.25R on a 2-point risk: breakeven activates.
		bar(t1, 100, 100.6, 99.9, 100.5),
		// Dips to 99.5: tags the breakeven stop at 100, not the original 98.
		bar(t2, 100.4, 100.4, 99.5, 99.8),
	}}
	scorer := &scriptScorer{fireAt: map[int64]bool{t0.Unix(): true}}
	reasoner := &scriptReasoner{stop: dec(98), targets: []decimal.Decimal{dec(110)}}

	res := runEngine(t, baseConfig(t0, t2), src, scorer, reasoner)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, domain.ExitStopLoss, trade.ExitReason)
	assert.True(t, trade.ExitPrice.Equal(dec(100)), "exit %s", trade.ExitPrice)
	assert.True(t, trade.PnL.IsZero(), "pnl %s", trade.PnL)
}

func TestPartialTPThenMomentumExit(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t0.Add(2 * time.Hour)

	src := &stubSource{candles: []*domain.Candle{
		bar(t0, 99, 100.5, 98.5, 100),
		// Tags the 102 target; closes near the high.
		bar(t1, 100, 102.5, 99.9, 102.3),
		// New high 102.8, then closes 1 point off it: 0.5R pullback.
		bar(t2, 102.3, 102.8, 101.5, 101.8),
	}}
	scorer := &scriptScorer{fireAt: map[int64]bool{t0.Unix(): true}}
	reasoner := &scriptReasoner{stop: dec(98), targets: []decimal.Decimal{dec(102), dec(104)}}

	res := runEngine(t, baseConfig(t0, t2), src, scorer, reasoner)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, domain.ExitMomentum, trade.ExitReason)
	// qty 50: half out at 102 (+50), half out at 101.8 (+45).
	assert.True(t, trade.PnL.Equal(dec(95)), "pnl %s", trade.PnL)
	assert.True(t, res.FinalBalance.Equal(dec(10095)), "balance %s", res.FinalBalance)
}

func TestDailyLossGateBlocksEntriesUntilNextDay(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := t0.Add(24 * time.Hour)
	end := day2.Add(time.Hour)

	src := &stubSource{candles: []*domain.Candle{
		bar(t0, 99, 100.5, 98.5, 100),
		// Stop bar: tags 96 for a full -3% day.
		bar(t0.Add(time.Hour), 100, 100.2, 96, 97),
		// Second signal, same day: must be ignored.
		bar(t0.Add(2*time.Hour), 97, 100.5, 96.5, 100),
		// Next day: entries allowed again.
		bar(day2, 99, 100.5, 98.5, 100),
		bar(end, 100, 101.5, 99.9, 101),
	}}
	scorer := &scriptScorer{fireAt: map[int64]bool{
		t0.Unix():                    true,
		t0.Add(2 * time.Hour).Unix(): true,
		day2.Unix():                  true,
	}}
	reasoner := &scriptReasoner{stop: dec(96), targets: []decimal.Decimal{dec(120)}}

	cfg := baseConfig(t0, end)
	cfg.RiskPerTrade = dec(0.03)
	cfg.MaxDailyLossPercent = dec(0.03)
	res := runEngine(t, cfg, src, scorer, reasoner)

	require.Len(t, res.Trades, 2)
	// First trade: 3% of 10000 risked over a 4-point stop, qty 75, loss 300.
	assert.Equal(t, domain.ExitStopLoss, res.Trades[0].ExitReason)
	assert.True(t, res.Trades[0].PnL.Equal(dec(-300)), "pnl %s", res.Trades[0].PnL)
	// The second same-day signal never became a trade; the next entry is day 2.
	assert.Equal(t, day2, res.Trades[1].EntryTime)
	assert.Equal(t, domain.ExitTimeStop, res.Trades[1].ExitReason)
}

func TestCommissionChargedOnBothSides(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	src := &stubSource{candles: []*domain.Candle{bar(t0, 99, 100.5, 98.5, 100)}}
	scorer := &scriptScorer{fireAt: map[int64]bool{t0.Unix(): true}}
	reasoner := &scriptReasoner{stop: dec(98), targets: []decimal.Decimal{dec(120)}}

	cfg := baseConfig(t0, t0.Add(time.Hour))
	cfg.CommissionRate = dec(0.001)
	res := runEngine(t, cfg, src, scorer, reasoner)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	// qty 50 at 100: 5 in, 5 out on the flat time-stop close.
	assert.Equal(t, domain.ExitTimeStop, trade.ExitReason)
	assert.True(t, trade.Commission.Equal(dec(10)), "commission %s", trade.Commission)
	assert.True(t, trade.PnL.IsZero())
	assert.True(t, res.FinalBalance.Equal(dec(9990)), "balance %s", res.FinalBalance)
}

func TestEquityCurvePeakAndDrawdownAreMonotonic(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := t0.Add(200 * time.Hour)

	candles := make([]*domain.Candle, 0, 201)
	price := 100.0
	for i := 0; i <= 200; i++ {
		// Sawtooth drift so positions open, win and lose along the way.
		if i%7 < 4 {
			price *= 1.004
		} else {
			price *= 0.996
		}
		candles = append(candles, bar(t0.Add(time.Duration(i)*time.Hour), price, price*1.01, price*0.99, price))
	}
	fire := make(map[int64]bool)
	for i := 0; i <= 200; i += 20 {
		fire[t0.Add(time.Duration(i)*time.Hour).Unix()] = true
	}
	src := &stubSource{candles: candles}
	reasoner := &scriptReasoner{} // engine applies default stop and targets

	cfg := baseConfig(t0, end)
	cfg.SnapshotInterval = 10
	res := runEngine(t, cfg, src, &scriptScorer{fireAt: fire}, reasoner)

	require.NotEmpty(t, res.EquityCurve)
	peak := decimal.Zero
	maxDD := decimal.Zero
	for _, pt := range res.EquityCurve {
		if pt.Equity.GreaterThan(peak) {
			peak = pt.Equity
		}
		assert.True(t, pt.Drawdown.Equal(peak.Sub(pt.Equity)),
			"drawdown at %s: got %s want %s", pt.Time, pt.Drawdown, peak.Sub(pt.Equity))
		assert.False(t, pt.Drawdown.IsNegative())
		if pt.Drawdown.GreaterThan(maxDD) {
			maxDD = pt.Drawdown
		}
	}
	assert.True(t, res.PeakEquity.Equal(peak))
	assert.True(t, res.MaxDrawdown.Equal(maxDD))
}

func TestEngineIsSingleUse(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	src := &stubSource{candles: []*domain.Candle{bar(t0, 99, 100.5, 98.5, 100)}}

	eng, err := New(baseConfig(t0, t0.Add(time.Hour)), src, &scriptScorer{}, &scriptReasoner{stop: dec(98)}, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)
	_, err = eng.Run(context.Background())
	require.NoError(t, err)
	_, err = eng.Run(context.Background())
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	bad := baseConfig(t0, t0.Add(time.Hour))
	bad.Assets = nil
	_, err := New(bad, &stubSource{}, &scriptScorer{}, &scriptReasoner{}, logger.NewStdLogger(logger.LevelError))
	require.ErrorIs(t, err, ports.ErrConfigurationError)

	inverted := baseConfig(t0, t0.Add(-time.Hour))
	_, err = New(inverted, &stubSource{}, &scriptScorer{}, &scriptReasoner{}, logger.NewStdLogger(logger.LevelError))
	require.ErrorIs(t, err, ports.ErrConfigurationError)
}
