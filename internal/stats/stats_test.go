package stats

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluenceBot/internal/domain"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func makeTrade(entry, exit time.Time, pnl, rMultiple float64) *domain.TradeRecord {
	return &domain.TradeRecord{
		ID:        "t",
		Asset:     "ETHUSDT",
		Direction: domain.Long,
		EntryTime: entry,
		ExitTime:  exit,
		PnL:       dec(pnl),
		RMultiple: dec(rMultiple),
	}
}

func TestComputeEmptyTradeList(t *testing.T) {
	s := Compute(nil, nil)
	assert.Equal(t, 0, s.TotalTrades)
	assert.Equal(t, 0.0, s.WinRate)
	assert.Equal(t, 0.0, s.ProfitFactor)
	assert.True(t, s.TotalPnL.IsZero())
	assert.False(t, s.VaRReliable)
	assert.Empty(t, s.Drawdowns)
}

func TestComputeBasicTradeMetrics(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []*domain.TradeRecord{
		makeTrade(base, base.Add(2*time.Hour), 200, 2),
		makeTrade(base.Add(3*time.Hour), base.Add(4*time.Hour), -100, -1),
		makeTrade(base.Add(5*time.Hour), base.Add(8*time.Hour), 300, 3),
		makeTrade(base.Add(9*time.Hour), base.Add(10*time.Hour), -100, -1),
		makeTrade(base.Add(11*time.Hour), base.Add(12*time.Hour), -100, -1),
	}

	s := Compute(trades, nil)
	assert.Equal(t, 5, s.TotalTrades)
	assert.Equal(t, 2, s.WinningTrades)
	assert.Equal(t, 3, s.LosingTrades)
	assert.InDelta(t, 0.4, s.WinRate, 1e-9)
	assert.True(t, s.TotalPnL.Equal(dec(200)), "total pnl %s", s.TotalPnL)
	// Gross profit 500, gross loss 300.
	assert.InDelta(t, 500.0/300.0, s.ProfitFactor, 1e-9)
	assert.True(t, s.AverageWin.Equal(dec(250)))
	assert.True(t, s.AverageLoss.Equal(dec(100)))
	// Expectancy = 0.4*250 - 0.6*100 = 40.
	assert.InDelta(t, 40, s.Expectancy.InexactFloat64(), 1e-9)
	assert.Equal(t, 2, s.MaxConsecutiveLosses)
	assert.Equal(t, 1, s.MaxConsecutiveWins)
	assert.InDelta(t, 0.4, s.AvgRMultiple, 1e-9)
	// Kelly: W - (1-W)/(avgWin/avgLoss) = 0.4 - 0.6/2.5 = 0.16
	assert.InDelta(t, 0.16, s.KellyFraction, 1e-9)
	assert.Equal(t, time.Hour, s.MinDuration)
	assert.Equal(t, 3*time.Hour, s.MaxDuration)
}

func TestMonthlyReturnsBucketedByExitMonth(t *testing.T) {
	jan := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	trades := []*domain.TradeRecord{
		makeTrade(jan, jan.Add(time.Hour), 100, 1),
		makeTrade(jan, jan.Add(2*time.Hour), 50, 0.5),
		makeTrade(feb, feb.Add(time.Hour), -30, -0.3),
	}
	s := Compute(trades, nil)
	assert.True(t, s.MonthlyReturns["2024-01"].Equal(dec(150)))
	assert.True(t, s.MonthlyReturns["2024-02"].Equal(dec(-30)))
}

// equityCurve builds one point per day from the given equity values.
func equityCurve(start time.Time, values ...float64) []domain.EquityPoint {
	out := make([]domain.EquityPoint, len(values))
	for i, v := range values {
		out[i] = domain.EquityPoint{Time: start.AddDate(0, 0, i), Equity: dec(v)}
	}
	return out
}

func TestDrawdownPeriodSegmentation(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Peak 110, trough 88 (20% depth), recovery to 115, then an open decline.
	curve := equityCurve(start, 100, 110, 99, 88, 104, 115, 109)

	s := Compute(nil, curve)
	require.Len(t, s.Drawdowns, 2)

	first := s.Drawdowns[0]
	assert.True(t, first.Recovered)
	assert.Equal(t, start.AddDate(0, 0, 1), first.Start)
	assert.Equal(t, start.AddDate(0, 0, 3), first.Trough)
	assert.InDelta(t, 0.2, first.Depth, 1e-9)

	second := s.Drawdowns[1]
	assert.False(t, second.Recovered)
	assert.InDelta(t, 0.2, s.MaxDrawdown, 1e-9)
}

func TestVaRRequiresMinimumSamples(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	short := equityCurve(start, 100, 101, 99, 102, 98)
	s := Compute(nil, short)
	assert.False(t, s.VaRReliable)
	assert.Equal(t, 0.0, s.VaR95)
}

func TestVaRAndCVaRFromDailyReturns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// 41 days -> 40 daily returns, alternating small gains with one crash.
	values := make([]float64, 41)
	values[0] = 100
	for i := 1; i < 41; i++ {
		if i == 20 {
			values[i] = values[i-1] * 0.90 // a -10% day in the tail
		} else {
			values[i] = values[i-1] * 1.002
		}
	}
	s := Compute(nil, equityCurve(start, values...))
	require.True(t, s.VaRReliable)
	require.Len(t, s.DailyReturns, 40)
	// The worst 1% tail is the crash day itself.
	assert.InDelta(t, 0.10, s.VaR99, 1e-9)
	assert.InDelta(t, 0.10, s.CVaR99, 1e-9)
	assert.Greater(t, s.CVaR95, 0.0)
	assert.GreaterOrEqual(t, s.CVaR95, s.VaR95)
}

func TestSharpeAndSortinoSigns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// Steadily rising curve with one down day.
	values := make([]float64, 30)
	values[0] = 100
	for i := 1; i < 30; i++ {
		if i == 10 {
			values[i] = values[i-1] * 0.99
		} else {
			values[i] = values[i-1] * 1.003
		}
	}
	s := Compute(nil, equityCurve(start, values...))
	assert.Greater(t, s.SharpeRatio, 0.0)
	assert.Greater(t, s.SortinoRatio, 0.0)
	assert.Greater(t, s.CalmarRatio, 0.0)
}

func TestComputeIsDeterministic(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	trades := []*domain.TradeRecord{
		makeTrade(base, base.Add(time.Hour), 100, 1),
		makeTrade(base.Add(2*time.Hour), base.Add(3*time.Hour), -50, -0.5),
	}
	curve := equityCurve(base, 100, 101, 100.5)

	a := Compute(trades, curve)
	b := Compute(trades, curve)
	assert.Equal(t, a.WinRate, b.WinRate)
	assert.True(t, a.TotalPnL.Equal(b.TotalPnL))
	assert.Equal(t, a.SharpeRatio, b.SharpeRatio)
	assert.Equal(t, a.Drawdowns, b.Drawdowns)
}
