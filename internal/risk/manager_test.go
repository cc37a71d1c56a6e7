package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/domain"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testLimits() Limits {
	return Limits{
		MaxDailyLossPercent:          dec(0.03),
		EmergencyLossPercent:         dec(0.06),
		MaxRiskPerTradePercent:       dec(0.01),
		MaxCorrelatedExposurePercent: dec(0.5),
		MaxConcurrentPositions:       3,
		MaxConsecutiveLosses:         4,
		CircuitBreakerCooldown:       4 * time.Hour,
		CorrelationGroups: map[string][]string{
			"majors": {"BTCUSDT", "ETHUSDT"},
		},
	}
}

// fakeClock lets tests advance time explicitly.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, limits Limits, balance float64) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	m, err := NewManager(Config{
		Limits:         limits,
		InitialBalance: dec(balance),
		Logger:         logger.NewStdLogger(logger.LevelError),
		Clock:          clock.Now,
	})
	require.NoError(t, err)
	return m, clock
}

func closedTrade(positionID string, pnl float64) *domain.TradeRecord {
	return &domain.TradeRecord{
		ID:         "t-" + positionID,
		PositionID: positionID,
		Asset:      "ETHUSDT",
		Direction:  domain.Long,
		PnL:        dec(pnl),
	}
}

func TestValidateTradeApprovesWithinLimits(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)

	// Risk = |100-98| * 40 = 80 <= 1% of 10000.
	check := m.ValidateTrade(context.Background(), "ETHUSDT", domain.Long, dec(40), dec(100), dec(98))
	assert.True(t, check.Approved)
	assert.Equal(t, StateActive, check.State)
	assert.Empty(t, check.Reason)
}

func TestValidateTradeIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)

	first := m.ValidateTrade(context.Background(), "ETHUSDT", domain.Long, dec(40), dec(100), dec(98))
	second := m.ValidateTrade(context.Background(), "ETHUSDT", domain.Long, dec(40), dec(100), dec(98))
	assert.Equal(t, first, second)
}

func TestValidateTradeRejectsExcessPerTradeRisk(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)

	// Risk = 2 * 100 = 200 > 100 (1% of balance).
	check := m.ValidateTrade(context.Background(), "ETHUSDT", domain.Long, dec(100), dec(100), dec(98))
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "per-trade limit")
}

func TestValidateTradeRejectsAtPositionCap(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	for i, id := range []string{"p1", "p2", "p3"} {
		m.RecordOpen(ctx, id, "SOLUSDT", dec(float64(100*(i+1))), dec(10))
	}
	check := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(1), dec(100), dec(98))
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "open positions")
}

func TestValidateTradeRejectsCorrelatedExposure(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	// 3500 notional already held in the majors group.
	m.RecordOpen(ctx, "p1", "BTCUSDT", dec(3500), dec(50))
	// New ETH trade of 1400 notional stays under the 5000 group limit.
	ok := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(14), dec(100), dec(99))
	assert.True(t, ok.Approved)
	// 1600 more notional breaches 50% of balance.
	bad := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(16), dec(100), dec(99.5))
	assert.False(t, bad.Approved)
	assert.Contains(t, bad.Reason, "correlated exposure")
}

func TestValidateTradeRejectsLossStreak(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 100000)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		m.RecordClose(ctx, closedTrade("p", -10))
	}
	check := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(1), dec(100), dec(98))
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "loss streak")
}

func TestExactDailyLossLimitHaltsAndArmsBreaker(t *testing.T) {
	m, clock := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	// Exactly 3% of the 10000 day-start balance.
	m.RecordClose(ctx, closedTrade("p1", -300))

	assert.Equal(t, StateHalt, m.State())
	assert.True(t, m.CircuitBreakerActive())

	check := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(1), dec(100), dec(98))
	assert.False(t, check.Approved)

	// Cooldown elapses: breaker clears and the state reads ACTIVE again.
	clock.Advance(4*time.Hour + time.Minute)
	assert.Equal(t, StateActive, m.State())
	assert.False(t, m.CircuitBreakerActive())

	// Same calendar day: the daily loss gate still rejects new entries.
	check = m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(1), dec(100), dec(98))
	assert.False(t, check.Approved)
	assert.Contains(t, check.Reason, "daily loss")
}

func TestDailyLossBreachOnLaterDayRearmsBreaker(t *testing.T) {
	m, clock := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	m.RecordClose(ctx, closedTrade("p1", -300))
	require.Equal(t, StateHalt, m.State())
	require.True(t, m.CircuitBreakerActive())

	// Cooldown elapses, then the next UTC day starts.
	clock.Advance(4*time.Hour + time.Minute)
	require.Equal(t, StateActive, m.State())
	require.False(t, m.CircuitBreakerActive())
	clock.Advance(24 * time.Hour)

	// Exactly 3% of the new day's 9700 starting balance.
	m.RecordClose(ctx, closedTrade("p2", -291))
	assert.Equal(t, StateHalt, m.State())
	assert.True(t, m.CircuitBreakerActive())

	check := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(1), dec(100), dec(98))
	assert.False(t, check.Approved)
}

func TestReducedStateHalvesSuggestedSize(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	// 2.4% loss: beyond 75% of the 3% limit, below the limit itself.
	m.RecordClose(ctx, closedTrade("p1", -240))
	require.Equal(t, StateReduced, m.State())

	check := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(40), dec(100), dec(98))
	assert.True(t, check.Approved)
	assert.Equal(t, StateReduced, check.State)
	assert.True(t, check.SuggestedSize.Equal(dec(20)), "suggested %s", check.SuggestedSize)
}

func TestEmergencyForcesCloseAllAndIsSticky(t *testing.T) {
	m, clock := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	m.RecordClose(ctx, closedTrade("p1", -650)) // 6.5% > emergency 6%
	assert.Equal(t, StateEmergency, m.State())
	assert.True(t, m.ForceCloseRequested())
	// Flag is consumed once.
	assert.False(t, m.ForceCloseRequested())

	// EMERGENCY does not auto-clear with time.
	clock.Advance(48 * time.Hour)
	assert.Equal(t, StateEmergency, m.State())

	m.Reset(ctx)
	assert.Equal(t, StateActive, m.State())
}

func TestUnrealizedLossCountsTowardDailyLimit(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	m.RecordClose(ctx, closedTrade("p1", -200))
	assert.Equal(t, StateActive, m.State())

	// Unrealized -110 pushes the total past the 300 limit.
	m.UpdateUnrealized(ctx, dec(-110))
	assert.Equal(t, StateHalt, m.State())
}

func TestReducedRecoversToActive(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()

	m.RecordClose(ctx, closedTrade("p1", -240))
	require.Equal(t, StateReduced, m.State())

	// A winning trade pulls the day back under the reduced threshold.
	m.RecordClose(ctx, closedTrade("p2", 200))
	assert.Equal(t, StateActive, m.State())
}

func TestSnapshotIsFlat(t *testing.T) {
	m, _ := newTestManager(t, testLimits(), 10000)
	ctx := context.Background()
	m.RecordClose(ctx, closedTrade("p1", -100))

	snap := m.Snapshot()
	assert.Equal(t, "ACTIVE", snap["state"])
	assert.Equal(t, "-100", snap["daily_realized_pnl"])
	assert.Equal(t, "0", snap["open_positions"])
}

// memMetricsRepo records every daily ledger save, or fails on demand.
type memMetricsRepo struct {
	saved []*domain.DailyRiskMetrics
	err   error
}

func (r *memMetricsRepo) Save(_ context.Context, m *domain.DailyRiskMetrics) error {
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, m)
	return nil
}

func (r *memMetricsRepo) FindByDay(_ context.Context, _ string) (*domain.DailyRiskMetrics, error) {
	return nil, nil
}

func TestDailyLedgerPersistsThroughMetricsRepository(t *testing.T) {
	repo := &memMetricsRepo{}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	m, err := NewManager(Config{
		Limits:         testLimits(),
		InitialBalance: dec(10000),
		Logger:         logger.NewStdLogger(logger.LevelError),
		Metrics:        repo,
		Clock:          clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordOpen(ctx, "p1", "ETHUSDT", dec(4000), dec(80))
	m.RecordClose(ctx, closedTrade("p1", -100))
	m.UpdateUnrealized(ctx, dec(-50))

	require.Len(t, repo.saved, 3)
	last := repo.saved[2]
	assert.Equal(t, "2024-05-01", last.Date)
	assert.Equal(t, 1, last.TradesClosed)
	assert.True(t, last.RealizedPnL.Equal(dec(-100)), "realized %s", last.RealizedPnL)
	assert.True(t, last.UnrealizedPnL.Equal(dec(-50)), "unrealized %s", last.UnrealizedPnL)
}

func TestMetricsPersistenceFailureDoesNotBlockTrading(t *testing.T) {
	repo := &memMetricsRepo{err: fmt.Errorf("disk full")}
	m, err := NewManager(Config{
		Limits:         testLimits(),
		InitialBalance: dec(10000),
		Logger:         logger.NewStdLogger(logger.LevelError),
		Metrics:        repo,
	})
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordClose(ctx, closedTrade("p1", -100))

	assert.True(t, m.Balance().Equal(dec(9900)), "balance %s", m.Balance())
	check := m.ValidateTrade(ctx, "ETHUSDT", domain.Long, dec(40), dec(100), dec(98))
	assert.True(t, check.Approved)
}

func TestLimitsValidation(t *testing.T) {
	bad := testLimits()
	bad.MaxDailyLossPercent = decimal.Zero
	_, err := NewManager(Config{
		Limits:         bad,
		InitialBalance: dec(1000),
		Logger:         logger.NewStdLogger(logger.LevelError),
	})
	require.Error(t, err)
}
