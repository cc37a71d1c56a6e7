package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluenceBot/internal/domain"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) *Repository {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "confluence-bot-test-*")
	require.NoError(t, err)

	repo, err := NewRepository(Config{
		DBPath: filepath.Join(tmpDir, "test.db"),
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	})
	return repo
}

func testCandle(ts time.Time, close float64) *domain.Candle {
	return &domain.Candle{
		Timestamp: ts,
		Asset:     "ETHUSDT",
		Timeframe: domain.TF1h,
		Open:      dec(close - 1),
		High:      dec(close + 2),
		Low:       dec(close - 2),
		Close:     dec(close),
		Volume:    dec(1000),
	}
}

func TestCandleStoreAndQuery(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	candles := []*domain.Candle{
		testCandle(base, 100),
		testCandle(base.Add(time.Hour), 101),
		testCandle(base.Add(2*time.Hour), 102),
	}
	require.NoError(t, repo.Store(ctx, candles))

	got, err := repo.Query(ctx, "ETHUSDT", domain.TF1h, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Equal(base))
	assert.True(t, got[0].Close.Equal(dec(100)), "close %s", got[0].Close)
	assert.True(t, got[1].Close.Equal(dec(101)))
}

func TestCandleStoreIgnoresDuplicates(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Store(ctx, []*domain.Candle{testCandle(base, 100)}))
	// Same key again with a different close: first write wins.
	require.NoError(t, repo.Store(ctx, []*domain.Candle{testCandle(base, 999)}))

	got, err := repo.Query(ctx, "ETHUSDT", domain.TF1h, base, base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(dec(100)))
}

func TestCandleQueryScopedByAssetAndTimeframe(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	eth := testCandle(base, 100)
	sol := testCandle(base, 50)
	sol.Asset = "SOLUSDT"
	fourH := testCandle(base, 100)
	fourH.Timeframe = domain.TF4h
	require.NoError(t, repo.Store(ctx, []*domain.Candle{eth, sol, fourH}))

	got, err := repo.Query(ctx, "ETHUSDT", domain.TF1h, base, base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETHUSDT", got[0].Asset)
	assert.Equal(t, domain.TF1h, got[0].Timeframe)
}

func testTrade(id string, exitTime time.Time, pnl float64) *domain.TradeRecord {
	return &domain.TradeRecord{
		ID:         id,
		PositionID: "pos-" + id,
		Asset:      "ETHUSDT",
		Direction:  domain.Long,
		EntryPrice: dec(100),
		ExitPrice:  dec(100 + pnl),
		Quantity:   dec(1),
		EntryTime:  exitTime.Add(-2 * time.Hour),
		ExitTime:   exitTime,
		ExitReason: domain.ExitTakeProfit,
		PnL:        dec(pnl),
		RMultiple:  dec(pnl / 2),
		Commission: dec(0.1),
		Reasoning:  "test setup",
		RiskSnapshot: map[string]string{
			"state":   "ACTIVE",
			"balance": "10000",
		},
	}
}

func TestTradeRoundTrip(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	exitTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	want := testTrade("t1", exitTime, 4)
	require.NoError(t, repo.Create(ctx, want))

	got, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, want.Direction, got[0].Direction)
	assert.Equal(t, want.ExitReason, got[0].ExitReason)
	assert.True(t, got[0].PnL.Equal(dec(4)))
	assert.True(t, got[0].RMultiple.Equal(dec(2)))
	assert.True(t, got[0].ExitTime.Equal(exitTime))
	assert.Equal(t, want.RiskSnapshot, got[0].RiskSnapshot)
}

func TestFindByAssetOrdersNewestFirstWithLimit(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, testTrade(
			string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), float64(i))))
	}

	got, err := repo.FindByAsset(ctx, "ETHUSDT", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e", got[0].ID)
	assert.Equal(t, "d", got[1].ID)

	none, err := repo.FindByAsset(ctx, "SOLUSDT", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRiskMetricsUpsert(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	m := domain.NewDailyRiskMetrics("2024-03-01", dec(10000))
	require.NoError(t, repo.Save(ctx, m))

	m.RealizedPnL = dec(-150)
	m.CurrentBalance = dec(9850)
	m.TradesClosed = 1
	m.Losses = 1
	require.NoError(t, repo.Save(ctx, m))

	got, err := repo.FindByDay(ctx, "2024-03-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.StartingBalance.Equal(dec(10000)))
	assert.True(t, got.RealizedPnL.Equal(dec(-150)))
	assert.Equal(t, 1, got.TradesClosed)
	assert.Equal(t, 1, got.Losses)

	missing, err := repo.FindByDay(ctx, "2024-03-02")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
