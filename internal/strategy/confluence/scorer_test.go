package confluence

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

// trendCandles builds n hourly candles whose close drifts by step per bar.
// The spread argument widens the high/low range around the close.
func trendCandles(n int, start, step, spread float64) []*domain.Candle {
	base := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*domain.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		price += step
		out[i] = &domain.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Asset:     "ETHUSDT",
			Timeframe: domain.TF1h,
			Open:      decimal.NewFromFloat(price - step),
			High:      decimal.NewFromFloat(price + spread),
			Low:       decimal.NewFromFloat(price - spread),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return out
}

func window(candles []*domain.Candle) *ports.MultiTimeframeWindow {
	return &ports.MultiTimeframeWindow{
		Asset:   "ETHUSDT",
		AsOf:    candles[len(candles)-1].Timestamp,
		Windows: map[domain.Timeframe][]*domain.Candle{domain.TF1h: candles},
	}
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	return NewScorer(Config{}, logger.NewStdLogger(logger.LevelError))
}

func TestScoreUptrendIsLong(t *testing.T) {
	s := newScorer(t)
	score, err := s.Score(context.Background(), window(trendCandles(60, 100, 0.5, 0.2)))
	require.NoError(t, err)

	assert.Equal(t, domain.Long, score.Bias)
	assert.Greater(t, score.Total, 0.3)
	assert.Greater(t, score.Components["trend_1h"], 0.0)
	assert.Greater(t, score.Components["momentum_1h"], 0.0)
}

func TestScoreDowntrendIsShort(t *testing.T) {
	s := newScorer(t)
	score, err := s.Score(context.Background(), window(trendCandles(60, 200, -0.5, 0.2)))
	require.NoError(t, err)

	assert.Equal(t, domain.Short, score.Bias)
	assert.Greater(t, score.Total, 0.3)
	assert.Less(t, score.Components["trend_1h"], 0.0)
}

func TestVolatilitySpikeDampsScore(t *testing.T) {
	s := newScorer(t)
	calm, err := s.Score(context.Background(), window(trendCandles(60, 100, 0.5, 0.2)))
	require.NoError(t, err)
	// Same drift, but each bar ranges +-15 points: ATR/price far above 5%.
	wild, err := s.Score(context.Background(), window(trendCandles(60, 100, 0.5, 15)))
	require.NoError(t, err)

	assert.Greater(t, wild.Components["volatility"], s.cfg.MaxVolatilityRatio)
	assert.Less(t, wild.Total, calm.Total)
}

func TestScoreBlendsMultipleTimeframes(t *testing.T) {
	s := NewScorer(Config{
		TimeframeWeights: map[domain.Timeframe]float64{domain.TF4h: 2},
	}, logger.NewStdLogger(logger.LevelError))

	up := trendCandles(60, 100, 0.5, 0.2)
	down := trendCandles(60, 200, -0.5, 0.2)
	for _, c := range down {
		c.Timeframe = domain.TF4h
	}
	w := &ports.MultiTimeframeWindow{
		Asset: "ETHUSDT",
		AsOf:  up[len(up)-1].Timestamp,
		Windows: map[domain.Timeframe][]*domain.Candle{
			domain.TF1h: up,
			domain.TF4h: down,
		},
	}
	score, err := s.Score(context.Background(), w)
	require.NoError(t, err)

	// The double-weighted bearish 4h view outvotes the bullish 1h view.
	assert.Equal(t, domain.Short, score.Bias)
	assert.Contains(t, score.Components, "trend_1h")
	assert.Contains(t, score.Components, "trend_4h")
}

func TestScoreIsDeterministic(t *testing.T) {
	s := newScorer(t)
	w := window(trendCandles(60, 100, 0.5, 0.2))

	a, err := s.Score(context.Background(), w)
	require.NoError(t, err)
	b, err := s.Score(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestScoreRequiresData(t *testing.T) {
	s := newScorer(t)

	_, err := s.Score(context.Background(), nil)
	require.ErrorIs(t, err, ports.ErrNoData)

	// Ten candles cannot feed a 50-period slow MA.
	_, err = s.Score(context.Background(), window(trendCandles(10, 100, 0.5, 0.2)))
	require.ErrorIs(t, err, ports.ErrNoData)
}
