package confluence

import (
	"context"
	"fmt"
	"math"
	"sort"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
	"confluenceBot/internal/strategy/indicators"
)

// Config tunes the rule-based confluence scorer.
type Config struct {
	FastMAPeriod int
	SlowMAPeriod int
	RSIPeriod    int
	ATRPeriod    int

	// TimeframeWeights scales each timeframe's contribution. Unlisted
	// timeframes weigh 1.
	TimeframeWeights map[domain.Timeframe]float64

	// MaxVolatilityRatio is the ATR/price ratio past which the composite
	// score is damped. Entries into a volatility spike are rarely the setup
	// the trend components think they are.
	MaxVolatilityRatio float64
}

func (c *Config) applyDefaults() {
	if c.FastMAPeriod <= 0 {
		c.FastMAPeriod = 20
	}
	if c.SlowMAPeriod <= 0 {
		c.SlowMAPeriod = 50
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	if c.MaxVolatilityRatio <= 0 {
		c.MaxVolatilityRatio = 0.05
	}
}

// Scorer is the rule-based ports.Scorer: moving-average trend and RSI
// momentum per timeframe, blended across timeframes and damped by an ATR
// volatility check on the lowest timeframe. Stateless and deterministic.
type Scorer struct {
	cfg    Config
	fastMA *indicators.MovingAverage
	slowMA *indicators.MovingAverage
	rsi    *indicators.RSI
	atr    *indicators.ATR
	logger ports.Logger
}

// NewScorer builds a scorer with the given configuration.
func NewScorer(cfg Config, log ports.Logger) *Scorer {
	cfg.applyDefaults()
	return &Scorer{
		cfg: cfg,
		fastMA: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.FastMAPeriod},
			Type:            indicators.ExponentialMovingAverage,
		}),
		slowMA: indicators.NewMovingAverage(indicators.MovingAverageConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: cfg.SlowMAPeriod},
			Type:            indicators.SimpleMovingAverage,
		}),
		rsi:    indicators.NewRSI(indicators.RSIConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.RSIPeriod}}),
		atr:    indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.ATRPeriod}}),
		logger: log,
	}
}

// Score computes the composite confluence score for one asset across all
// timeframes in the window.
func (s *Scorer) Score(ctx context.Context, window *ports.MultiTimeframeWindow) (*ports.Score, error) {
	if window == nil || len(window.Windows) == 0 {
		return nil, fmt.Errorf("%w: empty multi-timeframe window", ports.ErrNoData)
	}

	components := make(map[string]float64)
	var weighted, totalWeight float64
	scored := 0

	for _, tf := range sortedTimeframes(window.Windows) {
		candles := window.Windows[tf]
		directional, trend, momentum, err := s.scoreTimeframe(ctx, candles)
		if err != nil {
			continue // not enough bars on this timeframe
		}
		components["trend_"+string(tf)] = trend
		components["momentum_"+string(tf)] = momentum

		w := 1.0
		if tw, ok := s.cfg.TimeframeWeights[tf]; ok {
			w = tw
		}
		weighted += directional * w
		totalWeight += w
		scored++
	}
	if scored == 0 {
		return nil, fmt.Errorf("%w: no timeframe had enough candles for scoring (%s)", ports.ErrNoData, window.Asset)
	}

	composite := weighted / totalWeight

	// Volatility damping on the lowest scored timeframe.
	if ratio, ok := s.volatilityRatio(ctx, window); ok {
		components["volatility"] = ratio
		if ratio > s.cfg.MaxVolatilityRatio {
			composite *= 0.5
		}
	}

	bias := domain.Long
	if composite < 0 {
		bias = domain.Short
	}
	return &ports.Score{
		Total:      math.Abs(composite),
		Bias:       bias,
		Components: components,
	}, nil
}

// scoreTimeframe returns the directional score in [-1, 1] for one timeframe,
// plus the raw trend and momentum components.
func (s *Scorer) scoreTimeframe(ctx context.Context, candles []*domain.Candle) (directional, trend, momentum float64, err error) {
	fast, err := s.fastMA.Calculate(ctx, candles)
	if err != nil {
		return 0, 0, 0, err
	}
	slow, err := s.slowMA.Calculate(ctx, candles)
	if err != nil {
		return 0, 0, 0, err
	}
	rsiVal, err := s.rsi.Calculate(ctx, candles)
	if err != nil {
		return 0, 0, 0, err
	}

	// Trend: normalized fast/slow separation, saturating at a 2% spread.
	trend = clamp((fast-slow)/(slow*0.02), -1, 1)

	// Momentum: RSI distance from the 50 midline.
	momentum = clamp((rsiVal-50)/50, -1, 1)

	directional = trend*0.6 + momentum*0.4

	// An exhausted RSI argues against chasing the trend.
	if s.rsi.IsOverbought(rsiVal) || s.rsi.IsOversold(rsiVal) {
		directional *= 0.5
	}
	return directional, trend, momentum, nil
}

// volatilityRatio computes ATR relative to the last close on the lowest
// timeframe that has enough data.
func (s *Scorer) volatilityRatio(ctx context.Context, window *ports.MultiTimeframeWindow) (float64, bool) {
	for _, tf := range sortedTimeframes(window.Windows) {
		candles := window.Windows[tf]
		if len(candles) == 0 {
			continue
		}
		atrVal, err := s.atr.Calculate(ctx, candles)
		if err != nil {
			continue
		}
		last := candles[len(candles)-1].Close.InexactFloat64()
		if last <= 0 {
			continue
		}
		return atrVal / last, true
	}
	return 0, false
}

// sortedTimeframes returns the window's timeframes shortest first, so
// iteration order (and therefore scoring) is deterministic.
func sortedTimeframes(windows map[domain.Timeframe][]*domain.Candle) []domain.Timeframe {
	out := make([]domain.Timeframe, 0, len(windows))
	for tf := range windows {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration() < out[j].Duration() })
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
