package reasoner

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

// Config tunes the rule-based reasoner.
type Config struct {
	SwingLookback    int             // bars scanned for the protective swing level
	StopBuffer       decimal.Decimal // extra distance beyond the swing level
	TargetRMultiples []decimal.Decimal
	MinScore         float64
}

func (c *Config) applyDefaults() {
	if c.SwingLookback <= 0 {
		c.SwingLookback = 10
	}
	if c.StopBuffer.IsZero() {
		c.StopBuffer = decimal.NewFromFloat(0.002)
	}
	if len(c.TargetRMultiples) == 0 {
		c.TargetRMultiples = []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(3)}
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.6
	}
}

// RuleReasoner is the deterministic ports.Reasoner: stop below the recent
// swing low (above the swing high for shorts), targets at fixed R multiples,
// confidence derived from the score and cross-timeframe trend agreement.
type RuleReasoner struct {
	cfg    Config
	logger ports.Logger
}

// New builds a rule reasoner.
func New(cfg Config, log ports.Logger) *RuleReasoner {
	cfg.applyDefaults()
	return &RuleReasoner{cfg: cfg, logger: log}
}

// Reason evaluates a scored setup and produces the trade plan.
func (r *RuleReasoner) Reason(ctx context.Context, score *ports.Score, mctx *ports.MarketContext) (*ports.EntryDecision, error) {
	if score == nil || mctx == nil {
		return nil, fmt.Errorf("%w: score and market context are required", ports.ErrInvalidRequest)
	}
	if score.Total < r.cfg.MinScore {
		return &ports.EntryDecision{
			ShouldEnter: false,
			Confidence:  score.Total,
			Explanation: fmt.Sprintf("score %.2f below entry threshold %.2f", score.Total, r.cfg.MinScore),
		}, nil
	}

	candles := lowestTimeframeWindow(mctx.Window)
	if len(candles) < r.cfg.SwingLookback {
		return nil, fmt.Errorf("%w: %d candles available, %d needed for swing detection",
			ports.ErrNoData, len(candles), r.cfg.SwingLookback)
	}

	stop := r.swingStop(score.Bias, candles)
	price := mctx.Price
	if score.Bias == domain.Long && stop.GreaterThanOrEqual(price) ||
		score.Bias == domain.Short && stop.LessThanOrEqual(price) {
		return &ports.EntryDecision{
			ShouldEnter: false,
			Confidence:  score.Total,
			Explanation: fmt.Sprintf("swing stop %s is on the wrong side of price %s", stop, price),
		}, nil
	}

	risk := price.Sub(stop).Abs()
	targets := make([]decimal.Decimal, 0, len(r.cfg.TargetRMultiples))
	for _, mult := range r.cfg.TargetRMultiples {
		offset := risk.Mul(mult)
		if score.Bias == domain.Long {
			targets = append(targets, price.Add(offset))
		} else {
			targets = append(targets, price.Sub(offset))
		}
	}

	confidence := r.confidence(score)
	return &ports.EntryDecision{
		ShouldEnter: true,
		Confidence:  confidence,
		StopLoss:    stop,
		Targets:     targets,
		Explanation: fmt.Sprintf("%s setup on %s: score %.2f, confidence %.2f, stop %s, risk %s per unit",
			score.Bias, mctx.Asset, score.Total, confidence, stop, risk),
	}, nil
}

// swingStop finds the protective level: the lowest low (or highest high)
// over the lookback, pushed out by the buffer.
func (r *RuleReasoner) swingStop(bias domain.Direction, candles []*domain.Candle) decimal.Decimal {
	recent := candles[len(candles)-r.cfg.SwingLookback:]
	one := decimal.NewFromInt(1)
	if bias == domain.Long {
		low := recent[0].Low
		for _, c := range recent[1:] {
			if c.Low.LessThan(low) {
				low = c.Low
			}
		}
		return low.Mul(one.Sub(r.cfg.StopBuffer))
	}
	high := recent[0].High
	for _, c := range recent[1:] {
		if c.High.GreaterThan(high) {
			high = c.High
		}
	}
	return high.Mul(one.Add(r.cfg.StopBuffer))
}

// confidence starts from the composite score and adds a bonus when every
// timeframe's trend component agrees with the bias.
func (r *RuleReasoner) confidence(score *ports.Score) float64 {
	agree := true
	seen := false
	for name, v := range score.Components {
		if !strings.HasPrefix(name, "trend_") {
			continue
		}
		seen = true
		if score.Bias == domain.Long && v < 0 || score.Bias == domain.Short && v > 0 {
			agree = false
		}
	}
	confidence := score.Total
	if seen && agree {
		confidence += 0.1
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// lowestTimeframeWindow picks the shortest-interval candle series available.
func lowestTimeframeWindow(w *ports.MultiTimeframeWindow) []*domain.Candle {
	if w == nil {
		return nil
	}
	var best []*domain.Candle
	var bestDur = int64(1<<63 - 1)
	for tf, candles := range w.Windows {
		if d := int64(tf.Duration()); d > 0 && d < bestDur {
			bestDur = d
			best = candles
		}
	}
	return best
}
