package indicators

import (
	"context"
	"fmt"
	"math"

	"confluenceBot/internal/domain"
)

// ATRConfig holds configuration for the Average True Range indicator
type ATRConfig struct {
	IndicatorConfig
}

// ATR implements the Average True Range indicator
type ATR struct {
	BaseIndicator
	config ATRConfig
}

// NewATR creates a new Average True Range indicator instance
func NewATR(config ATRConfig) *ATR {
	return &ATR{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator
func (a *ATR) Name() string {
	return "ATR"
}

// Calculate computes the Average True Range value for the given candles
func (a *ATR) Calculate(ctx context.Context, candles []*domain.Candle) (float64, error) {
	period := a.Config.Period
	if len(candles) < period+1 {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", period+1, len(candles))
	}

	trueRanges := make([]float64, len(candles))
	trueRanges[0] = candles[0].Range().InexactFloat64()

	for i := 1; i < len(candles); i++ {
		high := candles[i].High.InexactFloat64()
		low := candles[i].Low.InexactFloat64()
		prevClose := candles[i-1].Close.InexactFloat64()

		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trueRanges[i] = tr
	}

	// Wilder's smoothing: seed with the simple average of the first period
	// true ranges, then smooth the remainder.
	var atr float64
	for i := 1; i <= period; i++ {
		atr += trueRanges[i]
	}
	atr /= float64(period)

	for i := period + 1; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr, nil
}
