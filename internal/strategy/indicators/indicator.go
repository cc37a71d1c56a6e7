package indicators

import (
	"context"

	"confluenceBot/internal/domain"
)

// Indicator represents a technical indicator that can be calculated from price data.
// Indicator values are unitless signal math, so they work in float64; candle
// prices are converted from decimal at the boundary.
type Indicator interface {
	// Calculate computes the indicator value for the given candles
	Calculate(ctx context.Context, candles []*domain.Candle) (float64, error)

	// RequiredDataPoints returns the minimum number of candles needed for calculation
	RequiredDataPoints() int

	// Name returns the name of the indicator
	Name() string
}

// IndicatorConfig holds common configuration for indicators
type IndicatorConfig struct {
	Period int
}

// BaseIndicator provides common functionality for indicators
type BaseIndicator struct {
	Config IndicatorConfig
}

// RequiredDataPoints returns the minimum number of candles needed for calculation
func (b *BaseIndicator) RequiredDataPoints() int {
	return b.Config.Period
}

// closes extracts closing prices as float64 values.
func closes(candles []*domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}
