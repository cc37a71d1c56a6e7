package indicators

import (
	"context"
	"fmt"

	"confluenceBot/internal/domain"
)

// MovingAverageType defines the type of moving average
type MovingAverageType string

const (
	// SimpleMovingAverage represents a simple moving average
	SimpleMovingAverage MovingAverageType = "SMA"
	// ExponentialMovingAverage represents an exponential moving average
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// MovingAverageConfig holds configuration for moving average indicators
type MovingAverageConfig struct {
	IndicatorConfig
	Type MovingAverageType
}

// MovingAverage implements both SMA and EMA indicators
type MovingAverage struct {
	BaseIndicator
	config MovingAverageConfig
}

// NewMovingAverage creates a new moving average indicator instance
func NewMovingAverage(config MovingAverageConfig) *MovingAverage {
	return &MovingAverage{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		config:        config,
	}
}

// Name returns the name of the indicator
func (m *MovingAverage) Name() string {
	return string(m.config.Type)
}

// Calculate computes the moving average value based on the configured type
func (m *MovingAverage) Calculate(ctx context.Context, candles []*domain.Candle) (float64, error) {
	switch m.config.Type {
	case SimpleMovingAverage:
		return m.calculateSMA(closes(candles))
	case ExponentialMovingAverage:
		return m.calculateEMA(closes(candles))
	default:
		return 0, fmt.Errorf("unsupported moving average type: %s", m.config.Type)
	}
}

// calculateSMA computes the Simple Moving Average over the last period values.
func (m *MovingAverage) calculateSMA(prices []float64) (float64, error) {
	if len(prices) < m.Config.Period {
		return 0, fmt.Errorf("not enough data (%d) to calculate SMA for period %d", len(prices), m.Config.Period)
	}

	total := 0.0
	for i := len(prices) - m.Config.Period; i < len(prices); i++ {
		total += prices[i]
	}
	return total / float64(m.Config.Period), nil
}

// calculateEMA computes the Exponential Moving Average, seeding with the SMA
// of the first period values.
func (m *MovingAverage) calculateEMA(prices []float64) (float64, error) {
	if len(prices) < m.Config.Period {
		return 0, fmt.Errorf("not enough data (%d) to calculate EMA for period %d", len(prices), m.Config.Period)
	}

	multiplier := 2.0 / float64(m.Config.Period+1)

	ema, err := m.calculateSMA(prices[:m.Config.Period])
	if err != nil {
		return 0, err
	}
	for i := m.Config.Period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}
	return ema, nil
}
