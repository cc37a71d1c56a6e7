package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies a candle interval (e.g., "1m", "1h").
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Duration returns the bar interval for the timeframe, or 0 if unknown.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Candle represents a single OHLCV bar. Candles are immutable once stored.
type Candle struct {
	Timestamp time.Time       // Start time of the interval
	Asset     string          // Trading symbol (e.g., "ETHUSDT")
	Timeframe Timeframe       // Bar interval
	Open      decimal.Decimal // Opening price
	High      decimal.Decimal // Highest price
	Low       decimal.Decimal // Lowest price
	Close     decimal.Decimal // Closing price
	Volume    decimal.Decimal // Traded volume
}

// Validate checks the OHLC invariants: high must bound open/close/low from
// above, low from below, and volume must be non-negative.
func (c *Candle) Validate() error {
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) || c.High.LessThan(c.Low) {
		return fmt.Errorf("candle %s %s @ %s: high %s below open/close/low", c.Asset, c.Timeframe, c.Timestamp.Format(time.RFC3339), c.High)
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("candle %s %s @ %s: low %s above open/close", c.Asset, c.Timeframe, c.Timestamp.Format(time.RFC3339), c.Low)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle %s %s @ %s: negative volume %s", c.Asset, c.Timeframe, c.Timestamp.Format(time.RFC3339), c.Volume)
	}
	return nil
}

// IsBullish reports whether the candle closed above its open.
func (c *Candle) IsBullish() bool {
	return c.Close.GreaterThan(c.Open)
}

// Range returns high minus low.
func (c *Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}
