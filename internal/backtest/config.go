package backtest

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

// TieBreakPolicy decides the fill when both the stop and a take-profit level
// are touched within the same bar. Intrabar ordering is unknowable from OHLC
// data, so this is a policy, not a fact; stop priority is the conservative
// default.
type TieBreakPolicy string

const (
	StopPriority TieBreakPolicy = "stop_priority"
	TPPriority   TieBreakPolicy = "tp_priority"
)

// Config holds the full parameterisation of one backtest run.
type Config struct {
	Assets        []string
	Timeframes    []domain.Timeframe // windows handed to the scorer
	BaseTimeframe domain.Timeframe   // lowest timeframe, drives the bar loop
	Start         time.Time
	End           time.Time
	Lookback      int // bars per timeframe window

	InitialBalance decimal.Decimal
	RiskPerTrade   decimal.Decimal // fraction of equity risked per trade
	MaxConcurrent  int
	CommissionRate decimal.Decimal // proportional to notional, charged both sides
	SlippageRate   decimal.Decimal // adverse fill adjustment, both sides

	MinScore      float64 // scorer gate
	MinConfidence float64 // reasoner gate

	MaxDailyLossPercent  decimal.Decimal // skip new entries past this day loss
	StopBuffer           decimal.Decimal // default stop distance beyond the trigger bar
	BreakevenActivationR decimal.Decimal
	MomentumPullbackR    decimal.Decimal

	TieBreak         TieBreakPolicy
	SnapshotInterval int // equity snapshot cadence in bars
}

// Defaults mirrored from live trading parameters.
var (
	defaultMinScore      = 0.6
	defaultMinConfidence = 0.6
	defaultStopBuffer    = decimal.NewFromFloat(0.002)
	defaultBreakevenR    = decimal.NewFromFloat(0.1)
	defaultMomentumR     = decimal.NewFromFloat(0.3)
	defaultSnapshotBars  = 60
	defaultLookback      = 100
	defaultTPMultiples   = []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(3), decimal.NewFromInt(5)}
	balanceUsageCap      = decimal.NewFromFloat(0.95)
)

// Validate checks the configuration and returns a fatal configuration error
// before the simulation starts. Defaults are filled in for optional knobs.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("%w: at least one asset is required", ports.ErrConfigurationError)
	}
	if c.BaseTimeframe.Duration() == 0 {
		return fmt.Errorf("%w: unknown base timeframe %q", ports.ErrConfigurationError, c.BaseTimeframe)
	}
	if !c.End.After(c.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ports.ErrConfigurationError, c.End, c.Start)
	}
	if c.InitialBalance.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: initial balance must be positive", ports.ErrConfigurationError)
	}
	if c.RiskPerTrade.LessThanOrEqual(decimal.Zero) || c.RiskPerTrade.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: risk per trade must be in (0, 1)", ports.ErrConfigurationError)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max concurrent positions must be positive", ports.ErrConfigurationError)
	}
	if c.CommissionRate.IsNegative() || c.SlippageRate.IsNegative() {
		return fmt.Errorf("%w: commission and slippage rates cannot be negative", ports.ErrConfigurationError)
	}
	if len(c.Timeframes) == 0 {
		c.Timeframes = []domain.Timeframe{c.BaseTimeframe}
	}
	for _, tf := range c.Timeframes {
		if tf.Duration() == 0 {
			return fmt.Errorf("%w: unknown timeframe %q", ports.ErrConfigurationError, tf)
		}
	}
	if c.MinScore == 0 {
		c.MinScore = defaultMinScore
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.StopBuffer.IsZero() {
		c.StopBuffer = defaultStopBuffer
	}
	if c.BreakevenActivationR.IsZero() {
		c.BreakevenActivationR = defaultBreakevenR
	}
	if c.MomentumPullbackR.IsZero() {
		c.MomentumPullbackR = defaultMomentumR
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = defaultSnapshotBars
	}
	if c.Lookback <= 0 {
		c.Lookback = defaultLookback
	}
	if c.TieBreak == "" {
		c.TieBreak = StopPriority
	}
	return nil
}
