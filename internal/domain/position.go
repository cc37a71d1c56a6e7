package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of a managed position.
//
// ACTIVE -> PARTIAL_TP1 -> PARTIAL_TP2 and the side-states BREAKEVEN /
// TRAILING are reachable once unrealized R crosses the activation threshold.
// CLOSED is the sole terminal state; no transition ever leaves it.
type PositionState string

const (
	StateActive       PositionState = "ACTIVE"
	StatePartialTP1   PositionState = "PARTIAL_TP1"
	StatePartialTP2   PositionState = "PARTIAL_TP2"
	StateBreakeven    PositionState = "BREAKEVEN"
	StateTrailing     PositionState = "TRAILING"
	StateMomentumExit PositionState = "MOMENTUM_EXIT"
	StateClosed       PositionState = "CLOSED"
)

// TakeProfitLevel is a single target of a multi-level take-profit ladder.
type TakeProfitLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Filled   bool
}

// Position represents a position under management, simulated or live.
// Mutations happen through the backtest engine or the position manager only;
// once State reaches CLOSED the position is immutable.
type Position struct {
	ID          string
	Asset       string
	Direction   Direction
	EntryPrice  decimal.Decimal
	EntryTime   time.Time
	Quantity    decimal.Decimal // original size
	CurrentSize decimal.Decimal // decreases as partial exits fill, 0 at CLOSED

	StopLoss    decimal.Decimal // current protective stop, mutable
	InitialStop decimal.Decimal // stop at entry, fixed; defines 1R
	TakeProfits []TakeProfitLevel

	// BestPrice is the most favorable price seen since entry: the running
	// high for longs, the running low for shorts. Monotonic extremum.
	BestPrice decimal.Decimal

	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal

	State              PositionState
	BreakevenActivated bool
	TP1Filled          bool
	TP2Filled          bool

	// NeedsAttention flags a position left in an inconsistent protective
	// state (e.g., stop cancelled but replacement failed) for operator review.
	NeedsAttention bool

	ExitPrice  decimal.Decimal
	ExitTime   time.Time
	ExitReason ExitReason

	Reasoning string // explanation supplied by the reasoner at entry
}

// validTransitions enumerates the allowed state machine edges.
var validTransitions = map[PositionState][]PositionState{
	StateActive:       {StatePartialTP1, StateBreakeven, StateTrailing, StateMomentumExit, StateClosed},
	StatePartialTP1:   {StatePartialTP2, StateBreakeven, StateTrailing, StateMomentumExit, StateClosed},
	StatePartialTP2:   {StateBreakeven, StateTrailing, StateMomentumExit, StateClosed},
	StateBreakeven:    {StatePartialTP1, StatePartialTP2, StateTrailing, StateMomentumExit, StateClosed},
	StateTrailing:     {StatePartialTP1, StatePartialTP2, StateMomentumExit, StateClosed},
	StateMomentumExit: {StateClosed},
	StateClosed:       {},
}

// TransitionTo moves the position to the target state, enforcing the
// lifecycle graph. Transitions out of CLOSED are always rejected.
func (p *Position) TransitionTo(target PositionState) error {
	if p.State == target {
		return nil
	}
	for _, allowed := range validTransitions[p.State] {
		if allowed == target {
			p.State = target
			return nil
		}
	}
	return fmt.Errorf("invalid position state transition %s -> %s (position %s)", p.State, target, p.ID)
}

// IsClosed reports whether the position reached its terminal state.
func (p *Position) IsClosed() bool {
	return p.State == StateClosed
}

// RiskPerUnit returns the per-unit distance between entry and the initial
// stop. This defines 1R for the position.
func (p *Position) RiskPerUnit() decimal.Decimal {
	return p.EntryPrice.Sub(p.InitialStop).Abs()
}

// PnL returns the profit or loss of the given size at the given price,
// direction-aware.
func (p *Position) PnL(price, size decimal.Decimal) decimal.Decimal {
	if p.Direction == Long {
		return price.Sub(p.EntryPrice).Mul(size)
	}
	return p.EntryPrice.Sub(price).Mul(size)
}

// UnrealizedR expresses the open P&L per unit at the given price as a
// multiple of the initial risk. Returns zero when the initial risk is zero.
func (p *Position) UnrealizedR(price decimal.Decimal) decimal.Decimal {
	risk := p.RiskPerUnit()
	if risk.IsZero() {
		return decimal.Zero
	}
	var move decimal.Decimal
	if p.Direction == Long {
		move = price.Sub(p.EntryPrice)
	} else {
		move = p.EntryPrice.Sub(price)
	}
	return move.Div(risk)
}

// UpdateBestPrice advances the favorable extremum. The extremum is monotonic:
// it only moves up for longs and down for shorts.
func (p *Position) UpdateBestPrice(price decimal.Decimal) {
	if p.BestPrice.IsZero() {
		p.BestPrice = price
		return
	}
	if p.Direction == Long && price.GreaterThan(p.BestPrice) {
		p.BestPrice = price
	}
	if p.Direction == Short && price.LessThan(p.BestPrice) {
		p.BestPrice = price
	}
}

// PullbackR measures how far price has retreated from the best favorable
// price, in R. Zero if no favorable extremum has been recorded yet.
func (p *Position) PullbackR(price decimal.Decimal) decimal.Decimal {
	risk := p.RiskPerUnit()
	if risk.IsZero() || p.BestPrice.IsZero() {
		return decimal.Zero
	}
	var pullback decimal.Decimal
	if p.Direction == Long {
		pullback = p.BestPrice.Sub(price)
	} else {
		pullback = price.Sub(p.BestPrice)
	}
	if pullback.IsNegative() {
		return decimal.Zero
	}
	return pullback.Div(risk)
}

// StopHit reports whether the candle's range touched the current stop.
func (p *Position) StopHit(low, high decimal.Decimal) bool {
	if p.StopLoss.IsZero() {
		return false
	}
	if p.Direction == Long {
		return low.LessThanOrEqual(p.StopLoss)
	}
	return high.GreaterThanOrEqual(p.StopLoss)
}

// TargetHit reports whether the candle's range touched the given target.
func (p *Position) TargetHit(target, low, high decimal.Decimal) bool {
	if p.Direction == Long {
		return high.GreaterThanOrEqual(target)
	}
	return low.LessThanOrEqual(target)
}
