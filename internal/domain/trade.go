package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason indicates why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitMomentum   ExitReason = "MOMENTUM"
	ExitManual     ExitReason = "MANUAL"
	ExitTimeStop   ExitReason = "TIME_STOP"
)

// exitPriority orders exit reasons by precedence when several could apply at
// the same instant. Lower value wins.
var exitPriority = map[ExitReason]int{
	ExitStopLoss:   0,
	ExitTakeProfit: 1,
	ExitMomentum:   2,
	ExitManual:     3,
	ExitTimeStop:   4,
}

// TakesPrecedenceOver reports whether e outranks other when both trigger at
// the same instant. Stop-loss always wins; TIME_STOP always loses.
func (e ExitReason) TakesPrecedenceOver(other ExitReason) bool {
	return exitPriority[e] < exitPriority[other]
}

// TradeRecord is the immutable record of a completed round trip. Produced on
// position close, consumed by the statistics calculator and persistence.
type TradeRecord struct {
	ID         string          `json:"id"`
	PositionID string          `json:"position_id"`
	Asset      string          `json:"asset"`
	Direction  Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	ExitReason ExitReason      `json:"exit_reason"`
	PnL        decimal.Decimal `json:"pnl"`
	RMultiple  decimal.Decimal `json:"r_multiple"`
	Commission decimal.Decimal `json:"commission"`
	Reasoning  string          `json:"reasoning,omitempty"`

	// RiskSnapshot captures the risk context at entry as a flat report
	// (e.g., account state, daily loss at the time). No object references.
	RiskSnapshot map[string]string `json:"risk_snapshot,omitempty"`
}

// NewTradeRecord builds the immutable record for a fully closed position.
// The R multiple is P&L divided by the initial dollar risk
// (|entry - initial stop| * quantity).
func NewTradeRecord(id string, p *Position, commission decimal.Decimal) *TradeRecord {
	rec := &TradeRecord{
		ID:         id,
		PositionID: p.ID,
		Asset:      p.Asset,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.ExitPrice,
		Quantity:   p.Quantity,
		EntryTime:  p.EntryTime,
		ExitTime:   p.ExitTime,
		ExitReason: p.ExitReason,
		PnL:        p.RealizedPnL,
		Commission: commission,
		Reasoning:  p.Reasoning,
	}
	dollarRisk := p.RiskPerUnit().Mul(p.Quantity)
	if !dollarRisk.IsZero() {
		rec.RMultiple = p.RealizedPnL.Div(dollarRisk)
	}
	return rec
}

// IsWin reports whether the trade closed with a positive P&L.
func (t *TradeRecord) IsWin() bool {
	return t.PnL.IsPositive()
}
