package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyRiskMetrics is the day-keyed risk ledger for one account. One record
// per calendar day, created at day start, updated on every trade open/close
// and price tick, persisted for audit.
type DailyRiskMetrics struct {
	Date            string          `json:"date"` // YYYY-MM-DD, UTC
	StartingBalance decimal.Decimal `json:"starting_balance"`
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	PeakBalance     decimal.Decimal `json:"peak_balance"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	TradesOpened    int             `json:"trades_opened"`
	TradesClosed    int             `json:"trades_closed"`
	Wins            int             `json:"wins"`
	Losses          int             `json:"losses"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DayKey formats a timestamp as the metrics map key (UTC calendar day).
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewDailyRiskMetrics opens a fresh daily record with the given starting
// balance.
func NewDailyRiskMetrics(day string, startingBalance decimal.Decimal) *DailyRiskMetrics {
	return &DailyRiskMetrics{
		Date:            day,
		StartingBalance: startingBalance,
		CurrentBalance:  startingBalance,
		PeakBalance:     startingBalance,
	}
}

// TotalLoss returns realized plus unrealized P&L when negative, as a positive
// loss amount, or zero when the day is flat or profitable.
func (m *DailyRiskMetrics) TotalLoss() decimal.Decimal {
	total := m.RealizedPnL.Add(m.UnrealizedPnL)
	if total.IsNegative() {
		return total.Neg()
	}
	return decimal.Zero
}

// LossPercent returns the day's loss as a fraction of the starting balance.
func (m *DailyRiskMetrics) LossPercent() decimal.Decimal {
	if m.StartingBalance.IsZero() {
		return decimal.Zero
	}
	return m.TotalLoss().Div(m.StartingBalance)
}
