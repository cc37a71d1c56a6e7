package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EquityPoint is one snapshot on the equity curve: account balance plus the
// open positions' unrealized P&L, and the drawdown from the running peak.
type EquityPoint struct {
	Time     time.Time       `json:"time"`
	Equity   decimal.Decimal `json:"equity"`
	Drawdown decimal.Decimal `json:"drawdown"` // peak equity minus equity, absolute
}
