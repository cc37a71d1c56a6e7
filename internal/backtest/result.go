package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/stats"
)

// Result is the serializable outcome of a completed backtest run.
type Result struct {
	Phase      Phase     `json:"phase"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Assets     []string  `json:"assets"`
	TotalBars  int       `json:"total_bars"`

	InitialBalance decimal.Decimal `json:"initial_balance"`
	FinalBalance   decimal.Decimal `json:"final_balance"`
	PeakEquity     decimal.Decimal `json:"peak_equity"`
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"` // absolute, in quote currency

	Trades      []*domain.TradeRecord `json:"trades"`
	EquityCurve []domain.EquityPoint  `json:"equity_curve"`
	Statistics  *stats.Statistics     `json:"statistics"`
}
