// Package stats derives performance metrics from a completed trade list and
// an equity curve. Everything here is a pure function of its inputs: no
// state, no I/O, deterministic.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
)

const (
	// minReturnSamples is the minimum number of daily returns required
	// before VaR/CVaR quantiles are considered meaningful.
	minReturnSamples = 20

	annualTradingDays = 365 // crypto trades every day
)

// DrawdownPeriod is one contiguous peak-to-recovery interval on the equity curve.
type DrawdownPeriod struct {
	Start     time.Time     `json:"start"`  // time of the peak preceding the decline
	Trough    time.Time     `json:"trough"` // time of the deepest point
	End       time.Time     `json:"end"`    // time of recovery (or last point if unrecovered)
	Depth     float64       `json:"depth"`  // deepest decline as a fraction of the peak
	Duration  time.Duration `json:"duration"`
	Recovered bool          `json:"recovered"`
}

// Statistics is the full performance report for a trade list.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`

	TotalPnL     decimal.Decimal `json:"total_pnl"`
	GrossProfit  decimal.Decimal `json:"gross_profit"`
	GrossLoss    decimal.Decimal `json:"gross_loss"`
	ProfitFactor float64         `json:"profit_factor"`
	AverageWin   decimal.Decimal `json:"average_win"`
	AverageLoss  decimal.Decimal `json:"average_loss"`
	Expectancy   decimal.Decimal `json:"expectancy"`

	KellyFraction float64 `json:"kelly_fraction"`
	AvgRMultiple  float64 `json:"avg_r_multiple"`

	MaxConsecutiveWins   int `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int `json:"max_consecutive_losses"`

	AverageDuration time.Duration `json:"average_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	MinDuration     time.Duration `json:"min_duration"`

	DailyReturns   []float64                  `json:"daily_returns"`
	MonthlyReturns map[string]decimal.Decimal `json:"monthly_returns"`

	SharpeRatio  float64 `json:"sharpe_ratio"`
	SortinoRatio float64 `json:"sortino_ratio"`
	CalmarRatio  float64 `json:"calmar_ratio"`
	MaxDrawdown  float64 `json:"max_drawdown"` // fraction of peak equity

	VaR95       float64 `json:"var_95"` // daily return at the 5% quantile, as a loss fraction
	VaR99       float64 `json:"var_99"`
	CVaR95      float64 `json:"cvar_95"` // mean return beyond the quantile, as a loss fraction
	CVaR99      float64 `json:"cvar_99"`
	VaRReliable bool    `json:"var_reliable"` // false when fewer than 20 daily returns exist

	Drawdowns []DrawdownPeriod `json:"drawdowns"`
}

// Compute derives the full statistics report from closed trades and the
// equity curve recorded during the run.
func Compute(trades []*domain.TradeRecord, equity []domain.EquityPoint) *Statistics {
	s := &Statistics{
		MonthlyReturns: make(map[string]decimal.Decimal),
		TotalPnL:       decimal.Zero,
		GrossProfit:    decimal.Zero,
		GrossLoss:      decimal.Zero,
		AverageWin:     decimal.Zero,
		AverageLoss:    decimal.Zero,
		Expectancy:     decimal.Zero,
	}

	computeTradeMetrics(s, trades)
	s.DailyReturns = dailyReturns(equity)
	computeRatios(s)
	computeTailRisk(s)
	s.Drawdowns, s.MaxDrawdown = drawdownPeriods(equity)
	if s.MaxDrawdown > 0 {
		annualized := annualizedReturn(equity)
		s.CalmarRatio = annualized / s.MaxDrawdown
	}
	return s
}

func computeTradeMetrics(s *Statistics, trades []*domain.TradeRecord) {
	if len(trades) == 0 {
		return
	}

	sorted := make([]*domain.TradeRecord, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ExitTime.Before(sorted[j].ExitTime)
	})

	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration
	var totalR float64

	for _, trade := range sorted {
		s.TotalTrades++
		s.TotalPnL = s.TotalPnL.Add(trade.PnL)
		totalR += trade.RMultiple.InexactFloat64()

		if trade.IsWin() {
			s.WinningTrades++
			s.GrossProfit = s.GrossProfit.Add(trade.PnL)
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			s.LosingTrades++
			s.GrossLoss = s.GrossLoss.Add(trade.PnL.Neg())
			consecutiveLosses++
			consecutiveWins = 0
		}
		if consecutiveWins > s.MaxConsecutiveWins {
			s.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > s.MaxConsecutiveLosses {
			s.MaxConsecutiveLosses = consecutiveLosses
		}

		duration := trade.ExitTime.Sub(trade.EntryTime)
		totalDuration += duration
		if duration > s.MaxDuration {
			s.MaxDuration = duration
		}
		if s.MinDuration == 0 || duration < s.MinDuration {
			s.MinDuration = duration
		}

		monthKey := trade.ExitTime.UTC().Format("2006-01")
		s.MonthlyReturns[monthKey] = s.MonthlyReturns[monthKey].Add(trade.PnL)
	}

	s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades)
	s.AverageDuration = totalDuration / time.Duration(s.TotalTrades)
	s.AvgRMultiple = totalR / float64(s.TotalTrades)

	if s.WinningTrades > 0 {
		s.AverageWin = s.GrossProfit.Div(decimal.NewFromInt(int64(s.WinningTrades)))
	}
	if s.LosingTrades > 0 {
		s.AverageLoss = s.GrossLoss.Div(decimal.NewFromInt(int64(s.LosingTrades)))
	}
	if !s.GrossLoss.IsZero() {
		s.ProfitFactor = s.GrossProfit.Div(s.GrossLoss).InexactFloat64()
	}

	// Expectancy: winRate*avgWin - lossRate*avgLoss, in account currency.
	winRate := decimal.NewFromFloat(s.WinRate)
	lossRate := decimal.NewFromInt(1).Sub(winRate)
	s.Expectancy = winRate.Mul(s.AverageWin).Sub(lossRate.Mul(s.AverageLoss))

	// Kelly fraction: f = W - (1-W)/R with R = avgWin/avgLoss.
	if !s.AverageLoss.IsZero() && s.WinRate > 0 {
		payoff := s.AverageWin.Div(s.AverageLoss).InexactFloat64()
		if payoff > 0 {
			s.KellyFraction = s.WinRate - (1-s.WinRate)/payoff
		}
	}
}

// dailyReturns collapses the equity curve to one closing equity per UTC day
// and returns the day-over-day fractional changes.
func dailyReturns(equity []domain.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}

	var days []string
	lastOfDay := make(map[string]decimal.Decimal)
	for _, p := range equity {
		day := domain.DayKey(p.Time)
		if _, seen := lastOfDay[day]; !seen {
			days = append(days, day)
		}
		lastOfDay[day] = p.Equity
	}

	var returns []float64
	for i := 1; i < len(days); i++ {
		prev := lastOfDay[days[i-1]]
		curr := lastOfDay[days[i]]
		if prev.IsZero() {
			continue
		}
		returns = append(returns, curr.Sub(prev).Div(prev).InexactFloat64())
	}
	return returns
}

func computeRatios(s *Statistics) {
	returns := s.DailyReturns
	if len(returns) < 2 {
		return
	}

	mean := meanOf(returns)
	variance := 0.0
	downsideVariance := 0.0
	downsideCount := 0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if r < 0 {
			downsideVariance += r * r
			downsideCount++
		}
	}
	variance /= float64(len(returns) - 1)
	stdDev := math.Sqrt(variance)

	annualize := math.Sqrt(annualTradingDays)
	if stdDev > 0 {
		s.SharpeRatio = mean / stdDev * annualize
	}
	if downsideCount > 0 {
		downsideDev := math.Sqrt(downsideVariance / float64(downsideCount))
		if downsideDev > 0 {
			s.SortinoRatio = mean / downsideDev * annualize
		}
	}
}

// computeTailRisk derives VaR and CVaR at 95/99 from the sorted daily
// returns. Results are reported as positive loss fractions.
func computeTailRisk(s *Statistics) {
	returns := s.DailyReturns
	if len(returns) < minReturnSamples {
		return
	}
	s.VaRReliable = true

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	s.VaR95 = -quantile(sorted, 0.05)
	s.VaR99 = -quantile(sorted, 0.01)
	s.CVaR95 = -tailMean(sorted, 0.05)
	s.CVaR99 = -tailMean(sorted, 0.01)
}

// quantile returns the q-quantile of an ascending-sorted slice.
func quantile(sorted []float64, q float64) float64 {
	idx := int(math.Floor(q * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// tailMean returns the mean of the worst q fraction of an ascending-sorted slice.
func tailMean(sorted []float64, q float64) float64 {
	n := int(math.Ceil(q * float64(len(sorted))))
	if n < 1 {
		n = 1
	}
	return meanOf(sorted[:n])
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// drawdownPeriods segments the equity curve into contiguous peak-to-recovery
// intervals and returns them together with the deepest drawdown fraction.
func drawdownPeriods(equity []domain.EquityPoint) ([]DrawdownPeriod, float64) {
	if len(equity) == 0 {
		return nil, 0
	}

	var periods []DrawdownPeriod
	var maxDrawdown float64

	peak := equity[0].Equity
	peakTime := equity[0].Time
	var current *DrawdownPeriod
	var troughEquity decimal.Decimal

	for _, p := range equity {
		if p.Equity.GreaterThanOrEqual(peak) {
			if current != nil {
				current.End = p.Time
				current.Duration = current.End.Sub(current.Start)
				current.Recovered = true
				periods = append(periods, *current)
				current = nil
			}
			peak = p.Equity
			peakTime = p.Time
			continue
		}

		depth := 0.0
		if !peak.IsZero() {
			depth = peak.Sub(p.Equity).Div(peak).InexactFloat64()
		}
		if depth > maxDrawdown {
			maxDrawdown = depth
		}

		if current == nil {
			current = &DrawdownPeriod{Start: peakTime, Trough: p.Time, Depth: depth}
			troughEquity = p.Equity
		} else if p.Equity.LessThan(troughEquity) {
			troughEquity = p.Equity
			current.Trough = p.Time
			if depth > current.Depth {
				current.Depth = depth
			}
		}
	}

	if current != nil {
		last := equity[len(equity)-1]
		current.End = last.Time
		current.Duration = current.End.Sub(current.Start)
		periods = append(periods, *current)
	}
	return periods, maxDrawdown
}

// annualizedReturn computes the compound annual growth rate implied by the
// first and last equity points.
func annualizedReturn(equity []domain.EquityPoint) float64 {
	if len(equity) < 2 {
		return 0
	}
	first, last := equity[0], equity[len(equity)-1]
	if first.Equity.IsZero() {
		return 0
	}
	years := last.Time.Sub(first.Time).Hours() / (24 * annualTradingDays)
	if years <= 0 {
		return 0
	}
	growth := last.Equity.Div(first.Equity).InexactFloat64()
	if growth <= 0 {
		return 0
	}
	return math.Pow(growth, 1/years) - 1
}
