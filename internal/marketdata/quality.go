package marketdata

import (
	"fmt"
	"time"

	"confluenceBot/internal/domain"
)

// Gap is a run of missing bars between two observed candles.
type Gap struct {
	From        time.Time // timestamp of the candle before the gap
	To          time.Time // timestamp of the candle after the gap
	MissingBars int
}

// InvalidBar records a candle that violates the OHLC invariants.
type InvalidBar struct {
	Timestamp time.Time
	Reason    string
}

// QualityReport summarises the health of one candle series. Gaps and invalid
// bars are surfaced as warnings, never as fatal errors.
type QualityReport struct {
	Asset       string
	Timeframe   domain.Timeframe
	BarsChecked int
	Gaps        []Gap
	InvalidBars []InvalidBar
}

// Clean reports whether the series has no gaps and no invalid bars.
func (r *QualityReport) Clean() bool {
	return len(r.Gaps) == 0 && len(r.InvalidBars) == 0
}

// Warnings renders the report as human-readable warning lines.
func (r *QualityReport) Warnings() []string {
	var out []string
	for _, g := range r.Gaps {
		out = append(out, fmt.Sprintf("%s %s: %d missing bars between %s and %s",
			r.Asset, r.Timeframe, g.MissingBars, g.From.Format(time.RFC3339), g.To.Format(time.RFC3339)))
	}
	for _, b := range r.InvalidBars {
		out = append(out, fmt.Sprintf("%s %s: invalid bar at %s: %s",
			r.Asset, r.Timeframe, b.Timestamp.Format(time.RFC3339), b.Reason))
	}
	return out
}

// InspectSeries checks an ascending candle series for missing bars at the
// timeframe's interval and for OHLC invariant violations.
func InspectSeries(asset string, tf domain.Timeframe, candles []*domain.Candle) *QualityReport {
	report := &QualityReport{Asset: asset, Timeframe: tf, BarsChecked: len(candles)}
	interval := tf.Duration()

	for i, c := range candles {
		if err := c.Validate(); err != nil {
			report.InvalidBars = append(report.InvalidBars, InvalidBar{
				Timestamp: c.Timestamp,
				Reason:    err.Error(),
			})
		}
		if i == 0 || interval == 0 {
			continue
		}
		elapsed := c.Timestamp.Sub(candles[i-1].Timestamp)
		if elapsed > interval {
			missing := int(elapsed/interval) - 1
			report.Gaps = append(report.Gaps, Gap{
				From:        candles[i-1].Timestamp,
				To:          c.Timestamp,
				MissingBars: missing,
			})
		}
	}
	return report
}
