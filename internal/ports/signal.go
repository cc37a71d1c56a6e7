package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
)

// MultiTimeframeWindow bundles the candle windows for one asset across the
// configured timeframes, all truncated at AsOf (no future bars).
type MultiTimeframeWindow struct {
	Asset   string
	AsOf    time.Time
	Windows map[domain.Timeframe][]*domain.Candle
}

// Score is the composite confluence result for one asset at one instant.
// Scores are unitless signal strengths, not money, so float64 is fine here.
type Score struct {
	Total      float64            // 0..1 composite strength
	Bias       domain.Direction   // directional bias
	Components map[string]float64 // per-factor contributions
}

// Scorer computes a composite cross-timeframe score. Pure function boundary:
// same window in, same score out.
type Scorer interface {
	Score(ctx context.Context, window *MultiTimeframeWindow) (*Score, error)
}

// MarketContext is the market state handed to the reasoner alongside the score.
type MarketContext struct {
	Asset  string
	Price  decimal.Decimal
	Equity decimal.Decimal
	Window *MultiTimeframeWindow
}

// EntryDecision is the reasoner's verdict on a scored setup. StopLoss and
// Targets are suggestions; zero/empty means the engine applies its defaults.
type EntryDecision struct {
	ShouldEnter bool
	Confidence  float64
	StopLoss    decimal.Decimal
	Targets     []decimal.Decimal
	Explanation string
}

// Reasoner turns a score plus market context into an entry decision. The core
// does not care whether the implementation is rule-based or an LLM adapter.
type Reasoner interface {
	Reason(ctx context.Context, score *Score, mctx *MarketContext) (*EntryDecision, error)
}
