package ports

import (
	"context"
	"time"

	"confluenceBot/internal/domain"
)

// CandleRepository defines the interface for persistent candle storage.
type CandleRepository interface {
	// Store saves candles, ignoring duplicates on (asset, timeframe, timestamp).
	Store(ctx context.Context, candles []*domain.Candle) error
	// Query retrieves candles for the asset/timeframe within [from, to],
	// ordered by timestamp ascending.
	Query(ctx context.Context, asset string, tf domain.Timeframe, from, to time.Time) ([]*domain.Candle, error)
}

// TradeRepository defines the interface for storing and retrieving completed trades.
type TradeRepository interface {
	// Create saves a new trade record.
	Create(ctx context.Context, trade *domain.TradeRecord) error
	// FindByAsset retrieves the most recent trades for an asset, up to limit.
	FindByAsset(ctx context.Context, asset string, limit int) ([]*domain.TradeRecord, error)
	// FindAll retrieves all trades ordered by exit time ascending.
	FindAll(ctx context.Context) ([]*domain.TradeRecord, error)
}

// RiskMetricsRepository persists the day-keyed risk ledger for audit.
type RiskMetricsRepository interface {
	// Save upserts the daily record.
	Save(ctx context.Context, metrics *domain.DailyRiskMetrics) error
	// FindByDay retrieves the record for a YYYY-MM-DD day key.
	// Returns nil, nil when no record exists.
	FindByDay(ctx context.Context, day string) (*domain.DailyRiskMetrics, error)
}
