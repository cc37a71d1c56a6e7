package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

const defaultCacheCapacity = 5000 // candles kept per (asset, timeframe) series

// Key identifies one cached candle series.
type Key struct {
	Asset     string
	Timeframe domain.Timeframe
}

// series is a cached, timestamp-ordered candle slice with its covered range.
type series struct {
	candles []*domain.Candle
	from    time.Time
	to      time.Time
}

// Manager loads, caches and serves time-indexed OHLCV series per
// (asset, timeframe). Windows are always truncated at the requested asOf
// time: returning a future bar would leak tomorrow's prices into today's
// decision and silently corrupt every backtest built on top.
type Manager struct {
	repo     ports.CandleRepository
	logger   ports.Logger
	capacity int

	mu    sync.RWMutex
	cache map[Key]*series
}

// NewManager creates a data manager over the given candle repository.
func NewManager(repo ports.CandleRepository, logger ports.Logger, capacity int) (*Manager, error) {
	if repo == nil || logger == nil {
		return nil, fmt.Errorf("marketdata: repository and logger are required")
	}
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &Manager{
		repo:     repo,
		logger:   logger,
		capacity: capacity,
		cache:    make(map[Key]*series),
	}, nil
}

// Window returns up to lookback candles for the asset/timeframe with
// timestamps <= asOf, ordered ascending. Served from cache when the cached
// range fully covers the request, otherwise refilled from storage.
func (m *Manager) Window(ctx context.Context, asset string, tf domain.Timeframe, asOf time.Time, lookback int) ([]*domain.Candle, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("marketdata: lookback must be positive, got %d", lookback)
	}
	interval := tf.Duration()
	if interval == 0 {
		return nil, fmt.Errorf("marketdata: unknown timeframe %q", tf)
	}

	key := Key{Asset: asset, Timeframe: tf}
	earliest := asOf.Add(-time.Duration(lookback) * interval)

	m.mu.RLock()
	s, ok := m.cache[key]
	covered := ok && len(s.candles) > 0 && !s.from.After(earliest) && !s.to.Before(asOf)
	m.mu.RUnlock()

	if !covered {
		if err := m.refill(ctx, key, earliest, asOf); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok = m.cache[key]
	if !ok {
		return nil, nil
	}
	return sliceWindow(s.candles, asOf, lookback), nil
}

// Preload fetches the range from storage into the cache ahead of a backtest
// run so the bar loop never stalls on storage queries.
func (m *Manager) Preload(ctx context.Context, asset string, tf domain.Timeframe, from, to time.Time) error {
	return m.refill(ctx, Key{Asset: asset, Timeframe: tf}, from, to)
}

// Invalidate drops the cached series for the asset/timeframe. The cache is
// only ever invalidated explicitly.
func (m *Manager) Invalidate(asset string, tf domain.Timeframe) {
	m.mu.Lock()
	delete(m.cache, Key{Asset: asset, Timeframe: tf})
	m.mu.Unlock()
}

// Quality inspects the cached series and reports gaps and invalid bars.
// Quality problems are warnings, not errors: callers may proceed with a
// degraded series as long as they know about it.
func (m *Manager) Quality(asset string, tf domain.Timeframe) *QualityReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[Key{Asset: asset, Timeframe: tf}]
	if !ok {
		return &QualityReport{Asset: asset, Timeframe: tf}
	}
	return InspectSeries(asset, tf, s.candles)
}

// refill queries storage for [from, to], merges with any cached candles and
// evicts the oldest entries beyond capacity.
func (m *Manager) refill(ctx context.Context, key Key, from, to time.Time) error {
	fetched, err := m.repo.Query(ctx, key.Asset, key.Timeframe, from, to)
	if err != nil {
		return fmt.Errorf("marketdata: query %s %s: %w", key.Asset, key.Timeframe, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.cache[key]
	if !ok {
		s = &series{}
		m.cache[key] = s
	}
	s.candles = mergeCandles(s.candles, fetched)

	if len(s.candles) > m.capacity {
		dropped := len(s.candles) - m.capacity
		s.candles = s.candles[dropped:]
		m.logger.Debug(ctx, "evicted oldest candles from cache", map[string]interface{}{
			"asset": key.Asset, "timeframe": key.Timeframe, "dropped": dropped,
		})
	}

	if len(s.candles) > 0 {
		s.from = s.candles[0].Timestamp
		s.to = s.candles[len(s.candles)-1].Timestamp
	}
	// Record the requested coverage even when storage returned a sparse
	// series, so repeated misses do not hammer storage for data that is
	// simply absent.
	if s.from.IsZero() || from.Before(s.from) {
		s.from = from
	}
	if to.After(s.to) {
		s.to = to
	}
	return nil
}

// sliceWindow returns the last `lookback` candles with Timestamp <= asOf.
func sliceWindow(candles []*domain.Candle, asOf time.Time, lookback int) []*domain.Candle {
	// Index of the first candle after asOf.
	end := sort.Search(len(candles), func(i int) bool {
		return candles[i].Timestamp.After(asOf)
	})
	start := end - lookback
	if start < 0 {
		start = 0
	}
	out := make([]*domain.Candle, end-start)
	copy(out, candles[start:end])
	return out
}

// mergeCandles merges two ascending candle slices, deduplicating on timestamp.
func mergeCandles(a, b []*domain.Candle) []*domain.Candle {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	merged := make([]*domain.Candle, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Timestamp.Before(b[j].Timestamp):
			merged = append(merged, a[i])
			i++
		case b[j].Timestamp.Before(a[i].Timestamp):
			merged = append(merged, b[j])
			j++
		default:
			merged = append(merged, a[i]) // duplicate timestamp, cached wins
			i++
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	return merged
}
