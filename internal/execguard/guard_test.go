package execguard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/ports"
)

// flakyExec fails a scripted number of times before succeeding.
type flakyExec struct {
	mu       sync.Mutex
	failures int // remaining failures to serve
	failWith error
	calls    int
	handler  ports.FillHandler
}

func (f *flakyExec) serve() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	return nil
}

func (f *flakyExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyExec) PlaceOrder(_ context.Context, req ports.OrderRequest) (*ports.Order, error) {
	if err := f.serve(); err != nil {
		return nil, err
	}
	return &ports.Order{ID: "o1", Asset: req.Asset, Status: "NEW"}, nil
}

func (f *flakyExec) CancelOrder(_ context.Context, _, _ string) error { return f.serve() }

func (f *flakyExec) Positions(_ context.Context) ([]ports.ExchangePosition, error) {
	return nil, f.serve()
}

func (f *flakyExec) MarketData(_ context.Context, asset string) (*ports.MarketQuote, error) {
	if err := f.serve(); err != nil {
		return nil, err
	}
	return &ports.MarketQuote{Asset: asset}, nil
}

func (f *flakyExec) SubscribeFills(h ports.FillHandler) { f.handler = h }

func fastConfig() Config {
	return Config{
		RequestsPerSecond: 1000,
		Burst:             1000,
		MaxRetries:        3,
		BackoffMin:        time.Millisecond,
		BackoffMax:        2 * time.Millisecond,
		FailureThreshold:  3,
		OpenTimeout:       time.Minute,
		CallTimeout:       time.Second,
	}
}

func newGuard(t *testing.T, inner ports.ExecutionClient, cfg Config) *Guard {
	t.Helper()
	g, err := New(inner, cfg, logger.NewStdLogger(logger.LevelError))
	require.NoError(t, err)
	return g
}

func TestMarketDataRetriesTransientFailures(t *testing.T) {
	inner := &flakyExec{failures: 2, failWith: fmt.Errorf("%w: refused", ports.ErrConnectionFailed)}
	g := newGuard(t, inner, fastConfig())

	quote, err := g.MarketData(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", quote.Asset)
	assert.Equal(t, 3, inner.callCount())
}

func TestPlaceOrderIsNeverRetried(t *testing.T) {
	inner := &flakyExec{failures: 1, failWith: fmt.Errorf("%w: refused", ports.ErrConnectionFailed)}
	g := newGuard(t, inner, fastConfig())

	_, err := g.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "ETHUSDT"})
	require.Error(t, err)
	assert.Equal(t, 1, inner.callCount())
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	inner := &flakyExec{failures: 10, failWith: fmt.Errorf("%w: balance too low", ports.ErrInsufficientFunds)}
	g := newGuard(t, inner, fastConfig())

	_, err := g.MarketData(context.Background(), "ETHUSDT")
	require.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.Equal(t, 1, inner.callCount())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyExec{failures: 100, failWith: fmt.Errorf("%w: down", ports.ErrExchangeUnavailable)}
	g := newGuard(t, inner, fastConfig())

	// One retried call burns through 4 attempts, past the threshold of 3.
	_, err := g.MarketData(context.Background(), "ETHUSDT")
	require.Error(t, err)
	assert.True(t, g.CircuitOpen())

	// Further calls are rejected without touching the venue.
	before := inner.callCount()
	_, err = g.PlaceOrder(context.Background(), ports.OrderRequest{Asset: "ETHUSDT"})
	require.ErrorIs(t, err, ports.ErrCircuitOpen)
	assert.Equal(t, before, inner.callCount())
}

func TestHalfOpenProbeClosesBreakerOnSuccess(t *testing.T) {
	inner := &flakyExec{failures: 3, failWith: fmt.Errorf("%w: down", ports.ErrExchangeUnavailable)}
	cfg := fastConfig()
	g := newGuard(t, inner, cfg)

	_, err := g.MarketData(context.Background(), "ETHUSDT")
	require.Error(t, err)
	require.True(t, g.CircuitOpen())

	// Cooldown elapses; the probe succeeds and the breaker closes.
	g.clock = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = g.MarketData(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.False(t, g.CircuitOpen())
}

func TestHalfOpenProbeReopensBreakerOnFailure(t *testing.T) {
	inner := &flakyExec{failures: 5, failWith: fmt.Errorf("%w: down", ports.ErrExchangeUnavailable)}
	g := newGuard(t, inner, fastConfig())

	_, err := g.MarketData(context.Background(), "ETHUSDT")
	require.Error(t, err)
	require.True(t, g.CircuitOpen())

	base := time.Now()
	g.clock = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = g.MarketData(context.Background(), "ETHUSDT")
	require.Error(t, err)

	// The failed probe reopened the breaker from the probe's timestamp.
	assert.True(t, g.CircuitOpen())
}

func TestCancelledLimiterWaitDoesNotCloseBreaker(t *testing.T) {
	inner := &flakyExec{failures: 100, failWith: fmt.Errorf("%w: down", ports.ErrExchangeUnavailable)}
	g := newGuard(t, inner, fastConfig())

	_, err := g.MarketData(context.Background(), "ETHUSDT")
	require.Error(t, err)
	require.True(t, g.CircuitOpen())

	base := time.Now()
	g.clock = func() time.Time { return base.Add(2 * time.Minute) }

	// The probe is admitted but the limiter wait fails before the venue is
	// contacted; the breaker must not record that as a success.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	before := inner.callCount()
	_, err = g.MarketData(cancelled, "ETHUSDT")
	require.Error(t, err)
	assert.Equal(t, before, inner.callCount())

	// The next real probe fails once and the breaker reopens immediately,
	// which only happens when the abandoned wait left it half-open.
	inner.failWith = fmt.Errorf("%w: balance too low", ports.ErrInsufficientFunds)
	_, err = g.MarketData(context.Background(), "ETHUSDT")
	require.Error(t, err)
	assert.True(t, g.CircuitOpen())
}

func TestCancelOfUnknownOrderIsSuccess(t *testing.T) {
	inner := &flakyExec{failures: 1, failWith: fmt.Errorf("%w: gone", ports.ErrOrderNotFound)}
	g := newGuard(t, inner, fastConfig())

	err := g.CancelOrder(context.Background(), "ETHUSDT", "o404")
	assert.NoError(t, err)
}
