package execguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"confluenceBot/internal/ports"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Config tunes the guard. Zero values fall back to conservative defaults.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int // for idempotent calls only
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	FailureThreshold  int // consecutive failures before the breaker opens
	OpenTimeout       time.Duration
	CallTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 100 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// Guard wraps an execution client with a token-bucket rate limit, bounded
// call timeouts, retry with exponential backoff for idempotent calls, and a
// consecutive-failure circuit breaker with a half-open probe.
//
// PlaceOrder is never retried: a timed-out submission may still have reached
// the venue, and resubmitting it would double the position.
type Guard struct {
	inner   ports.ExecutionClient
	cfg     Config
	limiter *rate.Limiter
	logger  ports.Logger
	clock   func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// New wraps the given client.
func New(inner ports.ExecutionClient, cfg Config, log ports.Logger) (*Guard, error) {
	if inner == nil || log == nil {
		return nil, fmt.Errorf("%w: inner client and logger are required", ports.ErrConfigurationError)
	}
	cfg.applyDefaults()
	return &Guard{
		inner:   inner,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  log,
		clock:   time.Now,
	}, nil
}

// CircuitOpen reports whether the breaker currently blocks calls.
func (g *Guard) CircuitOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == breakerOpen && g.clock().Sub(g.openedAt) < g.cfg.OpenTimeout
}

// admit decides whether a call may proceed under the breaker. In the open
// state one probe is admitted after the cooldown; its outcome decides whether
// the breaker closes again.
func (g *Guard) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if g.clock().Sub(g.openedAt) < g.cfg.OpenTimeout {
			return fmt.Errorf("%w: circuit open after %d consecutive failures", ports.ErrCircuitOpen, g.failures)
		}
		g.state = breakerHalfOpen
		g.probing = true
		return nil
	case breakerHalfOpen:
		if g.probing {
			return fmt.Errorf("%w: half-open probe in flight", ports.ErrCircuitOpen)
		}
		g.probing = true
		return nil
	}
	return nil
}

// report records a call outcome for the breaker.
func (g *Guard) report(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probing = false
	if err == nil {
		g.state = breakerClosed
		g.failures = 0
		return
	}
	g.failures++
	if g.state == breakerHalfOpen || g.failures >= g.cfg.FailureThreshold {
		if g.state != breakerOpen {
			g.logger.Warn(context.Background(), "Circuit breaker opened", map[string]interface{}{
				"failures": g.failures,
			})
		}
		g.state = breakerOpen
		g.openedAt = g.clock()
	}
}

// release frees a half-open probe slot without touching the failure count or
// the breaker state.
func (g *Guard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.probing = false
}

// call runs one guarded attempt: breaker admission, rate limit, timeout.
func (g *Guard) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.admit(); err != nil {
		return err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		// The venue was never contacted: release any probe slot without
		// recording an outcome for the breaker.
		g.release()
		return fmt.Errorf("%w: rate limiter wait: %v", ports.ErrContextCanceled, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	g.report(err)
	return err
}

// retryable reports whether an error class is safe and useful to retry.
func retryable(err error) bool {
	return errors.Is(err, ports.ErrConnectionFailed) ||
		errors.Is(err, ports.ErrExchangeUnavailable) ||
		errors.Is(err, ports.ErrRateLimited) ||
		errors.Is(err, ports.ErrTimeout)
}

// callWithRetry wraps call with exponential backoff for idempotent requests.
func (g *Guard) callWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := &backoff.Backoff{
		Min:    g.cfg.BackoffMin,
		Max:    g.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}
	var err error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		err = g.call(ctx, fn)
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: retry aborted: %v", ports.ErrContextCanceled, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	return err
}

// PlaceOrder submits an order with the breaker and rate limit applied, but
// without retries.
func (g *Guard) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.Order, error) {
	var order *ports.Order
	err := g.call(ctx, func(ctx context.Context) error {
		var innerErr error
		order, innerErr = g.inner.PlaceOrder(ctx, req)
		return innerErr
	})
	return order, err
}

// CancelOrder cancels an order, retrying transient failures. Cancelling an
// already-cancelled order is treated as success.
func (g *Guard) CancelOrder(ctx context.Context, asset, orderID string) error {
	err := g.callWithRetry(ctx, func(ctx context.Context) error {
		return g.inner.CancelOrder(ctx, asset, orderID)
	})
	if errors.Is(err, ports.ErrOrderNotFound) {
		return nil
	}
	return err
}

// Positions fetches open positions, retrying transient failures.
func (g *Guard) Positions(ctx context.Context) ([]ports.ExchangePosition, error) {
	var out []ports.ExchangePosition
	err := g.callWithRetry(ctx, func(ctx context.Context) error {
		var innerErr error
		out, innerErr = g.inner.Positions(ctx)
		return innerErr
	})
	return out, err
}

// MarketData fetches a quote, retrying transient failures.
func (g *Guard) MarketData(ctx context.Context, asset string) (*ports.MarketQuote, error) {
	var quote *ports.MarketQuote
	err := g.callWithRetry(ctx, func(ctx context.Context) error {
		var innerErr error
		quote, innerErr = g.inner.MarketData(ctx, asset)
		return innerErr
	})
	return quote, err
}

// SubscribeFills passes the handler straight through; fill delivery is the
// inner client's stream, not a request.
func (g *Guard) SubscribeFills(handler ports.FillHandler) {
	g.inner.SubscribeFills(handler)
}
