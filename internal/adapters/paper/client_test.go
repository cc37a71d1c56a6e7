package paper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluenceBot/internal/adapters/logger"
	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// fillRecorder collects dispatched fills for assertions.
type fillRecorder struct {
	mu    sync.Mutex
	fills []ports.Fill
}

func (r *fillRecorder) handle(f ports.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
}

func (r *fillRecorder) wait(t *testing.T, n int) []ports.Fill {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.fills) >= n {
			out := append([]ports.Fill(nil), r.fills...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d fills", n)
	return nil
}

func newClient(t *testing.T) (*Client, *fillRecorder) {
	t.Helper()
	c := New(logger.NewStdLogger(logger.LevelError))
	t.Cleanup(c.Close)
	rec := &fillRecorder{}
	c.SubscribeFills(rec.handle)
	return c, rec
}

func TestMarketOrderFillsAtLastPrice(t *testing.T) {
	c, rec := newClient(t)
	c.UpdatePrice("ETHUSDT", dec(100))

	order, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Asset:      "ETHUSDT",
		Side:       domain.Buy,
		Type:       domain.OrderTypeMarket,
		Quantity:   dec(2),
		Purpose:    domain.PurposeEntry,
		PositionID: "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", order.Status)
	assert.True(t, order.AvgFillPrice.Equal(dec(100)))

	fills := rec.wait(t, 1)
	assert.Equal(t, domain.PurposeEntry, fills[0].Purpose)
	assert.True(t, fills[0].Price.Equal(dec(100)))
	assert.True(t, fills[0].Quantity.Equal(dec(2)))
}

func TestMarketOrderWithoutPriceFails(t *testing.T) {
	c, _ := newClient(t)
	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Asset:    "SOLUSDT",
		Side:     domain.Buy,
		Type:     domain.OrderTypeMarket,
		Quantity: dec(1),
	})
	require.ErrorIs(t, err, ports.ErrNoData)
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	c, rec := newClient(t)
	c.UpdatePrice("ETHUSDT", dec(100))

	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Asset:      "ETHUSDT",
		Side:       domain.Sell,
		Type:       domain.OrderTypeLimit,
		Quantity:   dec(1),
		Price:      dec(105),
		Purpose:    domain.PurposeTP1,
		PositionID: "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.RestingOrders())

	c.UpdatePrice("ETHUSDT", dec(104)) // not there yet
	assert.Equal(t, 1, c.RestingOrders())

	c.UpdatePrice("ETHUSDT", dec(105.5))
	fills := rec.wait(t, 1)
	// Limits fill at their limit price, not the traded-through price.
	assert.True(t, fills[0].Price.Equal(dec(105)), "price %s", fills[0].Price)
	assert.Equal(t, 0, c.RestingOrders())
}

func TestStopOrderTriggersOnDrop(t *testing.T) {
	c, rec := newClient(t)
	c.UpdatePrice("ETHUSDT", dec(100))

	_, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Asset:      "ETHUSDT",
		Side:       domain.Sell,
		Type:       domain.OrderTypeStopMarket,
		Quantity:   dec(1),
		StopPrice:  dec(98),
		Purpose:    domain.PurposeStopLoss,
		PositionID: "p1",
	})
	require.NoError(t, err)

	c.UpdatePrice("ETHUSDT", dec(97.5))
	fills := rec.wait(t, 1)
	assert.Equal(t, domain.PurposeStopLoss, fills[0].Purpose)
	assert.True(t, fills[0].Price.Equal(dec(98)), "price %s", fills[0].Price)
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	c, _ := newClient(t)
	c.UpdatePrice("ETHUSDT", dec(100))

	order, err := c.PlaceOrder(context.Background(), ports.OrderRequest{
		Asset:     "ETHUSDT",
		Side:      domain.Sell,
		Type:      domain.OrderTypeStopMarket,
		Quantity:  dec(1),
		StopPrice: dec(98),
	})
	require.NoError(t, err)

	require.NoError(t, c.CancelOrder(context.Background(), "ETHUSDT", order.ID))
	assert.Equal(t, 0, c.RestingOrders())
	require.ErrorIs(t, c.CancelOrder(context.Background(), "ETHUSDT", order.ID), ports.ErrOrderNotFound)
}

func TestPositionsTrackNetExposure(t *testing.T) {
	c, rec := newClient(t)
	ctx := context.Background()
	c.UpdatePrice("ETHUSDT", dec(100))

	_, err := c.PlaceOrder(ctx, ports.OrderRequest{
		Asset: "ETHUSDT", Side: domain.Buy, Type: domain.OrderTypeMarket, Quantity: dec(4),
	})
	require.NoError(t, err)

	c.UpdatePrice("ETHUSDT", dec(110))
	positions, err := c.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Size.Equal(dec(4)))
	assert.True(t, positions[0].EntryPrice.Equal(dec(100)))
	assert.True(t, positions[0].UnrealizedPnL.Equal(dec(40)), "upnl %s", positions[0].UnrealizedPnL)

	// Closing the book flattens the position.
	_, err = c.PlaceOrder(ctx, ports.OrderRequest{
		Asset: "ETHUSDT", Side: domain.Sell, Type: domain.OrderTypeMarket, Quantity: dec(4),
	})
	require.NoError(t, err)
	rec.wait(t, 2)

	positions, err = c.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestTriggeredOrdersFillInPlacementOrder(t *testing.T) {
	c, rec := newClient(t)
	c.UpdatePrice("ETHUSDT", dec(100))
	ctx := context.Background()

	for _, purpose := range []domain.OrderPurpose{domain.PurposeTP1, domain.PurposeTP2} {
		_, err := c.PlaceOrder(ctx, ports.OrderRequest{
			Asset:    "ETHUSDT",
			Side:     domain.Sell,
			Type:     domain.OrderTypeLimit,
			Quantity: dec(1),
			Price:    dec(105),
			Purpose:  purpose,
		})
		require.NoError(t, err)
	}

	c.UpdatePrice("ETHUSDT", dec(106))
	fills := rec.wait(t, 2)
	assert.Equal(t, domain.PurposeTP1, fills[0].Purpose)
	assert.Equal(t, domain.PurposeTP2, fills[1].Purpose)
}
