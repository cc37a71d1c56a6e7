// Package paper provides an in-memory execution client for paper trading and
// integration tests. Market orders fill at the last known price; limit and
// stop orders rest until a price update crosses them.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

const fillBuffer = 256

// Client simulates an execution venue in memory.
//
// Fills are delivered on a dedicated dispatcher goroutine, never from inside
// the call that produced them, so consumers may hold their own locks while
// placing orders.
type Client struct {
	logger ports.Logger

	mu        sync.Mutex
	handler   ports.FillHandler
	last      map[string]decimal.Decimal
	resting   map[string]restingOrder
	positions map[string]*book
	seq       int

	fills chan ports.Fill
	quit  chan struct{}
	done  sync.WaitGroup
}

type restingOrder struct {
	id  string
	seq int
	req ports.OrderRequest
}

// book tracks net exposure in one asset.
type book struct {
	size       decimal.Decimal // signed, positive long
	entryPrice decimal.Decimal // size-weighted average of opening fills
}

// New starts a paper client. Call Close when done.
func New(log ports.Logger) *Client {
	c := &Client{
		logger:    log,
		last:      make(map[string]decimal.Decimal),
		resting:   make(map[string]restingOrder),
		positions: make(map[string]*book),
		fills:     make(chan ports.Fill, fillBuffer),
		quit:      make(chan struct{}),
	}
	c.done.Add(1)
	go c.dispatch()
	return c
}

// Close stops the fill dispatcher.
func (c *Client) Close() {
	close(c.quit)
	c.done.Wait()
}

func (c *Client) dispatch() {
	defer c.done.Done()
	for {
		select {
		case <-c.quit:
			return
		case fill := <-c.fills:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler != nil {
				handler(fill)
			}
		}
	}
}

// SubscribeFills registers the fill handler. A later call replaces it.
func (c *Client) SubscribeFills(handler ports.FillHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// UpdatePrice moves the simulated market and fills any resting orders the new
// price crosses. Triggered orders fill in placement order.
func (c *Client) UpdatePrice(asset string, price decimal.Decimal) {
	c.mu.Lock()
	c.last[asset] = price

	var triggered []restingOrder
	for id, ro := range c.resting {
		if ro.req.Asset == asset && crossed(ro.req, price) {
			triggered = append(triggered, ro)
			delete(c.resting, id)
		}
	}
	sort.Slice(triggered, func(i, j int) bool { return triggered[i].seq < triggered[j].seq })

	for _, ro := range triggered {
		c.fillLocked(ro.id, ro.req, fillPrice(ro.req, price))
	}
	c.mu.Unlock()
}

// crossed reports whether the new price triggers the resting order.
func crossed(req ports.OrderRequest, price decimal.Decimal) bool {
	switch req.Type {
	case domain.OrderTypeLimit:
		if req.Side == domain.Sell {
			return price.GreaterThanOrEqual(req.Price)
		}
		return price.LessThanOrEqual(req.Price)
	case domain.OrderTypeStopMarket:
		if req.Side == domain.Sell {
			return price.LessThanOrEqual(req.StopPrice)
		}
		return price.GreaterThanOrEqual(req.StopPrice)
	}
	return false
}

// fillPrice is the execution price for a triggered order: the limit price for
// limits, the trigger price for stops.
func fillPrice(req ports.OrderRequest, _ decimal.Decimal) decimal.Decimal {
	if req.Type == domain.OrderTypeLimit {
		return req.Price
	}
	return req.StopPrice
}

// PlaceOrder accepts an order. Market orders fill immediately at the last
// price; limit and stop orders rest.
func (c *Client) PlaceOrder(_ context.Context, req ports.OrderRequest) (*ports.Order, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: order quantity must be positive", ports.ErrInvalidRequest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	id := fmt.Sprintf("paper-%d", c.seq)
	order := &ports.Order{
		ID:         id,
		Asset:      req.Asset,
		Side:       req.Side,
		Type:       req.Type,
		Purpose:    req.Purpose,
		PositionID: req.PositionID,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Status:     "NEW",
		Timestamp:  time.Now(),
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		last, ok := c.last[req.Asset]
		if !ok {
			return nil, fmt.Errorf("%w: no market price for %s", ports.ErrNoData, req.Asset)
		}
		order.Status = "FILLED"
		order.AvgFillPrice = last
		order.ExecutedQty = req.Quantity
		c.fillLocked(id, req, last)
	case domain.OrderTypeLimit, domain.OrderTypeStopMarket:
		c.resting[id] = restingOrder{id: id, seq: c.seq, req: req}
	default:
		return nil, fmt.Errorf("%w: unsupported order type %s", ports.ErrInvalidRequest, req.Type)
	}
	return order, nil
}

// fillLocked books a fill against the position ledger and queues its
// notification. Callers hold c.mu.
func (c *Client) fillLocked(orderID string, req ports.OrderRequest, price decimal.Decimal) {
	b, ok := c.positions[req.Asset]
	if !ok {
		b = &book{}
		c.positions[req.Asset] = b
	}
	delta := req.Quantity
	if req.Side == domain.Sell {
		delta = delta.Neg()
	}
	// Average the entry only while the fill grows exposure.
	if b.size.IsZero() || b.size.Sign() == delta.Sign() {
		notional := b.entryPrice.Mul(b.size.Abs()).Add(price.Mul(req.Quantity))
		total := b.size.Abs().Add(req.Quantity)
		if total.IsPositive() {
			b.entryPrice = notional.Div(total)
		}
	}
	b.size = b.size.Add(delta)
	if b.size.IsZero() {
		b.entryPrice = decimal.Zero
	}

	fill := ports.Fill{
		OrderID:    orderID,
		PositionID: req.PositionID,
		Purpose:    req.Purpose,
		Price:      price,
		Quantity:   req.Quantity,
		Time:       time.Now(),
	}
	select {
	case c.fills <- fill:
	default:
		c.logger.Error(context.Background(), ports.ErrUnknown, "Fill queue full, dropping notification",
			map[string]interface{}{"order_id": orderID})
	}
}

// CancelOrder removes a resting order.
func (c *Client) CancelOrder(_ context.Context, _ string, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resting[orderID]; !ok {
		return fmt.Errorf("%w: order %s", ports.ErrOrderNotFound, orderID)
	}
	delete(c.resting, orderID)
	return nil
}

// Positions returns the venue's non-flat books.
func (c *Client) Positions(_ context.Context) ([]ports.ExchangePosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ports.ExchangePosition
	assets := make([]string, 0, len(c.positions))
	for asset := range c.positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		b := c.positions[asset]
		if b.size.IsZero() {
			continue
		}
		mark := c.last[asset]
		var upnl decimal.Decimal
		if !mark.IsZero() {
			upnl = mark.Sub(b.entryPrice).Mul(b.size)
		}
		out = append(out, ports.ExchangePosition{
			Asset:         asset,
			Size:          b.size,
			EntryPrice:    b.entryPrice,
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
		})
	}
	return out, nil
}

// MarketData returns the current simulated quote.
func (c *Client) MarketData(_ context.Context, asset string) (*ports.MarketQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[asset]
	if !ok {
		return nil, fmt.Errorf("%w: no market price for %s", ports.ErrNoData, asset)
	}
	return &ports.MarketQuote{Asset: asset, Bid: last, Ask: last, Last: last, Time: time.Now()}, nil
}

// RestingOrders returns the number of orders currently resting.
func (c *Client) RestingOrders() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resting)
}
