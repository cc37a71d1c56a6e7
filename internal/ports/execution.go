package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
)

// OrderRequest describes an order to be placed with the execution client.
// Purpose carries the management role of the order; there is no free-form
// metadata.
type OrderRequest struct {
	Asset      string
	Side       domain.OrderSide
	Type       domain.OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // limit price, zero for market orders
	StopPrice  decimal.Decimal // trigger price for stop orders
	Purpose    domain.OrderPurpose
	PositionID string
}

// Order is the execution client's view of a placed order.
type Order struct {
	ID           string
	Asset        string
	Side         domain.OrderSide
	Type         domain.OrderType
	Purpose      domain.OrderPurpose
	PositionID   string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	StopPrice    decimal.Decimal
	AvgFillPrice decimal.Decimal
	ExecutedQty  decimal.Decimal
	Status       string // NEW, FILLED, CANCELED
	Timestamp    time.Time
}

// Fill is an asynchronous fill notification for a previously placed order.
type Fill struct {
	OrderID    string
	PositionID string
	Purpose    domain.OrderPurpose
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Time       time.Time
}

// FillHandler consumes fill notifications. Handlers for the same position
// are invoked serially.
type FillHandler func(fill Fill)

// MarketQuote is a point-in-time market data snapshot for one asset.
type MarketQuote struct {
	Asset string
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	Last  decimal.Decimal
	Time  time.Time
}

// ExchangePosition is the exchange's view of current exposure in one asset.
type ExchangePosition struct {
	Asset         string
	Size          decimal.Decimal // positive long, negative short
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// ExecutionClient defines the interface for interacting with an execution
// venue. Real, paper and backtest implementations are interchangeable; the
// core never depends on a concrete exchange.
type ExecutionClient interface {
	// PlaceOrder submits an order and returns the venue's view of it.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)
	// CancelOrder cancels an open order by ID.
	CancelOrder(ctx context.Context, asset, orderID string) error
	// Positions returns the venue's current open positions.
	Positions(ctx context.Context) ([]ExchangePosition, error)
	// MarketData returns the current quote for an asset.
	MarketData(ctx context.Context, asset string) (*MarketQuote, error)
	// SubscribeFills registers the handler receiving asynchronous fill
	// notifications. A single handler is supported; later calls replace it.
	SubscribeFills(handler FillHandler)
}
