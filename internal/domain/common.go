package domain

// Direction represents the direction of a position (long or short).
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Opposite returns the opposing direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// EntrySide returns the order side that opens a position in the given direction.
func EntrySide(d Direction) OrderSide {
	if d == Long {
		return Buy
	}
	return Sell
}

// ExitSide returns the order side that closes a position in the given direction.
func ExitSide(d Direction) OrderSide {
	if d == Long {
		return Sell
	}
	return Buy
}

// OrderType represents the execution type of an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderPurpose is the closed set of roles an order can play in position
// management. Consumers switch exhaustively over these values instead of
// attaching free-form metadata to orders.
type OrderPurpose string

const (
	PurposeEntry         OrderPurpose = "entry"
	PurposeStopLoss      OrderPurpose = "stop_loss"
	PurposeTP1           OrderPurpose = "tp1"
	PurposeTP2           OrderPurpose = "tp2"
	PurposeBreakevenStop OrderPurpose = "breakeven_stop"
	PurposeMomentumExit  OrderPurpose = "momentum_exit"
	PurposeManualClose   OrderPurpose = "manual_close"
)

// IsProtective reports whether the purpose is a stop-type order guarding the
// position's downside.
func (p OrderPurpose) IsProtective() bool {
	return p == PurposeStopLoss || p == PurposeBreakevenStop
}
