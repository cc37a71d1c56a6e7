package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Execution Client Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")

	// ErrCircuitOpen is returned when the outbound-call circuit breaker has
	// tripped after repeated consecutive failures. Orders rejected with this
	// error are retried on a later monitoring tick, never crashed on.
	ErrCircuitOpen = errors.New("execution client circuit breaker is open")

	// Data Errors
	ErrDataGap        = errors.New("gap detected in candle series")
	ErrInvalidCandle  = errors.New("candle violates OHLC invariants")
	ErrNoData         = errors.New("no candle data available for range")
	ErrDuplicateEntry = errors.New("record already exists")
	ErrQueryFailed    = errors.New("storage query failed")
)
