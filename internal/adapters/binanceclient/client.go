// Package binanceclient implements ports.ExecutionClient against Binance
// USDT-M futures using the go-binance library. All prices and quantities
// cross the boundary as exact decimals; float64 never touches order math.
package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Binance expires listen keys after 60 minutes without a keepalive.
	listenKeyKeepalive = 25 * time.Minute
)

// orderMeta links a venue order ID back to the position and management role
// it was placed for, so user-data fills can be attributed.
type orderMeta struct {
	positionID string
	purpose    domain.OrderPurpose
	asset      string
}

// Client implements ports.ExecutionClient using Binance futures REST and
// WebSocket endpoints. Fills are delivered from the user-data stream
// goroutine, never from the caller's goroutine, as the position manager's
// locking contract requires.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu      sync.Mutex
	handler ports.FillHandler
	orders  map[string]orderMeta
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // initial reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // max attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required for Binance client", ports.ErrConfigurationError)
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using the global futures.UseTestnet.
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		orders:               make(map[string]orderMeta),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019, -3005, -3041: // Margin or balance insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -4003, -4014, -4015: // Qty/price/leverage not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrNotFound
		case -4047: // Exceeded maximum allowable position at current leverage
			mappedErr = ports.ErrInsufficientFunds
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// AccountBalance retrieves the wallet balance for a quote asset (e.g., "USDT").
func (c *Client) AccountBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	op := "AccountBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := decimal.NewFromString(bal.WalletBalance)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.WalletBalance, asset, err)
				return decimal.Zero, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}

	err = fmt.Errorf("asset %s not found in account balance", asset)
	return decimal.Zero, c.handleError(ctx, err, op)
}

// PlaceOrder submits an order and registers it for fill attribution.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.Order, error) {
	op := "PlaceOrder"

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Asset).
		Side(futures.SideType(req.Side)).
		Quantity(req.Quantity.String())

	switch req.Type {
	case domain.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case domain.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			Price(req.Price.String()).
			TimeInForce(futures.TimeInForceTypeGTC)
	case domain.OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(req.StopPrice.String())
	default:
		return nil, fmt.Errorf("%s failed: %w: unsupported order type %q", op, ports.ErrInvalidRequest, req.Type)
	}

	// Management orders only ever reduce the position they guard.
	if req.Purpose != domain.PurposeEntry {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	order, err := translateOrder(res, req)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	c.mu.Lock()
	c.orders[order.ID] = orderMeta{positionID: req.PositionID, purpose: req.Purpose, asset: req.Asset}
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   req.Asset,
		"side":     req.Side,
		"type":     req.Type,
		"purpose":  req.Purpose,
		"quantity": req.Quantity.String(),
		"orderID":  order.ID,
		"status":   order.Status,
	})
	return order, nil
}

// CancelOrder cancels an open order by ID.
func (c *Client) CancelOrder(ctx context.Context, asset, orderID string) error {
	op := "CancelOrder"
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%s failed: %w: malformed order ID %q", op, ports.ErrInvalidRequest, orderID)
	}

	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": asset, "orderID": orderID})
	_, err = c.futuresClient.NewCancelOrderService().
		Symbol(asset).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}

	c.mu.Lock()
	delete(c.orders, orderID)
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": asset, "orderID": orderID})
	return nil
}

// Positions returns the venue's current non-flat positions.
func (c *Client) Positions(ctx context.Context) ([]ports.ExchangePosition, error) {
	op := "Positions"
	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	var out []ports.ExchangePosition
	for _, r := range risks {
		pos, err := translatePosition(r)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate position risk: %w", err), op)
		}
		if pos == nil {
			continue // flat
		}
		out = append(out, *pos)
	}
	return out, nil
}

// MarketData returns the current quote for an asset: best bid/ask from the
// book ticker and the last traded price from 24h stats.
func (c *Client) MarketData(ctx context.Context, asset string) (*ports.MarketQuote, error) {
	op := "MarketData"

	books, err := c.futuresClient.NewListBookTickersService().Symbol(asset).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(books) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no book ticker returned for symbol %s", asset), op)
	}
	bid, err := decimal.NewFromString(books[0].BidPrice)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse bid '%s': %w", books[0].BidPrice, err), op)
	}
	ask, err := decimal.NewFromString(books[0].AskPrice)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse ask '%s': %w", books[0].AskPrice, err), op)
	}

	stats, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(asset).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	if len(stats) == 0 {
		return nil, c.handleError(ctx, fmt.Errorf("no ticker data returned for symbol %s", asset), op)
	}
	last, err := decimal.NewFromString(stats[0].LastPrice)
	if err != nil {
		return nil, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", stats[0].LastPrice, err), op)
	}

	return &ports.MarketQuote{
		Asset: asset,
		Bid:   bid,
		Ask:   ask,
		Last:  last,
		Time:  time.Now().UTC(),
	}, nil
}

// SubscribeFills registers the handler receiving asynchronous fill
// notifications. A single handler is supported; later calls replace it.
func (c *Client) SubscribeFills(handler ports.FillHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// StreamFills runs the user-data stream that delivers order fills to the
// subscribed handler, reconnecting with backoff on failure. Blocks until ctx
// is cancelled or reconnection attempts are exhausted.
func (c *Client) StreamFills(ctx context.Context) error {
	op := "StreamFills"

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, op+": Context cancelled, stopping user-data stream.")
			return ctx.Err()
		default:
		}

		listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
		if err != nil {
			attempt++
			if attempt >= c.maxReconnectAttempts {
				return c.handleError(ctx, fmt.Errorf("max reconnection attempts exceeded: %w", err), op)
			}
			c.handleError(ctx, err, op+" listen key")
			if !c.sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			continue
		}

		doneCh, stopCh, err := futures.WsUserDataServe(listenKey, c.handleUserDataEvent, func(wsErr error) {
			c.logger.Warn(ctx, op+": WebSocket error reported", map[string]interface{}{"error": wsErr.Error()})
		})
		if err != nil {
			attempt++
			if attempt >= c.maxReconnectAttempts {
				return c.handleError(ctx, fmt.Errorf("max reconnection attempts exceeded: %w", err), op)
			}
			c.handleError(ctx, err, op+" connection attempt")
			if !c.sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			continue
		}

		c.logger.Info(ctx, op+": User-data stream established.")
		attempt = 0

		keepalive := time.NewTicker(listenKeyKeepalive)
	inner:
		for {
			select {
			case <-keepalive.C:
				if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
					c.handleError(ctx, err, op+" keepalive")
				}
			case <-doneCh:
				c.logger.Warn(ctx, op+": User-data stream closed unexpectedly. Reconnecting...")
				break inner
			case <-ctx.Done():
				keepalive.Stop()
				select {
				case stopCh <- struct{}{}:
				default:
				}
				c.logger.Info(ctx, op+": Context cancelled, stopping user-data stream.")
				return ctx.Err()
			}
		}
		keepalive.Stop()
	}
}

// handleUserDataEvent dispatches order-fill events to the subscribed handler.
func (c *Client) handleUserDataEvent(event *futures.WsUserDataEvent) {
	if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	update := event.OrderTradeUpdate
	if update.ExecutionType != futures.OrderExecutionTypeTrade {
		return
	}

	ctx := context.Background()
	qty, err := decimal.NewFromString(update.LastFilledQty)
	if err != nil || qty.IsZero() {
		return
	}
	price, err := decimal.NewFromString(update.LastFilledPrice)
	if err != nil {
		c.logger.Error(ctx, err, "Failed to parse fill price from user-data event", map[string]interface{}{
			"orderID": update.ID, "price": update.LastFilledPrice,
		})
		return
	}

	orderID := strconv.FormatInt(update.ID, 10)

	c.mu.Lock()
	meta, known := c.orders[orderID]
	if known && update.Status == futures.OrderStatusTypeFilled {
		delete(c.orders, orderID)
	}
	handler := c.handler
	c.mu.Unlock()

	if !known {
		c.logger.Debug(ctx, "Ignoring fill for unknown order", map[string]interface{}{"orderID": orderID, "symbol": update.Symbol})
		return
	}
	if handler == nil {
		c.logger.Warn(ctx, "Fill received with no handler subscribed", map[string]interface{}{"orderID": orderID})
		return
	}

	handler(ports.Fill{
		OrderID:    orderID,
		PositionID: meta.positionID,
		Purpose:    meta.purpose,
		Price:      price,
		Quantity:   qty,
		Time:       time.UnixMilli(update.TradeTime),
	})
}

// Klines retrieves the most recent historical candles for a symbol/timeframe.
func (c *Client) Klines(ctx context.Context, asset string, tf domain.Timeframe, limit int) ([]*domain.Candle, error) {
	op := "Klines"
	raw, err := c.futuresClient.NewKlinesService().
		Symbol(asset).
		Interval(string(tf)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	candles := make([]*domain.Candle, 0, len(raw))
	for _, bk := range raw {
		candle, err := translateKline(bk, asset, tf)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// KlinesRange fetches all candles for a symbol/timeframe between start and
// end, paging through the venue's per-request limit.
func (c *Client) KlinesRange(ctx context.Context, asset string, tf domain.Timeframe, start, end time.Time) ([]*domain.Candle, error) {
	op := "KlinesRange"
	const maxLimit = 1500

	var all []*domain.Candle
	from := start
	for {
		raw, err := c.futuresClient.NewKlinesService().
			Symbol(asset).
			Interval(string(tf)).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(raw) == 0 {
			break
		}
		for _, bk := range raw {
			candle, err := translateKline(bk, asset, tf)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			all = append(all, candle)
		}
		last := raw[len(raw)-1]
		from = time.UnixMilli(last.CloseTime)
		if from.After(end) || len(raw) < maxLimit {
			break
		}
	}
	return all, nil
}

// StreamKlines starts a WebSocket stream of closed candles for the
// symbol/timeframe, reconnecting with backoff. Only final bars are passed to
// the handler; a forming bar would leak intrabar prices into bar-close logic.
// Blocks until ctx is cancelled or reconnection attempts are exhausted.
func (c *Client) StreamKlines(ctx context.Context, asset string, tf domain.Timeframe, handler func(*domain.Candle)) error {
	op := "StreamKlines"

	wsHandler := func(event *futures.WsKlineEvent) {
		if event == nil || !event.Kline.IsFinal {
			return
		}
		candle, err := translateWsKline(&event.Kline, asset, tf)
		if err != nil {
			c.logger.Error(ctx, err, op+": Failed to translate WebSocket kline event", map[string]interface{}{"symbol": asset, "interval": tf})
			return
		}
		handler(candle)
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, op+": Context cancelled, stopping connection attempts.", map[string]interface{}{"symbol": asset, "interval": tf})
			return ctx.Err()
		default:
		}

		c.logger.Info(ctx, op+": Attempting WebSocket connection...", map[string]interface{}{"symbol": asset, "interval": tf, "attempt": attempt + 1})
		doneCh, stopCh, err := futures.WsKlineServe(asset, string(tf), wsHandler, func(wsErr error) {
			c.logger.Warn(ctx, op+": WebSocket error reported", map[string]interface{}{"symbol": asset, "interval": tf, "error": wsErr.Error()})
		})
		if err != nil {
			attempt++
			if attempt >= c.maxReconnectAttempts {
				return c.handleError(ctx, fmt.Errorf("max reconnection attempts exceeded: %w", err), op)
			}
			c.handleError(ctx, err, op+" connection attempt")
			if !c.sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			continue
		}

		c.logger.Info(ctx, op+": WebSocket connection established.", map[string]interface{}{"symbol": asset, "interval": tf})
		attempt = 0

		select {
		case <-doneCh:
			c.logger.Warn(ctx, op+": WebSocket connection closed unexpectedly. Reconnecting...", map[string]interface{}{"symbol": asset, "interval": tf})
		case <-ctx.Done():
			select {
			case stopCh <- struct{}{}:
			default:
			}
			c.logger.Info(ctx, op+": Context cancelled, stopping WebSocket.", map[string]interface{}{"symbol": asset, "interval": tf})
			return ctx.Err()
		}
	}
}

// sleepBackoff waits for an exponentially growing delay; returns false if the
// context was cancelled during the wait.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := c.reconnectDelay * time.Duration(1<<uint(attempt-1))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// --- Translation helpers ---

func translateOrder(res *futures.CreateOrderResponse, req ports.OrderRequest) (*ports.Order, error) {
	if res == nil {
		return nil, errors.New("received nil order response")
	}
	avgPrice, err := parseDecimal(res.AvgPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing avg price '%s': %w", res.AvgPrice, err)
	}
	execQty, err := parseDecimal(res.ExecutedQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing executed quantity '%s': %w", res.ExecutedQuantity, err)
	}

	return &ports.Order{
		ID:           strconv.FormatInt(res.OrderID, 10),
		Asset:        res.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Purpose:      req.Purpose,
		PositionID:   req.PositionID,
		Quantity:     req.Quantity,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		AvgFillPrice: avgPrice,
		ExecutedQty:  execQty,
		Status:       string(res.Status),
		Timestamp:    time.UnixMilli(res.UpdateTime),
	}, nil
}

func translatePosition(risk *futures.PositionRisk) (*ports.ExchangePosition, error) {
	if risk == nil {
		return nil, errors.New("received nil position risk")
	}
	size, err := parseDecimal(risk.PositionAmt)
	if err != nil {
		return nil, fmt.Errorf("parsing position amount '%s': %w", risk.PositionAmt, err)
	}
	if size.IsZero() {
		return nil, nil
	}
	entry, err := parseDecimal(risk.EntryPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing entry price '%s': %w", risk.EntryPrice, err)
	}
	mark, err := parseDecimal(risk.MarkPrice)
	if err != nil {
		return nil, fmt.Errorf("parsing mark price '%s': %w", risk.MarkPrice, err)
	}
	upnl, err := parseDecimal(risk.UnRealizedProfit)
	if err != nil {
		return nil, fmt.Errorf("parsing unrealized profit '%s': %w", risk.UnRealizedProfit, err)
	}

	return &ports.ExchangePosition{
		Asset:         risk.Symbol,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: upnl,
	}, nil
}

func translateKline(bk *futures.Kline, asset string, tf domain.Timeframe) (*domain.Candle, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	return buildCandle(asset, tf, time.UnixMilli(bk.OpenTime), bk.Open, bk.High, bk.Low, bk.Close, bk.Volume)
}

func translateWsKline(k *futures.WsKline, asset string, tf domain.Timeframe) (*domain.Candle, error) {
	if k == nil {
		return nil, errors.New("received nil kline event")
	}
	return buildCandle(asset, tf, time.UnixMilli(k.StartTime), k.Open, k.High, k.Low, k.Close, k.Volume)
}

func buildCandle(asset string, tf domain.Timeframe, ts time.Time, open, high, low, cls, vol string) (*domain.Candle, error) {
	o, err := parseDecimal(open)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", open, err)
	}
	h, err := parseDecimal(high)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", high, err)
	}
	l, err := parseDecimal(low)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", low, err)
	}
	cl, err := parseDecimal(cls)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", cls, err)
	}
	v, err := parseDecimal(vol)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", vol, err)
	}

	candle := &domain.Candle{
		Timestamp: ts,
		Asset:     asset,
		Timeframe: tf,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     cl,
		Volume:    v,
	}
	if err := candle.Validate(); err != nil {
		return nil, err
	}
	return candle, nil
}

// parseDecimal treats empty strings as zero: Binance omits some numeric
// fields (e.g. AvgPrice on resting orders) rather than sending "0".
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
