// Package exchange implements the linear-perp REST adapter: a resty-backed
// HTTP client wrapped in a circuit breaker, with per-category rate limiting
// and HMAC request signing. It is the sole concrete implementation of the
// Client interface the rest of the engine depends on.
//
// Every request-level failure comes back as either an *APIError (the venue
// answered with a non-zero retCode — never retried) or a *TransportError
// (the request never got a parseable application response — already
// retried by resty's own policy before surfacing here). Callers use
// errors.As to tell the two apart. The exceptions are a context error from
// the rate limiter's wait and gobreaker's own error while the breaker is
// open, which are returned as they are.
package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"executiond/internal/config"
	"executiond/pkg/types"
)

// Client is the exchange adapter contract. Any implementation — this
// RESTClient, or a simulator used in tests — must honor these semantics.
type Client interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, reduceOnly bool, clientOrderID string) (types.ExchangeOrder, error)
	PlaceStopLoss(ctx context.Context, symbol string, side types.Side, stopPrice, qty float64, clientOrderID string) (types.ExchangeOrder, error)
	PlaceTakeProfit(ctx context.Context, symbol string, side types.Side, tpPrice, qty float64, clientOrderID string) (types.ExchangeOrder, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	CancelReplaceOrder(ctx context.Context, symbol, orderID string, newQty, newPrice *float64) (types.ExchangeOrder, error)
	AttachStopLoss(ctx context.Context, symbol, orderID string, stopPrice float64) (bool, error)
	PanicClosePosition(ctx context.Context, symbol string, side types.Side, qty float64) (types.ExchangeOrder, error)
	GetPositions(ctx context.Context) ([]types.ExchangePosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error)
	GetFills(ctx context.Context, symbol string, limit int) ([]types.Fill, error)
}

// RESTClient is the production Client implementation.
type RESTClient struct {
	http    *resty.Client
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	apiKey  string
	secret  string
	log     zerolog.Logger
}

// NewRESTClient builds a RESTClient from ExchangeConfig: base URL, timeout,
// retry count/backoff all come from cfg; credentials are read from
// cfg.APIKey/APISecret (populated from EXECD_API_KEY/EXECD_API_SECRET).
func NewRESTClient(cfg config.ExchangeConfig, logger zerolog.Logger) *RESTClient {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryDelay := time.Duration(cfg.RetryDelayMS) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(retryDelay).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	breakerSettings := gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &RESTClient{
		http:    httpClient,
		rl:      NewRateLimiter(),
		breaker: gobreaker.NewCircuitBreaker(breakerSettings),
		apiKey:  cfg.APIKey,
		secret:  cfg.APISecret,
		log:     logger.With().Str("component", "exchange").Logger(),
	}
}

// signedHeaders builds the auth headers for a request body.
func (c *RESTClient) signedHeaders(body string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := ts
	return map[string]string{
		"api-key":   c.apiKey,
		"nonce":     nonce,
		"timestamp": ts,
		"sign":      sign(c.secret, nonce, c.apiKey, ts),
	}
}

// do runs fn through the rate limiter and circuit breaker. While the breaker
// is open it returns gobreaker's ErrOpenState without calling fn.
func (c *RESTClient) do(ctx context.Context, bucket *TokenBucket, fn func() (any, error)) (any, error) {
	if err := bucket.Wait(ctx); err != nil {
		return nil, err
	}
	return c.breaker.Execute(fn)
}

func sideStr(s types.Side) string { return string(s) }

func parseSide(s string) types.Side {
	if s == string(types.Sell) {
		return types.Sell
	}
	return types.Buy
}

func mapOrderStatus(venueStatus string) types.OrderStatus {
	switch venueStatus {
	case "NEW", "PENDING":
		return types.OrderSubmitted
	case "PARTIALLY_FILLED":
		return types.OrderPartialFill
	case "FILLED":
		return types.OrderFilled
	case "CANCELLED", "CANCELED":
		return types.OrderCancelled
	case "REJECTED":
		return types.OrderRejected
	default:
		return types.OrderSubmitted
	}
}

func toExchangeOrder(d orderData) types.ExchangeOrder {
	price, _ := strconv.ParseFloat(d.Price, 64)
	qty, _ := strconv.ParseFloat(d.Qty, 64)
	filled, _ := strconv.ParseFloat(d.FilledQty, 64)
	return types.ExchangeOrder{
		ID:         d.OrderID,
		Symbol:     d.Symbol,
		Side:       parseSide(d.Side),
		Type:       types.EntryType(d.OrderType),
		Price:      price,
		Qty:        qty,
		FilledQty:  filled,
		ReduceOnly: d.ReduceOnly,
		Status:     mapOrderStatus(d.Status),
		Timestamp:  time.Now(),
	}
}

// GetServerTime returns the venue's clock, used to detect local/server skew.
func (c *RESTClient) GetServerTime(ctx context.Context) (time.Time, error) {
	result, err := c.do(ctx, c.rl.Query, func() (any, error) {
		var resp serverTimeResp
		r, err := c.http.R().SetContext(ctx).SetResult(&resp).Get("/api/v1/server_time")
		if err != nil {
			return nil, &TransportError{Op: "get server time", Err: err}
		}
		if r.StatusCode() != http.StatusOK {
			return nil, &TransportError{Op: "get server time", Err: fmt.Errorf("status %d: %s", r.StatusCode(), r.String())}
		}
		if resp.Code != 0 {
			return nil, &APIError{Op: "get server time", Code: resp.Code, Msg: resp.Msg}
		}
		return resp.Data.ServerTime, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(result.(int64)), nil
}

func (c *RESTClient) placeOrder(ctx context.Context, req orderReq) (types.ExchangeOrder, error) {
	result, err := c.do(ctx, c.rl.Order, func() (any, error) {
		var resp orderResp
		r, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.signedHeaders("")).
			SetBody(req).
			SetResult(&resp).
			Post("/api/v1/futures/trade/place_order")
		if err != nil {
			return nil, &TransportError{Op: "place order", Err: err}
		}
		if r.StatusCode() != http.StatusOK {
			return nil, &TransportError{Op: "place order", Err: fmt.Errorf("status %d: %s", r.StatusCode(), r.String())}
		}
		if resp.Code != 0 {
			return nil, &APIError{Op: "place order", Code: resp.Code, Msg: resp.Msg}
		}
		return resp.Data, nil
	})
	if err != nil {
		return types.ExchangeOrder{}, err
	}
	return toExchangeOrder(result.(orderData)), nil
}

// PlaceMarketOrder submits a market entry.
func (c *RESTClient) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty float64, reduceOnly bool, clientOrderID string) (types.ExchangeOrder, error) {
	return c.placeOrder(ctx, orderReq{
		Symbol:        symbol,
		Side:          sideStr(side),
		Qty:           strconv.FormatFloat(qty, 'f', -1, 64),
		OrderType:     string(types.EntryMarket),
		ReduceOnly:    reduceOnly,
		ClientOrderID: clientOrderID,
	})
}

// PlaceStopLoss submits a reduce-only stop order opposite the entry side.
func (c *RESTClient) PlaceStopLoss(ctx context.Context, symbol string, side types.Side, stopPrice, qty float64, clientOrderID string) (types.ExchangeOrder, error) {
	return c.placeOrder(ctx, orderReq{
		Symbol:        symbol,
		Side:          sideStr(side.Opposite()),
		Qty:           strconv.FormatFloat(qty, 'f', -1, 64),
		OrderType:     string(types.EntryStop),
		StopPrice:     strconv.FormatFloat(stopPrice, 'f', -1, 64),
		ReduceOnly:    true,
		ClientOrderID: clientOrderID,
	})
}

// PlaceTakeProfit submits a reduce-only limit order opposite the entry side.
func (c *RESTClient) PlaceTakeProfit(ctx context.Context, symbol string, side types.Side, tpPrice, qty float64, clientOrderID string) (types.ExchangeOrder, error) {
	return c.placeOrder(ctx, orderReq{
		Symbol:        symbol,
		Side:          sideStr(side.Opposite()),
		Qty:           strconv.FormatFloat(qty, 'f', -1, 64),
		OrderType:     string(types.EntryLimit),
		Price:         strconv.FormatFloat(tpPrice, 'f', -1, 64),
		ReduceOnly:    true,
		ClientOrderID: clientOrderID,
	})
}

// CancelOrder cancels a resting order.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	result, err := c.do(ctx, c.rl.Cancel, func() (any, error) {
		var resp cancelResp
		r, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.signedHeaders("")).
			SetBody(cancelReq{Symbol: symbol, OrderID: orderID}).
			SetResult(&resp).
			Post("/api/v1/futures/trade/cancel_order")
		if err != nil {
			return nil, &TransportError{Op: "cancel order", Err: err}
		}
		if r.StatusCode() != http.StatusOK {
			return nil, &TransportError{Op: "cancel order", Err: fmt.Errorf("status %d: %s", r.StatusCode(), r.String())}
		}
		if resp.Code != 0 {
			return nil, &APIError{Op: "cancel order", Code: resp.Code, Msg: resp.Msg}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// CancelReplaceOrder cancels an order and re-submits it with new qty/price.
func (c *RESTClient) CancelReplaceOrder(ctx context.Context, symbol, orderID string, newQty, newPrice *float64) (types.ExchangeOrder, error) {
	if _, err := c.CancelOrder(ctx, symbol, orderID); err != nil {
		return types.ExchangeOrder{}, fmt.Errorf("cancel-replace: cancel leg: %w", err)
	}
	req := orderReq{Symbol: symbol, OrderType: string(types.EntryLimit)}
	if newQty != nil {
		req.Qty = strconv.FormatFloat(*newQty, 'f', -1, 64)
	}
	if newPrice != nil {
		req.Price = strconv.FormatFloat(*newPrice, 'f', -1, 64)
	}
	return c.placeOrder(ctx, req)
}

// AttachStopLoss links a stop-loss to an already-open order/position.
func (c *RESTClient) AttachStopLoss(ctx context.Context, symbol, orderID string, stopPrice float64) (bool, error) {
	result, err := c.do(ctx, c.rl.Order, func() (any, error) {
		var resp cancelResp
		r, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.signedHeaders("")).
			SetBody(attachSLReq{Symbol: symbol, OrderID: orderID, StopPrice: strconv.FormatFloat(stopPrice, 'f', -1, 64)}).
			SetResult(&resp).
			Post("/api/v1/futures/trade/modify_position_tpsl")
		if err != nil {
			return nil, &TransportError{Op: "attach stop loss", Err: err}
		}
		if r.StatusCode() != http.StatusOK {
			return nil, &TransportError{Op: "attach stop loss", Err: fmt.Errorf("status %d: %s", r.StatusCode(), r.String())}
		}
		if resp.Code != 0 {
			return nil, &APIError{Op: "attach stop loss", Code: resp.Code, Msg: resp.Msg}
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// PanicClosePosition submits a market reduce-only order for the full
// position quantity, opposite the held side.
func (c *RESTClient) PanicClosePosition(ctx context.Context, symbol string, side types.Side, qty float64) (types.ExchangeOrder, error) {
	return c.placeOrder(ctx, orderReq{
		Symbol:     symbol,
		Side:       sideStr(side.Opposite()),
		Qty:        strconv.FormatFloat(qty, 'f', -1, 64),
		OrderType:  string(types.EntryMarket),
		ReduceOnly: true,
	})
}

// GetPositions returns all currently open positions.
func (c *RESTClient) GetPositions(ctx context.Context) ([]types.ExchangePosition, error) {
	result, err := c.do(ctx, c.rl.Query, func() (any, error) {
		var resp positionsResp
		r, err := c.http.R().
			SetContext(ctx).
			SetHeaders(c.signedHeaders("")).
			SetResult(&resp).
			Get("/api/v1/futures/position/get_pending_positions")
		if err != nil {
			return nil, &TransportError{Op: "get positions", Err: err}
		}
		if r.StatusCode() != http.StatusOK {
			return nil, &TransportError{Op: "get positions", Err: fmt.Errorf("status %d: %s", r.StatusCode(), r.String())}
		}
		if resp.Code != 0 {
			return nil, &APIError{Op: "get positions", Code: resp.Code, Msg: resp.Msg}
		}
		return resp.Data, nil
	})
	if err != nil {
		return nil, err
	}
	dtos := result.([]positionDTO)
	out := make([]types.ExchangePosition, 0, len(dtos))
	for _, d := range dtos {
		qty, _ := strconv.ParseFloat(d.Qty, 64)
		entry, _ := strconv.ParseFloat(d.EntryPrice, 64)
		out = append(out, types.ExchangePosition{
			Symbol:      d.Symbol,
			Side:        parseSide(d.Side),
			Qty:         qty,
			EntryPrice:  entry,
			HasStopLoss: d.HasStopLoss,
			StopLossID:  d.StopLossID,
			Timestamp:   time.Now(),
		})
	}
	return out, nil
}

// GetOpenOrders returns currently open orders, optionally filtered by symbol.
func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]types.ExchangeOrder, error) {
	result, err := c.do(ctx, c.rl.Query, func() (any, error) {
		var resp openOrdersResp
		req := c.http.R().SetContext(ctx).SetHeaders(c.signedHeaders("")).SetResult(&resp)
		if symbol != "" {
			req = req.SetQueryParam("symbol", symbol)
		}
		r, err := req.Get("/api/v1/futures/trade/get_pending_orders")
		if err != nil {
			return nil, &TransportError{Op: "get open orders", Err: err}
		}
		if r.StatusCode() != http.StatusOK {
			return nil, &TransportError{Op: "get open orders", Err: fmt.Errorf("status %d: %s", r.StatusCode(), r.String())}
		}
		if resp.Code != 0 {
			return nil, &APIError{Op: "get open orders", Code: resp.Code, Msg: resp.Msg}
		}
		return resp.Data, nil
	})
	if err != nil {
		return nil, err
	}
	dtos := result.([]orderData)
	out := make([]types.ExchangeOrder, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, toExchangeOrder(d))
	}
	return out, nil
}

// GetFills returns recent fills, optionally filtered by symbol, newest last.
func (c *RESTClient) GetFills(ctx context.Context, symbol string, limit int) ([]types.Fill, error) {
	result, err := c.do(ctx, c.rl.Query, func() (any, error) {
		var resp fillsResp
		req := c.http.R().
			SetContext(ctx).
			SetHeaders(c.signedHeaders("")).
			SetQueryParam("limit", strconv.Itoa(limit)).
			SetResult(&resp)
		if symbol != "" {
			req = req.SetQueryParam("symbol", symbol)
		}
		r, err := req.Get("/api/v1/futures/trade/get_history_trades")
		if err != nil {
			return nil, &TransportError{Op: "get fills", Err: err}
		}
		if r.StatusCode() != http.StatusOK {
			return nil, &TransportError{Op: "get fills", Err: fmt.Errorf("status %d: %s", r.StatusCode(), r.String())}
		}
		if resp.Code != 0 {
			return nil, &APIError{Op: "get fills", Code: resp.Code, Msg: resp.Msg}
		}
		return resp.Data, nil
	})
	if err != nil {
		return nil, err
	}
	dtos := result.([]fillDTO)
	out := make([]types.Fill, 0, len(dtos))
	for _, d := range dtos {
		qty, _ := strconv.ParseFloat(d.Qty, 64)
		price, _ := strconv.ParseFloat(d.Price, 64)
		fee, _ := strconv.ParseFloat(d.Fee, 64)
		out = append(out, types.Fill{
			ID:        d.ID,
			OrderID:   d.OrderID,
			Symbol:    d.Symbol,
			Side:      parseSide(d.Side),
			Qty:       qty,
			Price:     price,
			Fee:       fee,
			FeeAsset:  d.FeeAsset,
			Timestamp: time.UnixMilli(d.Ts),
		})
	}
	return out, nil
}
