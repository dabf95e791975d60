// Package exchange implements the venue's spot REST client.
//
// The client covers exactly the surface the grid loop needs:
//   - AccountInfo:  GET    /api/v3/account       — balances by asset (signed)
//   - OpenOrders:   GET    /api/v3/openOrders    — resting orders for a pair (signed)
//   - PlaceOrder:   POST   /api/v3/order         — create a GTC limit (signed)
//   - CancelOrder:  DELETE /api/v3/order         — cancel by client order id (signed)
//   - CurrentPrice: GET    /api/v3/ticker/price  — last trade price
//   - MyTrades:     GET    /api/v3/myTrades      — executions since a timestamp (signed)
//   - ExchangeInfo: GET    /api/v3/exchangeInfo  — tick/lot/min-notional filters
//
// Every request draws one token from a shared 1200-per-minute bucket, is
// retried up to three attempts on transport errors, 429, and 5xx with a
// 2^attempt-second backoff, and surfaces venue rejections as typed
// APIErrors carrying the numeric code.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

// maxAttempts bounds how often a single call hits the wire.
const maxAttempts = 3

// Client is the venue REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and query-string signing.
type Client struct {
	http       *resty.Client
	apiKey     string
	secret     string
	recvWindow int64
	bucket     *TokenBucket
	dryRun     bool
	dryRunSeq  atomic.Int64 // synthetic venue ids for dry-run placements
	logger     *slog.Logger
}

// retryable reports whether a response warrants another attempt:
// transport errors, 429, and any 5xx. 4xx rejections are final.
func retryable(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
}

// retryBackoff waits 2^attempt seconds between attempts (2s after the
// first failure, 4s after the second).
func retryBackoff(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	attempt := 1
	if resp != nil && resp.Request != nil {
		attempt = resp.Request.Attempt
	}
	return time.Duration(1<<attempt) * time.Second, nil
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL()).
		SetTimeout(time.Duration(cfg.TimeoutSec) * time.Second).
		SetRetryCount(maxAttempts - 1).
		SetRetryMaxWaitTime(8 * time.Second). // keep the 4s second backoff unclamped
		AddRetryCondition(retryable).
		SetRetryAfter(retryBackoff)

	return &Client{
		http:       httpClient,
		apiKey:     cfg.APIKey,
		secret:     cfg.APISecret,
		recvWindow: cfg.RecvWindowMs,
		bucket:     newRequestBucket(),
		dryRun:     cfg.DryRun,
		logger:     logger.With("component", "exchange"),
	}
}

type requestOpts struct {
	method string
	path   string
	params map[string]string
	signed bool
	out    any
}

// do runs one rate-limited request and decodes the response. Retries for
// transient failures happen inside resty; whatever reaches the status
// check here is final.
func (c *Client) do(ctx context.Context, op string, opts requestOpts) error {
	if err := c.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("%s: acquire rate budget: %w", op, err)
	}

	req := c.http.R().SetContext(ctx)
	if opts.signed {
		req.SetHeader(apiKeyHeader, c.apiKey)
		req.SetQueryParamsFromValues(c.signedParams(opts.params))
	} else {
		for k, v := range opts.params {
			req.SetQueryParam(k, v)
		}
	}

	resp, err := req.Execute(opts.method, opts.path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return parseVenueError(op, resp)
	}
	if opts.out != nil {
		if err := json.Unmarshal(resp.Body(), opts.out); err != nil {
			return &DecodeError{Op: op, Cause: err}
		}
	}
	return nil
}

// parseVenueError turns a non-200 response into an APIError, or a
// DecodeError when the body is not the documented envelope.
func parseVenueError(op string, resp *resty.Response) error {
	var env APIError
	if err := json.Unmarshal(resp.Body(), &env); err != nil || env.Code == 0 {
		return &DecodeError{
			Op:    op,
			Cause: fmt.Errorf("status %d with unrecognized body %q", resp.StatusCode(), snippet(resp.Body())),
		}
	}
	env.HTTPStatus = resp.StatusCode()
	return &env
}

func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// AccountInfo returns free/locked balances keyed by asset symbol.
func (c *Client) AccountInfo(ctx context.Context) (map[string]types.Balance, error) {
	const op = "account info"
	var acct accountJSON
	if err := c.do(ctx, op, requestOpts{
		method: http.MethodGet,
		path:   "/api/v3/account",
		signed: true,
		out:    &acct,
	}); err != nil {
		return nil, err
	}

	balances := make(map[string]types.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free, err := parseDecimal("free", b.Free)
		if err != nil {
			return nil, &DecodeError{Op: op, Cause: err}
		}
		locked, err := parseDecimal("locked", b.Locked)
		if err != nil {
			return nil, &DecodeError{Op: op, Cause: err}
		}
		balances[b.Asset] = types.Balance{Asset: b.Asset, Free: free, Locked: locked}
	}
	return balances, nil
}

// OpenOrders returns the venue's resting orders for a pair.
func (c *Client) OpenOrders(ctx context.Context, pair string) ([]types.OpenOrder, error) {
	const op = "open orders"
	var raw []orderJSON
	if err := c.do(ctx, op, requestOpts{
		method: http.MethodGet,
		path:   "/api/v3/openOrders",
		params: map[string]string{"symbol": pair},
		signed: true,
		out:    &raw,
	}); err != nil {
		return nil, err
	}

	orders := make([]types.OpenOrder, 0, len(raw))
	for _, o := range raw {
		oo, err := o.toOpenOrder()
		if err != nil {
			return nil, &DecodeError{Op: op, Cause: err}
		}
		orders = append(orders, oo)
	}
	return orders, nil
}

// PlaceOrder creates a GTC limit order under the given client order id and
// returns the venue's acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, pair string, side types.Side, typ types.OrderType, price, qty decimal.Decimal, clientID string) (types.OpenOrder, error) {
	const op = "place order"
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"pair", pair, "side", side, "price", price.String(), "qty", qty.String(), "client_id", clientID)
		return types.OpenOrder{
			VenueOrderID:  c.dryRunSeq.Add(1),
			ClientOrderID: clientID,
			Pair:          pair,
			Side:          side,
			Type:          typ,
			Price:         price,
			OrigQty:       qty,
			Status:        types.OrderStatusNew,
		}, nil
	}

	var ack orderJSON
	if err := c.do(ctx, op, requestOpts{
		method: http.MethodPost,
		path:   "/api/v3/order",
		params: map[string]string{
			"symbol":           pair,
			"side":             string(side),
			"type":             string(typ),
			"timeInForce":      string(types.TimeInForceGTC),
			"price":            price.String(),
			"quantity":         qty.String(),
			"newClientOrderId": clientID,
			"newOrderRespType": "RESULT",
		},
		signed: true,
		out:    &ack,
	}); err != nil {
		return types.OpenOrder{}, err
	}

	placed, err := ack.toOpenOrder()
	if err != nil {
		return types.OpenOrder{}, &DecodeError{Op: op, Cause: err}
	}
	return placed, nil
}

// CancelOrder cancels the resting order addressed by client order id.
func (c *Client) CancelOrder(ctx context.Context, pair, clientID string) error {
	const op = "cancel order"
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "pair", pair, "client_id", clientID)
		return nil
	}

	var ack cancelJSON
	return c.do(ctx, op, requestOpts{
		method: http.MethodDelete,
		path:   "/api/v3/order",
		params: map[string]string{
			"symbol":            pair,
			"origClientOrderId": clientID,
		},
		signed: true,
		out:    &ack,
	})
}

// CurrentPrice returns the last trade price for a pair.
func (c *Client) CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	const op = "current price"
	var tick tickerJSON
	if err := c.do(ctx, op, requestOpts{
		method: http.MethodGet,
		path:   "/api/v3/ticker/price",
		params: map[string]string{"symbol": pair},
		out:    &tick,
	}); err != nil {
		return decimal.Decimal{}, err
	}

	price, err := parseDecimal("price", tick.Price)
	if err != nil {
		return decimal.Decimal{}, &DecodeError{Op: op, Cause: err}
	}
	return price, nil
}

// MyTrades returns executions for a pair. sinceMs of zero means the
// venue's default window (most recent trades).
func (c *Client) MyTrades(ctx context.Context, pair string, sinceMs int64) ([]types.Trade, error) {
	const op = "my trades"
	params := map[string]string{
		"symbol": pair,
		"limit":  "1000",
	}
	if sinceMs > 0 {
		params["startTime"] = fmt.Sprintf("%d", sinceMs)
	}

	var raw []tradeJSON
	if err := c.do(ctx, op, requestOpts{
		method: http.MethodGet,
		path:   "/api/v3/myTrades",
		params: params,
		signed: true,
		out:    &raw,
	}); err != nil {
		return nil, err
	}

	trades := make([]types.Trade, 0, len(raw))
	for _, tr := range raw {
		t, err := tr.toTrade()
		if err != nil {
			return nil, &DecodeError{Op: op, Cause: err}
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ExchangeInfo fetches the pair's trading filters.
func (c *Client) ExchangeInfo(ctx context.Context, pair string) (types.FilterSet, error) {
	const op = "exchange info"
	var info exchangeInfoJSON
	if err := c.do(ctx, op, requestOpts{
		method: http.MethodGet,
		path:   "/api/v3/exchangeInfo",
		params: map[string]string{"symbol": pair},
		out:    &info,
	}); err != nil {
		return types.FilterSet{}, err
	}

	for _, sym := range info.Symbols {
		if sym.Symbol == pair {
			fs, err := sym.toFilterSet()
			if err != nil {
				return types.FilterSet{}, &DecodeError{Op: op, Cause: err}
			}
			return fs, nil
		}
	}
	return types.FilterSet{}, &DecodeError{Op: op, Cause: fmt.Errorf("symbol %s missing from response", pair)}
}
