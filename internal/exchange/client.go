// Package exchange implements the REST and WebSocket client for the
// exchange SDK contract spec.md §6 describes: place/move/cancel/
// orderStatus/orderTrades over REST, and orderBook/accountNotification/
// connectionState over WebSocket.
//
// Every mutating request is rate-limited via per-category TokenBuckets,
// automatically retried on 5xx errors, and authenticated with HMAC
// headers; exchange error payloads are mapped onto the sentinel errors in
// errors.go so the Processor and Executor state machines never parse
// exchange-specific text.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/pkg/types"
)

// errorPayload is the exchange's JSON error envelope.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorCodeTable = map[string]error{
	"UNABLE_TO_FILL_ORDER":        ErrUnableToFillOrder,
	"TRANSACTION_FAILED":          ErrTransactionFailed,
	"ORDER_COMPLETED_OR_NOT_EXIST": ErrOrderCompletedOrNotExist,
	"INVALID_ORDER_NUMBER":        ErrInvalidOrderNumber,
	"NOT_ENOUGH_CRYPTO":           ErrNotEnoughCrypto,
	"AMOUNT_MUST_BE_AT_LEAST":     ErrAmountMustBeAtLeast,
	"TOTAL_MUST_BE_AT_LEAST":      ErrTotalMustBeAtLeast,
	"RATE_MUST_BE_LESS_THAN":      ErrRateMustBeLessThan,
	"UNABLE_TO_PLACE_POST_ONLY":   ErrUnableToPlacePostOnly,
	"MAX_ORDERS_EXCEEDED":         ErrMaxOrdersExceeded,
	"INTERNAL_ERROR":              ErrInternalError,
	"MAINTENANCE_MODE":            ErrMaintenanceMode,
	"MARKET_DISABLED":             ErrMarketDisabled,
	"ORDER_MATCHING_DISABLED":     ErrOrderMatchingDisabled,
}

// mapExchangeError translates a non-2xx response body into a sentinel
// error, falling back to a wrapped transient error for unrecognized codes.
func mapExchangeError(resp *resty.Response) error {
	var payload errorPayload
	if err := json.Unmarshal(resp.Body(), &payload); err == nil {
		if sentinel, ok := errorCodeTable[payload.Code]; ok {
			return fmt.Errorf("%s: %w", payload.Message, sentinel)
		}
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("status %d: %w", resp.StatusCode(), ErrInternalError)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
}

// Client is the exchange REST API client. It wraps a resty HTTP client
// with rate limiting, retry, and HMAC auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// placeRequest is the wire body for Place.
type placeRequest struct {
	Market        string          `json:"market"`
	Side          types.OrderType `json:"side"`
	Price         decimal.Decimal `json:"price"`
	QuoteAmount   decimal.Decimal `json:"quoteAmount"`
	Kind          types.OrderKind `json:"kind"`
	ClientOrderID string          `json:"clientOrderId"`
}

// Place submits a new order. kind selects PostOnly (maker, used by the
// Delayed-Trade Processor), FillOrKill, or ImmediateOrCancel (taker, used
// by the Instant-Trade Executor).
func (c *Client) Place(ctx context.Context, market types.Market, side types.OrderType, price, quoteAmount decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "market", market, "side", side, "price", price, "amount", quoteAmount, "kind", kind)
		return &types.OrderResult{OrderID: "dry-run-" + clientOrderID}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body := placeRequest{Market: market.String(), Side: side, Price: price, QuoteAmount: quoteAmount, Kind: kind, ClientOrderID: clientOrderID}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal place request: %w", err)
	}
	headers, err := c.auth.Headers("POST", "/orders", string(payload))
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.OrderResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("place: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapExchangeError(resp)
	}
	return &result, nil
}

// moveRequest is the wire body for Move.
type moveRequest struct {
	NewPrice       decimal.Decimal  `json:"newPrice"`
	NewQuoteAmount *decimal.Decimal `json:"newQuoteAmount,omitempty"`
	Kind           types.OrderKind  `json:"kind"`
	ClientOrderID  string           `json:"clientOrderId"`
}

// Move reprices (and optionally resizes) a live order in place.
func (c *Client) Move(ctx context.Context, orderID string, newPrice decimal.Decimal, newQuoteAmount *decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.MoveResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would move order", "orderID", orderID, "newPrice", newPrice)
		return &types.MoveResult{OrderID: orderID}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body := moveRequest{NewPrice: newPrice, NewQuoteAmount: newQuoteAmount, Kind: kind, ClientOrderID: clientOrderID}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal move request: %w", err)
	}
	headers, err := c.auth.Headers("POST", "/orders/"+orderID+"/move", string(payload))
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.MoveResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/orders/" + orderID + "/move")
	if err != nil {
		return nil, fmt.Errorf("move: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapExchangeError(resp)
	}
	return &result, nil
}

// Cancel cancels an order by ID. A response mapping to
// ErrOrderCompletedOrNotExist is not an error condition for callers: it
// means the order already left the book.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "orderID", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.Headers("DELETE", "/orders/"+orderID, "")
	if err != nil {
		return fmt.Errorf("auth headers: %w", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	return mapExchangeError(resp)
}

// OrderStatus fetches the current state of an order, or nil if the
// exchange has no record of it (already purged after completion).
func (c *Client) OrderStatus(ctx context.Context, orderID string) (*types.OrderStatus, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/orders/"+orderID, "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result types.OrderStatus
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("order status: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapExchangeError(resp)
	}
	return &result, nil
}

// OrderTrades fetches all trades recorded against an order, used for
// post-hoc reconciliation after a missed WebSocket notification.
func (c *Client) OrderTrades(ctx context.Context, orderID string) ([]types.Trade, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/orders/"+orderID+"/trades", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result []types.Trade
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/orders/" + orderID + "/trades")
	if err != nil {
		return nil, fmt.Errorf("order trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapExchangeError(resp)
	}
	return result, nil
}

// GetOrderBook fetches a one-shot L2 snapshot for a market, used to seed
// the Order Book Cache before WebSocket deltas start arriving.
func (c *Client) GetOrderBook(ctx context.Context, market types.Market) (*types.OrderBookAbstract, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderBookAbstract
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("market", market.String()).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapExchangeError(resp)
	}
	result.Market = market
	return &result, nil
}

// GetBalances fetches the account's current balance per currency, used by
// the Trader top level to seed and refresh the risk Manager's available-
// balance gate.
func (c *Client) GetBalances(ctx context.Context) (map[types.Currency]decimal.Decimal, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.Headers("GET", "/balances", "")
	if err != nil {
		return nil, fmt.Errorf("auth headers: %w", err)
	}

	var result map[types.Currency]decimal.Decimal
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/balances")
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapExchangeError(resp)
	}
	return result, nil
}
