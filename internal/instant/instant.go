// Package instant implements the Instant-Trade Executor (spec.md §4.4):
// the fill-or-kill taker path used for Instant-speed steps of a
// TransactionIntent.
//
// Grounded on the teacher's internal/exchange/client.go retry/backoff
// style (resty request, status-code branch, fmt.Errorf wrap) generalized
// to the per-error-kind backoff table spec.md §4.4 step 4 specifies, and
// on mselser95-polymarket-arb's executor executionLoop retry-then-abort
// control flow.
package instant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/amount"
	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/internal/exchange"
	"github.com/arbot/tradecore/pkg/types"
)

// AbortReason classifies why executeInstant gave up before consuming the
// full fromAmount.
type AbortReason string

const (
	AbortOrderBookEmpty  AbortReason = "ORDER_BOOK_EMPTY"
	AbortFatalAmount     AbortReason = "FATAL_AMOUNT"
	AbortMarketUnavailable AbortReason = "MARKET_UNAVAILABLE"
	AbortInsufficientBalance AbortReason = "INSUFFICIENT_BALANCE"
)

// Error wraps an AbortReason so callers can errors.As it out of a
// returned error while still carrying a human-readable cause.
type Error struct {
	Reason AbortReason
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("instant executor aborted (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("instant executor aborted (%s)", e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// BookSource is the subset of internal/orderbook.Cache the executor needs
// to simulate fills before placing the fill-or-kill order.
type BookSource interface {
	Latest(market types.Market) (types.OrderBookAbstract, bool)
}

// RESTClient is the subset of internal/exchange.Client the executor uses.
type RESTClient interface {
	Place(ctx context.Context, market types.Market, side types.OrderType, price, quoteAmount decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.OrderResult, error)
}

// Executor runs executeInstant against a BookSource and RESTClient.
type Executor struct {
	books  BookSource
	client RESTClient
	cfg    config.InstantConfig
	logger *slog.Logger
}

// New creates an Executor.
func New(books BookSource, client RESTClient, cfg config.InstantConfig, logger *slog.Logger) *Executor {
	return &Executor{books: books, client: client, cfg: cfg, logger: logger.With("component", "instant")}
}

// canonicalTakerFee is used whenever the exchange's reported taker fee
// diverges from the configured canonical rate: the canonical rate wins
// because the exchange is known to round the reported fee incorrectly on
// some fill paths (spec.md §4.4 step 5).
func canonicalTakerFee(fee types.FeeMultiplier, observed decimal.Decimal) decimal.Decimal {
	if !observed.Equal(fee.Taker) {
		return fee.Taker
	}
	return observed
}

// Execute runs executeInstant: it repeatedly simulates a fill against the
// current top-of-book, places a fill-or-kill order at the last-filling
// price, and retries per the per-error-kind backoff table until
// fromAmount is exhausted or a fatal error aborts the step.
func (e *Executor) Execute(ctx context.Context, market types.Market, side types.OrderType, fromAmount decimal.Decimal, fee types.FeeMultiplier, clientOrderIDPrefix string) ([]types.Trade, error) {
	remaining := fromAmount
	var trades []types.Trade
	notEnoughCryptoRetries := 0
	attempt := 0

	for remaining.GreaterThan(decimal.Zero) {
		attempt++
		book, ok := e.books.Latest(market)
		if !ok {
			if len(trades) == 0 {
				return nil, &Error{Reason: AbortOrderBookEmpty}
			}
			return trades, nil
		}

		price, quote, ok := simulateLastFillingPrice(book, side, remaining)
		if !ok {
			if len(trades) == 0 {
				return nil, &Error{Reason: AbortOrderBookEmpty}
			}
			return trades, nil
		}

		clientOrderID := fmt.Sprintf("%s-%d", clientOrderIDPrefix, attempt)
		result, err := e.client.Place(ctx, market, side, price, quote, types.FillOrKill, clientOrderID)
		if err != nil {
			class := exchange.Classify(err)
			switch class {
			case exchange.ClassInsufficientBalance:
				notEnoughCryptoRetries++
				if notEnoughCryptoRetries > e.cfg.NotEnoughCryptoTries {
					if len(trades) == 0 {
						return nil, &Error{Reason: AbortInsufficientBalance, Cause: err}
					}
					return trades, nil
				}
				e.logger.Warn("not enough crypto, retrying", "attempt", notEnoughCryptoRetries)
				continue
			case exchange.ClassFatalAmount:
				return nil, &Error{Reason: AbortFatalAmount, Cause: err}
			case exchange.ClassMarketUnavailable:
				return nil, &Error{Reason: AbortMarketUnavailable, Cause: err}
			default:
				backoff := e.backoffFor(err)
				e.logger.Warn("instant place failed, retrying", "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				continue
			}
		}

		for _, t := range result.Trades {
			observedFee := t.FeeMultiplier
			t.FeeMultiplier = canonicalTakerFee(fee, observedFee)
			if !observedFee.Equal(t.FeeMultiplier) {
				e.logger.Warn("observed taker fee diverges from canonical, using canonical", "observed", observedFee, "canonical", t.FeeMultiplier)
			}
			trades = append(trades, t)
			remaining = remaining.Sub(amount.FromAmount(t, side))
		}

		if len(result.Trades) == 0 {
			// Fill-or-kill placed but nothing filled: book moved, retry.
			time.Sleep(100 * time.Millisecond)
		}
	}

	return trades, nil
}

// backoffFor maps a classified error to the wait duration spec.md §4.4
// step 4 specifies, defaulting to the network-error wait for anything the
// classifier could not narrow further.
func (e *Executor) backoffFor(err error) time.Duration {
	switch {
	case errors.Is(err, exchange.ErrUnableToFillOrder):
		return e.cfg.UnableToFillBackoff
	case errors.Is(err, exchange.ErrTransactionFailed):
		return e.cfg.TxFailedBackoff
	case errors.Is(err, exchange.ErrMaxOrdersExceeded):
		return e.cfg.MaxOrdersBackoff
	default:
		return e.cfg.NetworkBackoff
	}
}

// simulateLastFillingPrice walks the book side opposite side would take
// liquidity from and returns the price of the last level needed to
// exhaust fromAmount, and the quote quantity to request at that price.
func simulateLastFillingPrice(book types.OrderBookAbstract, side types.OrderType, fromAmount decimal.Decimal) (price, quote decimal.Decimal, ok bool) {
	levels := book.SecondarySide(side)
	if len(levels) == 0 {
		return decimal.Zero, decimal.Zero, false
	}

	remaining := fromAmount
	var totalQuote decimal.Decimal
	var lastPrice decimal.Decimal

	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		lastPrice = lvl.Price
		levelQuote := lvl.Size
		var spend decimal.Decimal
		if side == types.Buy {
			spend = amount.FromAmountBuy(levelQuote, lvl.Price)
		} else {
			spend = amount.FromAmountSell(levelQuote)
		}
		if spend.GreaterThan(remaining) {
			levelQuote = amount.QuoteAmount(remaining, lvl.Price)
			if side == types.Buy {
				spend = amount.FromAmountBuy(levelQuote, lvl.Price)
			} else {
				spend = amount.FromAmountSell(levelQuote)
			}
		}
		totalQuote = totalQuote.Add(levelQuote)
		remaining = remaining.Sub(spend)
	}

	if totalQuote.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return lastPrice, totalQuote, true
}
