// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — currencies,
// markets, order book snapshots, trade notifications, and WebSocket event
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the fixed decimal precision every amount in the system is
// rounded to. Floating point is never used for money: every price, size,
// and amount field below is a decimal.Decimal.
const Scale = 8

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// OrderType represents the direction of an order relative to a market's
// quote currency: Buy spends base to acquire quote, Sell gives up quote to
// acquire base.
type OrderType string

const (
	Buy  OrderType = "BUY"
	Sell OrderType = "SELL"
)

// Opposite returns the other side of the same market.
func (ot OrderType) Opposite() OrderType {
	if ot == Buy {
		return Sell
	}
	return Buy
}

// Speed is the execution strategy for one step of a path.
type Speed string

const (
	Instant Speed = "INSTANT"
	Delayed Speed = "DELAYED"
)

// OrderKind is the lifecycle modifier passed to Client.Place.
type OrderKind string

const (
	PostOnly          OrderKind = "POST_ONLY"
	FillOrKill        OrderKind = "FILL_OR_KILL"
	ImmediateOrCancel OrderKind = "IMMEDIATE_OR_CANCEL"
)

// ————————————————————————————————————————————————————————————————————————
// Currency and market
// ————————————————————————————————————————————————————————————————————————

// Currency is an exchange-recognized asset symbol (e.g. "USDT", "BTC").
type Currency string

// Market is an ordered trading pair: Quote is priced in units of Base.
type Market struct {
	Base  Currency
	Quote Currency
}

func (m Market) String() string {
	return string(m.Base) + "_" + string(m.Quote)
}

// OrderTypeFor returns the direction implied by spending fromCurrency in
// this market: buying quote (spending base) is Buy, selling quote is Sell.
func (m Market) OrderTypeFor(fromCurrency Currency) OrderType {
	if fromCurrency == m.Base {
		return Buy
	}
	return Sell
}

// Other returns the currency on the opposite side of fromCurrency.
func (m Market) Other(fromCurrency Currency) Currency {
	if fromCurrency == m.Base {
		return m.Quote
	}
	return m.Base
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single price/size pair in an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookAbstract is a point-in-time snapshot of one market's book.
// Asks are sorted ascending by price (best first); Bids are sorted
// descending by price (best first). Consumers read snapshots only — the
// cache applies deltas internally and never exposes a mutable view.
type OrderBookAbstract struct {
	Market    Market
	Asks      []PriceLevel
	Bids      []PriceLevel
	Timestamp time.Time
}

// BestAsk returns the lowest ask, or false if the book has no asks.
func (b OrderBookAbstract) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// BestBid returns the highest bid, or false if the book has no bids.
func (b OrderBookAbstract) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// PrimarySide returns the side of the book an order of the given type
// would rest on if placed as maker: Buy orders make on the bid side,
// Sell orders make on the ask side.
func (b OrderBookAbstract) PrimarySide(ot OrderType) []PriceLevel {
	if ot == Buy {
		return b.Bids
	}
	return b.Asks
}

// SecondarySide returns the opposite side from PrimarySide — the side an
// order of the given type would cross into if it moved too aggressively.
func (b OrderBookAbstract) SecondarySide(ot OrderType) []PriceLevel {
	if ot == Buy {
		return b.Asks
	}
	return b.Bids
}

// FeeMultiplier is (maker, taker), each 1 − fee_rate at fixed 8-decimal
// scale. Multiplying a gross amount by the relevant multiplier yields the
// net amount after fees.
type FeeMultiplier struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is a single fill reported by the exchange for one of our orders.
type Trade struct {
	TradeID         string
	Amount          decimal.Decimal // quote amount filled
	Price           decimal.Decimal
	FeeMultiplier   decimal.Decimal
	TakerAdjustment decimal.Decimal // exchange-reported target amount, for reconciliation
}

// OrderResult is returned by Client.Place.
type OrderResult struct {
	OrderID string
	Trades  []Trade
}

// MoveResult is returned by Client.Move.
type MoveResult struct {
	OrderID string
}

// OrderStatusKind enumerates the lifecycle states OrderStatus can report.
type OrderStatusKind string

const (
	StatusOpen      OrderStatusKind = "OPEN"
	StatusFilled    OrderStatusKind = "FILLED"
	StatusCancelled OrderStatusKind = "CANCELLED"
)

// OrderStatus is the result of Client.OrderStatus.
type OrderStatus struct {
	OrderID string
	Status  OrderStatusKind
	Amount  decimal.Decimal // remaining quote amount
}

// ————————————————————————————————————————————————————————————————————————
// Account notification stream
// ————————————————————————————————————————————————————————————————————————

// NotificationKind discriminates AccountNotification.
type NotificationKind string

const (
	NotifyTrade         NotificationKind = "TRADE"
	NotifyOrderCreated  NotificationKind = "ORDER_CREATED"
	NotifyOrderUpdate   NotificationKind = "ORDER_UPDATE"
	NotifyBalanceUpdate NotificationKind = "BALANCE_UPDATE"
)

// OrderUpdateType discriminates the OrderUpdate payload.
type OrderUpdateType string

const (
	OrderFilled    OrderUpdateType = "FILLED"
	OrderCancelled OrderUpdateType = "CANCELLED"
)

// AccountNotification is one message from accountNotificationStream.
type AccountNotification struct {
	Kind NotificationKind

	// Populated when Kind == NotifyTrade.
	OrderID string
	Trade   Trade

	// Populated when Kind == NotifyOrderUpdate.
	UpdateType OrderUpdateType
	NewAmount  decimal.Decimal

	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book stream events
// ————————————————————————————————————————————————————————————————————————

// BookEventKind discriminates BookEvent.
type BookEventKind string

const (
	BookSnapshot BookEventKind = "SNAPSHOT"
	BookDelta    BookEventKind = "DELTA"
)

// BookDeltaLevel is a single price-level change in a delta event: Size of
// zero means the level was removed.
type BookDeltaLevel struct {
	Side  OrderType // Buy = bid-side level, Sell = ask-side level
	Price decimal.Decimal
	Size  decimal.Decimal
}

// BookEvent is one message from orderBookStream(market). A Snapshot
// carries the full book and is always sent on (re)subscribe; a Delta
// carries only changed levels.
type BookEvent struct {
	Kind     BookEventKind
	Market   Market
	Snapshot OrderBookAbstract // populated when Kind == BookSnapshot
	Deltas   []BookDeltaLevel  // populated when Kind == BookDelta
}

