// Package pathfind implements the Path Enumerator (spec.md §4.3):
// candidate circular-path search over the Order Book Cache, ranked by
// expected profit.
//
// spec.md lists the path enumerator among the core's external
// collaborators — an interface the core merely consumes. This
// implementation supplies that collaborator so the repository is
// runnable end to end, in the style of the pack's own arbitrage
// detectors, which are cross-exchange (see DESIGN.md).
package pathfind

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/amount"
	"github.com/arbot/tradecore/pkg/types"
)

// Order is one step of a candidate path.
type Order struct {
	Market     types.Market
	FromAmount decimal.Decimal
	ToAmount   decimal.Decimal
	Speed      types.Speed
}

// ExhaustivePath is a full chain of orders from fromCurrency back to a
// currency in endCurrencies.
type ExhaustivePath struct {
	Chain []Order
}

// FromAmount is the chain's first step's input amount.
func (p ExhaustivePath) FromAmount() decimal.Decimal {
	if len(p.Chain) == 0 {
		return decimal.Zero
	}
	return p.Chain[0].FromAmount
}

// ToAmount is the chain's last step's output amount.
func (p ExhaustivePath) ToAmount() decimal.Decimal {
	if len(p.Chain) == 0 {
		return decimal.Zero
	}
	return p.Chain[len(p.Chain)-1].ToAmount
}

// Profit is the chain's expected profit: ToAmount - FromAmount.
func (p ExhaustivePath) Profit() decimal.Decimal {
	return p.ToAmount().Sub(p.FromAmount())
}

// ShapeHash identifies a chain's market/speed sequence regardless of
// amounts, used to filter out paths already in flight.
func (p ExhaustivePath) ShapeHash() string {
	var sb strings.Builder
	for _, o := range p.Chain {
		sb.WriteString(o.Market.String())
		sb.WriteByte(':')
		sb.WriteString(string(o.Speed))
		sb.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// BookSource returns the latest cached book for a market, as exposed by
// internal/orderbook.Cache.
type BookSource interface {
	Latest(market types.Market) (types.OrderBookAbstract, bool)
}

// FeeSource returns the latest fee schedule for a market.
type FeeSource interface {
	Get(market types.Market) (types.FeeMultiplier, bool)
}

// Graph holds the universe of tradeable markets the enumerator searches
// over, each annotated with the speed a path should use when it crosses
// that market.
type Graph struct {
	Markets map[types.Market]types.Speed
	books   BookSource
	fees    FeeSource
}

// NewGraph builds a Graph from a fixed market/speed table.
func NewGraph(markets map[types.Market]types.Speed, books BookSource, fees FeeSource) *Graph {
	return &Graph{Markets: markets, books: books, fees: fees}
}

const maxChainLength = 4

// Enumerate searches for candidate circular paths starting at
// fromCurrency with fromAmount, ending at any currency in endCurrencies,
// ordered by expected profit descending (ties broken by shorter chain),
// with any path whose shape hash is in inFlight filtered out.
func (g *Graph) Enumerate(fromCurrency types.Currency, fromAmount decimal.Decimal, endCurrencies map[types.Currency]bool, inFlight map[string]bool) []ExhaustivePath {
	var results []ExhaustivePath

	var walk func(currency types.Currency, amt decimal.Decimal, chain []Order, visited map[types.Market]bool)
	walk = func(currency types.Currency, amt decimal.Decimal, chain []Order, visited map[types.Market]bool) {
		if len(chain) > 0 && endCurrencies[currency] {
			path := ExhaustivePath{Chain: append([]Order(nil), chain...)}
			if !inFlight[path.ShapeHash()] {
				results = append(results, path)
			}
		}
		if len(chain) >= maxChainLength {
			return
		}

		for market, speed := range g.Markets {
			if visited[market] {
				continue
			}
			if market.Base != currency && market.Quote != currency {
				continue
			}

			book, ok := g.books.Latest(market)
			if !ok {
				continue
			}
			fee, ok := g.fees.Get(market)
			if !ok {
				fee = types.FeeMultiplier{Maker: decimal.NewFromInt(1), Taker: decimal.NewFromInt(1)}
			}

			ot := market.OrderTypeFor(currency)
			toAmount, ok := simulateFill(book, ot, amt, fee)
			if !ok || toAmount.IsZero() {
				continue
			}

			next := market.Other(currency)
			visited[market] = true
			walk(next, toAmount, append(chain, Order{Market: market, FromAmount: amt, ToAmount: toAmount, Speed: speed}), visited)
			delete(visited, market)
		}
	}

	walk(fromCurrency, fromAmount, nil, make(map[types.Market]bool))

	sort.SliceStable(results, func(i, j int) bool {
		pi, pj := results[i].Profit(), results[j].Profit()
		if !pi.Equal(pj) {
			return pi.GreaterThan(pj)
		}
		return len(results[i].Chain) < len(results[j].Chain)
	})

	return results
}

// Quote estimates the output amount of spending fromAmount of the
// currency that market.OrderTypeFor would classify as ot, against the
// Graph's live book and fee cache — the same walk Enumerate uses
// internally, exposed so a caller re-projecting a single leg of an
// already-chosen chain (rather than searching for a fresh one) doesn't
// need its own copy of the book-walking logic.
func (g *Graph) Quote(market types.Market, ot types.OrderType, fromAmount decimal.Decimal, fee types.FeeMultiplier) (decimal.Decimal, bool) {
	book, ok := g.books.Latest(market)
	if !ok {
		return decimal.Zero, false
	}
	return simulateFill(book, ot, fromAmount, fee)
}

// simulateFill estimates the output amount of spending fromAmount of
// currency into a market's order type ot, walking the book side it would
// take liquidity from.
func simulateFill(book types.OrderBookAbstract, ot types.OrderType, fromAmount decimal.Decimal, fee types.FeeMultiplier) (decimal.Decimal, bool) {
	levels := book.SecondarySide(ot)
	if len(levels) == 0 {
		return decimal.Zero, false
	}

	remaining := fromAmount
	var acquired decimal.Decimal

	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		levelQuote := lvl.Size
		var spend decimal.Decimal
		if ot == types.Buy {
			spend = amount.FromAmountBuy(levelQuote, lvl.Price)
		} else {
			spend = amount.FromAmountSell(levelQuote)
		}
		if spend.GreaterThan(remaining) {
			levelQuote = amount.QuoteAmount(remaining, lvl.Price)
			if levelQuote.IsZero() {
				break
			}
		}

		var out decimal.Decimal
		if ot == types.Buy {
			out = amount.TargetAmountBuy(levelQuote, fee.Taker)
			remaining = remaining.Sub(amount.FromAmountBuy(levelQuote, lvl.Price))
		} else {
			out = amount.TargetAmountSell(levelQuote, lvl.Price, fee.Taker)
			remaining = remaining.Sub(amount.FromAmountSell(levelQuote))
		}
		acquired = acquired.Add(out)
	}

	if acquired.IsZero() {
		return decimal.Zero, false
	}
	return acquired, true
}
