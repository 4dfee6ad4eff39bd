// Package amount implements the Amount Calculator: pure, stateless
// arithmetic over quote/base/fee amounts at fixed 8-decimal precision.
// Every function here is deterministic and side-effect free — no clock,
// no I/O, no shared state — so the transactional state machines in
// internal/txintent and internal/processor can recompute any derived
// amount from a persisted BareTrade at any time.
package amount

import (
	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/pkg/types"
)

func init() {
	decimal.DivisionPrecision = types.Scale
}

// round8Down truncates toward zero at the fixed scale.
func round8Down(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(types.Scale)
}

// round8Up rounds away from zero at the fixed scale, unless the value is
// already exact at that scale.
func round8Up(d decimal.Decimal) decimal.Decimal {
	truncated := d.Truncate(types.Scale)
	if truncated.Equal(d) {
		return truncated
	}
	step := decimal.New(1, int32(-types.Scale))
	if d.IsNegative() {
		return truncated.Sub(step)
	}
	return truncated.Add(step)
}

// FromAmountBuy is the currency spent placing a Buy order for the given
// quote amount at price: round_down(quote * price).
func FromAmountBuy(quote, price decimal.Decimal) decimal.Decimal {
	return round8Down(quote.Mul(price))
}

// FromAmountSell is the currency spent placing a Sell order: the quote
// amount itself, unchanged.
func FromAmountSell(quote decimal.Decimal) decimal.Decimal {
	return quote
}

// TargetAmountBuy is the currency received from a filled Buy order, net
// of fees: round_up(quote * fee).
func TargetAmountBuy(quote, fee decimal.Decimal) decimal.Decimal {
	return round8Up(quote.Mul(fee))
}

// TargetAmountSell is the currency received from a filled Sell order, net
// of fees: round_up(round_down(quote * price) * fee).
func TargetAmountSell(quote, price, fee decimal.Decimal) decimal.Decimal {
	gross := round8Down(quote.Mul(price))
	return round8Up(gross.Mul(fee))
}

// QuoteAmount converts a desired base/target amount back into the quote
// amount that would produce it at price and fee (default fee = 1, i.e.
// no fee applied): round_down(baseAmount / price).
func QuoteAmount(baseAmount, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return round8Down(baseAmount.DivRound(price, int32(types.Scale)+2))
}

// AdjustFrom builds the BareTrade adjustment variant that contributes x
// to fromAmount and zero to targetAmount (spec.md §3).
func AdjustFrom(x decimal.Decimal) types.Trade {
	return types.Trade{Amount: x, Price: decimal.NewFromInt(1), FeeMultiplier: decimal.Zero}
}

// AdjustTarget builds the BareTrade adjustment variant that contributes
// zero to fromAmount and x to targetAmount. The encoding differs by
// order type because fromAmount/targetAmount derive differently for
// Buy vs Sell (spec.md §3).
func AdjustTarget(x decimal.Decimal, ot types.OrderType) types.Trade {
	if ot == types.Buy {
		return types.Trade{Amount: x, Price: decimal.Zero, FeeMultiplier: decimal.NewFromInt(1)}
	}
	return types.Trade{Amount: x, Price: decimal.Zero, FeeMultiplier: decimal.Zero}
}

// FromAmount computes the from-side contribution of a single trade for
// the given order type, applying the Buy/Sell amount laws above.
func FromAmount(t types.Trade, ot types.OrderType) decimal.Decimal {
	switch ot {
	case types.Buy:
		return FromAmountBuy(t.Amount, t.Price)
	default:
		if t.Price.IsZero() && t.FeeMultiplier.IsZero() {
			// AdjustTarget(x, Sell) sentinel: no from-side contribution.
			return decimal.Zero
		}
		return FromAmountSell(t.Amount)
	}
}

// TargetAmount computes the target-side contribution of a single trade
// for the given order type.
func TargetAmount(t types.Trade, ot types.OrderType) decimal.Decimal {
	switch ot {
	case types.Buy:
		return TargetAmountBuy(t.Amount, t.FeeMultiplier)
	default:
		if t.Price.IsZero() && t.FeeMultiplier.IsZero() {
			// AdjustTarget(x, Sell) sentinel: contributes x to the target side.
			return t.Amount
		}
		return TargetAmountSell(t.Amount, t.Price, t.FeeMultiplier)
	}
}

// AmountType selects which derived amount SplitTrade operates over.
type AmountType int

const (
	FromAmountType AmountType = iota
	TargetAmountType
)

// SplitTrade partitions trade into a "committed" portion (cut of the
// total, becomes part of a new child intent) and an "updated" portion
// (the remainder, stays with the parent). cut is the committed share of
// the trade's quote amount, in [0, 1].
//
// The split always cuts the quote amount itself, regardless of at: price
// and fee are fixed for a single trade, so FromAmount and TargetAmount
// are both linear in quote, and cutting quote by cut therefore cuts
// whichever amount the caller computed cut from by that same ratio too
// (modulo rounding). at documents which axis a call site derived cut in —
// internal/scheduler computes it in FromAmount space, SplitMarkets in
// TargetAmount space — not which arithmetic this function performs.
//
// The committed quote share is truncated to 8 decimals and the updated
// share is the exact remainder, so the two quote amounts always sum to
// the original. No adjustment trade is emitted: because FromAmount and
// TargetAmount round each trade separately, their sums over the two
// halves can differ from the original trade's by the rounding residue.
func SplitTrade(trade types.Trade, at AmountType, ot types.OrderType, cut decimal.Decimal) (committed, updated types.Trade) {
	committedQuote := round8Down(trade.Amount.Mul(cut))
	updatedQuote := trade.Amount.Sub(committedQuote)

	committed = types.Trade{TradeID: trade.TradeID, Amount: committedQuote, Price: trade.Price, FeeMultiplier: trade.FeeMultiplier}
	updated = types.Trade{TradeID: trade.TradeID, Amount: updatedQuote, Price: trade.Price, FeeMultiplier: trade.FeeMultiplier}
	return committed, updated
}
