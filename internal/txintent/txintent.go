// Package txintent implements the Transaction Intent (spec.md §4.7) and
// Intent Manager (spec.md §4.8): the per-path state machine that drives
// one chain of markets from its starting currency back to a primary
// currency, and the registry that lets independent intents merge when
// their chains coincide.
//
// Grounded on the teacher's internal/engine/engine.go marketSlot
// bookkeeping (one struct per in-flight unit of work, advanced by a
// supervising goroutine) generalized from "one market's quote cycle" to
// "one path's multi-step chain", and on internal/amount's split/adjust
// primitives for the merge and split algebra spec.md §4.7 specifies.
package txintent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/amount"
	"github.com/arbot/tradecore/pkg/types"
)

// MarketKind discriminates the three TranIntentMarket variants a step
// can be in: an estimate not yet acted on, a step with some trades
// committed but still accepting more, or a step whose trades are final.
type MarketKind string

const (
	Predicted          MarketKind = "PREDICTED"
	PartiallyCompleted MarketKind = "PARTIALLY_COMPLETED"
	Completed          MarketKind = "COMPLETED"
)

// TranIntentMarket is one step of a path's chain, carrying whichever
// fields its Kind actually uses: Predicted/PartiallyCompleted read
// FromAmount directly, Completed/PartiallyCompleted derive their
// contributed amounts by folding Trades through the Amount Calculator.
type TranIntentMarket struct {
	Kind         MarketKind
	Market       types.Market
	Speed        types.Speed
	FromCurrency types.Currency
	FromAmount   decimal.Decimal
	Trades       []types.Trade
}

// OrderType is the direction this step trades in, derived from the
// market and the currency it spends.
func (m TranIntentMarket) OrderType() types.OrderType {
	return m.Market.OrderTypeFor(m.FromCurrency)
}

// FromAmountValue returns the step's from-side contribution: the
// declared estimate for Predicted/PartiallyCompleted steps still
// accepting input, or the sum of its trades' from-amounts once trades
// exist.
func (m TranIntentMarket) FromAmountValue() decimal.Decimal {
	if len(m.Trades) == 0 {
		return m.FromAmount
	}
	ot := m.OrderType()
	total := decimal.Zero
	for _, t := range m.Trades {
		total = total.Add(amount.FromAmount(t, ot))
	}
	return total
}

// TargetAmountValue returns the step's output: the sum of its trades'
// target-amounts, net of fees. Zero for a step with no trades yet.
func (m TranIntentMarket) TargetAmountValue() decimal.Decimal {
	ot := m.OrderType()
	total := decimal.Zero
	for _, t := range m.Trades {
		total = total.Add(amount.TargetAmount(t, ot))
	}
	return total
}

// ToCurrency is the currency this step produces.
func (m TranIntentMarket) ToCurrency() types.Currency {
	return m.Market.Other(m.FromCurrency)
}

// Intent is the per-path state machine: one chain of markets being
// driven from InitCurrency/InitAmount, currently sitting at MarketIdx.
type Intent struct {
	ID           string
	RootID       string // the id the Trader reserved balance against; carried across child spawns at step boundaries
	Markets      []TranIntentMarket
	MarketIdx    int
	InitCurrency types.Currency
	InitAmount   decimal.Decimal
}

// NewID mints a fresh intent identifier.
func NewID() string { return uuid.NewString() }

// Current returns the step the intent is presently working.
func (in *Intent) Current() TranIntentMarket { return in.Markets[in.MarketIdx] }

// ShapeHash identifies an intent's (market, speed) sequence, used by the
// Intent Manager to find merge candidates: two intents with identical
// shapes and the same current index reserve against the same pooled
// order and can safely absorb each other's residue.
func ShapeHash(markets []TranIntentMarket) string {
	var sb strings.Builder
	for _, m := range markets {
		sb.WriteString(m.Market.String())
		sb.WriteByte(':')
		sb.WriteString(string(m.Speed))
		sb.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// mergeKey is the Intent Manager's secondary index key: intents sharing
// a mergeKey are interchangeable merge targets.
type mergeKey struct {
	shape string
	idx   int
}

// MergeRequest is a late merge-with-existing-step offer delivered to a
// running DELAYED_STEP goroutine over its Manager-registered channel,
// rather than by mutating the target *Intent* directly from the
// requesting goroutine: the Intent is otherwise only ever touched by the
// one Runner.Run goroutine driving it, and a merge arriving after that
// step is already live would otherwise race against it.
type MergeRequest struct {
	InitDelta decimal.Decimal
	CurrDelta decimal.Decimal
	Ack       chan bool
}

// Manager is the thread-safe registry of live intents (spec.md §4.8).
type Manager struct {
	mu         sync.Mutex
	byID       map[string]*Intent
	byShape    map[mergeKey][]*Intent
	mergeChans map[string]chan MergeRequest
}

// NewManager creates an empty Intent Manager.
func NewManager() *Manager {
	return &Manager{
		byID:       make(map[string]*Intent),
		byShape:    make(map[mergeKey][]*Intent),
		mergeChans: make(map[string]chan MergeRequest),
	}
}

// Register adds an intent to both indexes and opens its merge-accept
// channel.
func (mgr *Manager) Register(in *Intent) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.byID[in.ID] = in
	key := mergeKey{shape: ShapeHash(in.Markets), idx: in.MarketIdx}
	mgr.byShape[key] = append(mgr.byShape[key], in)
	mgr.mergeChans[in.ID] = make(chan MergeRequest, 1)
}

// MergeChannel returns the channel a live DELAYED_STEP listens on for
// late merge offers, or nil if id isn't currently registered.
func (mgr *Manager) MergeChannel(id string) chan MergeRequest {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.mergeChans[id]
}

// Remove drops an intent from both indexes, e.g. on completion or
// unfilled-residue handoff.
func (mgr *Manager) Remove(id string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	in, ok := mgr.byID[id]
	if !ok {
		return
	}
	delete(mgr.byID, id)
	delete(mgr.mergeChans, id)

	key := mergeKey{shape: ShapeHash(in.Markets), idx: in.MarketIdx}
	list := mgr.byShape[key]
	for i, cand := range list {
		if cand.ID == id {
			mgr.byShape[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// FindMergeCandidate returns a live intent with the same chain shape
// sitting at the same step index as (shape, idx), excluding excludeID,
// or nil if none exists.
func (mgr *Manager) FindMergeCandidate(shape string, idx int, excludeID string) *Intent {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	for _, cand := range mgr.byShape[mergeKey{shape: shape, idx: idx}] {
		if cand.ID != excludeID {
			return cand
		}
	}
	return nil
}

// Get returns the live intent with id, or nil.
func (mgr *Manager) Get(id string) *Intent {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return mgr.byID[id]
}

// Snapshot describes one live intent's progress for the admin status
// surface: which step of which shape it's on and what it started from.
type Snapshot struct {
	ID           string          `json:"id"`
	RootID       string          `json:"root_id"`
	InitCurrency types.Currency  `json:"init_currency"`
	InitAmount   decimal.Decimal `json:"init_amount"`
	MarketIdx    int             `json:"market_idx"`
	StepCount    int             `json:"step_count"`
	CurrentStep  string          `json:"current_step"`
}

// All returns a snapshot of every currently-registered intent, for the
// admin status surface.
func (mgr *Manager) All() []Snapshot {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	out := make([]Snapshot, 0, len(mgr.byID))
	for _, in := range mgr.byID {
		out = append(out, Snapshot{
			ID:           in.ID,
			RootID:       in.RootID,
			InitCurrency: in.InitCurrency,
			InitAmount:   in.InitAmount,
			MarketIdx:    in.MarketIdx,
			StepCount:    len(in.Markets),
			CurrentStep:  in.Current().Market.String(),
		})
	}
	return out
}

// AnyWithRoot reports whether any currently-registered intent descends
// from rootID, letting the Trader top level know when it is safe to
// release the balance it reserved for that root's entire chain.
func (mgr *Manager) AnyWithRoot(rootID string) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, in := range mgr.byID {
		if in.RootID == rootID {
			return true
		}
	}
	return false
}

// Merge absorbs (initDelta, currDelta) into target at step k, per
// spec.md §4.7's merge operation: a synthetic adjustFrom(initDelta)
// trade is appended to step 0 so the intent's recorded initAmount stays
// truthful, a synthetic adjustTarget(currDelta, step[k-1].orderType)
// trade is appended to step k-1 so its target total reflects the extra
// input now flowing into step k, and step k's own from-amount grows by
// currDelta, for every k; it is not re-derived from step k-1's
// predicted target.
func Merge(target *Intent, initDelta, currDelta decimal.Decimal) error {
	k := target.MarketIdx
	if k >= len(target.Markets) {
		return fmt.Errorf("txintent: merge index %d out of range", k)
	}

	target.InitAmount = target.InitAmount.Add(initDelta)
	target.Markets[0].Trades = append(target.Markets[0].Trades, amount.AdjustFrom(initDelta))

	if k > 0 {
		prevOT := target.Markets[k-1].OrderType()
		target.Markets[k-1].Trades = append(target.Markets[k-1].Trades, amount.AdjustTarget(currDelta, prevOT))
	}

	cur := &target.Markets[k]
	switch cur.Kind {
	case Predicted, PartiallyCompleted:
		cur.FromAmount = cur.FromAmount.Add(currDelta)
	default:
		return fmt.Errorf("txintent: cannot merge into a completed step")
	}
	return nil
}

// SplitMarkets implements spec.md §4.7's split operation: given the
// chain markets, the step index k just executed, and the trades that
// filled it, returns (remaining, committed) where committed carries the
// fraction of every preceding step's trades needed to produce exactly
// the given trades' from-amount at step k, and remaining keeps the rest
// of step k's reservation (and every step before it, untouched) for
// further fills.
func SplitMarkets(markets []TranIntentMarket, k int, trades []types.Trade) (remaining, committed []TranIntentMarket) {
	remaining = cloneMarkets(markets)
	committed = cloneMarkets(markets)

	ot := markets[k].OrderType()
	filledFrom := decimal.Zero
	for _, t := range trades {
		filledFrom = filledFrom.Add(amount.FromAmount(t, ot))
	}

	committed[k] = TranIntentMarket{
		Kind:         Completed,
		Market:       markets[k].Market,
		Speed:        markets[k].Speed,
		FromCurrency: markets[k].FromCurrency,
		Trades:       append([]types.Trade(nil), trades...),
	}
	committedTarget := committed[k].TargetAmountValue()

	if k+1 < len(markets) {
		committed[k+1] = TranIntentMarket{
			Kind:         PartiallyCompleted,
			Market:       markets[k+1].Market,
			Speed:        markets[k+1].Speed,
			FromCurrency: markets[k+1].FromCurrency,
			FromAmount:   committedTarget,
		}
	}

	remaining[k] = TranIntentMarket{
		Kind:         PartiallyCompleted,
		Market:       markets[k].Market,
		Speed:        markets[k].Speed,
		FromCurrency: markets[k].FromCurrency,
		FromAmount:   markets[k].FromAmountValue().Sub(filledFrom),
	}

	// Preceding steps: pack enough of each committed trade list into
	// committed[i] to match committed[i+1].fromAmount, splitting the one
	// trade that straddles the cut via the Amount Calculator; the
	// remainder of each stays in remaining[i].
	target := committedTarget
	for i := k - 1; i >= 0; i-- {
		iOT := markets[i].OrderType()
		var committedTrades, remainingTrades []types.Trade
		packed := decimal.Zero

		for _, t := range markets[i].Trades {
			contribution := amount.TargetAmount(t, iOT)
			if packed.Add(contribution).LessThanOrEqual(target) {
				committedTrades = append(committedTrades, t)
				packed = packed.Add(contribution)
				continue
			}
			if packed.GreaterThanOrEqual(target) {
				remainingTrades = append(remainingTrades, t)
				continue
			}
			needed := target.Sub(packed)
			cut := decimal.Zero
			if contribution.GreaterThan(decimal.Zero) {
				cut = needed.Div(contribution)
			}
			left, right := amount.SplitTrade(t, amount.TargetAmountType, iOT, cut)
			committedTrades = append(committedTrades, left)
			remainingTrades = append(remainingTrades, right)
			packed = packed.Add(needed)
		}

		committed[i] = TranIntentMarket{Kind: Completed, Market: markets[i].Market, Speed: markets[i].Speed, FromCurrency: markets[i].FromCurrency, Trades: committedTrades}
		remaining[i] = TranIntentMarket{Kind: Completed, Market: markets[i].Market, Speed: markets[i].Speed, FromCurrency: markets[i].FromCurrency, Trades: remainingTrades}
		target = committed[i].FromAmountValue()
	}

	return remaining, committed
}

func cloneMarkets(markets []TranIntentMarket) []TranIntentMarket {
	out := make([]TranIntentMarket, len(markets))
	copy(out, markets)
	return out
}
