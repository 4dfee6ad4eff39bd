// Package processor implements the Delayed-Trade Processor (spec.md §4.6):
// the state machine that owns exactly one pooled post-only order per
// (market, side) and keeps its price and size in step with the Trade
// Scheduler's running reservation total.
//
// Grounded on the teacher's internal/strategy/maker.go tick loop (a
// ticker-driven select over context cancellation, fill notifications, and
// order events, reconciling desired state against one order per tick) —
// generalized here from "one bid and one ask per market" to "one order
// per (market, side)" coalescing N paths' reservations, and from
// inventory-skew pricing to the one-point-better-unless-alone policy
// spec.md §4.6 specifies.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/exchange"
	"github.com/arbot/tradecore/internal/scheduler"
	"github.com/arbot/tradecore/pkg/types"
)

// State is one node of the Processor's lifecycle.
type State string

const (
	StateInit               State = "INIT"
	StatePowerOnRecovery    State = "POWER_ON_RECOVERY"
	StatePlace              State = "PLACE"
	StateLive               State = "LIVE"
	StateMove               State = "MOVE"
	StateCancelAndIdle      State = "CANCEL_AND_IDLE"
	StateDisconnectRecovery State = "DISCONNECT_RECOVERY"
	StatePaused             State = "PAUSED"
)

// recentOrderIDsCap bounds the short LRU of order ids this Processor has
// recently superseded (via Move or cancel-and-replace): spec.md §4.6
// requires trade notifications to still route against one of these, not
// just the current orderID, since a fill already in flight from the
// exchange can arrive tagged with the id it just replaced.
const recentOrderIDsCap = 8

// fixPriceGapsEvery bounds how long the Processor will tolerate a price
// that has drifted from the top of book without repricing, even when the
// counter below has not yet tripped the heuristic.
const fixPriceGapsEvery = 4 * time.Second

// fixPriceGapsBookChanges is the bookChangeCount threshold that forces a
// reprice check regardless of elapsed time. Run increments that counter
// once per 500 ms ticker tick; the Processor does not count book updates.
const fixPriceGapsBookChanges = 10

// postOnlyRetryWait is how long the Processor waits before retrying a
// post-only placement that the exchange rejected for crossing the book.
const postOnlyRetryWait = 100 * time.Millisecond

// RESTClient is the subset of internal/exchange.Client the Processor uses
// to manage its one pooled order.
type RESTClient interface {
	Place(ctx context.Context, market types.Market, side types.OrderType, price, quoteAmount decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.OrderResult, error)
	Move(ctx context.Context, orderID string, newPrice decimal.Decimal, newQuoteAmount *decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.MoveResult, error)
	Cancel(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (*types.OrderStatus, error)
	OrderTrades(ctx context.Context, orderID string) ([]types.Trade, error)
}

// BookSource is the subset of internal/orderbook.Cache the Processor
// reads to price its order.
type BookSource interface {
	Latest(market types.Market) (types.OrderBookAbstract, bool)
}

// Recovery carries the order this Processor should resume owning after a
// restart, as loaded from the durability journal. A nil Recovery means
// start clean from StateInit.
type Recovery struct {
	OrderID string
	Price   decimal.Decimal
}

// Processor owns exactly one live post-only order for one (market, side)
// and reprices/resizes it in step with its Scheduler's pooled reservation.
type Processor struct {
	market types.Market
	side   types.OrderType
	tick   decimal.Decimal

	client    RESTClient
	books     BookSource
	scheduler *scheduler.Scheduler
	notifyCh  <-chan types.AccountNotification
	connCh    <-chan bool
	recovery  *Recovery
	logger    *slog.Logger

	state            State
	orderID          string
	orderPrice       decimal.Decimal
	orderQuoteAmount decimal.Decimal
	bookChangeCount  int
	lastRepriceAt    time.Time

	recentOrderIDs []string
	seenTradeIDs   map[string]struct{}

	pauseReqCh chan pauseRequest
	resumeCh   chan struct{}
}

// pauseRequest is a synchronous Pause call handed to the Run loop's own
// goroutine, so the order-cancelling work it implies stays serialized
// with every other order mutation.
type pauseRequest struct {
	ack chan error
}

// New creates a Processor for one (market, side) pair.
func New(market types.Market, side types.OrderType, tick decimal.Decimal, client RESTClient, books BookSource, sched *scheduler.Scheduler, notifyCh <-chan types.AccountNotification, connCh <-chan bool, recovery *Recovery, logger *slog.Logger) *Processor {
	return &Processor{
		market:    market,
		side:      side,
		tick:      tick,
		client:    client,
		books:     books,
		scheduler: sched,
		notifyCh:  notifyCh,
		connCh:    connCh,
		recovery:  recovery,
		state:     StateInit,
		logger:    logger.With("component", "processor", "market", market.String(), "side", side),

		pauseReqCh: make(chan pauseRequest),
		resumeCh:   make(chan struct{}, 1),
	}
}

// Pause cancels this Processor's live order (if any) and suspends it from
// placing or repricing until Resume is called. Used by the Transaction
// Intent runner to guarantee the opposite side of a market has no resting
// order before an Instant-speed fill-or-kill step on the other side,
// preventing a self-trade (spec.md §4.7 INSTANT_STEP, §5). Blocks until
// the pause has taken effect, the Processor isn't running, or ctx ends.
func (p *Processor) Pause(ctx context.Context) error {
	req := pauseRequest{ack: make(chan error, 1)}
	select {
	case p.pauseReqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume lifts a prior Pause, letting the Processor place again once its
// Scheduler has a nonzero pooled reservation.
func (p *Processor) Resume() {
	select {
	case p.resumeCh <- struct{}{}:
	default:
	}
}

// State returns the Processor's current lifecycle state, for inspection
// by the Trader top level and the admin surface.
func (p *Processor) State() State { return p.state }

// Run drives the state machine until ctx is cancelled, then returns nil.
// Step errors are logged and retried; Run does not unregister the
// Scheduler's paths.
func (p *Processor) Run(ctx context.Context) error {
	if p.recovery != nil {
		p.state = StatePowerOnRecovery
	} else {
		p.state = StateInit
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	commonCh := p.scheduler.CommonFromAmountChannel()

	for {
		switch p.state {
		case StateInit:
			if p.scheduler.CommonFromAmount().GreaterThan(decimal.Zero) {
				p.state = StatePlace
				continue
			}

		case StatePowerOnRecovery:
			if err := p.recoverOrder(ctx); err != nil {
				p.logger.Error("power-on recovery failed, starting clean", "error", err)
				p.state = StateInit
				continue
			}
			p.state = StatePlace
			continue

		case StatePlace:
			if err := p.place(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				p.logger.Error("place failed", "error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(postOnlyRetryWait):
				}
				continue
			}
			p.state = StateLive
			continue
		}

		select {
		case <-ctx.Done():
			p.cancelOnExit(context.Background())
			return nil

		case common, ok := <-commonCh:
			if !ok {
				continue
			}
			p.onCommonChanged(ctx, common)

		case notif, ok := <-p.notifyCh:
			if !ok {
				continue
			}
			p.onNotification(ctx, notif)

		case connected, ok := <-p.connCh:
			if !ok {
				continue
			}
			if !connected {
				p.state = StateDisconnectRecovery
				continue
			}
			if p.state == StateDisconnectRecovery {
				p.recoverFromDisconnect(ctx)
			}

		case req := <-p.pauseReqCh:
			p.handlePause(ctx, req)

		case <-p.resumeCh:
			if p.state == StatePaused {
				if p.scheduler.CommonFromAmount().GreaterThan(decimal.Zero) {
					p.state = StatePlace
				} else {
					p.state = StateInit
				}
			}

		case <-ticker.C:
			p.bookChangeCount++
			p.maybeFixPriceGaps(ctx)
		}
	}
}

// handlePause implements the order-cancelling half of Pause: run on the
// Run loop's own goroutine so it serializes with every other order
// mutation, per spec.md §5's "all order mutations are serialized under a
// state mutex" rule — here, under the single-goroutine state machine.
func (p *Processor) handlePause(ctx context.Context, req pauseRequest) {
	if p.orderID != "" {
		if err := p.client.Cancel(ctx, p.orderID); err != nil && !errors.Is(err, exchange.ErrOrderCompletedOrNotExist) {
			req.ack <- err
			return
		}
		p.rememberOrderID(p.orderID)
		p.orderID = ""
	}
	p.state = StatePaused
	req.ack <- nil
}

// recoverFromDisconnect implements spec.md §4.6's DISCONNECT_RECOVERY:
// once the user feed reconnects, any fills that happened while
// disconnected never reached onNotification, so they must be fetched via
// OrderTrades and fed to the Scheduler before the Processor resumes.
func (p *Processor) recoverFromDisconnect(ctx context.Context) {
	orderID := p.orderID
	if orderID != "" {
		if err := p.reconcileMissedTrades(ctx, orderID); err != nil {
			p.logger.Error("disconnect recovery: reconcile missed trades failed", "order_id", orderID, "error", err)
		}
		status, err := p.client.OrderStatus(ctx, orderID)
		if err != nil {
			p.logger.Error("disconnect recovery: order status failed", "order_id", orderID, "error", err)
		} else if status == nil || status.Status != types.StatusOpen {
			p.rememberOrderID(orderID)
			p.orderID = ""
		}
	}

	if p.orderID == "" {
		if p.scheduler.CommonFromAmount().GreaterThan(decimal.Zero) {
			p.state = StatePlace
		} else {
			p.state = StateInit
		}
		return
	}
	p.state = StateLive
}

// reconcileMissedTrades fetches orderID's full trade history and feeds to
// the Scheduler whatever trade ids this Processor hasn't already
// attributed. spec.md §4.6 describes the filter as "tradeId > latestSeen",
// which has no meaning for an opaque exchange-assigned string; the literal
// interpretation here is a seen-id set populated as trades are attributed,
// from either the live notification stream or a reconciliation pass.
func (p *Processor) reconcileMissedTrades(ctx context.Context, orderID string) error {
	trades, err := p.client.OrderTrades(ctx, orderID)
	if err != nil {
		return err
	}

	var missed []types.Trade
	for _, t := range trades {
		if p.markTradeSeen(t.TradeID) {
			missed = append(missed, t)
		}
	}
	if len(missed) > 0 {
		p.scheduler.AddTrades(missed)
	}
	return nil
}

// markTradeSeen records tradeID as attributed, returning true the first
// time it is seen. A blank id (synthetic adjustment trades carry none) is
// always treated as unseen so it is never silently swallowed.
func (p *Processor) markTradeSeen(tradeID string) bool {
	if tradeID == "" {
		return true
	}
	if p.seenTradeIDs == nil {
		p.seenTradeIDs = make(map[string]struct{})
	}
	if _, ok := p.seenTradeIDs[tradeID]; ok {
		return false
	}
	p.seenTradeIDs[tradeID] = struct{}{}
	return true
}

// rememberOrderID pushes id onto the short LRU of superseded order ids.
func (p *Processor) rememberOrderID(id string) {
	if id == "" {
		return
	}
	p.recentOrderIDs = append(p.recentOrderIDs, id)
	if len(p.recentOrderIDs) > recentOrderIDsCap {
		p.recentOrderIDs = p.recentOrderIDs[len(p.recentOrderIDs)-recentOrderIDsCap:]
	}
}

// isRecentOrderID reports whether id is one of the recently-superseded
// order ids in the LRU; callers check the current order id separately.
func (p *Processor) isRecentOrderID(id string) bool {
	for _, rid := range p.recentOrderIDs {
		if rid == id {
			return true
		}
	}
	return false
}

// onCommonChanged reacts to the Scheduler's pooled reservation changing:
// zero means every path has exited and the order should come down;
// nonzero means the order's size (and possibly price) must move to match.
func (p *Processor) onCommonChanged(ctx context.Context, common decimal.Decimal) {
	if p.state != StateLive {
		return
	}
	if common.IsZero() {
		p.state = StateCancelAndIdle
		if err := p.client.Cancel(ctx, p.orderID); err != nil && !errors.Is(err, exchange.ErrOrderCompletedOrNotExist) {
			p.logger.Error("cancel on drain failed", "error", err)
		}
		p.rememberOrderID(p.orderID)
		p.orderID = ""
		p.state = StateInit
		return
	}

	desiredPrice := p.desiredPrice()
	if p.cantMoveSafely(desiredPrice, common) {
		p.cancelAndReplace(ctx, desiredPrice, common)
		return
	}
	p.move(ctx, desiredPrice, common)
}

// onNotification routes one account-stream event. Trade notifications
// for this Processor's current order, or one of its recently-superseded
// ones (spec.md §4.6's short LRU — a Move or cancel-and-replace can leave
// a fill in flight tagged with the id it just replaced), are attributed
// back to paths via the Scheduler, in arrival order, preserving the
// ordering guarantee: one mutex-protected call per trade, no reordering
// or batching.
func (p *Processor) onNotification(ctx context.Context, n types.AccountNotification) {
	if n.OrderID != p.orderID && !p.isRecentOrderID(n.OrderID) {
		return
	}
	switch n.Kind {
	case types.NotifyTrade:
		p.markTradeSeen(n.Trade.TradeID)
		p.scheduler.AddTrades([]types.Trade{n.Trade})
	case types.NotifyOrderUpdate:
		if n.UpdateType == types.OrderCancelled && n.OrderID == p.orderID {
			p.rememberOrderID(p.orderID)
			p.orderID = ""
			if p.scheduler.CommonFromAmount().GreaterThan(decimal.Zero) {
				p.state = StatePlace
			} else {
				p.state = StateInit
			}
		}
	}
}

// desiredPrice implements the one-point-better-unless-alone policy: rest
// one tick better than the current best on our side, unless we are
// already alone at the best price (in which case moving would only give
// away one tick of edge for nothing), and never cross the secondary side.
func (p *Processor) desiredPrice() decimal.Decimal {
	book, ok := p.books.Latest(p.market)
	if !ok {
		return p.orderPrice
	}

	primary := book.PrimarySide(p.side)
	secondary := book.SecondarySide(p.side)

	if len(primary) == 0 {
		return p.orderPrice
	}

	best := primary[0]
	alone := best.Price.Equal(p.orderPrice) && len(primary) == 1
	if alone {
		return p.orderPrice
	}

	var candidate decimal.Decimal
	if p.side == types.Buy {
		candidate = best.Price.Add(p.tick)
	} else {
		candidate = best.Price.Sub(p.tick)
	}

	if len(secondary) > 0 {
		bestOpposite := secondary[0].Price
		if p.side == types.Buy && candidate.GreaterThanOrEqual(bestOpposite) {
			candidate = bestOpposite.Sub(p.tick)
		}
		if p.side == types.Sell && candidate.LessThanOrEqual(bestOpposite) {
			candidate = bestOpposite.Add(p.tick)
		}
	}

	return candidate
}

// cantMoveSafely is the Buy-side (and, per this implementation's
// resolution of spec.md's open question, Sell-side) guard against a
// simple in-place repricing that would commit more of a path's reserved
// fromAmount than it has reserved: if the new price against the order's
// previous quote amount would spend more than is currently pooled, an
// in-place move could fill at a cost no path budgeted for, so the order
// must be cancelled and replaced at the new size instead of amended.
func (p *Processor) cantMoveSafely(newPrice, commonFromAmount decimal.Decimal) bool {
	if p.orderQuoteAmount.IsZero() {
		return false
	}
	impliedFrom := newPrice.Mul(p.orderQuoteAmount)
	return impliedFrom.GreaterThan(commonFromAmount)
}

func (p *Processor) cancelAndReplace(ctx context.Context, newPrice, commonFromAmount decimal.Decimal) {
	p.state = StateCancelAndIdle
	if err := p.client.Cancel(ctx, p.orderID); err != nil && !errors.Is(err, exchange.ErrOrderCompletedOrNotExist) {
		p.logger.Error("cancel before unsafe move failed", "error", err)
	}
	p.rememberOrderID(p.orderID)
	p.orderID = ""
	p.state = StatePlace
}

func (p *Processor) move(ctx context.Context, newPrice, commonFromAmount decimal.Decimal) {
	p.state = StateMove
	result, err := p.client.Move(ctx, p.orderID, newPrice, &commonFromAmount, types.PostOnly, clientOrderID(p.market, p.side))
	if err != nil {
		if errors.Is(err, exchange.ErrOrderCompletedOrNotExist) {
			p.rememberOrderID(p.orderID)
			p.orderID = ""
			p.state = StatePlace
			return
		}
		p.logger.Error("move failed", "error", err)
		p.state = StateLive
		return
	}
	p.orderID = result.OrderID
	p.orderPrice = newPrice
	p.orderQuoteAmount = commonFromAmount
	p.bookChangeCount = 0
	p.lastRepriceAt = time.Now()
	p.state = StateLive
}

// maybeFixPriceGaps forces a reprice check when enough ticker ticks, or
// enough time, have passed since the last reprice — guarding against a
// quiet order sitting at a stale price because onCommonChanged never
// fired (the pool's total didn't change, only the book did).
func (p *Processor) maybeFixPriceGaps(ctx context.Context) {
	if p.state != StateLive {
		return
	}
	if p.bookChangeCount < fixPriceGapsBookChanges && time.Since(p.lastRepriceAt) < fixPriceGapsEvery {
		return
	}
	p.bookChangeCount = 0
	common := p.scheduler.CommonFromAmount()
	if common.IsZero() {
		return
	}
	desired := p.desiredPrice()
	if desired.Equal(p.orderPrice) {
		p.lastRepriceAt = time.Now()
		return
	}
	if p.cantMoveSafely(desired, common) {
		p.cancelAndReplace(ctx, desired, common)
		return
	}
	p.move(ctx, desired, common)
}

// place submits the pooled post-only order at the current desired price
// and size, retrying on a post-only collision (the exchange rejects a
// post-only order that would have crossed the book) per spec.md §4.6's
// post-only guarantee: the Processor never lets an order execute as
// taker, so a rejected placement is retried rather than resubmitted as
// an aggressive order.
func (p *Processor) place(ctx context.Context) error {
	common := p.scheduler.CommonFromAmount()
	if common.LessThanOrEqual(decimal.Zero) {
		p.state = StateInit
		return nil
	}

	for {
		price := p.desiredPrice()
		if price.IsZero() {
			book, ok := p.books.Latest(p.market)
			if !ok {
				return fmt.Errorf("no book available to price initial placement")
			}
			sideLevels := book.PrimarySide(p.side)
			if len(sideLevels) == 0 {
				return fmt.Errorf("no %s side liquidity to anchor initial price", p.side)
			}
			best := sideLevels[0]
			if p.side == types.Buy {
				price = best.Price.Add(p.tick)
			} else {
				price = best.Price.Sub(p.tick)
			}
		}

		result, err := p.client.Place(ctx, p.market, p.side, price, common, types.PostOnly, clientOrderID(p.market, p.side))
		if err != nil {
			if errors.Is(err, exchange.ErrUnableToPlacePostOnly) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(postOnlyRetryWait):
				}
				continue
			}
			return err
		}

		p.orderID = result.OrderID
		p.orderPrice = price
		p.orderQuoteAmount = common
		p.lastRepriceAt = time.Now()
		p.bookChangeCount = 0
		return nil
	}
}

// recoverOrder implements POWER_ON_RECOVERY (spec.md §4.6): a journaled
// order is never simply resumed, since fills that landed while the
// process was down would otherwise never reach the Scheduler. Instead
// the journaled order is cancelled outright, its full trade history is
// fetched and replayed through reconcileMissedTrades, and its id is
// retired into the recent-order LRU so any notification still in flight
// for it is still attributed. The caller re-places fresh from StatePlace.
func (p *Processor) recoverOrder(ctx context.Context) error {
	if err := p.client.Cancel(ctx, p.recovery.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderCompletedOrNotExist) {
		return fmt.Errorf("recover order cancel: %w", err)
	}
	if err := p.reconcileMissedTrades(ctx, p.recovery.OrderID); err != nil {
		return fmt.Errorf("recover order trades: %w", err)
	}
	p.rememberOrderID(p.recovery.OrderID)
	p.orderID = ""
	return nil
}

// cancelOnExit best-effort cancels the pooled order when the Processor's
// context is cancelled (shutdown), so a dead Processor never leaves a
// resting order behind.
func (p *Processor) cancelOnExit(ctx context.Context) {
	if p.orderID == "" {
		return
	}
	if err := p.client.Cancel(ctx, p.orderID); err != nil && !errors.Is(err, exchange.ErrOrderCompletedOrNotExist) {
		p.logger.Error("cancel on shutdown failed", "error", err)
	}
}

func clientOrderID(market types.Market, side types.OrderType) string {
	return fmt.Sprintf("proc-%s-%s-%d", market.String(), side, time.Now().UnixNano())
}
