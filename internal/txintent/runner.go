// Runner drives one Intent through the per-step state machine spec.md
// §4.7 describes: START → INSTANT_STEP/DELAYED_STEP → ... →
// UNFILLED/NOT_PROFITABLE, spawning a fresh child Intent for every step
// boundary it crosses rather than looping in place — the same "one
// struct per unit of in-flight work, handed off at each boundary" shape
// the teacher's engine.go uses for its per-market slots.
package txintent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/amount"
	"github.com/arbot/tradecore/internal/exchange"
	"github.com/arbot/tradecore/pkg/types"
)

// profitMonitorInterval and profitTimeout implement spec.md §4.7's
// DELAYED_STEP profit-monitor sub-task.
const profitMonitorInterval = 2 * time.Second

// InstantExecutor is the subset of internal/instant.Executor the Runner
// needs for an INSTANT_STEP.
type InstantExecutor interface {
	Execute(ctx context.Context, market types.Market, side types.OrderType, fromAmount decimal.Decimal, fee types.FeeMultiplier, clientOrderIDPrefix string) ([]types.Trade, error)
}

// SchedulerHandle is the subset of internal/scheduler.Scheduler a
// DELAYED_STEP registers against. One handle corresponds to exactly one
// (market, side) pair's Processor.
type SchedulerHandle interface {
	Register(id string) <-chan types.Trade
	AddAmount(id string, delta decimal.Decimal) error
	Unregister(id string) (ack func(), err error)
}

// SchedulerLookup resolves the SchedulerHandle owning a given market and
// side, so the Runner never needs to know how Processors are laid out.
type SchedulerLookup func(market types.Market, side types.OrderType) (SchedulerHandle, bool)

// FeeLookup resolves the current fee schedule for a market.
type FeeLookup func(market types.Market) (types.FeeMultiplier, bool)

// ChainQuoter projects the remaining chain of in forward from its
// current step, given an updated remaining-from amount at that step,
// and returns the predicted amount the chain would land on at its final
// currency — the DELAYED_STEP profit monitor's "predicted_target"
// (spec.md §4.7 sub-task C).
type ChainQuoter func(in *Intent, remainingFrom decimal.Decimal) (decimal.Decimal, bool)

// ProcessorHandle is the subset of internal/processor.Processor the
// Runner uses to keep the opposite side of a market quiet around an
// INSTANT_STEP's fill-or-kill call.
type ProcessorHandle interface {
	Pause(ctx context.Context) error
	Resume()
}

// ProcessorLookup resolves the ProcessorHandle owning a given market and
// side.
type ProcessorLookup func(market types.Market, side types.OrderType) (ProcessorHandle, bool)

// Replanner searches for a fresh tail of the chain starting at
// (fromCurrency, fromAmount), used by NOT_PROFITABLE re-planning.
type Replanner func(fromCurrency types.Currency, fromAmount decimal.Decimal) ([]TranIntentMarket, bool)

// Blacklist records a market as temporarily untradeable.
type Blacklist interface {
	Add(market types.Market, ttl time.Duration)
}

// Journal is the subset of internal/journal.Journal the Runner uses to
// keep the durability tables in step with each transition.
type Journal interface {
	UpsertActive(ctx context.Context, in *Intent) error
	DeleteActive(ctx context.Context, id string) error
	InsertCompleted(ctx context.Context, in *Intent) error
	InsertUnfilled(ctx context.Context, id string, initCurrency types.Currency, initAmount decimal.Decimal, currentCurrency types.Currency, currentAmount decimal.Decimal) error
}

// unfilledError signals the step could not be completed and the intent
// must fall through to UNFILLED handling.
type unfilledError struct{ reason string }

func (e *unfilledError) Error() string { return fmt.Sprintf("unfilled: %s", e.reason) }

// notProfitableError signals the profit monitor or a market-unavailable
// condition invalidated the remaining chain.
type notProfitableError struct {
	reason  string
	timeout bool
}

func (e *notProfitableError) Error() string { return fmt.Sprintf("not profitable: %s", e.reason) }

// Runner executes Intents against the rest of the system.
type Runner struct {
	manager    *Manager
	instant    InstantExecutor
	lookup     SchedulerLookup
	fees       FeeLookup
	quote      ChainQuoter
	procLookup ProcessorLookup
	replan     Replanner
	blacklist  Blacklist
	journal    Journal
	minTotal   decimal.Decimal
	logger     *slog.Logger
}

// NewRunner wires a Runner against the rest of the trader.
func NewRunner(manager *Manager, instant InstantExecutor, lookup SchedulerLookup, fees FeeLookup, quote ChainQuoter, procLookup ProcessorLookup, replan Replanner, blacklist Blacklist, journal Journal, minTotal decimal.Decimal, logger *slog.Logger) *Runner {
	return &Runner{manager: manager, instant: instant, lookup: lookup, fees: fees, quote: quote, procLookup: procLookup, replan: replan, blacklist: blacklist, journal: journal, minTotal: minTotal, logger: logger.With("component", "txintent")}
}

// Run drives in from its current step through to completion, unfilled
// residue, or a re-planned tail — spawning and running child intents
// in place of looping, matching spec.md §4.7's "spawn a child intent"
// transitions.
func (r *Runner) Run(ctx context.Context, in *Intent) {
	if merged := r.tryMerge(ctx, in); merged {
		return
	}

	r.manager.Register(in)
	if err := r.journal.UpsertActive(ctx, in); err != nil {
		r.logger.Error("journal upsert failed", "intent", in.ID, "error", err)
	}

	step := in.Current()
	var err error
	if step.Speed == types.Instant {
		err = r.runInstantStep(ctx, in)
	} else {
		err = r.runDelayedStep(ctx, in)
	}

	if err == nil {
		return
	}

	var unfilled *unfilledError
	var notProfitable *notProfitableError
	switch {
	case errors.As(err, &unfilled):
		r.handleUnfilled(ctx, in)
	case errors.As(err, &notProfitable):
		r.handleNotProfitable(ctx, in, notProfitable)
	default:
		r.logger.Error("intent step failed, treating as unfilled", "intent", in.ID, "error", err)
		r.handleUnfilled(ctx, in)
	}
}

// tryMerge attempts spec.md §4.7 START's merge-with-existing step: if a
// live intent shares this one's chain shape and current index, this
// intent's amount is folded into it instead of running independently.
//
// A candidate whose DELAYED_STEP is already running cannot be merged
// into directly — another goroutine owns its *Intent* by then — so the
// offer is instead handed to it over its Manager-registered merge
// channel (sub-task B of DELAYED_STEP), and that goroutine folds it in
// at its next select iteration. The direct Merge call remains the path
// for a candidate that hasn't started its step loop yet (no reader on
// the channel), and as a last-resort fallback if the channel's single
// buffer slot is already occupied by a faster concurrent merge.
func (r *Runner) tryMerge(ctx context.Context, in *Intent) bool {
	shape := ShapeHash(in.Markets)
	existing := r.manager.FindMergeCandidate(shape, in.MarketIdx, in.ID)
	if existing == nil {
		return false
	}

	currDelta := in.Current().FromAmountValue()

	// Only a DELAYED_STEP reads its merge-accept channel (it sits in a
	// select loop for as long as its reservation stays open); an
	// INSTANT_STEP runs and returns immediately and never drains one, so
	// offering it a channel send would just hang until ctx is done.
	if existing.Current().Speed == types.Delayed {
		if mergeCh := r.manager.MergeChannel(existing.ID); mergeCh != nil {
			req := MergeRequest{InitDelta: in.InitAmount, CurrDelta: currDelta, Ack: make(chan bool, 1)}
			select {
			case mergeCh <- req:
				select {
				case approved := <-req.Ack:
					if approved {
						r.logger.Info("merged intent into live step via accept channel", "intent", in.ID, "into", existing.ID, "delta", currDelta)
					} else {
						r.logger.Warn("live step declined merge offer", "intent", in.ID, "target", existing.ID)
					}
					return approved
				case <-ctx.Done():
					return false
				}
			default:
				// Channel buffer already holds a pending offer; fall
				// through to a direct merge attempt below.
			}
		}
	}

	if err := Merge(existing, in.InitAmount, currDelta); err != nil {
		r.logger.Warn("merge candidate rejected", "intent", in.ID, "target", existing.ID, "error", err)
		return false
	}
	r.logger.Info("merged intent into existing", "intent", in.ID, "into", existing.ID, "delta", currDelta)
	return true
}

// runInstantStep executes spec.md §4.7's INSTANT_STEP. Before the
// fill-or-kill call, the opposite side's Processor is paused: spec.md
// §4.7/§5 require that side to have cancelled its resting order before
// an Instant step runs the same market, so the fill-or-kill taker order
// never crosses against our own pooled maker order. The Processor is
// resumed again once the call returns, on every outcome path.
func (r *Runner) runInstantStep(ctx context.Context, in *Intent) error {
	step := in.Current()
	fee, ok := r.fees(step.Market)
	if !ok {
		fee = types.FeeMultiplier{Maker: decimal.NewFromInt(1), Taker: decimal.NewFromInt(1)}
	}

	opposite, hasOpposite := r.procLookup(step.Market, step.OrderType().Opposite())
	if hasOpposite {
		if err := opposite.Pause(ctx); err != nil {
			return fmt.Errorf("pause opposite processor: %w", err)
		}
		defer opposite.Resume()
	}

	trades, err := r.instant.Execute(ctx, step.Market, step.OrderType(), step.FromAmountValue(), fee, in.ID)
	if err != nil {
		class := exchange.Classify(err)
		switch class {
		case exchange.ClassMarketUnavailable:
			r.blacklist.Add(step.Market, 0)
			return &notProfitableError{reason: err.Error(), timeout: true}
		case exchange.ClassFatalAmount, exchange.ClassInsufficientBalance:
			return &unfilledError{reason: err.Error()}
		default:
			return err
		}
	}

	return r.advanceAfterTrades(ctx, in, trades)
}

// runDelayedStep executes spec.md §4.7's DELAYED_STEP: register with
// the owning Processor's Scheduler, wait on the attributed-trade
// channel while a profit monitor watches for the chain going
// unprofitable and a merge-accept channel watches for a late intent
// folding itself in, and advance (or unregister) accordingly.
//
// Cancellation (sub-task D) needs no separate mechanism: the ctx.Done()
// case below already unregisters the reservation and returns, which is
// the whole of the propagator — a cancelled parent context reaches here
// the same way it reaches every other select in the Runner.
func (r *Runner) runDelayedStep(ctx context.Context, in *Intent) error {
	step := in.Current()
	handle, ok := r.lookup(step.Market, step.OrderType())
	if !ok {
		return &unfilledError{reason: "no processor for market"}
	}

	tradesCh := handle.Register(in.ID)
	if err := handle.AddAmount(in.ID, step.FromAmountValue()); err != nil {
		return &unfilledError{reason: fmt.Sprintf("processor rejected reservation: %v", err)}
	}

	mergeCh := r.manager.MergeChannel(in.ID)

	ticker := time.NewTicker(profitMonitorInterval)
	defer ticker.Stop()
	start := time.Now()

	var collected []types.Trade
	remaining := step.FromAmountValue()

	for remaining.GreaterThan(decimal.Zero) {
		select {
		case <-ctx.Done():
			if ack, err := handle.Unregister(in.ID); err == nil {
				ack()
			}
			return ctx.Err()

		case trade, open := <-tradesCh:
			if !open {
				if remaining.IsZero() {
					return r.advanceAfterTrades(ctx, in, collected)
				}
				return &unfilledError{reason: "processor channel closed with remainder"}
			}
			collected = append(collected, trade)
			remaining = remaining.Sub(amount.FromAmount(trade, step.OrderType()))

		case req := <-mergeCh:
			// Sub-task B: a late merge into this already-running step.
			// AddAmount first, since that's the side effect that must
			// hold even if the bookkeeping below later needs unwinding.
			if err := handle.AddAmount(in.ID, req.CurrDelta); err != nil {
				r.logger.Warn("late merge reservation rejected", "intent", in.ID, "error", err)
				req.Ack <- false
				continue
			}
			if err := Merge(in, req.InitDelta, req.CurrDelta); err != nil {
				r.logger.Warn("late merge bookkeeping rejected, rolling back reservation", "intent", in.ID, "error", err)
				if unErr := handle.AddAmount(in.ID, req.CurrDelta.Neg()); unErr != nil {
					r.logger.Error("rollback of rejected late merge reservation failed", "intent", in.ID, "error", unErr)
				}
				req.Ack <- false
				continue
			}
			remaining = remaining.Add(req.CurrDelta)
			if err := r.journal.UpsertActive(ctx, in); err != nil {
				r.logger.Error("journal upsert after late merge failed", "intent", in.ID, "error", err)
			}
			req.Ack <- true

		case <-ticker.C:
			if time.Since(start) > profitTimeout(in) {
				if ack, err := handle.Unregister(in.ID); err == nil {
					ack()
				}
				return &notProfitableError{reason: "profit monitor timeout", timeout: true}
			}
			if r.quote != nil {
				predicted, ok := r.quote(in, remaining)
				if ok && predicted.Sub(in.InitAmount).IsNegative() {
					if ack, err := handle.Unregister(in.ID); err == nil {
						ack()
					}
					return &notProfitableError{reason: "profit delta went negative", timeout: false}
				}
			}
		}
	}

	if ack, err := handle.Unregister(in.ID); err == nil {
		ack()
	}
	return r.advanceAfterTrades(ctx, in, collected)
}

// advanceAfterTrades implements spec.md §4.7's split-and-spawn step
// boundary: split the chain at the current index by the trades just
// filled; if more steps remain, journal the committed chain as a child
// intent, delete the parent's active row and spawn the child, otherwise
// record the committed chain as completed. The remaining split is not
// journaled.
func (r *Runner) advanceAfterTrades(ctx context.Context, in *Intent, trades []types.Trade) error {
	k := in.MarketIdx
	remaining, committed := SplitMarkets(in.Markets, k, trades)

	remainingFrom := remaining[k].FromAmountValue()
	newIdx := k + 1

	if newIdx < len(in.Markets) {
		child := &Intent{ID: NewID(), RootID: in.RootID, Markets: committed, MarketIdx: newIdx, InitCurrency: in.InitCurrency, InitAmount: in.InitAmount}
		if err := r.journal.UpsertActive(ctx, child); err != nil {
			r.logger.Error("journal upsert for child failed", "intent", child.ID, "error", err)
		}
		r.manager.Remove(in.ID)
		if err := r.journal.DeleteActive(ctx, in.ID); err != nil {
			r.logger.Error("journal delete failed", "intent", in.ID, "error", err)
		}
		go r.Run(ctx, child)
	} else {
		completed := &Intent{ID: in.ID, Markets: committed, MarketIdx: newIdx - 1, InitCurrency: in.InitCurrency, InitAmount: in.InitAmount}
		r.manager.Remove(in.ID)
		if err := r.journal.InsertCompleted(ctx, completed); err != nil {
			r.logger.Error("journal insert completed failed", "intent", in.ID, "error", err)
		}
	}

	if remainingFrom.GreaterThan(decimal.Zero) && k > 0 {
		return &unfilledError{reason: "residual amount after partial fill mid-chain"}
	}
	return nil
}

// handleUnfilled implements spec.md §4.7's UNFILLED branch: a residue
// back on the intent's starting currency at no less than the init amount
// is safe and simply dropped; anything else is journaled as an
// UnfilledRemainder row. No merge into a live intent is attempted here.
func (r *Runner) handleUnfilled(ctx context.Context, in *Intent) {
	step := in.Current()
	r.manager.Remove(in.ID)

	current := step.FromAmountValue()
	if step.FromCurrency == in.InitCurrency && current.GreaterThanOrEqual(in.InitAmount) {
		if err := r.journal.DeleteActive(ctx, in.ID); err != nil {
			r.logger.Error("journal delete on safe-unfilled failed", "intent", in.ID, "error", err)
		}
		return
	}

	if err := r.journal.InsertUnfilled(ctx, in.ID, in.InitCurrency, in.InitAmount, step.FromCurrency, current); err != nil {
		r.logger.Error("journal insert unfilled failed", "intent", in.ID, "error", err)
	}
	if err := r.journal.DeleteActive(ctx, in.ID); err != nil {
		r.logger.Error("journal delete after unfilled failed", "intent", in.ID, "error", err)
	}
}

// handleNotProfitable implements spec.md §4.7's NOT_PROFITABLE branch:
// give up below the configured minimum, otherwise re-plan the tail
// starting at the current step's (fromCurrency, fromAmount) and spawn a
// fresh intent carrying the same id and marketIdx.
func (r *Runner) handleNotProfitable(ctx context.Context, in *Intent, cause *notProfitableError) {
	step := in.Current()
	if in.InitAmount.LessThan(r.minTotal) {
		r.handleUnfilled(ctx, in)
		return
	}

	tail, ok := r.replan(step.FromCurrency, step.FromAmountValue())
	if !ok {
		r.handleUnfilled(ctx, in)
		return
	}

	newMarkets := append(append([]TranIntentMarket(nil), in.Markets[:in.MarketIdx]...), tail...)
	r.manager.Remove(in.ID)
	replanned := &Intent{ID: in.ID, RootID: in.RootID, Markets: newMarkets, MarketIdx: in.MarketIdx, InitCurrency: in.InitCurrency, InitAmount: in.InitAmount}
	if err := r.journal.UpsertActive(ctx, replanned); err != nil {
		r.logger.Error("journal upsert for replan failed", "intent", replanned.ID, "error", err)
	}
	go r.Run(ctx, replanned)
}

func profitTimeout(in *Intent) time.Duration { return 40 * time.Minute }
