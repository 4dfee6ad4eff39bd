// Package scheduler implements the Trade Scheduler (spec.md §4.5): a
// per-(market,side) registry mapping a path to a share of a pooled
// post-only order, and the single-writer trade attribution that
// disaggregates incoming fills back to the paths that reserved them.
//
// Grounded on the teacher's internal/risk/manager.go single-mutex
// registry-of-reports pattern, generalized from "risk reports keyed by
// market" to "reservations keyed by path id". The two-phase unregister
// and trade attribution are new — the teacher has no analogue — and
// follow spec.md §4.5's algorithm directly.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/amount"
	"github.com/arbot/tradecore/pkg/types"
)

// entry is one path's reservation against the pooled order.
type entry struct {
	remaining decimal.Decimal
	out       *tradeQueue
	closed    bool
}

// exitIntent tracks an in-progress two-phase unregister.
type exitIntent struct {
	id  string
	ack chan struct{}
}

// Scheduler is the per-(market,side) registry. commonFromAmountCh
// publishes the running total of all entries' remaining amounts every
// time it changes — the Delayed-Trade Processor watches it to keep its
// pooled order's quoteAmount in sync.
type Scheduler struct {
	mu      sync.Mutex
	order   []string // insertion order, preserved across register/unregister
	entries map[string]*entry
	exiting map[string]*exitIntent

	common   decimal.Decimal
	commonCh chan decimal.Decimal
	lastFatal error

	market types.Market
	side   types.OrderType
	logger *slog.Logger
}

// New creates a Scheduler for one (market, side) pair.
func New(market types.Market, side types.OrderType, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		entries:  make(map[string]*entry),
		exiting:  make(map[string]*exitIntent),
		commonCh: make(chan decimal.Decimal, 1),
		market:   market,
		side:     side,
		logger:   logger.With("component", "scheduler", "market", market.String(), "side", side),
	}
}

// CommonFromAmount returns the current pooled reservation total.
func (s *Scheduler) CommonFromAmount() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.common
}

// CommonFromAmountChannel publishes the running total on every change.
func (s *Scheduler) CommonFromAmountChannel() <-chan decimal.Decimal { return s.commonCh }

// Register adds a path with a zero reservation and returns the channel it
// will receive attributed trades on.
func (s *Scheduler) Register(id string) <-chan types.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := newTradeQueue()
	s.entries[id] = &entry{remaining: decimal.Zero, out: out}
	s.order = append(s.order, id)
	return out.ch
}

// AddAmount adjusts a path's reservation by delta, atomically updating
// and publishing the common total. Returns an error if the path is not
// registered or has already exited.
func (s *Scheduler) AddAmount(id string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.closed {
		return fmt.Errorf("scheduler: addAmount on absent or closed entry %q", id)
	}

	e.remaining = e.remaining.Add(delta)
	s.common = s.common.Add(delta)
	s.publishCommon()
	return nil
}

// Unregister begins the two-phase exit for id: decrements the common
// total immediately (so the Processor can start repricing toward the
// smaller pool) and returns an ack function the Processor must call once
// it reaches a safe state to finish removing the entry and close its
// channel.
func (s *Scheduler) Unregister(id string) (ack func(), err error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler: unregister on absent entry %q", id)
	}

	ackCh := make(chan struct{}, 1)
	s.exiting[id] = &exitIntent{id: id, ack: ackCh}
	s.common = s.common.Sub(e.remaining)
	s.publishCommon()
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.finishUnregister(id)
	}, nil
}

// finishUnregister must be called with s.mu held.
func (s *Scheduler) finishUnregister(id string) {
	e, ok := s.entries[id]
	if !ok {
		return
	}
	if !e.closed {
		e.out.close()
		e.closed = true
	}
	delete(s.entries, id)
	delete(s.exiting, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// AddTrades attributes each incoming trade to the registered paths, in
// insertion order, per spec.md §4.5.
func (s *Scheduler) AddTrades(trades []types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, trade := range trades {
		s.attributeOne(trade)
	}
}

func (s *Scheduler) attributeOne(trade types.Trade) {
	tradeFrom := amount.FromAmount(trade, s.side)

	// Pass 1: does a single entry fully absorb this trade?
	for _, id := range s.order {
		e := s.entries[id]
		if e == nil || e.closed {
			continue
		}
		if tradeFrom.LessThanOrEqual(e.remaining) {
			e.remaining = e.remaining.Sub(tradeFrom)
			s.dispatch(id, e, trade)
			if e.remaining.IsZero() {
				s.closeEntry(id)
			}
			return
		}
	}

	// Pass 2: split across entries until the trade is exhausted.
	remainingTrade := trade
	for _, id := range s.order {
		e := s.entries[id]
		if e == nil || e.closed || e.remaining.IsZero() {
			continue
		}
		tradeFrom = amount.FromAmount(remainingTrade, s.side)
		if tradeFrom.LessThanOrEqual(decimal.Zero) {
			break
		}

		cut := e.remaining.Div(tradeFrom)
		if cut.GreaterThan(decimal.NewFromInt(1)) {
			cut = decimal.NewFromInt(1)
		}
		committed, updated := amount.SplitTrade(remainingTrade, amount.FromAmountType, s.side, cut)

		e.remaining = decimal.Zero
		s.dispatch(id, e, committed)
		s.closeEntry(id)
		remainingTrade = updated

		if amount.FromAmount(remainingTrade, s.side).LessThanOrEqual(decimal.Zero) {
			return
		}
	}

	if amount.FromAmount(remainingTrade, s.side).GreaterThan(decimal.Zero) {
		s.logger.Error("unattributable trade residue — processor placed quantity no path reserved",
			"market", s.market, "side", s.side, "residue", amount.FromAmount(remainingTrade, s.side))
	}
}

func (s *Scheduler) dispatch(id string, e *entry, trade types.Trade) {
	e.out.push(trade)
}

func (s *Scheduler) closeEntry(id string) {
	e, ok := s.entries[id]
	if !ok || e.closed {
		return
	}
	e.out.close()
	e.closed = true
	if exit, exiting := s.exiting[id]; exiting {
		select {
		case exit.ack <- struct{}{}:
		default:
		}
	}
}

// UnregisterAll force-closes every entry's channel, for the case of a
// fatal Processor error; the Processor's Run loop does not call it.
// Since the channels are plain Go channels, "closing
// with an error" is modeled by closing the channel and recording err for
// callers to observe via LastFatalError.
func (s *Scheduler) UnregisterAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFatal = err
	for _, id := range append([]string(nil), s.order...) {
		s.finishUnregister(id)
	}
	s.common = decimal.Zero
	s.publishCommon()
}

// LastFatalError returns the error passed to the most recent
// UnregisterAll call, or nil.
func (s *Scheduler) LastFatalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFatal
}

func (s *Scheduler) publishCommon() {
	select {
	case <-s.commonCh:
	default:
	}
	select {
	case s.commonCh <- s.common:
	default:
	}
}
