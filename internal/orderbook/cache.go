// Package orderbook implements the Order Book Cache and Fee Stream
// (spec.md §4.2): a lazy latest-value stream of OrderBookAbstract per
// market, multiplexed from the exchange WebSocket feed, replayed to late
// subscribers, auto-reestablished on disconnect, with a short grace
// period before tearing down the upstream subscription when the last
// subscriber leaves.
//
// This generalizes the teacher's internal/market/book.go (a single
// mutex-guarded snapshot per market) into a multi-market, subscribe/
// replay/grace-period cache: instead of one Book per market held by the
// caller, callers ask the Cache for a market's latest-value stream and
// the Cache manages upstream subscription lifetime on their behalf.
package orderbook

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/pkg/types"
)

// gracePeriod is how long the cache keeps an upstream subscription alive
// after its last local subscriber unsubscribes, so a path re-plan that
// re-subscribes moments later doesn't pay the cost of a fresh snapshot.
const gracePeriod = 5 * time.Second

// Upstream is the subset of the exchange feed the cache depends on. The
// production implementation is *exchange.WSFeed; tests use a fake.
type Upstream interface {
	Subscribe(markets []string) error
	Unsubscribe(markets []string) error
	OrderBookStream() <-chan types.BookEvent
}

// entry tracks one market's cached book and subscriber count.
type entry struct {
	mu          sync.RWMutex
	book        types.OrderBookAbstract
	subscribers map[int]chan types.OrderBookAbstract
	nextID      int
	teardown    *time.Timer
}

// Cache is the Order Book Cache: per-market latest-value streams backed
// by a single upstream WebSocket subscription set.
type Cache struct {
	mu       sync.Mutex
	upstream Upstream
	entries  map[types.Market]*entry
	logger   *slog.Logger
}

// New creates a Cache reading book events from upstream.
func New(upstream Upstream, logger *slog.Logger) *Cache {
	return &Cache{
		upstream: upstream,
		entries:  make(map[types.Market]*entry),
		logger:   logger.With("component", "orderbook"),
	}
}

// Run drains the upstream book event stream and fans updates out to
// per-market subscribers. Blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-c.upstream.OrderBookStream():
			if !ok {
				return nil
			}
			c.applyEvent(evt)
		}
	}
}

func (c *Cache) applyEvent(evt types.BookEvent) {
	c.mu.Lock()
	e, ok := c.entries[evt.Market]
	c.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	switch evt.Kind {
	case types.BookSnapshot:
		e.book = evt.Snapshot
		e.book.Market = evt.Market
		if e.book.Timestamp.IsZero() {
			e.book.Timestamp = time.Now()
		}
	case types.BookDelta:
		applyDeltas(&e.book, evt.Deltas)
		e.book.Timestamp = time.Now()
	}
	snapshot := e.book
	subs := make([]chan types.OrderBookAbstract, 0, len(e.subscribers))
	for _, ch := range e.subscribers {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
			// Conflated: drop the stale value and push the fresh one so
			// slow subscribers see the latest book, never a backlog.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func applyDeltas(book *types.OrderBookAbstract, deltas []types.BookDeltaLevel) {
	for _, d := range deltas {
		if d.Side == types.Buy {
			book.Bids = upsertLevel(book.Bids, d.Price, d.Size, true)
		} else {
			book.Asks = upsertLevel(book.Asks, d.Price, d.Size, false)
		}
	}
}

// upsertLevel inserts, updates, or (on zero size) removes a price level,
// keeping the slice sorted: bids descending, asks ascending.
func upsertLevel(levels []types.PriceLevel, price, size decimal.Decimal, descending bool) []types.PriceLevel {
	for i, lvl := range levels {
		if lvl.Price.Equal(price) {
			if size.IsZero() {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size.IsZero() {
		return levels
	}
	levels = append(levels, types.PriceLevel{Price: price, Size: size})
	sortLevels(levels, descending)
	return levels
}

func sortLevels(levels []types.PriceLevel, descending bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			less := levels[j].Price.LessThan(levels[j-1].Price)
			if descending {
				less = levels[j].Price.GreaterThan(levels[j-1].Price)
			}
			if !less {
				break
			}
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

// Subscribe returns a latest-value channel for market, establishing the
// upstream subscription if this is the first local subscriber and
// cancelling a pending teardown if one was scheduled. Unsubscribe must be
// called exactly once when the caller is done.
func (c *Cache) Subscribe(market types.Market) (ch <-chan types.OrderBookAbstract, unsubscribe func()) {
	c.mu.Lock()
	e, ok := c.entries[market]
	if !ok {
		e = &entry{subscribers: make(map[int]chan types.OrderBookAbstract)}
		c.entries[market] = e
	}
	c.mu.Unlock()

	e.mu.Lock()
	if e.teardown != nil {
		e.teardown.Stop()
		e.teardown = nil
	}
	firstSubscriber := len(e.subscribers) == 0
	id := e.nextID
	e.nextID++
	out := make(chan types.OrderBookAbstract, 1)
	e.subscribers[id] = out
	if !e.book.Timestamp.IsZero() {
		out <- e.book
	}
	e.mu.Unlock()

	if firstSubscriber {
		if err := c.upstream.Subscribe([]string{market.String()}); err != nil {
			c.logger.Warn("upstream subscribe failed", "market", market, "error", err)
		}
	}

	return out, func() { c.unsubscribe(market, id) }
}

func (c *Cache) unsubscribe(market types.Market, id int) {
	c.mu.Lock()
	e, ok := c.entries[market]
	c.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.subscribers, id)
	last := len(e.subscribers) == 0
	if last {
		e.teardown = time.AfterFunc(gracePeriod, func() { c.teardownIfIdle(market) })
	}
	e.mu.Unlock()
}

func (c *Cache) teardownIfIdle(market types.Market) {
	c.mu.Lock()
	e, ok := c.entries[market]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.mu.Lock()
	idle := len(e.subscribers) == 0
	e.mu.Unlock()
	if idle {
		delete(c.entries, market)
	}
	c.mu.Unlock()

	if idle {
		if err := c.upstream.Unsubscribe([]string{market.String()}); err != nil {
			c.logger.Warn("upstream unsubscribe failed", "market", market, "error", err)
		}
	}
}

// Latest returns the most recently cached snapshot for market, or false
// if nothing has arrived yet.
func (c *Cache) Latest(market types.Market) (types.OrderBookAbstract, bool) {
	c.mu.Lock()
	e, ok := c.entries[market]
	c.mu.Unlock()
	if !ok {
		return types.OrderBookAbstract{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book, !e.book.Timestamp.IsZero()
}
