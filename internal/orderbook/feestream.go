package orderbook

import (
	"sync"

	"github.com/arbot/tradecore/pkg/types"
)

// FeeStream is the fee-schedule counterpart to Cache: a single
// latest-value broadcast of each market's FeeMultiplier, replayed to late
// subscribers the same way book snapshots are. Fee schedules change far
// less often than books, so there is no per-market upstream subscription
// lifecycle here — just one small table kept current by whatever feed
// pushes fee updates (typically the same account notification channel
// that reports balance updates).
type FeeStream struct {
	mu   sync.RWMutex
	fees map[types.Market]types.FeeMultiplier
	subs map[int]chan types.Market
	next int
}

// NewFeeStream creates an empty FeeStream.
func NewFeeStream() *FeeStream {
	return &FeeStream{
		fees: make(map[types.Market]types.FeeMultiplier),
		subs: make(map[int]chan types.Market),
	}
}

// Update records a new fee schedule for market and notifies subscribers.
func (f *FeeStream) Update(market types.Market, fee types.FeeMultiplier) {
	f.mu.Lock()
	f.fees[market] = fee
	subs := make([]chan types.Market, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- market:
		default:
		}
	}
}

// Get returns the current fee multiplier for market, or false if none has
// been observed yet.
func (f *FeeStream) Get(market types.Market) (types.FeeMultiplier, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fee, ok := f.fees[market]
	return fee, ok
}

// Subscribe returns a channel that receives a market identifier each time
// that market's fee schedule changes.
func (f *FeeStream) Subscribe() (ch <-chan types.Market, unsubscribe func()) {
	f.mu.Lock()
	id := f.next
	f.next++
	out := make(chan types.Market, 8)
	f.subs[id] = out
	f.mu.Unlock()

	return out, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}
