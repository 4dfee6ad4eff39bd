package scheduler

import (
	"sync"

	"github.com/arbot/tradecore/pkg/types"
)

// tradeQueue is an unbounded single-consumer channel: push never blocks
// and never drops a trade, backed by a growing slice a single goroutine
// drains into a regular channel. spec.md §9 designates the
// Scheduler->Intent hand-off as the system's one unbounded channel — a
// fixed-size buffered channel with a drop-on-full send would silently
// break the attribution invariant (§8.3) the first time a burst of fills
// outran a path's consumer.
type tradeQueue struct {
	mu     sync.Mutex
	buf    []types.Trade
	notify chan struct{}
	ch     chan types.Trade
	closed bool
}

func newTradeQueue() *tradeQueue {
	q := &tradeQueue{
		notify: make(chan struct{}, 1),
		ch:     make(chan types.Trade),
	}
	go q.run()
	return q
}

// push appends trade to the queue. Never blocks, never drops.
func (q *tradeQueue) push(trade types.Trade) {
	q.mu.Lock()
	q.buf = append(q.buf, trade)
	q.mu.Unlock()
	q.wake()
}

// close marks the queue as finished: once drained, its output channel is
// closed and run exits.
func (q *tradeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *tradeQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *tradeQueue) run() {
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.notify
			q.mu.Lock()
		}
		if len(q.buf) == 0 {
			q.mu.Unlock()
			close(q.ch)
			return
		}
		next := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		q.ch <- next
	}
}
