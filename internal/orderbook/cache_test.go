package orderbook

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/pkg/types"
)

type fakeUpstream struct {
	events      chan types.BookEvent
	subscribed  []string
	unsubscribed []string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{events: make(chan types.BookEvent, 16)}
}

func (f *fakeUpstream) Subscribe(markets []string) error   { f.subscribed = append(f.subscribed, markets...); return nil }
func (f *fakeUpstream) Unsubscribe(markets []string) error { f.unsubscribed = append(f.unsubscribed, markets...); return nil }
func (f *fakeUpstream) OrderBookStream() <-chan types.BookEvent { return f.events }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCacheSubscribeReceivesSnapshot(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	c := New(up, testLogger())
	market := types.Market{Base: "BTC", Quote: "USDT"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ch, unsub := c.Subscribe(market)
	defer unsub()

	if len(up.subscribed) != 1 || up.subscribed[0] != market.String() {
		t.Fatalf("expected upstream subscribe to %q, got %v", market.String(), up.subscribed)
	}

	up.events <- types.BookEvent{
		Kind:   types.BookSnapshot,
		Market: market,
		Snapshot: types.OrderBookAbstract{
			Bids: []types.PriceLevel{{Price: decimal.NewFromInt(9), Size: decimal.NewFromInt(1)}},
			Asks: []types.PriceLevel{{Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(1)}},
		},
	}

	select {
	case snap := <-ch:
		if len(snap.Bids) != 1 || !snap.Bids[0].Price.Equal(decimal.NewFromInt(9)) {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestCacheLateSubscriberGetsReplay(t *testing.T) {
	t.Parallel()

	up := newFakeUpstream()
	c := New(up, testLogger())
	market := types.Market{Base: "ETH", Quote: "USDT"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ch1, unsub1 := c.Subscribe(market)
	up.events <- types.BookEvent{Kind: types.BookSnapshot, Market: market, Snapshot: types.OrderBookAbstract{
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(1), Size: decimal.NewFromInt(1)}},
	}}
	<-ch1
	unsub1()

	ch2, unsub2 := c.Subscribe(market)
	defer unsub2()

	select {
	case snap := <-ch2:
		if len(snap.Bids) != 1 {
			t.Errorf("expected replayed snapshot, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replay")
	}
}

func TestApplyDeltaUpsertAndRemove(t *testing.T) {
	t.Parallel()

	book := types.OrderBookAbstract{}
	applyDeltas(&book, []types.BookDeltaLevel{
		{Side: types.Buy, Price: decimal.NewFromInt(5), Size: decimal.NewFromInt(2)},
		{Side: types.Sell, Price: decimal.NewFromInt(6), Size: decimal.NewFromInt(3)},
	})
	if len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Fatalf("expected 1 bid and 1 ask, got %+v", book)
	}

	applyDeltas(&book, []types.BookDeltaLevel{
		{Side: types.Buy, Price: decimal.NewFromInt(5), Size: decimal.Zero},
	})
	if len(book.Bids) != 0 {
		t.Errorf("expected bid removed on zero size, got %+v", book.Bids)
	}
}

func TestFeeStreamUpdateAndGet(t *testing.T) {
	t.Parallel()

	fs := NewFeeStream()
	market := types.Market{Base: "BTC", Quote: "USDT"}

	if _, ok := fs.Get(market); ok {
		t.Fatal("expected no fee before Update")
	}

	ch, unsub := fs.Subscribe()
	defer unsub()

	fs.Update(market, types.FeeMultiplier{Maker: decimal.NewFromFloat(0.999), Taker: decimal.NewFromFloat(0.998)})

	select {
	case m := <-ch:
		if m != market {
			t.Errorf("notified market = %v, want %v", m, market)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fee update notification")
	}

	fee, ok := fs.Get(market)
	if !ok || !fee.Maker.Equal(decimal.NewFromFloat(0.999)) {
		t.Errorf("Get() = %+v, ok=%v", fee, ok)
	}
}
