package processor

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/scheduler"
	"github.com/arbot/tradecore/pkg/types"
)

type fakeClient struct {
	placeCalls  int
	moveCalls   int
	cancelCalls int
	placed      chan struct{}
	orderID     string
	trades      map[string][]types.Trade
}

func (f *fakeClient) Place(ctx context.Context, market types.Market, side types.OrderType, price, quoteAmount decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.OrderResult, error) {
	f.placeCalls++
	f.orderID = "order-1"
	if f.placed != nil {
		select {
		case f.placed <- struct{}{}:
		default:
		}
	}
	return &types.OrderResult{OrderID: f.orderID}, nil
}

func (f *fakeClient) Move(ctx context.Context, orderID string, newPrice decimal.Decimal, newQuoteAmount *decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.MoveResult, error) {
	f.moveCalls++
	return &types.MoveResult{OrderID: orderID}, nil
}

func (f *fakeClient) Cancel(ctx context.Context, orderID string) error {
	f.cancelCalls++
	return nil
}

func (f *fakeClient) OrderStatus(ctx context.Context, orderID string) (*types.OrderStatus, error) {
	return &types.OrderStatus{OrderID: orderID, Status: types.StatusOpen, Amount: decimal.NewFromInt(100)}, nil
}

func (f *fakeClient) OrderTrades(ctx context.Context, orderID string) ([]types.Trade, error) {
	return f.trades[orderID], nil
}

type fakeBooks struct {
	book types.OrderBookAbstract
}

func (f fakeBooks) Latest(types.Market) (types.OrderBookAbstract, bool) { return f.book, true }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestProcessorPlacesOrderWhenReservationArrives(t *testing.T) {
	t.Parallel()

	market := types.Market{Base: "BTC", Quote: "USDT"}
	sched := scheduler.New(market, types.Buy, testLogger())
	sched.Register("path-1")

	books := fakeBooks{book: types.OrderBookAbstract{
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(10)}},
	}}
	client := &fakeClient{placed: make(chan struct{}, 1)}
	notifyCh := make(chan types.AccountNotification)
	connCh := make(chan bool)

	p := New(market, types.Buy, decimal.NewFromFloat(0.01), client, books, sched, notifyCh, connCh, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	if err := sched.AddAmount("path-1", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-client.placed:
	case <-time.After(time.Second):
		t.Fatal("expected processor to place an order")
	}
}

func TestProcessorAttributesTradeNotification(t *testing.T) {
	t.Parallel()

	market := types.Market{Base: "BTC", Quote: "USDT"}
	sched := scheduler.New(market, types.Buy, testLogger())
	out := sched.Register("path-1")
	if err := sched.AddAmount("path-1", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}

	books := fakeBooks{book: types.OrderBookAbstract{
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(10)}},
	}}
	client := &fakeClient{placed: make(chan struct{}, 1)}
	notifyCh := make(chan types.AccountNotification, 1)
	connCh := make(chan bool)

	p := New(market, types.Buy, decimal.NewFromFloat(0.01), client, books, sched, notifyCh, connCh, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	<-client.placed
	time.Sleep(10 * time.Millisecond) // let place() finish assigning p.orderID

	notifyCh <- types.AccountNotification{
		Kind:    types.NotifyTrade,
		OrderID: "order-1",
		Trade:   types.Trade{TradeID: "t1", Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(1), FeeMultiplier: decimal.NewFromFloat(0.999)},
	}

	select {
	case tr := <-out:
		if !tr.Amount.Equal(decimal.NewFromInt(100)) {
			t.Errorf("attributed trade amount = %s, want 100", tr.Amount)
		}
	case <-time.After(time.Second):
		t.Fatal("expected path-1 to receive the attributed trade")
	}
}

func TestRememberOrderIDBoundsToCap(t *testing.T) {
	t.Parallel()

	p := &Processor{}
	for i := 0; i < recentOrderIDsCap+3; i++ {
		p.rememberOrderID(string(rune('a' + i)))
	}
	if len(p.recentOrderIDs) != recentOrderIDsCap {
		t.Fatalf("recentOrderIDs len = %d, want %d", len(p.recentOrderIDs), recentOrderIDsCap)
	}
	if p.isRecentOrderID("a") {
		t.Error("oldest id should have been evicted")
	}
	last := string(rune('a' + recentOrderIDsCap + 2))
	if !p.isRecentOrderID(last) {
		t.Error("most recently remembered id should still be present")
	}
}

func TestOnNotificationAttributesTradeAgainstRecentOrderID(t *testing.T) {
	t.Parallel()

	market := types.Market{Base: "BTC", Quote: "USDT"}
	sched := scheduler.New(market, types.Buy, testLogger())
	out := sched.Register("path-1")
	if err := sched.AddAmount("path-1", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}

	p := &Processor{scheduler: sched, orderID: "order-2"}
	p.rememberOrderID("order-1")

	p.onNotification(context.Background(), types.AccountNotification{
		Kind:    types.NotifyTrade,
		OrderID: "order-1",
		Trade:   types.Trade{TradeID: "t1", Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(1), FeeMultiplier: decimal.NewFromFloat(0.999)},
	})

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("expected trade against a recently-superseded order id to be attributed")
	}
}

func TestPauseCancelsOrderAndResumeReturnsToPlace(t *testing.T) {
	t.Parallel()

	market := types.Market{Base: "BTC", Quote: "USDT"}
	sched := scheduler.New(market, types.Buy, testLogger())
	sched.Register("path-1")

	books := fakeBooks{book: types.OrderBookAbstract{
		Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(10)}},
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(10)}},
	}}
	client := &fakeClient{placed: make(chan struct{}, 1)}
	notifyCh := make(chan types.AccountNotification)
	connCh := make(chan bool)

	p := New(market, types.Buy, decimal.NewFromFloat(0.01), client, books, sched, notifyCh, connCh, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := sched.AddAmount("path-1", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}
	<-client.placed

	pauseCtx, pauseCancel := context.WithTimeout(context.Background(), time.Second)
	defer pauseCancel()
	if err := p.Pause(pauseCtx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if client.cancelCalls == 0 {
		t.Error("expected Pause to cancel the resting order")
	}

	p.Resume()

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("expected processor to re-place after Resume")
		default:
		}
		if client.placeCalls >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecoverOrderCancelsAndReplaysTrades(t *testing.T) {
	t.Parallel()

	client := &fakeClient{
		trades: map[string][]types.Trade{
			"journaled-1": {{TradeID: "t1", Amount: decimal.NewFromInt(50), Price: decimal.NewFromInt(1), FeeMultiplier: decimal.NewFromFloat(0.999)}},
		},
	}
	market := types.Market{Base: "BTC", Quote: "USDT"}
	sched := scheduler.New(market, types.Buy, testLogger())
	out := sched.Register("path-1")
	if err := sched.AddAmount("path-1", decimal.NewFromInt(100)); err != nil {
		t.Fatal(err)
	}

	p := &Processor{
		client:    client,
		scheduler: sched,
		recovery:  &Recovery{OrderID: "journaled-1", Price: decimal.NewFromInt(100)},
		logger:    testLogger(),
	}

	if err := p.recoverOrder(context.Background()); err != nil {
		t.Fatalf("recoverOrder failed: %v", err)
	}

	if client.cancelCalls == 0 {
		t.Error("expected recoverOrder to cancel the journaled order")
	}
	if p.orderID != "" {
		t.Error("expected recoverOrder to clear orderID so the caller re-places fresh")
	}
	if !p.isRecentOrderID("journaled-1") {
		t.Error("expected the journaled order id to be remembered")
	}

	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("expected the journaled order's trades to be replayed to the scheduler")
	}
}

func TestCantMoveSafelyFlagsOversizedPrice(t *testing.T) {
	t.Parallel()

	p := &Processor{orderQuoteAmount: decimal.NewFromInt(10)}
	if !p.cantMoveSafely(decimal.NewFromInt(20), decimal.NewFromInt(100)) {
		t.Error("expected unsafe move to be flagged (20 * 10 = 200 > 100)")
	}
	if p.cantMoveSafely(decimal.NewFromFloat(1), decimal.NewFromInt(100)) {
		t.Error("expected safe move not to be flagged (1 * 10 = 10 <= 100)")
	}
}
