package txintent

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/pkg/types"
)

func sampleMarkets() []TranIntentMarket {
	return []TranIntentMarket{
		{Kind: Predicted, Market: types.Market{Base: "BTC", Quote: "USDT"}, Speed: types.Instant, FromCurrency: "USDT", FromAmount: decimal.NewFromInt(100)},
		{Kind: Predicted, Market: types.Market{Base: "ETH", Quote: "BTC"}, Speed: types.Delayed, FromCurrency: "BTC", FromAmount: decimal.Zero},
	}
}

func TestShapeHashStableAcrossAmounts(t *testing.T) {
	t.Parallel()

	a := sampleMarkets()
	b := sampleMarkets()
	b[0].FromAmount = decimal.NewFromInt(999)

	if ShapeHash(a) != ShapeHash(b) {
		t.Error("shape hash should ignore amounts")
	}
}

func TestManagerRegisterFindRemove(t *testing.T) {
	t.Parallel()

	mgr := NewManager()
	in := &Intent{ID: "intent-1", Markets: sampleMarkets(), MarketIdx: 0, InitCurrency: "USDT", InitAmount: decimal.NewFromInt(100)}
	mgr.Register(in)

	found := mgr.FindMergeCandidate(ShapeHash(in.Markets), 0, "other-intent")
	if found == nil || found.ID != "intent-1" {
		t.Fatal("expected to find registered intent as merge candidate")
	}

	mgr.Remove("intent-1")
	if mgr.Get("intent-1") != nil {
		t.Error("expected intent removed")
	}
	if mgr.FindMergeCandidate(ShapeHash(in.Markets), 0, "") != nil {
		t.Error("expected no merge candidate after removal")
	}
}

func TestMergeChannelLifecycle(t *testing.T) {
	t.Parallel()

	mgr := NewManager()
	in := &Intent{ID: "intent-1", Markets: sampleMarkets(), MarketIdx: 0, InitCurrency: "USDT", InitAmount: decimal.NewFromInt(100)}
	mgr.Register(in)

	ch := mgr.MergeChannel("intent-1")
	if ch == nil {
		t.Fatal("expected a merge channel for a registered intent")
	}

	req := MergeRequest{InitDelta: decimal.NewFromInt(1), CurrDelta: decimal.NewFromInt(2), Ack: make(chan bool, 1)}
	select {
	case ch <- req:
	default:
		t.Fatal("expected the merge channel to accept a buffered offer")
	}

	mgr.Remove("intent-1")
	if mgr.MergeChannel("intent-1") != nil {
		t.Error("expected merge channel to be gone after Remove")
	}
}

func TestMergeAppendsAdjustmentTrades(t *testing.T) {
	t.Parallel()

	target := &Intent{
		ID:           "target",
		Markets:      sampleMarkets(),
		MarketIdx:    1,
		InitCurrency: "USDT",
		InitAmount:   decimal.NewFromInt(100),
	}
	target.Markets[0].Kind = Completed
	target.Markets[0].Trades = []types.Trade{{TradeID: "t0", Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(1), FeeMultiplier: decimal.NewFromFloat(0.999)}}

	if err := Merge(target, decimal.NewFromInt(10), decimal.NewFromInt(5)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	if !target.InitAmount.Equal(decimal.NewFromInt(110)) {
		t.Errorf("InitAmount = %s, want 110", target.InitAmount)
	}
	if !target.Markets[1].FromAmount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Markets[1].FromAmount = %s, want 5", target.Markets[1].FromAmount)
	}
	// MarketIdx is 1, so step 0 is both the first step (adjustFrom) and
	// step k-1 (adjustTarget): the original trade plus two adjustments.
	if len(target.Markets[0].Trades) != 3 {
		t.Errorf("expected adjustFrom and adjustTarget trades appended to step 0, got %d trades", len(target.Markets[0].Trades))
	}
}

func TestSplitMarketsConservesFromAmount(t *testing.T) {
	t.Parallel()

	markets := []TranIntentMarket{
		{Kind: PartiallyCompleted, Market: types.Market{Base: "BTC", Quote: "USDT"}, Speed: types.Instant, FromCurrency: "USDT", FromAmount: decimal.NewFromInt(100)},
	}

	trades := []types.Trade{{TradeID: "t1", Amount: decimal.NewFromInt(40), Price: decimal.NewFromInt(1), FeeMultiplier: decimal.NewFromFloat(0.999)}}
	remaining, committed := SplitMarkets(markets, 0, trades)

	if !remaining[0].FromAmountValue().Equal(decimal.NewFromInt(60)) {
		t.Errorf("remaining[0].FromAmountValue() = %s, want 60", remaining[0].FromAmountValue())
	}
	if !committed[0].FromAmountValue().Equal(decimal.NewFromInt(40)) {
		t.Errorf("committed[0].FromAmountValue() = %s, want 40", committed[0].FromAmountValue())
	}
	if committed[0].Kind != Completed {
		t.Errorf("committed[0].Kind = %s, want Completed", committed[0].Kind)
	}
}
