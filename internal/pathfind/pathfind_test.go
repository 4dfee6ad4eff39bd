package pathfind

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/pkg/types"
)

type fakeBooks struct {
	books map[types.Market]types.OrderBookAbstract
}

func (f fakeBooks) Latest(m types.Market) (types.OrderBookAbstract, bool) {
	b, ok := f.books[m]
	return b, ok
}

type fakeFees struct{}

func (fakeFees) Get(types.Market) (types.FeeMultiplier, bool) {
	return types.FeeMultiplier{Maker: decimal.NewFromFloat(0.999), Taker: decimal.NewFromFloat(0.999)}, true
}

func TestEnumerateFindsTriangularPath(t *testing.T) {
	t.Parallel()

	usdtBtc := types.Market{Base: "BTC", Quote: "USDT"}
	btcEth := types.Market{Base: "ETH", Quote: "BTC"}
	ethUsdt := types.Market{Base: "ETH", Quote: "USDT"}

	books := fakeBooks{books: map[types.Market]types.OrderBookAbstract{
		usdtBtc: {Asks: []types.PriceLevel{{Price: decimal.NewFromInt(50000), Size: decimal.NewFromInt(10)}}},
		btcEth:  {Asks: []types.PriceLevel{{Price: decimal.NewFromFloat(0.05), Size: decimal.NewFromInt(200)}}},
		ethUsdt: {Bids: []types.PriceLevel{{Price: decimal.NewFromInt(2600), Size: decimal.NewFromInt(100)}}},
	}}

	graph := NewGraph(map[types.Market]types.Speed{
		usdtBtc: types.Instant,
		btcEth:  types.Delayed,
		ethUsdt: types.Instant,
	}, books, fakeFees{})

	ends := map[types.Currency]bool{"USDT": true}
	paths := graph.Enumerate("USDT", decimal.NewFromInt(1000), ends, nil)

	if len(paths) == 0 {
		t.Fatal("expected at least one path")
	}
	for _, p := range paths {
		if len(p.Chain) == 0 {
			t.Error("path should have at least one step")
		}
	}
}

func TestEnumerateFiltersInFlightShape(t *testing.T) {
	t.Parallel()

	m := types.Market{Base: "BTC", Quote: "USDT"}
	books := fakeBooks{books: map[types.Market]types.OrderBookAbstract{
		m: {Asks: []types.PriceLevel{{Price: decimal.NewFromInt(2), Size: decimal.NewFromInt(100)}},
			Bids: []types.PriceLevel{{Price: decimal.NewFromFloat(0.49), Size: decimal.NewFromInt(100)}}},
	}}
	graph := NewGraph(map[types.Market]types.Speed{m: types.Instant}, books, fakeFees{})

	ends := map[types.Currency]bool{"BTC": true}
	all := graph.Enumerate("USDT", decimal.NewFromInt(10), ends, nil)
	if len(all) == 0 {
		t.Fatal("expected at least one path without filtering")
	}

	inFlight := map[string]bool{all[0].ShapeHash(): true}
	filtered := graph.Enumerate("USDT", decimal.NewFromInt(10), ends, inFlight)
	for _, p := range filtered {
		if p.ShapeHash() == all[0].ShapeHash() {
			t.Error("expected in-flight shape to be filtered out")
		}
	}
}

func TestShapeHashStableForSameChain(t *testing.T) {
	t.Parallel()

	p1 := ExhaustivePath{Chain: []Order{{Market: types.Market{Base: "BTC", Quote: "USDT"}, Speed: types.Instant}}}
	p2 := ExhaustivePath{Chain: []Order{{Market: types.Market{Base: "BTC", Quote: "USDT"}, Speed: types.Instant}}}

	if p1.ShapeHash() != p2.ShapeHash() {
		t.Error("identical chains should produce identical shape hashes")
	}
}

func TestProfitComputation(t *testing.T) {
	t.Parallel()

	p := ExhaustivePath{Chain: []Order{
		{FromAmount: decimal.NewFromInt(100), ToAmount: decimal.NewFromInt(50)},
		{FromAmount: decimal.NewFromInt(50), ToAmount: decimal.NewFromInt(110)},
	}}
	if !p.Profit().Equal(decimal.NewFromInt(10)) {
		t.Errorf("Profit() = %s, want 10", p.Profit())
	}
}
