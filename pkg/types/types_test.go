package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestMarketOrderTypeFor(t *testing.T) {
	t.Parallel()

	m := Market{Base: "BTC", Quote: "USDT"}

	tests := []struct {
		from Currency
		want OrderType
	}{
		{"BTC", Buy},
		{"USDT", Sell},
	}

	for _, tt := range tests {
		if got := m.OrderTypeFor(tt.from); got != tt.want {
			t.Errorf("Market.OrderTypeFor(%q) = %q, want %q", tt.from, got, tt.want)
		}
	}
}

func TestMarketOther(t *testing.T) {
	t.Parallel()

	m := Market{Base: "BTC", Quote: "USDT"}

	if got := m.Other("BTC"); got != "USDT" {
		t.Errorf("Market.Other(BTC) = %q, want USDT", got)
	}
	if got := m.Other("USDT"); got != "BTC" {
		t.Errorf("Market.Other(USDT) = %q, want BTC", got)
	}
}

func TestMarketString(t *testing.T) {
	t.Parallel()

	m := Market{Base: "BTC", Quote: "USDT"}
	if got := m.String(); got != "BTC_USDT" {
		t.Errorf("Market.String() = %q, want BTC_USDT", got)
	}
}

func TestOrderBookBestBidAsk(t *testing.T) {
	t.Parallel()

	empty := OrderBookAbstract{}
	if _, ok := empty.BestAsk(); ok {
		t.Error("BestAsk() on empty book should return ok=false")
	}
	if _, ok := empty.BestBid(); ok {
		t.Error("BestBid() on empty book should return ok=false")
	}

	book := OrderBookAbstract{
		Asks: []PriceLevel{{Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(1)}},
		Bids: []PriceLevel{{Price: decimal.NewFromInt(9), Size: decimal.NewFromInt(2)}},
	}

	ask, ok := book.BestAsk()
	if !ok || !ask.Price.Equal(decimal.NewFromInt(10)) {
		t.Errorf("BestAsk() = %+v, ok=%v, want price 10, ok=true", ask, ok)
	}

	bid, ok := book.BestBid()
	if !ok || !bid.Price.Equal(decimal.NewFromInt(9)) {
		t.Errorf("BestBid() = %+v, ok=%v, want price 9, ok=true", bid, ok)
	}
}

func TestOrderBookPrimarySecondarySide(t *testing.T) {
	t.Parallel()

	book := OrderBookAbstract{
		Asks: []PriceLevel{{Price: decimal.NewFromInt(10)}},
		Bids: []PriceLevel{{Price: decimal.NewFromInt(9)}},
	}

	if got := len(book.PrimarySide(Buy)); got != len(book.Bids) {
		t.Errorf("PrimarySide(Buy) should be Bids, got len %d", got)
	}
	if got := len(book.SecondarySide(Buy)); got != len(book.Asks) {
		t.Errorf("SecondarySide(Buy) should be Asks, got len %d", got)
	}
	if got := len(book.PrimarySide(Sell)); got != len(book.Asks) {
		t.Errorf("PrimarySide(Sell) should be Asks, got len %d", got)
	}
	if got := len(book.SecondarySide(Sell)); got != len(book.Bids) {
		t.Errorf("SecondarySide(Sell) should be Bids, got len %d", got)
	}
}
