package journal

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/txintent"
	"github.com/arbot/tradecore/pkg/types"
)

func TestEncodeDecodeMarketsRoundTrip(t *testing.T) {
	t.Parallel()

	markets := []txintent.TranIntentMarket{
		{
			Kind:         txintent.Completed,
			Market:       types.Market{Base: "BTC", Quote: "USDT"},
			Speed:        types.Instant,
			FromCurrency: "USDT",
			Trades: []types.Trade{
				{TradeID: "t1", Amount: decimal.NewFromInt(100), Price: decimal.NewFromInt(9000), FeeMultiplier: decimal.NewFromFloat(0.999)},
			},
		},
		{
			Kind:         txintent.Predicted,
			Market:       types.Market{Base: "ETH", Quote: "BTC"},
			Speed:        types.Delayed,
			FromCurrency: "BTC",
			FromAmount:   decimal.NewFromFloat(0.05),
		},
	}

	data, err := encodeMarkets(markets)
	if err != nil {
		t.Fatalf("encodeMarkets() error = %v", err)
	}

	decoded, err := decodeMarkets(data)
	if err != nil {
		t.Fatalf("decodeMarkets() error = %v", err)
	}

	if len(decoded) != len(markets) {
		t.Fatalf("decoded %d markets, want %d", len(decoded), len(markets))
	}
	if decoded[0].Kind != txintent.Completed {
		t.Errorf("decoded[0].Kind = %s, want Completed", decoded[0].Kind)
	}
	if decoded[0].Market != markets[0].Market {
		t.Errorf("decoded[0].Market = %v, want %v", decoded[0].Market, markets[0].Market)
	}
	if len(decoded[0].Trades) != 1 || !decoded[0].Trades[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("decoded[0].Trades mismatch: %+v", decoded[0].Trades)
	}
	if !decoded[1].FromAmount.Equal(decimal.NewFromFloat(0.05)) {
		t.Errorf("decoded[1].FromAmount = %s, want 0.05", decoded[1].FromAmount)
	}
}
