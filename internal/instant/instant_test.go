package instant

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/internal/exchange"
	"github.com/arbot/tradecore/pkg/types"
)

type fakeBookSource struct {
	book types.OrderBookAbstract
	has  bool
}

func (f fakeBookSource) Latest(types.Market) (types.OrderBookAbstract, bool) { return f.book, f.has }

type fakeClient struct {
	calls   int
	results []*types.OrderResult
	errs    []error
}

func (f *fakeClient) Place(ctx context.Context, market types.Market, side types.OrderType, price, quoteAmount decimal.Decimal, kind types.OrderKind, clientOrderID string) (*types.OrderResult, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &types.OrderResult{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.InstantConfig {
	return config.InstantConfig{
		MaxRetries:           5,
		UnableToFillBackoff:  time.Millisecond,
		TxFailedBackoff:      time.Millisecond,
		MaxOrdersBackoff:     time.Millisecond,
		NetworkBackoff:       time.Millisecond,
		NotEnoughCryptoTries: 3,
	}
}

func TestExecuteEmptyBookAborts(t *testing.T) {
	t.Parallel()

	books := fakeBookSource{has: false}
	client := &fakeClient{}
	e := New(books, client, testConfig(), testLogger())

	_, err := e.Execute(context.Background(), types.Market{Base: "BTC", Quote: "USDT"}, types.Buy, decimal.NewFromInt(100), types.FeeMultiplier{Taker: decimal.NewFromFloat(0.999)}, "intent-1")

	var abortErr *Error
	if !errors.As(err, &abortErr) || abortErr.Reason != AbortOrderBookEmpty {
		t.Fatalf("expected AbortOrderBookEmpty, got %v", err)
	}
}

func TestExecuteFatalAmountAborts(t *testing.T) {
	t.Parallel()

	books := fakeBookSource{has: true, book: types.OrderBookAbstract{
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(2), Size: decimal.NewFromInt(100)}},
	}}
	client := &fakeClient{errs: []error{exchange.ErrAmountMustBeAtLeast}}
	e := New(books, client, testConfig(), testLogger())

	_, err := e.Execute(context.Background(), types.Market{Base: "BTC", Quote: "USDT"}, types.Buy, decimal.NewFromInt(10), types.FeeMultiplier{Taker: decimal.NewFromFloat(0.999)}, "intent-2")

	var abortErr *Error
	if !errors.As(err, &abortErr) || abortErr.Reason != AbortFatalAmount {
		t.Fatalf("expected AbortFatalAmount, got %v", err)
	}
}

func TestExecuteSucceedsAfterTransientRetry(t *testing.T) {
	t.Parallel()

	books := fakeBookSource{has: true, book: types.OrderBookAbstract{
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(2), Size: decimal.NewFromInt(100)}},
	}}
	client := &fakeClient{
		errs: []error{exchange.ErrTransactionFailed, nil},
		results: []*types.OrderResult{
			nil,
			{OrderID: "o1", Trades: []types.Trade{{TradeID: "t1", Amount: decimal.NewFromInt(5), Price: decimal.NewFromInt(2), FeeMultiplier: decimal.NewFromFloat(0.999)}}},
		},
	}
	e := New(books, client, testConfig(), testLogger())

	trades, err := e.Execute(context.Background(), types.Market{Base: "BTC", Quote: "USDT"}, types.Buy, decimal.NewFromInt(10), types.FeeMultiplier{Taker: decimal.NewFromFloat(0.999)}, "intent-3")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(trades) == 0 {
		t.Fatal("expected at least one trade")
	}
}

func TestExecuteNotEnoughCryptoAbortsAfterRetries(t *testing.T) {
	t.Parallel()

	books := fakeBookSource{has: true, book: types.OrderBookAbstract{
		Asks: []types.PriceLevel{{Price: decimal.NewFromInt(2), Size: decimal.NewFromInt(100)}},
	}}
	client := &fakeClient{errs: []error{
		exchange.ErrNotEnoughCrypto, exchange.ErrNotEnoughCrypto, exchange.ErrNotEnoughCrypto, exchange.ErrNotEnoughCrypto,
	}}
	e := New(books, client, testConfig(), testLogger())

	_, err := e.Execute(context.Background(), types.Market{Base: "BTC", Quote: "USDT"}, types.Buy, decimal.NewFromInt(10), types.FeeMultiplier{Taker: decimal.NewFromFloat(0.999)}, "intent-4")

	var abortErr *Error
	if !errors.As(err, &abortErr) || abortErr.Reason != AbortInsufficientBalance {
		t.Fatalf("expected AbortInsufficientBalance, got %v", err)
	}
}
