package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/pkg/types"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun: true,
		rl:     NewRateLimiter(),
		logger: logger,
	}
}

func testMarket() types.Market {
	return types.Market{Base: "BTC", Quote: "USDT"}
}

func TestDryRunPlace(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	result, err := c.Place(context.Background(), testMarket(), types.Buy, decimal.NewFromFloat(50000), decimal.NewFromInt(100), types.PostOnly, "client-1")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if result.OrderID == "" {
		t.Error("expected non-empty OrderID in dry-run")
	}
}

func TestDryRunMove(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	result, err := c.Move(context.Background(), "order-1", decimal.NewFromFloat(50100), nil, types.PostOnly, "client-2")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if result.OrderID != "order-1" {
		t.Errorf("OrderID = %q, want order-1", result.OrderID)
	}
}

func TestDryRunCancel(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	if err := c.Cancel(context.Background(), "order-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{DryRun: true, API: config.APIConfig{RESTBaseURL: "http://localhost"}}
	auth := &Auth{}
	c := NewClient(cfg, auth, logger)

	if !c.dryRun {
		t.Error("client.dryRun should be true when config.DryRun is true")
	}
}

func TestClassifyMaxOrdersExceededIsTransient(t *testing.T) {
	t.Parallel()

	// Checks the class Classify gives one sentinel that mapExchangeError can
	// produce; mapExchangeError itself is not called here.
	if Classify(ErrMaxOrdersExceeded) != ClassTransient {
		t.Error("ErrMaxOrdersExceeded should classify as transient")
	}
}
