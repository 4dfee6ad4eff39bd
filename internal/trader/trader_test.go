package trader

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/internal/risk"
	"github.com/arbot/tradecore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseMarket(t *testing.T) {
	t.Parallel()

	market, err := parseMarket("BTC_USDT")
	if err != nil {
		t.Fatalf("parseMarket() error = %v", err)
	}
	want := types.Market{Base: "BTC", Quote: "USDT"}
	if market != want {
		t.Errorf("parseMarket() = %v, want %v", market, want)
	}

	if _, err := parseMarket("malformed"); err == nil {
		t.Error("expected error for malformed market string")
	}
}

func TestParseMarketSpeedsRejectsUnknownSpeed(t *testing.T) {
	t.Parallel()

	_, err := parseMarketSpeeds(map[string]string{"BTC_USDT": "SLOW"})
	if err == nil {
		t.Error("expected error for unknown speed")
	}

	speeds, err := parseMarketSpeeds(map[string]string{"BTC_USDT": "instant", "ETH_BTC": "DELAYED"})
	if err != nil {
		t.Fatalf("parseMarketSpeeds() error = %v", err)
	}
	if speeds[types.Market{Base: "BTC", Quote: "USDT"}] != types.Instant {
		t.Error("expected BTC_USDT to parse as Instant")
	}
	if speeds[types.Market{Base: "ETH", Quote: "BTC"}] != types.Delayed {
		t.Error("expected ETH_BTC to parse as Delayed")
	}
}

func TestReservationTrackAndRelease(t *testing.T) {
	t.Parallel()

	riskMgr, err := risk.NewManager(config.RiskConfig{}, decimal.NewFromInt(1), testLogger())
	if err != nil {
		t.Fatalf("risk.NewManager() error = %v", err)
	}
	riskMgr.UpdateBalance("USDT", decimal.NewFromInt(1000))
	if err := riskMgr.Reserve("USDT", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	tr := &Trader{reservations: make(map[string]reservation), riskMgr: riskMgr}
	tr.trackReservation("root-1", reservation{currency: "USDT", amount: decimal.NewFromInt(100)})

	shapes := tr.inFlightShapes()
	if !shapes["root-1"] {
		t.Error("expected root-1 to be reported in-flight")
	}

	tr.releaseReservation("root-1")
	if tr.inFlightShapes()["root-1"] {
		t.Error("expected root-1 removed after release")
	}
	if !riskMgr.Available("USDT").Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Available() after release = %s, want 1000", riskMgr.Available("USDT"))
	}

	// Releasing again is a no-op, not a panic.
	tr.releaseReservation("root-1")
}

func TestMarketBlacklistExpiry(t *testing.T) {
	t.Parallel()

	market := types.Market{Base: "BTC", Quote: "USDT"}
	b := &marketBlacklist{until: map[types.Market]time.Time{market: time.Now().Add(-time.Second)}}

	if b.isBlacklisted(market) {
		t.Error("expected expired blacklist entry to report false")
	}

	b2 := &marketBlacklist{until: map[types.Market]time.Time{market: time.Now().Add(time.Hour)}}
	if !b2.isBlacklisted(market) {
		t.Error("expected live blacklist entry to report true")
	}
}
