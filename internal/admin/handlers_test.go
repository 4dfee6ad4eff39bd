package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/internal/risk"
	"github.com/arbot/tradecore/internal/txintent"
)

type fakeProvider struct {
	intents  []txintent.Snapshot
	balances []risk.CurrencySnapshot
	markets  []string
}

func (f fakeProvider) Intents() []txintent.Snapshot      { return f.intents }
func (f fakeProvider) Balances() []risk.CurrencySnapshot { return f.balances }
func (f fakeProvider) ActiveMarkets() []string           { return f.markets }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := newHandlers(fakeProvider{}, config.Config{}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status body = %v, want ok", body)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	provider := fakeProvider{
		markets: []string{"BTC_USDT:BUY"},
	}
	cfg := config.Config{
		Trading: config.TradingConfig{
			PrimaryCurrencies: []string{"USDT"},
			MinTradeAmount:    "10",
		},
	}
	h := newHandlers(provider, cfg, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snapshot StatusSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snapshot.ActiveMarkets) != 1 || snapshot.ActiveMarkets[0] != "BTC_USDT:BUY" {
		t.Errorf("ActiveMarkets = %v", snapshot.ActiveMarkets)
	}
	if snapshot.Config.MinTradeAmount != "10" {
		t.Errorf("Config.MinTradeAmount = %q, want 10", snapshot.Config.MinTradeAmount)
	}
}
