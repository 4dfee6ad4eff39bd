package risk

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAvailableSubtractsReserveAndInUse(t *testing.T) {
	t.Parallel()

	cfg := config.RiskConfig{FixedReserve: map[string]string{"USDT": "50"}}
	m, err := NewManager(cfg, decimal.NewFromInt(1), testLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	m.UpdateBalance("USDT", decimal.NewFromInt(1000))
	if err := m.Reserve("USDT", decimal.NewFromInt(200)); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	want := decimal.NewFromInt(750) // 1000 - 50 reserve - 200 in use
	if !m.Available("USDT").Equal(want) {
		t.Errorf("Available() = %s, want %s", m.Available("USDT"), want)
	}
}

func TestReserveRejectsOverdraft(t *testing.T) {
	t.Parallel()

	m, err := NewManager(config.RiskConfig{}, decimal.NewFromInt(1), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.UpdateBalance("USDT", decimal.NewFromInt(10))

	if err := m.Reserve("USDT", decimal.NewFromInt(20)); err == nil {
		t.Fatal("expected overdraft to be rejected")
	}
}

func TestReleaseReturnsBalance(t *testing.T) {
	t.Parallel()

	m, err := NewManager(config.RiskConfig{}, decimal.NewFromInt(1), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	m.UpdateBalance("USDT", decimal.NewFromInt(100))
	if err := m.Reserve("USDT", decimal.NewFromInt(40)); err != nil {
		t.Fatal(err)
	}

	m.Release("USDT", decimal.NewFromInt(40))
	if !m.Available("USDT").Equal(decimal.NewFromInt(100)) {
		t.Errorf("Available() after release = %s, want 100", m.Available("USDT"))
	}
}

func TestMeetsMinimum(t *testing.T) {
	t.Parallel()

	m, err := NewManager(config.RiskConfig{}, decimal.NewFromInt(10), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if m.MeetsMinimum(decimal.NewFromInt(5)) {
		t.Error("expected amount below minimum to fail")
	}
	if !m.MeetsMinimum(decimal.NewFromInt(10)) {
		t.Error("expected amount at minimum to pass")
	}
}
