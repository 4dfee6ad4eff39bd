package admin

import (
	"time"

	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/internal/risk"
	"github.com/arbot/tradecore/internal/txintent"
)

// StatusProvider is what the Trader top level exposes to the admin
// surface, kept narrow so admin never reaches back into the Trader's
// internals directly.
type StatusProvider interface {
	Intents() []txintent.Snapshot
	Balances() []risk.CurrencySnapshot
	ActiveMarkets() []string
}

// BuildStatusSnapshot aggregates state from the running Trader into a
// status payload, the way the teacher's BuildSnapshot folds market,
// risk, and config state into one dashboard response.
func BuildStatusSnapshot(provider StatusProvider, cfg config.Config) StatusSnapshot {
	return StatusSnapshot{
		Timestamp:     time.Now(),
		Intents:       provider.Intents(),
		Balances:      provider.Balances(),
		ActiveMarkets: provider.ActiveMarkets(),
		Config:        newConfigSummary(cfg),
	}
}

func newConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		DryRun:            cfg.DryRun,
		PrimaryCurrencies: cfg.Trading.PrimaryCurrencies,
		MinTradeAmount:    cfg.Trading.MinTradeAmount,
		PathFindInterval:  cfg.Trading.PathFindInterval.String(),
		BlacklistTTL:      cfg.Trading.BlacklistTTL.String(),
	}
}
