package admin

import (
	"time"

	"github.com/arbot/tradecore/internal/risk"
	"github.com/arbot/tradecore/internal/txintent"
)

// StatusSnapshot is the complete admin status payload, built fresh on
// every /status request from the Trader's live state.
type StatusSnapshot struct {
	Timestamp     time.Time              `json:"timestamp"`
	Intents       []txintent.Snapshot    `json:"intents"`
	Balances      []risk.CurrencySnapshot `json:"balances"`
	ActiveMarkets []string               `json:"active_markets"`
	Config        ConfigSummary          `json:"config"`
}

// ConfigSummary is the subset of running configuration worth exposing on
// the status endpoint, trimmed of credentials.
type ConfigSummary struct {
	DryRun            bool     `json:"dry_run"`
	PrimaryCurrencies []string `json:"primary_currencies"`
	MinTradeAmount    string   `json:"min_trade_amount"`
	PathFindInterval  string   `json:"path_find_interval"`
	BlacklistTTL      string   `json:"blacklist_ttl"`
}

// ErrorResponse is the JSON body written on a handler error.
type ErrorResponse struct {
	Error string `json:"error"`
}
