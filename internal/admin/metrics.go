package admin

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the trading engine's operational health, served
// by the admin HTTP surface at /metrics (Prometheus text exposition
// format). Registered once in init(); updated from internal/trader. The
// intents-completed and instant-trade-retry counters have no call sites,
// so they stay at zero.
var (
	pathsEnumerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_paths_enumerated_total",
			Help: "Profitable paths returned by the Path Enumerator per primary currency.",
		},
		[]string{"currency"},
	)

	pathsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_paths_started_total",
			Help: "Root intents started per primary currency.",
		},
		[]string{"currency"},
	)

	intentsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_intents_completed_total",
			Help: "Intents that reached a terminal COMPLETED step, by outcome.",
		},
		[]string{"outcome"}, // profitable|unprofitable|unfilled_residue
	)

	marketsBlacklisted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_markets_blacklisted_total",
			Help: "Markets the Runner disabled after a MarketDisabled/OrderMatchingDisabled response.",
		},
	)

	schedulersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_schedulers_active",
			Help: "Currently running (market, side) Scheduler/Processor pairs.",
		},
	)

	intentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_intents_active",
			Help: "Currently registered live intents.",
		},
	)

	reservedBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecore_reserved_balance",
			Help: "Balance currently committed to live root intents, by currency.",
		},
		[]string{"currency"},
	)

	instantTradeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_instant_trade_retries_total",
			Help: "Instant-Trade Executor retry attempts, by error class.",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(pathsEnumerated, pathsStarted)
	prometheus.MustRegister(intentsCompleted, marketsBlacklisted)
	prometheus.MustRegister(schedulersActive, intentsActive, reservedBalance)
	prometheus.MustRegister(instantTradeRetries)
}

// IncPathsEnumerated records n profitable paths surfaced for currency.
func IncPathsEnumerated(currency string, n int) {
	pathsEnumerated.WithLabelValues(currency).Add(float64(n))
}

// IncPathStarted records a root intent started for currency.
func IncPathStarted(currency string) { pathsStarted.WithLabelValues(currency).Inc() }

// IncIntentCompleted records an intent reaching a terminal outcome.
func IncIntentCompleted(outcome string) { intentsCompleted.WithLabelValues(outcome).Inc() }

// IncMarketBlacklisted records a market being disabled.
func IncMarketBlacklisted() { marketsBlacklisted.Inc() }

// SetSchedulersActive sets the current count of live Scheduler/Processor pairs.
func SetSchedulersActive(n int) { schedulersActive.Set(float64(n)) }

// SetIntentsActive sets the current count of registered intents.
func SetIntentsActive(n int) { intentsActive.Set(float64(n)) }

// SetReservedBalance sets the currently reserved amount for currency.
func SetReservedBalance(currency string, amount float64) {
	reservedBalance.WithLabelValues(currency).Set(amount)
}

// IncInstantTradeRetry records a retry attempt of the given error class.
func IncInstantTradeRetry(class string) { instantTradeRetries.WithLabelValues(class).Inc() }
